package backend

import "encoding/json"

// ChatEvent is one event from the backend's streaming chat call. The set
// of variants is closed; each relay matches exhaustively at its single
// dispatch point.
type ChatEvent interface {
	chatEvent()
}

// ChatToken is an incremental chunk of the assistant's answer.
type ChatToken struct {
	Text string
}

// ChatContent is the authoritative full text of the answer so far. It
// replaces anything accumulated from ChatToken events.
type ChatContent struct {
	Text string
}

// ChatProgress is a status line (e.g. a tool running), not answer text.
type ChatProgress struct {
	Message string
}

// ChatDone terminates a successful turn. ConversationID is the resumable
// handle for the next turn; it is the only streamed field that gets
// persisted.
type ChatDone struct {
	ConversationID string
	HistoryTokens  int
}

// ChatError reports a backend or transport failure for this turn.
type ChatError struct {
	Message string
}

func (ChatToken) chatEvent()    {}
func (ChatContent) chatEvent()  {}
func (ChatProgress) chatEvent() {}
func (ChatDone) chatEvent()     {}
func (ChatError) chatEvent()    {}

type chatEventFrame struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	HistoryTokens  int    `json:"history_tokens"`
}

// parseChatEvent decodes one stream frame payload. Unknown or malformed
// frames return ok=false and are dropped by the caller.
func parseChatEvent(data []byte) (ChatEvent, bool) {
	var frame chatEventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false
	}

	switch frame.Type {
	case "token":
		return ChatToken{Text: frame.Text}, true
	case "content":
		return ChatContent{Text: frame.Text}, true
	case "progress":
		return ChatProgress{Message: frame.Message}, true
	case "done":
		return ChatDone{ConversationID: frame.ConversationID, HistoryTokens: frame.HistoryTokens}, true
	case "error":
		return ChatError{Message: frame.Message}, true
	default:
		return nil, false
	}
}

// VisionEvent is one event from the backend's vision channel. Transient;
// never persisted.
type VisionEvent interface {
	visionEvent()
}

// VisionDetection summarizes object counts for one forwarded frame.
type VisionDetection struct {
	Objects map[string]int
	Frame   int
}

// VisionAnalysis carries a scene description produced when the detector
// decided the scene changed enough to warrant it.
type VisionAnalysis struct {
	Description string
	Trigger     string
}

// VisionChannelError reports a backend-side vision failure. Logged only.
type VisionChannelError struct {
	Message string
}

func (VisionDetection) visionEvent()    {}
func (VisionAnalysis) visionEvent()     {}
func (VisionChannelError) visionEvent() {}

type visionEventFrame struct {
	Type    string         `json:"type"`
	Objects map[string]int `json:"objects"`
	Frame   int            `json:"frame"`
	Content string         `json:"content"`
	Trigger string         `json:"trigger"`
	Message string         `json:"message"`
}

func parseVisionEvent(data []byte) (VisionEvent, bool) {
	var frame visionEventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false
	}

	switch frame.Type {
	case "detection":
		return VisionDetection{Objects: frame.Objects, Frame: frame.Frame}, true
	case "analysis":
		return VisionAnalysis{Description: frame.Content, Trigger: frame.Trigger}, true
	case "error":
		return VisionChannelError{Message: frame.Message}, true
	default:
		return nil, false
	}
}
