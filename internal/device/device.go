package device

import "context"

// PressType distinguishes the wearable's button gestures.
type PressType string

const (
	PressShort PressType = "short"
	PressLong  PressType = "long"
)

// Event is an input event originating on the device. Closed variant set,
// dispatched exhaustively by the session orchestrator.
type Event interface {
	deviceEvent()
}

// Transcription is a speech-to-text result. Non-final transcriptions are
// live previews and must produce no backend traffic.
type Transcription struct {
	Text  string
	Final bool
}

// ButtonPress is a hardware control event.
type ButtonPress struct {
	Press PressType
}

func (Transcription) deviceEvent() {}
func (ButtonPress) deviceEvent()   {}

// Capabilities describes what the connected hardware can do.
type Capabilities struct {
	Camera bool
}

// Session is one live device connection: the bridge's only input/output
// surface for a wearer. Implementations belong to the device-cloud
// transport; everything above this interface is transport-agnostic.
//
// Display and speech calls are fire-and-forget: a device that went away
// mid-call is handled by the transport, not the caller.
type Session interface {
	// ID is the opaque transport session identifier.
	ID() string
	// Identity is the stable device identity used to key credentials.
	Identity() string
	Capabilities() Capabilities
	// Events delivers device input in arrival order. The channel closes
	// when the session ends.
	Events() <-chan Event

	ShowText(text string)
	ShowCard(title, body string)
	ShowStatus(line string)
	Speak(text string)

	// CapturePhoto requests one still frame from the device camera.
	CapturePhoto(ctx context.Context) ([]byte, error)
}

// SessionHandler receives transport lifecycle notifications. Implemented
// by the session registry.
type SessionHandler interface {
	HandleSessionStart(ctx context.Context, sess Session)
	HandleSessionStop(sessionID string)
}
