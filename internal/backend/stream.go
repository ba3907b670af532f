package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const doneSentinel = "[DONE]"

// splitLines appends chunk to buf and splits out complete lines. The
// remainder after the last newline is returned as the new buffer, so
// frames split across network reads are reassembled before parsing.
func splitLines(buf, chunk []byte) (lines []string, rest []byte) {
	data := append(buf, chunk...)

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		if line != "" {
			lines = append(lines, line)
		}
		data = data[idx+1:]
	}

	return lines, data
}

// framePayload strips the SSE "data:" prefix. Lines without the prefix
// are not event frames (comments, field names we don't use).
func framePayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

type chatStreamRequest struct {
	Message        string  `json:"message"`
	ConversationID *string `json:"conversation_id,omitempty"`
}

// ChatStream issues the streaming chat call and yields its events in
// order. The returned channel is closed when the stream ends; a transport
// failure mid-stream is surfaced as a single ChatError event, never as a
// silent retry (a retried turn could duplicate backend-side effects).
func (c *Client) ChatStream(ctx context.Context, message string, conversationID *string) (<-chan ChatEvent, error) {
	body := chatStreamRequest{Message: message, ConversationID: conversationID}

	resp, err := c.doAuthenticated(ctx, http.MethodPost, "/api/chat/stream", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("chat stream: %s", readErrorMessage(resp))
	}

	events := make(chan ChatEvent, 16)
	go c.readChatStream(ctx, resp.Body, events)
	return events, nil
}

func (c *Client) readChatStream(ctx context.Context, body io.ReadCloser, events chan<- ChatEvent) {
	defer close(events)
	defer body.Close()

	var buf []byte
	chunk := make([]byte, 4096)

	for {
		n, err := body.Read(chunk)
		if n > 0 {
			var lines []string
			lines, buf = splitLines(buf, chunk[:n])
			for _, line := range lines {
				payload, ok := framePayload(line)
				if !ok {
					continue
				}
				if payload == doneSentinel {
					return
				}

				event, ok := parseChatEvent([]byte(payload))
				if !ok {
					log.Warn().
						Str("identity", c.identity).
						Str("frame", payload).
						Msg("dropping malformed chat stream frame")
					continue
				}

				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Error().Err(err).Str("identity", c.identity).Msg("chat stream read failed")
			select {
			case events <- ChatError{Message: "Connection to the assistant was lost"}:
			case <-ctx.Done():
			}
			return
		}
	}
}
