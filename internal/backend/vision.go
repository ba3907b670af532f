package backend

import (
	"context"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// VisionConn is one open vision channel. SendFrame is fire-and-forget and
// a silent no-op once the channel is closed; the owner watches Done to
// learn about channel loss.
type VisionConn interface {
	SendFrame(frame []byte)
	Events() <-chan VisionEvent
	Done() <-chan struct{}
	Close()
}

type visionChannel struct {
	conn   *websocket.Conn
	events chan VisionEvent
	done   chan struct{}

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// OpenVisionChannel dials the backend's bidirectional vision transport
// with a fresh access token.
func (c *Client) OpenVisionChannel(ctx context.Context) (VisionConn, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := c.wsBaseURL + "/api/vision/stream?token=" + url.QueryEscape(token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	ch := &visionChannel{
		conn:   conn,
		events: make(chan VisionEvent, 16),
		done:   make(chan struct{}),
	}
	go ch.readLoop(c.identity)

	log.Info().Str("identity", c.identity).Msg("vision channel opened")
	return ch, nil
}

func (ch *visionChannel) readLoop(identity string) {
	defer close(ch.done)
	defer close(ch.events)

	for {
		messageType, data, err := ch.conn.ReadMessage()
		if err != nil {
			if !ch.isClosed() {
				log.Warn().Err(err).Str("identity", identity).Msg("vision channel lost")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, ok := parseVisionEvent(data)
		if !ok {
			log.Warn().Str("identity", identity).Msg("dropping malformed vision event")
			continue
		}

		select {
		case ch.events <- event:
		default:
			// Only the most recent annotation matters to the wearer.
			log.Debug().Str("identity", identity).Msg("vision event buffer full, dropping event")
		}
	}
}

func (ch *visionChannel) SendFrame(frame []byte) {
	if ch.isClosed() {
		return
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	// Send failures are ignored: the read loop observes the close and the
	// owner reconnects.
	_ = ch.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (ch *visionChannel) Events() <-chan VisionEvent {
	return ch.events
}

func (ch *visionChannel) Done() <-chan struct{} {
	return ch.done
}

// Close sends the explicit stop notice before closing the socket.
func (ch *visionChannel) Close() {
	ch.closeMu.Lock()
	if ch.closed {
		ch.closeMu.Unlock()
		return
	}
	ch.closed = true
	ch.closeMu.Unlock()

	ch.writeMu.Lock()
	_ = ch.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`))
	ch.writeMu.Unlock()

	_ = ch.conn.Close()
}

func (ch *visionChannel) isClosed() bool {
	ch.closeMu.Lock()
	defer ch.closeMu.Unlock()
	return ch.closed
}
