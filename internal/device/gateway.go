package device

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/memchat/bridge-server-go/internal/errors"
	"github.com/memchat/bridge-server-go/internal/util"
)

const (
	photoTimeout     = 10 * time.Second
	eventBufferSize  = 32
	gatewayWriteWait = 5 * time.Second
)

// Gateway terminates device-cloud websocket connections and exposes each
// one to the registry as a Session.
//
// Wire protocol (JSON text frames):
//
//	device → bridge: {"type":"hello","device_id":"...","camera":true}
//	                 {"type":"transcription","text":"...","final":true}
//	                 {"type":"button","press":"short"|"long"}
//	                 {"type":"photo","request_id":"...","data":"<base64 jpeg>"}
//	bridge → device: {"type":"show_text","text":"..."}
//	                 {"type":"show_card","title":"...","body":"..."}
//	                 {"type":"status","text":"..."}
//	                 {"type":"speak","text":"..."}
//	                 {"type":"capture_photo","request_id":"..."}
type Gateway struct {
	handler  SessionHandler
	key      string
	upgrader websocket.Upgrader
}

func NewGateway(handler SessionHandler, key string) *Gateway {
	return &Gateway{
		handler: handler,
		key:     key,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

type deviceFrame struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id,omitempty"`
	Camera    bool   `json:"camera,omitempty"`
	Text      string `json:"text,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Press     string `json:"press,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Data      string `json:"data,omitempty"`
}

type bridgeFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ServeHTTP handles GET /device/ws?key=...
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.key != "" && !util.ConstantTimeEqual(r.URL.Query().Get("key"), g.key) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("device gateway: bad key")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("device gateway: upgrade failed")
		return
	}

	// The first frame must identify the device before a session exists.
	var hello deviceFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" || hello.DeviceID == "" {
		log.Warn().Err(err).Msg("device gateway: missing hello frame")
		conn.Close()
		return
	}

	sess := &wsSession{
		id:       uuid.NewString(),
		identity: hello.DeviceID,
		caps:     Capabilities{Camera: hello.Camera},
		conn:     conn,
		events:   make(chan Event, eventBufferSize),
		photos:   make(map[string]chan []byte),
	}

	log.Info().
		Str("sessionId", sess.id).
		Str("identity", sess.identity).
		Bool("camera", sess.caps.Camera).
		Msg("device session connected")

	g.handler.HandleSessionStart(r.Context(), sess)
	sess.readLoop()
	g.handler.HandleSessionStop(sess.id)

	log.Info().
		Str("sessionId", sess.id).
		Str("identity", sess.identity).
		Msg("device session disconnected")
}

type wsSession struct {
	id       string
	identity string
	caps     Capabilities
	conn     *websocket.Conn
	events   chan Event

	writeMu sync.Mutex
	photoMu sync.Mutex
	photos  map[string]chan []byte
}

func (s *wsSession) ID() string                 { return s.id }
func (s *wsSession) Identity() string           { return s.identity }
func (s *wsSession) Capabilities() Capabilities { return s.caps }
func (s *wsSession) Events() <-chan Event       { return s.events }

func (s *wsSession) readLoop() {
	defer close(s.events)
	defer s.failPendingPhotos()

	for {
		var frame deviceFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "transcription":
			s.deliver(Transcription{Text: frame.Text, Final: frame.Final})
		case "button":
			press := PressType(frame.Press)
			if press != PressShort && press != PressLong {
				continue
			}
			s.deliver(ButtonPress{Press: press})
		case "photo":
			s.deliverPhoto(frame.RequestID, frame.Data)
		default:
			log.Debug().Str("sessionId", s.id).Str("type", frame.Type).Msg("ignoring unknown device frame")
		}
	}
}

func (s *wsSession) deliver(event Event) {
	select {
	case s.events <- event:
	default:
		log.Warn().Str("sessionId", s.id).Msg("device event buffer full, dropping event")
	}
}

func (s *wsSession) deliverPhoto(requestID, data string) {
	frame, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", s.id).Msg("undecodable photo frame")
		return
	}

	s.photoMu.Lock()
	waiter, ok := s.photos[requestID]
	delete(s.photos, requestID)
	s.photoMu.Unlock()

	if ok {
		waiter <- frame
	}
}

func (s *wsSession) failPendingPhotos() {
	s.photoMu.Lock()
	defer s.photoMu.Unlock()
	for id, waiter := range s.photos {
		close(waiter)
		delete(s.photos, id)
	}
}

func (s *wsSession) ShowText(text string) {
	s.send(bridgeFrame{Type: "show_text", Text: text})
}

func (s *wsSession) ShowCard(title, body string) {
	s.send(bridgeFrame{Type: "show_card", Title: title, Body: body})
}

func (s *wsSession) ShowStatus(line string) {
	s.send(bridgeFrame{Type: "status", Text: line})
}

func (s *wsSession) Speak(text string) {
	s.send(bridgeFrame{Type: "speak", Text: text})
}

func (s *wsSession) CapturePhoto(ctx context.Context) ([]byte, error) {
	requestID := uuid.NewString()
	waiter := make(chan []byte, 1)

	s.photoMu.Lock()
	s.photos[requestID] = waiter
	s.photoMu.Unlock()

	s.send(bridgeFrame{Type: "capture_photo", RequestID: requestID})

	timer := time.NewTimer(photoTimeout)
	defer timer.Stop()

	select {
	case frame, ok := <-waiter:
		if !ok || len(frame) == 0 {
			return nil, apperrors.ChannelClosed()
		}
		return frame, nil
	case <-timer.C:
		s.photoMu.Lock()
		delete(s.photos, requestID)
		s.photoMu.Unlock()
		return nil, apperrors.Internal("photo capture timed out")
	case <-ctx.Done():
		s.photoMu.Lock()
		delete(s.photos, requestID)
		s.photoMu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *wsSession) send(frame bridgeFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(gatewayWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Err(err).Str("sessionId", s.id).Msg("device write failed")
	}
}
