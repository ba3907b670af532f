package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memchat/bridge-server-go/internal/backend"
	"github.com/memchat/bridge-server-go/internal/device"
	"github.com/memchat/bridge-server-go/internal/model"
	"github.com/memchat/bridge-server-go/internal/repository"
)

var (
	_ device.Session               = (*fakeSession)(nil)
	_ ChatStreamer                 = (*fakeStreamer)(nil)
	_ repository.TurnLogRepository = (*fakeTurnLog)(nil)
	_ backend.VisionConn           = (*fakeVisionConn)(nil)
	_ VisionDialer                 = (*fakeVisionDialer)(nil)
)

type fakeSession struct {
	mu sync.Mutex

	camera     bool
	events     chan device.Event
	frames     [][]byte
	captureErr error

	texts    []string
	cards    [][2]string
	statuses []string
	spoken   []string
	captures int
}

func newFakeSession(camera bool) *fakeSession {
	return &fakeSession{
		camera: camera,
		events: make(chan device.Event, 8),
	}
}

func (s *fakeSession) ID() string       { return "sess-1" }
func (s *fakeSession) Identity() string { return "device-1" }

func (s *fakeSession) Capabilities() device.Capabilities {
	return device.Capabilities{Camera: s.camera}
}

func (s *fakeSession) Events() <-chan device.Event { return s.events }

func (s *fakeSession) ShowText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
}

func (s *fakeSession) ShowCard(title, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = append(s.cards, [2]string{title, body})
}

func (s *fakeSession) ShowStatus(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, line)
}

func (s *fakeSession) Speak(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
}

func (s *fakeSession) CapturePhoto(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures++
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	return []byte("jpeg"), nil
}

func (s *fakeSession) lastCard() ([2]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cards) == 0 {
		return [2]string{}, false
	}
	return s.cards[len(s.cards)-1], true
}

func (s *fakeSession) spokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

func (s *fakeSession) statusLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statuses...)
}

type chatCall struct {
	message        string
	conversationID *string
}

type fakeStreamer struct {
	mu       sync.Mutex
	calls    []chatCall
	streams  chan chan backend.ChatEvent
	startErr error

	savedIDs []string
	cleared  int
}

func newFakeStreamer(streamCount int) *fakeStreamer {
	return &fakeStreamer{streams: make(chan chan backend.ChatEvent, streamCount)}
}

func (f *fakeStreamer) ChatStream(ctx context.Context, message string, conversationID *string) (<-chan backend.ChatEvent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, chatCall{message: message, conversationID: conversationID})
	f.mu.Unlock()

	if f.startErr != nil {
		return nil, f.startErr
	}

	select {
	case stream := <-f.streams:
		return stream, nil
	default:
		return nil, errors.New("no scripted stream available")
	}
}

func (f *fakeStreamer) SaveConversationID(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedIDs = append(f.savedIDs, conversationID)
	return nil
}

func (f *fakeStreamer) ClearConversationID(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeStreamer) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, call := range f.calls {
		out[i] = call.message
	}
	return out
}

type fakeTurnLog struct {
	mu      sync.Mutex
	created []model.CreateTurnParams
}

func (f *fakeTurnLog) Create(ctx context.Context, params model.CreateTurnParams) (*model.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, params)
	return &model.Turn{
		ID:             uuid.NewString(),
		Identity:       params.Identity,
		ConversationID: params.ConversationID,
		UserText:       params.UserText,
		AssistantText:  params.AssistantText,
		HistoryTokens:  params.HistoryTokens,
		CreatedAt:      time.Now(),
	}, nil
}

func (f *fakeTurnLog) FindRecentByIdentity(ctx context.Context, identity string, limit int) ([]model.Turn, error) {
	return nil, nil
}

func (f *fakeTurnLog) CountByIdentity(ctx context.Context, identity string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), nil
}

func (f *fakeTurnLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeTurnLog) turns() []model.CreateTurnParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.CreateTurnParams(nil), f.created...)
}

type fakeVisionConn struct {
	mu     sync.Mutex
	events chan backend.VisionEvent
	done   chan struct{}
	frames [][]byte
	closed bool
}

func newFakeVisionConn() *fakeVisionConn {
	return &fakeVisionConn{
		events: make(chan backend.VisionEvent, 8),
		done:   make(chan struct{}),
	}
}

func (c *fakeVisionConn) SendFrame(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *fakeVisionConn) Events() <-chan backend.VisionEvent { return c.events }
func (c *fakeVisionConn) Done() <-chan struct{}              { return c.done }

func (c *fakeVisionConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
	close(c.done)
}

// drop simulates the backend side going away.
func (c *fakeVisionConn) drop() {
	c.Close()
}

func (c *fakeVisionConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeVisionDialer struct {
	mu    sync.Mutex
	conns chan backend.VisionConn
	calls int
	err   error
}

func newFakeVisionDialer() *fakeVisionDialer {
	return &fakeVisionDialer{conns: make(chan backend.VisionConn, 8)}
}

func (d *fakeVisionDialer) OpenVisionChannel(ctx context.Context) (backend.VisionConn, error) {
	d.mu.Lock()
	d.calls++
	err := d.err
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}

	select {
	case conn := <-d.conns:
		return conn, nil
	default:
		return nil, errors.New("no scripted channel available")
	}
}

func (d *fakeVisionDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
