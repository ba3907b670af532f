package device

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	sessions []Session
	stopped  []string
	started  chan Session
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{started: make(chan Session, 4)}
}

func (h *recordingHandler) HandleSessionStart(ctx context.Context, sess Session) {
	h.mu.Lock()
	h.sessions = append(h.sessions, sess)
	h.mu.Unlock()
	h.started <- sess
}

func (h *recordingHandler) HandleSessionStop(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, sessionID)
}

func (h *recordingHandler) stoppedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.stopped...)
}

func dialGateway(t *testing.T, server *httptest.Server, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	if key != "" {
		url += "?key=" + key
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func awaitSession(t *testing.T, handler *recordingHandler) Session {
	t.Helper()
	select {
	case sess := <-handler.started:
		return sess
	case <-time.After(2 * time.Second):
		t.Fatal("session never started")
		return nil
	}
}

func TestGatewayServeHTTP(t *testing.T) {
	t.Run("rejects a bad key", func(t *testing.T) {
		gateway := NewGateway(newRecordingHandler(), "hunter2")
		server := httptest.NewServer(gateway)
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http") + "?key=wrong"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("closes connections that skip the hello frame", func(t *testing.T) {
		handler := newRecordingHandler()
		gateway := NewGateway(handler, "")
		server := httptest.NewServer(gateway)
		defer server.Close()

		conn := dialGateway(t, server, "")
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "button", "press": "short"}))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)

		handler.mu.Lock()
		defer handler.mu.Unlock()
		assert.Empty(t, handler.sessions)
	})

	t.Run("hello frame establishes a session", func(t *testing.T) {
		handler := newRecordingHandler()
		gateway := NewGateway(handler, "hunter2")
		server := httptest.NewServer(gateway)
		defer server.Close()

		conn := dialGateway(t, server, "hunter2")
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "device_id": "glasses-7", "camera": true}))

		sess := awaitSession(t, handler)
		assert.Equal(t, "glasses-7", sess.Identity())
		assert.True(t, sess.Capabilities().Camera)
		assert.NotEmpty(t, sess.ID())
	})

	t.Run("routes device input to session events", func(t *testing.T) {
		handler := newRecordingHandler()
		gateway := NewGateway(handler, "")
		server := httptest.NewServer(gateway)
		defer server.Close()

		conn := dialGateway(t, server, "")
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "device_id": "glasses-7"}))
		sess := awaitSession(t, handler)

		require.NoError(t, conn.WriteJSON(map[string]any{"type": "transcription", "text": "hello", "final": false}))
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "transcription", "text": "hello world", "final": true}))
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "button", "press": "long"}))
		// Unknown press values and frame types are dropped silently.
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "button", "press": "triple"}))
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "telemetry"}))

		expected := []Event{
			Transcription{Text: "hello", Final: false},
			Transcription{Text: "hello world", Final: true},
			ButtonPress{Press: PressLong},
		}
		for _, want := range expected {
			select {
			case got := <-sess.Events():
				assert.Equal(t, want, got)
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %v", want)
			}
		}
	})

	t.Run("bridge output frames reach the device", func(t *testing.T) {
		handler := newRecordingHandler()
		gateway := NewGateway(handler, "")
		server := httptest.NewServer(gateway)
		defer server.Close()

		conn := dialGateway(t, server, "")
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "device_id": "glasses-7"}))
		sess := awaitSession(t, handler)

		sess.ShowText("thinking")
		sess.ShowCard("Assistant", "Hello there")
		sess.ShowStatus("person x1")
		sess.Speak("Hello there")

		expected := []bridgeFrame{
			{Type: "show_text", Text: "thinking"},
			{Type: "show_card", Title: "Assistant", Body: "Hello there"},
			{Type: "status", Text: "person x1"},
			{Type: "speak", Text: "Hello there"},
		}
		for _, want := range expected {
			var got bridgeFrame
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			require.NoError(t, conn.ReadJSON(&got))
			assert.Equal(t, want, got)
		}
	})

	t.Run("photo capture round trip", func(t *testing.T) {
		handler := newRecordingHandler()
		gateway := NewGateway(handler, "")
		server := httptest.NewServer(gateway)
		defer server.Close()

		conn := dialGateway(t, server, "")
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "device_id": "glasses-7", "camera": true}))
		sess := awaitSession(t, handler)

		// The device side answers the capture request with a frame.
		go func() {
			var req bridgeFrame
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if err := conn.ReadJSON(&req); err != nil || req.Type != "capture_photo" {
				return
			}
			conn.WriteJSON(map[string]any{
				"type":       "photo",
				"request_id": req.RequestID,
				"data":       base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
			})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		frame, err := sess.CapturePhoto(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("jpeg-bytes"), frame)
	})

	t.Run("disconnect stops the session and closes events", func(t *testing.T) {
		handler := newRecordingHandler()
		gateway := NewGateway(handler, "")
		server := httptest.NewServer(gateway)
		defer server.Close()

		conn := dialGateway(t, server, "")
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "device_id": "glasses-7"}))
		sess := awaitSession(t, handler)

		conn.Close()

		select {
		case _, ok := <-sess.Events():
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("events channel never closed")
		}

		require.Eventually(t, func() bool {
			ids := handler.stoppedIDs()
			return len(ids) == 1 && ids[0] == sess.ID()
		}, 2*time.Second, 5*time.Millisecond)
	})
}
