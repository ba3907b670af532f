package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memchat/bridge-server-go/internal/backend"
	"github.com/memchat/bridge-server-go/internal/config"
	"github.com/memchat/bridge-server-go/internal/device"
	apperrors "github.com/memchat/bridge-server-go/internal/errors"
	"github.com/memchat/bridge-server-go/internal/model"
	"github.com/memchat/bridge-server-go/internal/repository"
)

// ChatStreamer is the backend surface the chat relay needs. Satisfied by
// *backend.Client.
type ChatStreamer interface {
	ChatStream(ctx context.Context, message string, conversationID *string) (<-chan backend.ChatEvent, error)
	SaveConversationID(ctx context.Context, conversationID string) error
	ClearConversationID(ctx context.Context) error
}

// StateFunc lets the relay drive the orchestrator's state machine through
// thinking/speaking/listening without owning it.
type StateFunc func(state model.SessionState)

// ChatRelay serializes chat turns for one device session. While a turn is
// in flight, at most one final transcript is queued; a newer one
// overwrites an older one, so only the most recent queued turn survives.
type ChatRelay struct {
	dev        device.Session
	streamer   ChatStreamer
	turns      repository.TurnLogRepository
	setState   StateFunc
	onAuthLost func()

	mu             sync.Mutex
	processing     bool
	pending        *string
	conversationID *string
}

func NewChatRelay(
	dev device.Session,
	streamer ChatStreamer,
	turns repository.TurnLogRepository,
	conversationID *string,
	setState StateFunc,
	onAuthLost func(),
) *ChatRelay {
	return &ChatRelay{
		dev:            dev,
		streamer:       streamer,
		turns:          turns,
		conversationID: conversationID,
		setState:       setState,
		onAuthLost:     onAuthLost,
	}
}

// HandleTranscription consumes one device transcription event. Interim
// results only update the live preview; a final result either starts a
// turn or replaces the pending slot.
func (r *ChatRelay) HandleTranscription(ctx context.Context, ev device.Transcription) {
	if !ev.Final {
		r.dev.ShowText(ev.Text)
		return
	}
	if ev.Text == "" {
		return
	}

	r.mu.Lock()
	if r.processing {
		text := ev.Text
		r.pending = &text
		r.mu.Unlock()
		log.Debug().Str("sessionId", r.dev.ID()).Msg("turn in flight, queued transcript")
		return
	}
	r.processing = true
	r.mu.Unlock()

	go r.processLoop(ctx, ev.Text)
}

// processLoop drains the current turn and then any transcript queued
// while it ran. Turns are strictly serialized; a new stream never starts
// before the previous one has fully drained.
func (r *ChatRelay) processLoop(ctx context.Context, text string) {
	for {
		r.processTurn(ctx, text)

		r.mu.Lock()
		if r.pending != nil {
			text = *r.pending
			r.pending = nil
			r.mu.Unlock()
			continue
		}
		r.processing = false
		r.mu.Unlock()
		return
	}
}

func (r *ChatRelay) processTurn(ctx context.Context, text string) {
	r.dev.ShowText(text)
	r.setState(model.StateThinking)
	defer r.setState(model.StateListening)

	r.mu.Lock()
	conversationID := r.conversationID
	r.mu.Unlock()

	events, err := r.streamer.ChatStream(ctx, text, conversationID)
	if err != nil {
		if apperrors.IsUnauthenticated(err) {
			log.Warn().Str("sessionId", r.dev.ID()).Msg("chat turn lost authentication")
			if r.onAuthLost != nil {
				r.onAuthLost()
			}
			return
		}
		log.Error().Err(err).Str("sessionId", r.dev.ID()).Msg("chat stream failed to start")
		r.dev.ShowCard("Error", "Could not reach the assistant")
		return
	}

	var (
		answer        string
		historyTokens int
		lastUpdate    time.Time
	)

	for event := range events {
		switch ev := event.(type) {
		case backend.ChatToken:
			answer += ev.Text
			if time.Since(lastUpdate) >= config.DisplayThrottle {
				r.dev.ShowText(answer)
				lastUpdate = time.Now()
			}
		case backend.ChatContent:
			// Authoritative recomputation of the full text.
			answer = ev.Text
		case backend.ChatProgress:
			r.dev.ShowStatus(ev.Message)
		case backend.ChatDone:
			historyTokens = ev.HistoryTokens
			if ev.ConversationID != "" {
				r.saveConversationID(ctx, ev.ConversationID)
			}
		case backend.ChatError:
			// Shown, but the turn still completes and falls through to idle.
			log.Warn().Str("sessionId", r.dev.ID()).Str("message", ev.Message).Msg("chat turn error event")
			r.dev.ShowCard("Error", ev.Message)
		}
	}

	if answer == "" {
		return
	}

	r.dev.ShowCard("Assistant", answer)
	r.setState(model.StateSpeaking)
	r.dev.Speak(answer)

	r.recordTurn(ctx, text, answer, historyTokens)
}

func (r *ChatRelay) saveConversationID(ctx context.Context, conversationID string) {
	r.mu.Lock()
	r.conversationID = &conversationID
	r.mu.Unlock()

	if err := r.streamer.SaveConversationID(ctx, conversationID); err != nil {
		log.Error().Err(err).Str("sessionId", r.dev.ID()).Msg("failed to persist conversation handle")
	}
}

func (r *ChatRelay) recordTurn(ctx context.Context, userText, assistantText string, historyTokens int) {
	if r.turns == nil {
		return
	}

	r.mu.Lock()
	conversationID := r.conversationID
	r.mu.Unlock()

	_, err := r.turns.Create(ctx, model.CreateTurnParams{
		Identity:       r.dev.Identity(),
		ConversationID: conversationID,
		UserText:       userText,
		AssistantText:  assistantText,
		HistoryTokens:  historyTokens,
	})
	if err != nil {
		log.Error().Err(err).Str("identity", r.dev.Identity()).Msg("failed to record turn")
	}
}

// NewConversation drops the resumable handle locally and in the
// credential store, and announces the reset.
func (r *ChatRelay) NewConversation(ctx context.Context) {
	r.mu.Lock()
	r.conversationID = nil
	r.mu.Unlock()

	if err := r.streamer.ClearConversationID(ctx); err != nil {
		log.Error().Err(err).Str("sessionId", r.dev.ID()).Msg("failed to clear conversation handle")
	}

	r.dev.ShowStatus("New conversation")
	r.dev.Speak("Starting a new conversation")
}

// Processing reports whether a turn is currently in flight.
func (r *ChatRelay) Processing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processing
}
