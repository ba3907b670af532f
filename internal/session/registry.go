package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/memchat/bridge-server-go/internal/audit"
	"github.com/memchat/bridge-server-go/internal/backend"
	"github.com/memchat/bridge-server-go/internal/device"
	"github.com/memchat/bridge-server-go/internal/repository"
	"github.com/memchat/bridge-server-go/internal/service"
	"github.com/memchat/bridge-server-go/internal/store"
)

// Registry multiplexes concurrent device sessions, one orchestrator per
// transport session id. All access to the table goes through the
// registry's own methods.
type Registry struct {
	pairing *service.PairingService
	factory *backend.Factory
	creds   store.CredentialStore
	turns   repository.TurnLogRepository

	mu       sync.Mutex
	sessions map[string]*Orchestrator
}

func NewRegistry(
	pairing *service.PairingService,
	factory *backend.Factory,
	creds store.CredentialStore,
	turns repository.TurnLogRepository,
) *Registry {
	return &Registry{
		pairing:  pairing,
		factory:  factory,
		creds:    creds,
		turns:    turns,
		sessions: make(map[string]*Orchestrator),
	}
}

var _ device.SessionHandler = (*Registry)(nil)

func (r *Registry) HandleSessionStart(ctx context.Context, sess device.Session) {
	orch := NewOrchestrator(sess, r.pairing, r.factory, r.creds, r.turns)

	r.mu.Lock()
	if existing, ok := r.sessions[sess.ID()]; ok {
		// Duplicate start for the same transport id; replace cleanly.
		existing.Destroy()
	}
	r.sessions[sess.ID()] = orch
	count := len(r.sessions)
	r.mu.Unlock()

	audit.Log(ctx, audit.Event{Type: audit.EventSessionStart, Identity: sess.Identity(), SessionID: sess.ID()})
	log.Info().
		Str("sessionId", sess.ID()).
		Str("identity", sess.Identity()).
		Int("active", count).
		Msg("device session registered")

	orch.Initialize(ctx)
}

// HandleSessionStop tears down and forgets a session. A lookup miss is
// not an error: sessions that never fully initialized end up here too.
func (r *Registry) HandleSessionStop(sessionID string) {
	r.mu.Lock()
	orch, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		log.Debug().Str("sessionId", sessionID).Msg("stop for unknown session")
		return
	}

	orch.Destroy()
	audit.Log(context.Background(), audit.Event{Type: audit.EventSessionEnd, SessionID: sessionID})
	log.Info().Str("sessionId", sessionID).Int("active", count).Msg("device session removed")
}

// Lookup returns the orchestrator for a transport session id, if present.
func (r *Registry) Lookup(sessionID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orch, ok := r.sessions[sessionID]
	return orch, ok
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close destroys every active session. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Orchestrator)
	r.mu.Unlock()

	for _, orch := range sessions {
		orch.Destroy()
	}
}
