package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventPairingSuccess    EventType = "pairing_success"
	EventPairingFailure    EventType = "pairing_failure"
	EventSessionStart      EventType = "session_start"
	EventSessionEnd        EventType = "session_end"
	EventCredentialRevoked EventType = "credential_revoked"
)

type Event struct {
	Type      EventType
	Identity  string
	SessionID string
	Details   map[string]any
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "security").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.Identity != "" {
		logger = logger.With().Str("identity", event.Identity).Logger()
	}
	if event.SessionID != "" {
		logger = logger.With().Str("session_id", event.SessionID).Logger()
	}
	if event.Details != nil {
		logger = logger.With().Interface("details", event.Details).Logger()
	}

	logger.Info().Msg("audit event")
}
