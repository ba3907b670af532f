package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memchat/bridge-server-go/internal/audit"
	"github.com/memchat/bridge-server-go/internal/backend"
	"github.com/memchat/bridge-server-go/internal/config"
	"github.com/memchat/bridge-server-go/internal/device"
	apperrors "github.com/memchat/bridge-server-go/internal/errors"
	"github.com/memchat/bridge-server-go/internal/store"
	"github.com/memchat/bridge-server-go/internal/util"
)

const pairingCodeLength = 6

// PairingService links a device identity to backend credentials through a
// short-lived one-time code the wearer enters on the pairing page.
type PairingService struct {
	creds         store.CredentialStore
	factory       *backend.Factory
	publicBaseURL string
}

func NewPairingService(creds store.CredentialStore, factory *backend.Factory, publicBaseURL string) *PairingService {
	return &PairingService{
		creds:         creds,
		factory:       factory,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

// BeginPairing stores a fresh ticket and shows/speaks the code on the
// device. The code stays valid until its TTL expires or it is redeemed.
func (s *PairingService) BeginPairing(ctx context.Context, dev device.Session) (string, error) {
	code := generatePairingCode()

	if err := s.creds.CreateTicket(ctx, code, dev.Identity()); err != nil {
		return "", err
	}

	pairURL := s.publicBaseURL + "/pair"
	dev.ShowCard("Pairing", fmt.Sprintf("Visit %s and enter code %s", pairURL, code))
	dev.Speak(fmt.Sprintf("To pair this device, visit the pairing page and enter code %s", spellCode(code)))

	log.Info().
		Str("identity", dev.Identity()).
		Str("code", util.MaskCode(code)).
		Msg("pairing code issued")

	return code, nil
}

// AwaitCompletion polls the credential store until a record appears for
// identity or the timeout elapses. Returns false on timeout; the caller
// must restart pairing explicitly.
func (s *PairingService) AwaitCompletion(ctx context.Context, identity string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(config.PairingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			log.Info().Str("identity", identity).Msg("pairing wait timed out")
			return false
		case <-ticker.C:
			record, err := s.creds.Get(ctx, identity)
			if err != nil {
				log.Error().Err(err).Str("identity", identity).Msg("pairing poll failed")
				continue
			}
			if record != nil {
				return true
			}
		}
	}
}

// Redeem consumes the ticket (exactly once), logs the wearer in against
// the backend, and writes the credential record. An unknown or expired
// code yields invalid_code; a backend rejection is propagated verbatim.
func (s *PairingService) Redeem(ctx context.Context, code, username, secret string) error {
	identity, err := s.creds.RedeemTicket(ctx, strings.TrimSpace(code))
	if err != nil {
		log.Error().Err(err).Msg("redeem ticket failed")
		return apperrors.InvalidPairingCode()
	}
	if identity == "" {
		log.Warn().Str("code", util.MaskCode(code)).Msg("invalid pairing code")
		audit.Log(ctx, audit.Event{Type: audit.EventPairingFailure, Details: map[string]any{"reason": "invalid_code"}})
		return apperrors.InvalidPairingCode()
	}

	client := s.factory.ClientFor(identity)
	if err := client.Login(ctx, username, secret); err != nil {
		log.Warn().Err(err).Str("identity", identity).Msg("backend login rejected during pairing")
		audit.Log(ctx, audit.Event{Type: audit.EventPairingFailure, Identity: identity, Details: map[string]any{"reason": "login_rejected"}})
		return err
	}

	audit.Log(ctx, audit.Event{Type: audit.EventPairingSuccess, Identity: identity})
	log.Info().Str("identity", identity).Msg("pairing redeemed")
	return nil
}

// generatePairingCode returns a 6-digit code with a non-zero leading
// digit, so codes are unambiguous to read aloud and enter.
func generatePairingCode() string {
	max := int64(1)
	for i := 0; i < pairingCodeLength-1; i++ {
		max *= 10
	}
	// [10^(n-1), 10^n)
	n, err := rand.Int(rand.Reader, big.NewInt(max*9))
	if err != nil {
		// crypto/rand failing is unrecoverable for code generation
		panic(err)
	}
	return fmt.Sprintf("%d", max+n.Int64())
}

func spellCode(code string) string {
	return strings.Join(strings.Split(code, ""), " ")
}
