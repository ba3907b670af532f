package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/memchat/bridge-server-go/internal/config"
	"github.com/memchat/bridge-server-go/internal/model"
	redisclient "github.com/memchat/bridge-server-go/internal/redis"
)

// CredentialStore persists backend credentials and pairing tickets keyed
// by device identity. Absence is reported as nil (or "" for tickets), not
// as an error: every caller treats a miss as "needs pairing".
type CredentialStore interface {
	Get(ctx context.Context, identity string) (*model.CredentialRecord, error)
	Put(ctx context.Context, identity string, record *model.CredentialRecord) error
	Delete(ctx context.Context, identity string) error
	CreateTicket(ctx context.Context, code, identity string) error
	RedeemTicket(ctx context.Context, code string) (string, error)
}

type redisStore struct {
	client *redisclient.Client
}

func NewCredentialStore(client *redisclient.Client) CredentialStore {
	return &redisStore{client: client}
}

func (s *redisStore) Get(ctx context.Context, identity string) (*model.CredentialRecord, error) {
	data, err := s.client.Get(ctx, redisclient.CredentialKey(identity)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}

	var record model.CredentialRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		// Unreadable records are treated as absent so the device re-pairs.
		log.Error().Err(err).Str("identity", identity).Msg("corrupt credential record, dropping")
		s.client.Del(ctx, redisclient.CredentialKey(identity))
		return nil, nil
	}

	return &record, nil
}

func (s *redisStore) Put(ctx context.Context, identity string, record *model.CredentialRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	// Every write refreshes the TTL so abandoned mappings self-expire.
	if err := s.client.Set(ctx, redisclient.CredentialKey(identity), data, config.CredentialTTL).Err(); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, redisclient.CredentialKey(identity)).Err(); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *redisStore) CreateTicket(ctx context.Context, code, identity string) error {
	ticket := model.PairingTicket{
		Identity:  identity,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}

	if err := s.client.Set(ctx, redisclient.PairingKey(code), data, config.PairingCodeTTL).Err(); err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

// RedeemTicket atomically reads and destroys a ticket via GETDEL, so two
// concurrent redemptions of the same code succeed for at most one caller.
func (s *redisStore) RedeemTicket(ctx context.Context, code string) (string, error) {
	data, err := s.client.GetDel(ctx, redisclient.PairingKey(code)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redeem ticket: %w", err)
	}

	var ticket model.PairingTicket
	if err := json.Unmarshal([]byte(data), &ticket); err != nil {
		return "", fmt.Errorf("unmarshal ticket: %w", err)
	}

	return ticket.Identity, nil
}
