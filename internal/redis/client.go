package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// CredentialKey is the key holding a device identity's credential record.
func CredentialKey(identity string) string {
	return fmt.Sprintf("user:%s", identity)
}

// PairingKey is the key holding an outstanding pairing ticket.
func PairingKey(code string) string {
	return fmt.Sprintf("pair:%s", code)
}
