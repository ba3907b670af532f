package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/memchat/bridge-server-go/internal/config"
	apperrors "github.com/memchat/bridge-server-go/internal/errors"
	"github.com/memchat/bridge-server-go/internal/model"
	"github.com/memchat/bridge-server-go/internal/store"
)

// Fallback access-token lifetime when the backend issues a token whose
// expiry cannot be read from its claims.
const fallbackAccessTokenTTL = 30 * time.Minute

// Factory builds per-identity backend clients sharing one HTTP client and
// credential store.
type Factory struct {
	baseURL    string
	wsBaseURL  string
	creds      store.CredentialStore
	httpClient *http.Client
}

func NewFactory(baseURL, wsBaseURL string, creds store.CredentialStore) *Factory {
	return &Factory{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		wsBaseURL:  strings.TrimSuffix(wsBaseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: config.BackendRequestTimeout},
	}
}

func (f *Factory) ClientFor(identity string) *Client {
	return &Client{
		baseURL:    f.baseURL,
		wsBaseURL:  f.wsBaseURL,
		identity:   identity,
		creds:      f.creds,
		httpClient: f.httpClient,
		// Streaming responses must not be cut off by the request timeout.
		streamClient: &http.Client{},
	}
}

// Client performs all backend network access on behalf of one device
// identity: login, transparent token refresh, the streaming chat call,
// and the vision channel.
type Client struct {
	baseURL      string
	wsBaseURL    string
	identity     string
	creds        store.CredentialStore
	httpClient   *http.Client
	streamClient *http.Client

	// refreshMu serializes refresh attempts so the refresh token is used
	// at most once per attempt.
	refreshMu sync.Mutex
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type loginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges the wearer's credentials for a token pair and writes a
// fresh CredentialRecord with the conversation handle unset. A rejection
// is returned with the backend's reason verbatim.
func (c *Client) Login(ctx context.Context, username, secret string) error {
	resp, err := c.post(ctx, "/api/auth/login", loginRequest{Username: username, Secret: secret}, "")
	if err != nil {
		return apperrors.Backend("Could not reach the backend", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.Backend(readErrorMessage(resp), nil)
	}

	var pair tokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return apperrors.Backend("Malformed login response", err)
	}

	record := &model.CredentialRecord{
		AccessToken:          pair.AccessToken,
		RefreshToken:         pair.RefreshToken,
		AccessTokenExpiresAt: accessTokenExpiry(pair.AccessToken),
	}
	if err := c.creds.Put(ctx, c.identity, record); err != nil {
		return err
	}

	log.Info().Str("identity", c.identity).Msg("backend login succeeded")
	return nil
}

// AccessToken returns a token guaranteed to be valid for at least the
// safety margin, refreshing first when the cached one is too close to
// expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	record, err := c.creds.Get(ctx, c.identity)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", apperrors.Unauthenticated("no credential record")
	}

	if record.AccessTokenFresh(time.Now(), config.TokenSafetyMargin) {
		return record.AccessToken, nil
	}

	return c.refresh(ctx, "")
}

// refresh exchanges the stored refresh token for a new pair. The new pair
// fully replaces the old one; a 401 means the refresh token itself is
// dead, so the record is deleted and the device must re-pair.
//
// rejected, when non-empty, is an access token the backend just refused:
// the stored token is reused only if a concurrent caller already replaced
// it, never because it still looks fresh locally.
func (c *Client) refresh(ctx context.Context, rejected string) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// A concurrent caller may have refreshed while we waited for the lock.
	record, err := c.creds.Get(ctx, c.identity)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", apperrors.Unauthenticated("no credential record")
	}
	if rejected != "" {
		if record.AccessToken != rejected {
			return record.AccessToken, nil
		}
	} else if record.AccessTokenFresh(time.Now(), config.TokenSafetyMargin) {
		return record.AccessToken, nil
	}

	resp, err := c.post(ctx, "/api/auth/refresh", refreshRequest{RefreshToken: record.RefreshToken}, "")
	if err != nil {
		return "", apperrors.Backend("Could not reach the backend", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if err := c.creds.Delete(ctx, c.identity); err != nil {
			log.Error().Err(err).Str("identity", c.identity).Msg("failed to delete dead credential record")
		}
		log.Warn().Str("identity", c.identity).Msg("refresh token rejected, credential record deleted")
		return "", apperrors.Unauthenticated("refresh token rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.Backend(readErrorMessage(resp), nil)
	}

	var pair tokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return "", apperrors.Backend("Malformed refresh response", err)
	}

	record.AccessToken = pair.AccessToken
	record.RefreshToken = pair.RefreshToken
	record.AccessTokenExpiresAt = accessTokenExpiry(pair.AccessToken)
	if err := c.creds.Put(ctx, c.identity, record); err != nil {
		return "", err
	}

	log.Debug().Str("identity", c.identity).Time("expiresAt", record.AccessTokenExpiresAt).Msg("access token refreshed")
	return record.AccessToken, nil
}

// doAuthenticated issues a bearer-authenticated request, performing
// exactly one refresh-and-retry on a 401. A second 401 is returned to the
// caller, never retried again.
func (c *Client) doAuthenticated(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.request(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	token, err = c.refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err = c.request(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		defer resp.Body.Close()
		return nil, apperrors.Backend("Authorization failed after token refresh", nil)
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body any, token string) (*http.Response, error) {
	return c.request(ctx, http.MethodPost, path, body, token)
}

func (c *Client) request(ctx context.Context, method, path string, body any, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := c.httpClient
	if path == "/api/chat/stream" {
		client = c.streamClient
	}
	return client.Do(req)
}

// SaveConversationID persists the resumable conversation handle returned
// by a completed turn.
func (c *Client) SaveConversationID(ctx context.Context, conversationID string) error {
	record, err := c.creds.Get(ctx, c.identity)
	if err != nil || record == nil {
		return err
	}
	record.ConversationID = &conversationID
	return c.creds.Put(ctx, c.identity, record)
}

// ClearConversationID drops the stored handle so the next turn starts a
// fresh conversation.
func (c *Client) ClearConversationID(ctx context.Context) error {
	record, err := c.creds.Get(ctx, c.identity)
	if err != nil || record == nil {
		return err
	}
	record.ConversationID = nil
	return c.creds.Put(ctx, c.identity, record)
}

// ConversationID returns the stored resumable handle, if any.
func (c *Client) ConversationID(ctx context.Context) (*string, error) {
	record, err := c.creds.Get(ctx, c.identity)
	if err != nil || record == nil {
		return nil, err
	}
	return record.ConversationID, nil
}

// accessTokenExpiry reads the expiry claim without verifying the
// signature; the backend is the sole verifier. Unreadable tokens get a
// conservative fallback lifetime.
func accessTokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(fallbackAccessTokenTTL)
}

type errorPayload struct {
	Detail  string `json:"detail"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// readErrorMessage extracts the backend's human-readable reason from an
// error response, falling back to the HTTP status.
func readErrorMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Detail != "":
			return payload.Detail
		case payload.Error != "":
			return payload.Error
		case payload.Message != "":
			return payload.Message
		}
	}
	return resp.Status
}
