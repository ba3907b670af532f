package model

import "time"

// CredentialRecord is the stored backend credential set for one device
// identity. Persisted as JSON under the credential key with a rolling TTL.
type CredentialRecord struct {
	AccessToken          string    `json:"access_token"`
	RefreshToken         string    `json:"refresh_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
	ConversationID       *string   `json:"conversation_id,omitempty"`
}

// AccessTokenFresh reports whether the access token is still usable, i.e.
// its expiry is more than margin away.
func (r *CredentialRecord) AccessTokenFresh(now time.Time, margin time.Duration) bool {
	return r.AccessTokenExpiresAt.After(now.Add(margin))
}
