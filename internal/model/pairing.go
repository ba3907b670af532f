package model

import "time"

// PairingTicket links an outstanding pairing code to a device identity.
// Single use; the key's TTL bounds its lifetime.
type PairingTicket struct {
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}
