package store

import (
	"errors"
	"fmt"
	"time"
)

// Snapshot is the durable record of orchestrator state, written atomically
// on every accepted transition and read back on restart.
type Snapshot struct {
	State          string    `json:"state"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	LastTransition time.Time `json:"last_transition"`
	DeviceID       string    `json:"device_id"`
}

// Credentials are the network identifier and secret submitted during
// provisioning. PSK is hidden from API/JSON serialization via json:"-".
type Credentials struct {
	SSID string `json:"ssid"`
	PSK  string `json:"-"`
}

// ErrInvalidCredentials wraps all credential validation failures.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Validate enforces the identifier and secret length constraints.
// An empty secret is allowed (open network); a non-empty one must be a
// valid WPA passphrase length.
func (c *Credentials) Validate() error {
	if c.SSID == "" {
		return fmt.Errorf("%w: ssid must not be empty", ErrInvalidCredentials)
	}
	if len(c.SSID) > 32 {
		return fmt.Errorf("%w: ssid exceeds 32 characters", ErrInvalidCredentials)
	}
	if c.PSK != "" && len(c.PSK) < 8 {
		return fmt.Errorf("%w: password must be empty or at least 8 characters", ErrInvalidCredentials)
	}
	return nil
}

// credentialsStorage is the internal struct used for DB serialization,
// preserving the secret on disk.
type credentialsStorage struct {
	SSID string `json:"ssid"`
	PSK  string `json:"psk,omitempty"`
}

// Attempt outcomes.
const (
	OutcomePending = "pending"
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AttemptRecord tracks one connection attempt within the current retry cycle.
type AttemptRecord struct {
	Number    int       `json:"number"`
	StartedAt time.Time `json:"started_at"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
}
