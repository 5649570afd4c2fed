package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface. Snapshot writes are transactional:
// a crash mid-write leaves the previously committed record, never a partial
// one, so a concurrent reader (the API layer) always sees a consistent view.
type Store interface {
	// Orchestrator snapshot, replaced on every accepted transition.
	SaveSnapshot(snap *Snapshot) error
	GetSnapshot() (*Snapshot, error)

	// Saved network credentials for reboot-reconnect. Kept separate from
	// the snapshot so the secret never rides along with state reads.
	SaveCredentials(creds *Credentials) error
	GetCredentials() (*Credentials, error)
	DeleteCredentials() error

	// Live connection attempt records for the current retry cycle.
	SaveAttempts(attempts []AttemptRecord) error
	GetAttempts() ([]AttemptRecord, error)
	ClearAttempts() error

	Close() error
}
