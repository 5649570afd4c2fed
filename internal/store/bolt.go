package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketOrchestrator = []byte("orchestrator")
	bucketCredentials  = []byte("credentials")
	bucketAttempts     = []byte("attempts")
	keySnapshot        = []byte("snapshot")
	keyWifi            = []byte("wifi")
	keyCurrent         = []byte("current")
)

// BoltStore implements Store using BoltDB. The database file is created
// with mode 0600 so stored credentials are readable by the daemon only.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOrchestrator, bucketCredentials, bucketAttempts} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveSnapshot(snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrchestrator)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketOrchestrator)
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(keySnapshot, data)
	})
}

func (s *BoltStore) GetSnapshot() (*Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrchestrator)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketOrchestrator)
		}
		data := b.Get(keySnapshot)
		if data == nil {
			return fmt.Errorf("snapshot: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) SaveCredentials(creds *Credentials) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		// Use internal storage struct to persist the secret.
		st := credentialsStorage{SSID: creds.SSID, PSK: creds.PSK}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyWifi, data)
	})
}

func (s *BoltStore) GetCredentials() (*Credentials, error) {
	var creds Credentials
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		data := b.Get(keyWifi)
		if data == nil {
			return fmt.Errorf("credentials: %w", ErrNotFound)
		}
		// Deserialize via internal storage struct to recover the secret.
		var st credentialsStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		creds = Credentials{SSID: st.SSID, PSK: st.PSK}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

func (s *BoltStore) DeleteCredentials() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		return b.Delete(keyWifi)
	})
}

func (s *BoltStore) SaveAttempts(attempts []AttemptRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAttempts)
		}
		data, err := json.Marshal(attempts)
		if err != nil {
			return err
		}
		return b.Put(keyCurrent, data)
	})
}

func (s *BoltStore) GetAttempts() ([]AttemptRecord, error) {
	var attempts []AttemptRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		if b == nil {
			return nil // no bucket = no attempts
		}
		data := b.Get(keyCurrent)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &attempts)
	})
	return attempts, err
}

func (s *BoltStore) ClearAttempts() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAttempts)
		}
		return b.Delete(keyCurrent)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
