package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetSnapshot(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on fresh store, got %v", err)
	}

	snap := &Snapshot{
		State:          "HOTSPOT_ACTIVE",
		AttemptCount:   2,
		LastError:      "association timeout",
		LastTransition: time.Now().Truncate(time.Millisecond),
		DeviceID:       "dev-001",
	}
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := s.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.State != snap.State || got.AttemptCount != snap.AttemptCount {
		t.Errorf("got %+v, want %+v", got, snap)
	}
	if got.LastError != snap.LastError || got.DeviceID != snap.DeviceID {
		t.Errorf("got %+v, want %+v", got, snap)
	}
	if !got.LastTransition.Equal(snap.LastTransition) {
		t.Errorf("LastTransition = %v, want %v", got.LastTransition, snap.LastTransition)
	}
}

func TestSnapshotOverwrite(t *testing.T) {
	s := newTestStore(t)

	for _, state := range []string{"SETUP_MODE", "CONNECTING", "OPERATIONAL"} {
		if err := s.SaveSnapshot(&Snapshot{State: state}); err != nil {
			t.Fatalf("SaveSnapshot(%s): %v", state, err)
		}
	}
	got, err := s.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.State != "OPERATIONAL" {
		t.Errorf("State = %q, want OPERATIONAL", got.State)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetCredentials(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on fresh store, got %v", err)
	}

	creds := &Credentials{SSID: "HomeNet", PSK: "hunter22secret"}
	if err := s.SaveCredentials(creds); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	got, err := s.GetCredentials()
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if got.SSID != "HomeNet" {
		t.Errorf("SSID = %q, want HomeNet", got.SSID)
	}
	// The secret must survive persistence even though the API struct
	// hides it from JSON.
	if got.PSK != "hunter22secret" {
		t.Errorf("PSK = %q, want hunter22secret", got.PSK)
	}

	if err := s.DeleteCredentials(); err != nil {
		t.Fatalf("DeleteCredentials: %v", err)
	}
	if _, err := s.GetCredentials(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is a no-op, not an error.
	if err := s.DeleteCredentials(); err != nil {
		t.Fatalf("second DeleteCredentials: %v", err)
	}
}

func TestCredentialsSecretHiddenFromJSON(t *testing.T) {
	creds := Credentials{SSID: "HomeNet", PSK: "supersecretpw"}
	data, err := json.Marshal(creds)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "supersecretpw") {
		t.Errorf("secret leaked into JSON: %s", data)
	}
	if !strings.Contains(string(data), "HomeNet") {
		t.Errorf("ssid missing from JSON: %s", data)
	}
}

func TestCredentialsValidate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{"valid", Credentials{SSID: "HomeNet", PSK: "password1"}, false},
		{"open network", Credentials{SSID: "CafeGuest", PSK: ""}, false},
		{"empty ssid", Credentials{SSID: "", PSK: "password1"}, true},
		{"ssid too long", Credentials{SSID: strings.Repeat("a", 33), PSK: "password1"}, true},
		{"ssid at limit", Credentials{SSID: strings.Repeat("a", 32), PSK: "password1"}, false},
		{"psk too short", Credentials{SSID: "HomeNet", PSK: "short"}, true},
		{"psk at minimum", Credentials{SSID: "HomeNet", PSK: "12345678"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("error %v does not wrap ErrInvalidCredentials", err)
			}
		})
	}
}

func TestAttempts(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetAttempts()
	if err != nil {
		t.Fatalf("GetAttempts on fresh store: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no attempts, got %d", len(got))
	}

	recs := []AttemptRecord{
		{Number: 1, StartedAt: time.Now(), Outcome: OutcomeFailure, Reason: "association timeout"},
		{Number: 2, StartedAt: time.Now(), Outcome: OutcomePending},
	}
	if err := s.SaveAttempts(recs); err != nil {
		t.Fatalf("SaveAttempts: %v", err)
	}

	got, err = s.GetAttempts()
	if err != nil {
		t.Fatalf("GetAttempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d attempts, want 2", len(got))
	}
	if got[0].Outcome != OutcomeFailure || got[0].Reason != "association timeout" {
		t.Errorf("attempt 1 = %+v", got[0])
	}
	if got[1].Outcome != OutcomePending {
		t.Errorf("attempt 2 = %+v", got[1])
	}

	if err := s.ClearAttempts(); err != nil {
		t.Fatalf("ClearAttempts: %v", err)
	}
	got, err = s.GetAttempts()
	if err != nil {
		t.Fatalf("GetAttempts after clear: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no attempts after clear, got %d", len(got))
	}
}

func TestReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	if err := s.SaveSnapshot(&Snapshot{State: "CONNECTING", AttemptCount: 1}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := s.SaveCredentials(&Credentials{SSID: "HomeNet", PSK: "password1"}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	snap, err := s2.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot after reopen: %v", err)
	}
	if snap.State != "CONNECTING" {
		t.Errorf("State = %q, want CONNECTING", snap.State)
	}
	creds, err := s2.GetCredentials()
	if err != nil {
		t.Fatalf("GetCredentials after reopen: %v", err)
	}
	if creds.PSK != "password1" {
		t.Errorf("PSK = %q, want password1", creds.PSK)
	}
}
