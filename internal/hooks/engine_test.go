package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"provisiond/internal/hotspot"
	"provisiond/internal/orchestrator"
	"provisiond/internal/store"
	"provisiond/internal/wifi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopAP struct{}

func (noopAP) Raise(context.Context) (hotspot.BroadcastInfo, error) { return hotspot.BroadcastInfo{}, nil }

func (noopAP) Lower(context.Context) error { return nil }

func (noopAP) IsActive(context.Context) bool { return false }

type noopClient struct{}

func (noopClient) Connect(context.Context, store.Credentials) (wifi.ConnectionInfo, error) {
	return wifi.ConnectionInfo{}, nil
}

func (noopClient) ValidateReachability(context.Context) error { return nil }

func (noopClient) Cleanup(context.Context, string) {}

type noopStore struct{}

func (noopStore) SaveSnapshot(*store.Snapshot) error { return nil }

func (noopStore) GetSnapshot() (*store.Snapshot, error) { return nil, store.ErrNotFound }

func (noopStore) SaveCredentials(*store.Credentials) error { return nil }

func (noopStore) GetCredentials() (*store.Credentials, error) { return nil, store.ErrNotFound }

func (noopStore) DeleteCredentials() error { return nil }

func (noopStore) SaveAttempts([]store.AttemptRecord) error { return nil }

func (noopStore) GetAttempts() ([]store.AttemptRecord, error) { return nil, nil }

func (noopStore) ClearAttempts() error { return nil }

func (noopStore) Close() error { return nil }

// testOrchestrator builds an orchestrator whose event bus the engine can
// subscribe to. It is never started; events are emitted directly.
func testOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o := orchestrator.New(noopAP{}, noopClient{}, noopStore{}, orchestrator.NewEventBus(testLogger()),
		"dev-001", orchestrator.DefaultBudgets(), testLogger())
	t.Cleanup(o.Stop)
	return o
}

func emitTransition(o *orchestrator.Orchestrator, from, to orchestrator.State, trigger orchestrator.Trigger) {
	o.Events().Emit(orchestrator.Event{
		Type: orchestrator.EventStateTransition,
		Data: orchestrator.TransitionData{From: from, To: to, Trigger: trigger, At: time.Now()},
	})
}

func TestScriptReceivesTransitions(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	script := fmt.Sprintf(`
provision.on_transition(function(from, to, trigger)
  if to == "OPERATIONAL" then
    system.exec("touch %s")
  end
  system.log("transition " .. from .. " -> " .. to .. " (" .. trigger .. ")")
end)
`, marker)
	if err := os.WriteFile(filepath.Join(dir, "led.lua"), []byte(script), 0644); err != nil {
		t.Fatal(err)
	}

	o := testOrchestrator(t)
	e := NewEngine(o, Config{
		ScriptsDir:    dir,
		ExecAllowlist: []string{"touch"},
		ExecTimeout:   5 * time.Second,
	}, testLogger())
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	// A transition the script ignores must not create the marker.
	emitTransition(o, orchestrator.StateBoot, orchestrator.StateSetupMode, orchestrator.TriggerNoCredentials)
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("marker created for ignored transition")
	}

	emitTransition(o, orchestrator.StateConnected, orchestrator.StateOperational, orchestrator.TriggerChecksPassed)
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("script did not run on transition: %v", err)
	}
}

func TestExecOutsideAllowlistBlocked(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	script := fmt.Sprintf(`
provision.on_transition(function(from, to, trigger)
  system.exec("touch %s")
end)
`, marker)
	if err := os.WriteFile(filepath.Join(dir, "evil.lua"), []byte(script), 0644); err != nil {
		t.Fatal(err)
	}

	o := testOrchestrator(t)
	e := NewEngine(o, Config{ScriptsDir: dir}, testLogger()) // empty allowlist
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	emitTransition(o, orchestrator.StateConnected, orchestrator.StateOperational, orchestrator.TriggerChecksPassed)
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("blocked command still ran")
	}
}

func TestMissingScriptsDirDisablesHooks(t *testing.T) {
	o := testOrchestrator(t)
	e := NewEngine(o, Config{ScriptsDir: filepath.Join(t.TempDir(), "nope")}, testLogger())
	if err := e.Start(); err != nil {
		t.Fatalf("missing scripts dir should not be an error: %v", err)
	}
	e.Stop()
}

func TestScriptWithoutHandlerIsDropped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "noop.lua"), []byte(`local x = 1`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.lua"), []byte(`this is not lua`), 0644); err != nil {
		t.Fatal(err)
	}

	o := testOrchestrator(t)
	e := NewEngine(o, Config{ScriptsDir: dir}, testLogger())
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	// Dispatch with no usable scripts must be harmless.
	emitTransition(o, orchestrator.StateConnected, orchestrator.StateOperational, orchestrator.TriggerChecksPassed)
}
