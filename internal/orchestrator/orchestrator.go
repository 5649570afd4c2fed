// Package orchestrator owns the device network mode. It is the single
// authority for the state machine: controllers execute radio operations and
// report results, and only the orchestrator decides whether a result means
// retry, fallback to the provisioning hotspot, or a fatal stop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"provisiond/internal/hotspot"
	"provisiond/internal/runner"
	"provisiond/internal/store"
	"provisiond/internal/wifi"
)

var (
	// ErrBusy is returned when a credential submission arrives while a
	// previous sequence still owns the radio.
	ErrBusy = errors.New("busy: a network sequence is already in flight")
	// ErrWrongState is returned for operations not valid in the current state.
	ErrWrongState = errors.New("not valid in current state")
)

// APController is the access point side of the radio.
type APController interface {
	Raise(ctx context.Context) (hotspot.BroadcastInfo, error)
	Lower(ctx context.Context) error
	IsActive(ctx context.Context) bool
}

// ClientController is the station side of the radio.
type ClientController interface {
	Connect(ctx context.Context, creds store.Credentials) (wifi.ConnectionInfo, error)
	ValidateReachability(ctx context.Context) error
	Cleanup(ctx context.Context, ssid string)
}

// Budgets are the configurable timing constants of the state machine.
type Budgets struct {
	HotspotStart    time.Duration
	HotspotTeardown time.Duration
	ConnectAttempt  time.Duration
	RetryDelay      time.Duration
	Validation      time.Duration
	MaxAttempts     int
}

// DefaultBudgets returns the stock timing constants.
func DefaultBudgets() Budgets {
	return Budgets{
		HotspotStart:    30 * time.Second,
		HotspotTeardown: 30 * time.Second,
		ConnectAttempt:  20 * time.Second,
		RetryDelay:      10 * time.Second,
		Validation:      10 * time.Second,
		MaxAttempts:     3,
	}
}

// Status is the read-only view exposed to the API layer. It never includes
// credentials.
type Status struct {
	State          State     `json:"state"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	LastTransition time.Time `json:"last_transition"`
	DeviceID       string    `json:"device_id"`
}

// TransitionData is the payload of state_transition and transition_rejected
// events.
type TransitionData struct {
	From    State     `json:"from"`
	To      State     `json:"to,omitempty"`
	Trigger Trigger   `json:"trigger"`
	At      time.Time `json:"at"`
}

// AttemptData is the payload of attempt events.
type AttemptData struct {
	Number  int    `json:"number"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// Orchestrator runs the mode state machine. Transition logic executes under
// a single mutex; long-running controller sequences run on one dedicated
// worker goroutine at a time, so credential submission never blocks.
type Orchestrator struct {
	ap       APController
	client   ClientController
	st       store.Store
	events   *EventBus
	budgets  Budgets
	deviceID string
	logger   *slog.Logger

	mu             sync.Mutex
	state          State
	attempts       []store.AttemptRecord
	attemptCount   int
	lastError      string
	lastTransition time.Time
	busy           bool
	seqCancel      context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator in BOOT. Call Start to load persisted state
// and begin driving the radio.
func New(ap APController, client ClientController, st store.Store, events *EventBus, deviceID string, budgets Budgets, logger *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		ap:       ap,
		client:   client,
		st:       st,
		events:   events,
		budgets:  budgets,
		deviceID: deviceID,
		logger:   logger.With("component", "orchestrator"),
		state:    StateBoot,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Events returns the event bus.
func (o *Orchestrator) Events() *EventBus { return o.events }

// Start resumes from the persisted snapshot (re-deriving a stable state if
// the snapshot caught an in-flight one) and dispatches the sequence the
// resulting state calls for.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	o.state = o.resumeState()
	if recs, err := o.st.GetAttempts(); err == nil {
		o.attempts = recs
		o.attemptCount = len(recs)
	}
	state := o.state
	o.mu.Unlock()

	o.logger.Info("orchestrator starting", "state", state, "device_id", o.deviceID)

	switch state {
	case StateBoot:
		if creds := o.savedCredentials(); creds != nil {
			o.transition(TriggerCredentialsFound)
			o.startSequence(func(ctx context.Context) { o.runConnect(ctx, *creds, false) })
		} else {
			o.transition(TriggerNoCredentials)
			o.startSequence(o.runProvision)
		}
	case StateSetupMode, StateWifiFailed:
		if state == StateWifiFailed {
			o.transition(TriggerRearm)
		}
		o.startSequence(o.runProvision)
	case StateHotspotActive:
		// Tolerate the AP daemons having died with the host: probe, and
		// re-raise if the hotspot is gone.
		probeCtx, cancel := context.WithTimeout(o.ctx, 10*time.Second)
		active := o.ap.IsActive(probeCtx)
		cancel()
		if !active {
			o.logger.Warn("resumed into HOTSPOT_ACTIVE but hotspot is down, re-raising")
			o.mu.Lock()
			o.state = StateSetupMode
			o.mu.Unlock()
			o.startSequence(o.runProvision)
		}
	case StateConnecting, StateConnectRetry:
		// Resume derivation only yields CONNECTING when credentials were
		// persisted; retry them from scratch.
		if creds := o.savedCredentials(); creds != nil {
			if state == StateConnectRetry {
				o.transition(TriggerRetryElapsed)
			}
			o.startSequence(func(ctx context.Context) { o.runConnect(ctx, *creds, false) })
		} else {
			o.logger.Warn("no saved credentials for connect resume, re-arming hotspot")
			o.mu.Lock()
			o.state = StateSetupMode
			o.mu.Unlock()
			o.startSequence(o.runProvision)
		}
	default:
		// CONNECTED, OPERATIONAL, MINING_READY wait for external signals;
		// ERROR_RECOVERY waits for a manual reset.
	}
	return nil
}

// Stop cancels any in-flight sequence and waits for it to unwind.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// resumeState maps the persisted snapshot to a safe starting state.
// Caller holds the lock.
func (o *Orchestrator) resumeState() State {
	snap, err := o.st.GetSnapshot()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("snapshot unreadable, starting from BOOT", "err", err)
		}
		return StateBoot
	}

	o.attemptCount = snap.AttemptCount
	o.lastError = snap.LastError
	o.lastTransition = snap.LastTransition

	state := State(snap.State)
	if !allStates[state] {
		o.logger.Warn("snapshot holds unknown state, starting from BOOT", "state", snap.State)
		return StateBoot
	}
	if inFlight[state] {
		// The daemons this state depended on died with the process.
		// Re-derive the nearest stable state.
		if _, err := o.st.GetCredentials(); err == nil {
			o.logger.Info("re-deriving in-flight snapshot state", "from", state, "to", StateConnecting)
			return StateConnecting
		}
		o.logger.Info("re-deriving in-flight snapshot state", "from", state, "to", StateSetupMode)
		return StateSetupMode
	}
	return state
}

// GetState returns the current status. It never blocks on in-flight
// network operations.
func (o *Orchestrator) GetState() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		State:          o.state,
		AttemptCount:   o.attemptCount,
		LastError:      o.lastError,
		LastTransition: o.lastTransition,
		DeviceID:       o.deviceID,
	}
}

// Attempts returns a copy of the live connection attempt records.
func (o *Orchestrator) Attempts() []store.AttemptRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]store.AttemptRecord, len(o.attempts))
	copy(out, o.attempts)
	return out
}

// SubmitCredentials accepts a provisioning request from the API layer. It
// validates synchronously, persists the credentials, and kicks off the
// asynchronous teardown-and-connect sequence. Only accepted from
// HOTSPOT_ACTIVE; a submission while a sequence is in flight is rejected
// with ErrBusy, never queued.
func (o *Orchestrator) SubmitCredentials(ssid, psk string) error {
	creds := store.Credentials{SSID: ssid, PSK: psk}
	if err := creds.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.state != StateHotspotActive {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: credentials only accepted in %s (current %s)", ErrWrongState, StateHotspotActive, state)
	}
	if o.busy {
		o.mu.Unlock()
		return ErrBusy
	}
	if err := o.st.SaveCredentials(&creds); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("persist credentials: %w", err)
	}
	_, evt := o.applyLocked(TriggerCredentialsReceived)
	seqCtx := o.beginSequenceLocked()
	o.mu.Unlock()

	o.events.Emit(evt)
	o.logger.Info("credentials accepted", "ssid", ssid)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.endSequence()
		o.runConnect(seqCtx, creds, true)
	}()
	return nil
}

// RequestManualReset aborts any in-flight sequence, clears stored
// credentials and attempt history, returns to SETUP_MODE, and re-arms
// provisioning. It is accepted from any state and is idempotent.
func (o *Orchestrator) RequestManualReset() error {
	o.mu.Lock()
	if o.seqCancel != nil {
		o.seqCancel()
	}
	o.mu.Unlock()
	o.wg.Wait()

	// Drop the network profile along with the stored credentials so the
	// next provisioning round starts from a blank radio.
	if creds := o.savedCredentials(); creds != nil {
		cleanCtx, cancel := context.WithTimeout(o.ctx, 10*time.Second)
		o.client.Cleanup(cleanCtx, creds.SSID)
		cancel()
	}

	o.mu.Lock()
	if err := o.st.DeleteCredentials(); err != nil {
		o.logger.Warn("clear credentials on reset", "err", err)
	}
	if err := o.st.ClearAttempts(); err != nil {
		o.logger.Warn("clear attempts on reset", "err", err)
	}
	o.attempts = nil
	o.attemptCount = 0
	o.lastError = ""
	_, evt := o.applyLocked(TriggerManualReset)
	o.mu.Unlock()
	o.events.Emit(evt)

	o.logger.Info("manual reset complete")
	o.startSequence(o.runProvision)
	return nil
}

// NotifyMiningReady is the external signal from the mining/container
// subsystem. Only meaningful in OPERATIONAL.
func (o *Orchestrator) NotifyMiningReady() error {
	if !o.transition(TriggerMiningReady) {
		return fmt.Errorf("%w: mining ready only accepted in %s", ErrWrongState, StateOperational)
	}
	return nil
}

// transition attempts (current, trigger) against the table. Every attempt is
// logged with from-state, trigger, and outcome; accepted transitions persist
// a snapshot before the event is published.
func (o *Orchestrator) transition(trigger Trigger) bool {
	o.mu.Lock()
	accepted, evt := o.applyLocked(trigger)
	o.mu.Unlock()
	o.events.Emit(evt)
	return accepted
}

// applyLocked performs the transition under the caller's lock and returns
// the event to emit once the lock is released (handlers may call GetState).
func (o *Orchestrator) applyLocked(trigger Trigger) (bool, Event) {
	from := o.state
	to, ok := nextState(from, trigger)
	now := time.Now()
	data := TransitionData{From: from, To: to, Trigger: trigger, At: now}

	if !ok {
		o.logger.Warn("transition rejected", "from", from, "trigger", trigger)
		data.To = ""
		return false, Event{Type: EventTransitionRejected, Data: data}
	}

	o.state = to
	o.lastTransition = now
	if err := o.st.SaveSnapshot(&store.Snapshot{
		State:          string(to),
		AttemptCount:   o.attemptCount,
		LastError:      o.lastError,
		LastTransition: now,
		DeviceID:       o.deviceID,
	}); err != nil {
		o.logger.Error("persist snapshot", "err", err)
	}
	o.logger.Info("transition", "from", from, "to", to, "trigger", trigger)
	return true, Event{Type: EventStateTransition, Data: data}
}

func (o *Orchestrator) setError(msg string) {
	o.mu.Lock()
	o.lastError = msg
	o.mu.Unlock()
}

// beginSequenceLocked marks the worker busy and returns its context.
// Caller holds the lock.
func (o *Orchestrator) beginSequenceLocked() context.Context {
	ctx, cancel := context.WithCancel(o.ctx)
	o.busy = true
	o.seqCancel = cancel
	return ctx
}

func (o *Orchestrator) endSequence() {
	o.mu.Lock()
	o.busy = false
	if o.seqCancel != nil {
		o.seqCancel()
		o.seqCancel = nil
	}
	o.mu.Unlock()
}

// startSequence runs fn on the worker unless one is already in flight.
func (o *Orchestrator) startSequence(fn func(ctx context.Context)) bool {
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return false
	}
	ctx := o.beginSequenceLocked()
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.endSequence()
		fn(ctx)
	}()
	return true
}

// savedCredentials returns persisted credentials or nil.
func (o *Orchestrator) savedCredentials() *store.Credentials {
	creds, err := o.st.GetCredentials()
	if err != nil {
		return nil
	}
	return creds
}

// runProvision drives SETUP_MODE through HOTSPOT_ACTIVE. A first raise
// overrunning its budget is retried once; a second consecutive overrun, or
// a resource fault, ends in ERROR_RECOVERY.
func (o *Orchestrator) runProvision(ctx context.Context) {
	if !o.transition(TriggerRaiseAP) {
		return
	}

	var lastErr error
	for try := 0; try < 2; try++ {
		raiseCtx, cancel := context.WithTimeout(ctx, o.budgets.HotspotStart)
		info, err := o.ap.Raise(raiseCtx)
		cancel()
		if err == nil {
			o.transition(TriggerAPVerified)
			o.events.Emit(Event{Type: EventHotspotUp, Data: info})
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		if runner.KindOf(err) == runner.KindResource {
			o.setError(err.Error())
			o.transition(TriggerFault)
			return
		}
		o.logger.Warn("hotspot raise failed, retrying once", "err", err)
	}

	o.setError(lastErr.Error())
	o.transition(TriggerAPFailed)
}

// runConnect drives the teardown-and-connect choreography: hotspot down,
// then up to MaxAttempts station connection attempts with retry delays, then
// either OPERATIONAL or the autonomous fallback to provisioning.
func (o *Orchestrator) runConnect(ctx context.Context, creds store.Credentials, viaTeardown bool) {
	if viaTeardown {
		if !o.teardownHotspot(ctx, true) {
			return
		}
	} else if o.ap.IsActive(ctx) {
		// A hotspot left over from before a crash must come down even when
		// the state machine skipped CREDENTIALS_RECEIVED on this run.
		o.logger.Info("hotspot still active before connect, tearing down")
		if !o.teardownHotspot(ctx, false) {
			return
		}
	}

	o.mu.Lock()
	o.attempts = nil
	o.attemptCount = 0
	o.mu.Unlock()

	if o.attemptLoop(ctx, creds) {
		return
	}
	if ctx.Err() != nil {
		return
	}

	// WIFI_FAILED: the device must not stay unreachable. Re-arm provisioning.
	o.logger.Info("connection attempts exhausted, re-arming provisioning hotspot")
	if o.transition(TriggerRearm) {
		o.runProvision(ctx)
	}
}

// teardownHotspot lowers the AP within the teardown budget, retrying one
// overrun. When transitioning is true the HOTSPOT_TEARDOWN states are
// driven; a resumed sequence that is already in CONNECTING skips them.
func (o *Orchestrator) teardownHotspot(ctx context.Context, transitioning bool) bool {
	if transitioning && !o.transition(TriggerTeardownStarted) {
		return false
	}

	var lastErr error
	for try := 0; try < 2; try++ {
		downCtx, cancel := context.WithTimeout(ctx, o.budgets.HotspotTeardown)
		err := o.ap.Lower(downCtx)
		cancel()
		if err == nil {
			if transitioning {
				return o.transition(TriggerTeardownDone)
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		lastErr = err
		o.logger.Warn("hotspot teardown overran budget, retrying once", "err", err)
	}

	o.setError(lastErr.Error())
	if transitioning {
		o.transition(TriggerTeardownTimeout)
	} else {
		o.transition(TriggerFault)
	}
	return false
}

// attemptLoop runs the bounded connection attempts. Returns true when the
// device reached OPERATIONAL, false when attempts were exhausted or the
// sequence was cancelled or faulted.
func (o *Orchestrator) attemptLoop(ctx context.Context, creds store.Credentials) bool {
	for attempt := 1; attempt <= o.budgets.MaxAttempts; attempt++ {
		o.recordAttemptStart(attempt)

		info, err := o.connectOnce(ctx, creds)
		if err == nil {
			var validated bool
			var valErr error
			if o.transition(TriggerLeaseObtained) {
				validated, valErr = o.validate(ctx, attempt, info)
			}
			if validated {
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			err = valErr
			if err == nil {
				err = errors.New("network validation failed")
			}
		} else {
			if ctx.Err() != nil {
				o.recordAttemptEnd(attempt, store.OutcomeFailure, "cancelled")
				return false
			}
			if runner.KindOf(err) == runner.KindResource {
				o.recordAttemptEnd(attempt, store.OutcomeFailure, err.Error())
				o.setError(err.Error())
				o.transition(TriggerFault)
				return false
			}
			o.recordAttemptEnd(attempt, store.OutcomeFailure, err.Error())
		}

		o.setError(err.Error())
		if attempt == o.budgets.MaxAttempts {
			o.transition(TriggerAttemptsExhausted)
			o.clearAttemptRecords()
			return false
		}

		if !o.transition(TriggerAttemptFailed) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(o.budgets.RetryDelay):
		}
		if !o.transition(TriggerRetryElapsed) {
			return false
		}
	}
	return false
}

// connectOnce performs a single attempt, retrying one transient daemon
// failure without charging it against the attempt budget. A timing failure
// never earns that retry: an attempt that burned its whole budget counts
// against MaxAttempts directly.
func (o *Orchestrator) connectOnce(ctx context.Context, creds store.Credentials) (wifi.ConnectionInfo, error) {
	var info wifi.ConnectionInfo
	var err error
	for try := 0; try < 2; try++ {
		attemptCtx, cancel := context.WithTimeout(ctx, o.budgets.ConnectAttempt)
		info, err = o.client.Connect(attemptCtx, creds)
		cancel()
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return info, &runner.StepError{Step: "connect attempt", Kind: runner.KindTimeout, Err: err}
		}
		if err == nil || ctx.Err() != nil || runner.KindOf(err) != runner.KindDaemon {
			return info, err
		}
		if try == 0 {
			o.logger.Warn("transient daemon failure, retrying step", "err", err)
		}
	}
	return info, err
}

// validate runs the NETWORK_VALIDATION phase and, on success, the
// operational checks through to OPERATIONAL. A probe failure is returned
// so the caller can surface the actual reason, not a generic message.
func (o *Orchestrator) validate(ctx context.Context, attempt int, info wifi.ConnectionInfo) (bool, error) {
	valCtx, cancel := context.WithTimeout(ctx, o.budgets.Validation)
	err := o.client.ValidateReachability(valCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		o.logger.Warn("reachability validation failed", "err", err)
		o.recordAttemptEnd(attempt, store.OutcomeFailure, err.Error())
		return false, err
	}

	o.recordAttemptEnd(attempt, store.OutcomeSuccess, "")
	o.mu.Lock()
	o.lastError = ""
	o.mu.Unlock()
	o.clearAttemptRecords()

	if !o.transition(TriggerValidated) {
		return false, nil
	}
	o.logger.Info("connected", "ssid", info.SSID, "addr", info.IPAddress)

	// Operational check: the provisioning hotspot must be fully gone.
	if o.ap.IsActive(ctx) {
		o.logger.Warn("hotspot daemons lingering after connect, lowering")
		lowCtx, cancel := context.WithTimeout(ctx, o.budgets.HotspotTeardown)
		o.ap.Lower(lowCtx)
		cancel()
	}
	return o.transition(TriggerChecksPassed), nil
}

func (o *Orchestrator) recordAttemptStart(number int) {
	rec := store.AttemptRecord{Number: number, StartedAt: time.Now(), Outcome: store.OutcomePending}
	o.mu.Lock()
	o.attempts = append(o.attempts, rec)
	o.attemptCount = number
	if err := o.st.SaveAttempts(o.attempts); err != nil {
		o.logger.Warn("persist attempts", "err", err)
	}
	o.mu.Unlock()
	o.events.Emit(Event{Type: EventAttemptStarted, Data: AttemptData{Number: number}})
	o.logger.Info("connection attempt starting", "attempt", number, "of", o.budgets.MaxAttempts)
}

func (o *Orchestrator) recordAttemptEnd(number int, outcome, reason string) {
	o.mu.Lock()
	for i := range o.attempts {
		if o.attempts[i].Number == number {
			o.attempts[i].Outcome = outcome
			o.attempts[i].Reason = reason
		}
	}
	if err := o.st.SaveAttempts(o.attempts); err != nil {
		o.logger.Warn("persist attempts", "err", err)
	}
	o.mu.Unlock()
	o.events.Emit(Event{Type: EventAttemptFinished, Data: AttemptData{Number: number, Outcome: outcome, Reason: reason}})
}

// clearAttemptRecords drops the live records on terminal exit from the
// retry loop. The attempt counter survives for status reporting.
func (o *Orchestrator) clearAttemptRecords() {
	o.mu.Lock()
	o.attempts = nil
	if err := o.st.ClearAttempts(); err != nil {
		o.logger.Warn("clear attempts", "err", err)
	}
	o.mu.Unlock()
}
