package orchestrator

// State is the device network mode. Exactly one state is active at a time
// and transitions are the only way to change it.
type State string

const (
	StateBoot                State = "BOOT"
	StateSetupMode           State = "SETUP_MODE"
	StateHotspotStarting     State = "HOTSPOT_STARTING"
	StateHotspotActive       State = "HOTSPOT_ACTIVE"
	StateCredentialsReceived State = "CREDENTIALS_RECEIVED"
	StateHotspotTeardown     State = "HOTSPOT_TEARDOWN"
	StateConnecting          State = "CONNECTING"
	StateConnectRetry        State = "CONNECT_RETRY"
	StateConnected           State = "CONNECTED"
	StateNetworkValidation   State = "NETWORK_VALIDATION"
	StateOperational         State = "OPERATIONAL"
	StateMiningReady         State = "MINING_READY"
	StateWifiFailed          State = "WIFI_FAILED"
	StateErrorRecovery       State = "ERROR_RECOVERY"
)

var allStates = map[State]bool{
	StateBoot: true, StateSetupMode: true, StateHotspotStarting: true,
	StateHotspotActive: true, StateCredentialsReceived: true,
	StateHotspotTeardown: true, StateConnecting: true, StateConnectRetry: true,
	StateConnected: true, StateNetworkValidation: true, StateOperational: true,
	StateMiningReady: true, StateWifiFailed: true, StateErrorRecovery: true,
}

// inFlight states depend on external daemons that died with the process;
// they are never safe to resume into blindly.
var inFlight = map[State]bool{
	StateHotspotStarting:     true,
	StateHotspotTeardown:     true,
	StateConnecting:          true,
	StateNetworkValidation:   true,
	StateCredentialsReceived: true,
}

// Trigger names an external event or internal decision that may cause a
// transition.
type Trigger string

const (
	TriggerNoCredentials       Trigger = "no_credentials"
	TriggerCredentialsFound    Trigger = "credentials_found"
	TriggerRaiseAP             Trigger = "raise_ap"
	TriggerAPVerified          Trigger = "ap_verified"
	TriggerAPFailed            Trigger = "ap_failed"
	TriggerCredentialsReceived Trigger = "credentials_received"
	TriggerTeardownStarted     Trigger = "teardown_started"
	TriggerTeardownDone        Trigger = "teardown_done"
	TriggerTeardownTimeout     Trigger = "teardown_timeout"
	TriggerLeaseObtained       Trigger = "lease_obtained"
	TriggerAttemptFailed       Trigger = "attempt_failed"
	TriggerAttemptsExhausted   Trigger = "attempts_exhausted"
	TriggerRetryElapsed        Trigger = "retry_elapsed"
	TriggerValidated           Trigger = "validated"
	TriggerChecksPassed        Trigger = "checks_passed"
	TriggerMiningReady         Trigger = "mining_ready"
	TriggerRearm               Trigger = "rearm"
	TriggerManualReset         Trigger = "manual_reset"
	TriggerFault               Trigger = "fault"
)

// transitions is the complete table. TriggerFault and TriggerManualReset are
// handled as wildcards in nextState: a fault is legal from any state, and a
// manual reset is an override accepted from any state.
var transitions = map[State]map[Trigger]State{
	StateBoot: {
		TriggerNoCredentials:    StateSetupMode,
		TriggerCredentialsFound: StateConnecting,
	},
	StateSetupMode: {
		TriggerRaiseAP: StateHotspotStarting,
	},
	StateHotspotStarting: {
		TriggerAPVerified: StateHotspotActive,
		TriggerAPFailed:   StateErrorRecovery,
	},
	StateHotspotActive: {
		TriggerCredentialsReceived: StateCredentialsReceived,
	},
	StateCredentialsReceived: {
		TriggerTeardownStarted: StateHotspotTeardown,
	},
	StateHotspotTeardown: {
		TriggerTeardownDone:    StateConnecting,
		TriggerTeardownTimeout: StateErrorRecovery,
	},
	StateConnecting: {
		TriggerLeaseObtained:     StateNetworkValidation,
		TriggerAttemptFailed:     StateConnectRetry,
		TriggerAttemptsExhausted: StateWifiFailed,
	},
	StateConnectRetry: {
		TriggerRetryElapsed: StateConnecting,
	},
	StateNetworkValidation: {
		TriggerValidated:         StateConnected,
		TriggerAttemptFailed:     StateConnectRetry,
		TriggerAttemptsExhausted: StateWifiFailed,
	},
	StateConnected: {
		TriggerChecksPassed: StateOperational,
	},
	StateOperational: {
		TriggerMiningReady: StateMiningReady,
	},
	StateWifiFailed: {
		TriggerRearm: StateSetupMode,
	},
	StateErrorRecovery: {
		TriggerManualReset: StateSetupMode,
	},
}

// nextState resolves (from, trigger) against the table, applying the two
// wildcard triggers.
func nextState(from State, trigger Trigger) (State, bool) {
	switch trigger {
	case TriggerFault:
		return StateErrorRecovery, true
	case TriggerManualReset:
		return StateSetupMode, true
	}
	to, ok := transitions[from][trigger]
	return to, ok
}
