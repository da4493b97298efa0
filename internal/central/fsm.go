// Package central drives the outbound link to the treadmill: scan,
// connect, handshake, active polling/command loop, and the watchdogs that
// return it to Scanning. See SPEC_FULL.md §4.3.
package central

// State is one node of the central session's state machine
// (SPEC_FULL.md §4.3): Disconnected -> Scanning -> Connecting ->
// Handshaking -> Active -> Disconnecting -> Disconnected.
type State uint8

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateHandshaking
	StateActive
	StateDisconnecting
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateActive:
		return "Active"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// Event is an FSM input.
type Event uint8

const (
	// EventStart begins (or restarts) the scan/connect cycle.
	EventStart Event = iota
	// EventScanFound is raised when Scan finds the configured device name.
	EventScanFound
	// EventScanRetry is raised when a scan attempt times out without a match.
	EventScanRetry
	// EventConnectOK is raised when Connect succeeds.
	EventConnectOK
	// EventConnectRetry is raised on a connect timeout with retries remaining.
	EventConnectRetry
	// EventConnectFailed is raised when connect retries are exhausted or a
	// non-timeout error occurs.
	EventConnectFailed
	// EventHandshakeDone is raised once every handshake payload has been
	// sent.
	EventHandshakeDone
	// EventTelemetryWatchdog is raised when no notification has arrived
	// within the telemetry watchdog window.
	EventTelemetryWatchdog
	// EventIdleTimeout is raised when the peripheral has been disconnected
	// longer than the idle window.
	EventIdleTimeout
	// EventCommandFailed is raised when a GATT write fails during the
	// active loop.
	EventCommandFailed
	// EventDisconnectDone is raised once link teardown completes.
	EventDisconnectDone
)

// String returns the human-readable event name.
func (e Event) String() string {
	switch e {
	case EventStart:
		return "Start"
	case EventScanFound:
		return "ScanFound"
	case EventScanRetry:
		return "ScanRetry"
	case EventConnectOK:
		return "ConnectOK"
	case EventConnectRetry:
		return "ConnectRetry"
	case EventConnectFailed:
		return "ConnectFailed"
	case EventHandshakeDone:
		return "HandshakeDone"
	case EventTelemetryWatchdog:
		return "TelemetryWatchdog"
	case EventIdleTimeout:
		return "IdleTimeout"
	case EventCommandFailed:
		return "CommandFailed"
	case EventDisconnectDone:
		return "DisconnectDone"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

// Result holds the outcome of applying an event, mirroring the teacher's
// FSM-result shape so state-change handling (logging, metrics) is uniform.
type Result struct {
	OldState State
	NewState State
	Changed  bool
}

//nolint:gochecknoglobals // transition table is intentionally package-level.
var fsmTable = map[stateEvent]State{
	{StateDisconnected, EventStart}: StateScanning,

	{StateScanning, EventScanFound}: StateConnecting,
	{StateScanning, EventScanRetry}: StateScanning,

	{StateConnecting, EventConnectOK}:     StateHandshaking,
	{StateConnecting, EventConnectRetry}:  StateConnecting,
	{StateConnecting, EventConnectFailed}: StateScanning,

	{StateHandshaking, EventHandshakeDone}: StateActive,
	{StateHandshaking, EventCommandFailed}: StateDisconnecting,
	{StateHandshaking, EventConnectFailed}: StateDisconnecting,

	{StateActive, EventTelemetryWatchdog}: StateDisconnecting,
	{StateActive, EventIdleTimeout}:       StateDisconnecting,
	{StateActive, EventCommandFailed}:     StateDisconnecting,

	{StateDisconnecting, EventDisconnectDone}: StateDisconnected,
}

// ApplyEvent is a pure function over the transition table. Unlisted
// (state, event) pairs are ignored: the state is returned unchanged.
func ApplyEvent(current State, event Event) Result {
	next, ok := fsmTable[stateEvent{current, event}]
	if !ok {
		return Result{OldState: current, NewState: current, Changed: false}
	}
	return Result{OldState: current, NewState: next, Changed: next != current}
}
