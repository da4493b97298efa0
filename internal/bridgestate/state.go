// Package bridgestate holds the mutable state shared between the central
// session, the peripheral server, and the coordinator, plus the bounded
// queues that connect them. The reference runtime this bridge is modeled
// on is single-threaded cooperative (see SPEC_FULL.md §5); this Go port
// runs the three tasks as goroutines, so every field here is guarded by a
// mutex and the queues are channels.
package bridgestate

import (
	"sync"
	"time"

	"github.com/tlbridge/tlbridge/internal/telemetry"
)

// queueCapacity bounds control_queue and response_queue.
const queueCapacity = 32

// TargetKind selects the field a TargetCommand carries.
type TargetKind int

const (
	// TargetSpeed carries a vendor-raw speed value (km/h x100).
	TargetSpeed TargetKind = iota
	// TargetIncline carries a vendor-raw incline value (% x100).
	TargetIncline
)

// TargetCommand is a single queued instruction from the peripheral's
// Control Point handler to the central session's active loop.
type TargetCommand struct {
	Kind  TargetKind
	Value uint16
}

// ControlResult is queued by the peripheral's control handler for the
// peripheral server's main loop to dispatch as a Control Point Indication.
type ControlResult struct {
	Opcode byte
	Result byte
}

// State is the process-wide shared record described by SPEC_FULL.md §3.
// The unexported fields are accessed only through the exported methods,
// which take the lock. ControlQueue and ResponseQueue are exported channels
// that callers send to and receive from directly.
type State struct {
	mu sync.RWMutex

	centralConnected         bool
	peripheralConnected      bool
	lastNotifyAt             time.Time
	lastPeripheralActivityAt time.Time
	pauseCoordinator         bool

	derived             telemetry.DerivedState
	lastNotifiedFrame   []byte
	lastNotifiedFrameAt time.Time

	ControlQueue  chan TargetCommand
	ResponseQueue chan ControlResult
}

// New returns a State with empty queues and all flags clear.
func New() *State {
	return &State{
		ControlQueue:  make(chan TargetCommand, queueCapacity),
		ResponseQueue: make(chan ControlResult, queueCapacity),
	}
}

// SetCentralConnected records whether the central session currently holds
// a live link to the treadmill.
func (s *State) SetCentralConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.centralConnected = v
}

// CentralConnected reports whether the central session currently holds a
// live link to the treadmill.
func (s *State) CentralConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.centralConnected
}

// SetPeripheralConnected records the peripheral connection edge and, on a
// disconnect edge, arms the 60s idle timer by stamping activity time.
func (s *State) SetPeripheralConnected(v bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peripheralConnected = v
	if !v {
		s.lastPeripheralActivityAt = now
	}
}

// PeripheralConnected reports whether a peripheral (FTMS client) link is
// currently active.
func (s *State) PeripheralConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peripheralConnected
}

// PeripheralIdleFor returns how long the peripheral has been disconnected,
// measured from the last disconnect edge.
func (s *State) PeripheralIdleFor(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.peripheralConnected || s.lastPeripheralActivityAt.IsZero() {
		return 0
	}
	return now.Sub(s.lastPeripheralActivityAt)
}

// SetPauseCoordinator is set by the coordinator when a handoff starts and
// cleared by it once advertising has resumed. The central session does not
// read this flag; it scans and connects whenever it is not linked.
func (s *State) SetPauseCoordinator(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseCoordinator = v
}

// PauseCoordinator reports whether a coordinator handoff is in progress,
// i.e. the inbound link was torn down and advertising has not yet resumed.
func (s *State) PauseCoordinator() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pauseCoordinator
}

// RecordNotify stamps the time of the most recent inbound telemetry
// notification, arming the central loop's telemetry watchdog.
func (s *State) RecordNotify(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastNotifyAt = now
}

// SinceLastNotify returns the elapsed time since the last telemetry
// notification, or a zero duration if none has been recorded yet.
func (s *State) SinceLastNotify(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastNotifyAt.IsZero() {
		return 0
	}
	return now.Sub(s.lastNotifyAt)
}

// UpdateDerived stores the latest DerivedState snapshot, read by the
// peripheral server when building a Treadmill Data frame.
func (s *State) UpdateDerived(d telemetry.DerivedState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.derived = d
}

// Derived returns the latest DerivedState snapshot.
func (s *State) Derived() telemetry.DerivedState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.derived
}

// ShouldNotify implements smart-notify suppression: it returns true (and
// records frame/now) unless frame is byte-identical to the last notified
// frame and less than window has elapsed since it was sent.
func (s *State) ShouldNotify(frame []byte, now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bytesEqual(s.lastNotifiedFrame, frame) && now.Sub(s.lastNotifiedFrameAt) < window {
		return false
	}

	s.lastNotifiedFrame = append(s.lastNotifiedFrame[:0], frame...)
	s.lastNotifiedFrameAt = now
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
