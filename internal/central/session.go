package central

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tlbridge/tlbridge/internal/bridgestate"
	"github.com/tlbridge/tlbridge/internal/gatt"
	"github.com/tlbridge/tlbridge/internal/telemetry"
	"github.com/tlbridge/tlbridge/internal/vendorframe"
)

// Config holds the tunables of the central session's scan/connect/
// handshake/active state machine (SPEC_FULL.md §4.3).
type Config struct {
	DeviceName string

	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	ConnectRetries int
	ZombieWait     time.Duration

	InterFrameGap     time.Duration
	HandshakePause7   time.Duration
	HandshakePause8   time.Duration
	HandshakePauseEnd time.Duration

	ActiveTick         time.Duration
	MaxCommandsPerTick int
	InterCommandGap    time.Duration
	PollIdleWindow     time.Duration
	TelemetryWatchdog  time.Duration
	IdleDisconnect     time.Duration

	RSSIWarnThreshold int
}

// DefaultConfig returns the tunables specified by SPEC_FULL.md §4.3/§5.
func DefaultConfig() Config {
	return Config{
		DeviceName:         "I_TL",
		ScanTimeout:        10 * time.Second,
		ConnectTimeout:     10 * time.Second,
		ConnectRetries:     3,
		ZombieWait:         1500 * time.Millisecond,
		InterFrameGap:      100 * time.Millisecond,
		HandshakePause7:    500 * time.Millisecond,
		HandshakePause8:    500 * time.Millisecond,
		HandshakePauseEnd:  1000 * time.Millisecond,
		ActiveTick:         200 * time.Millisecond,
		MaxCommandsPerTick: 5,
		InterCommandGap:    100 * time.Millisecond,
		PollIdleWindow:     1 * time.Second,
		TelemetryWatchdog:  5 * time.Second,
		IdleDisconnect:     60 * time.Second,
		RSSIWarnThreshold:  -80,
	}
}

// ErrConnectExhausted is returned internally when all connect retries fail.
var ErrConnectExhausted = errors.New("central: connect retries exhausted")

// Session runs the central-role state machine against a gatt.CentralLink.
type Session struct {
	cfg     Config
	link    gatt.CentralLink
	adapter gatt.AdapterControl
	state   *bridgestate.State
	logger  *slog.Logger

	// OnTelemetry, if set, is invoked after every successfully decoded
	// telemetry sample so the peripheral server can re-emit.
	OnTelemetry func(telemetry.DerivedState)

	reassembler *vendorframe.Reassembler
	tracker     *telemetry.Tracker
	lastScan    gatt.ScanResult
}

// NewSession constructs a Session. adapter may be nil if the pre-connect
// zombie check and adapter-level disconnects should be skipped.
func NewSession(cfg Config, link gatt.CentralLink, adapter gatt.AdapterControl, state *bridgestate.State, logger *slog.Logger) *Session {
	return &Session{
		cfg:     cfg,
		link:    link,
		adapter: adapter,
		state:   state,
		logger:  logger,
	}
}

// Run drives the state machine until ctx is cancelled. It never returns a
// non-nil error except ctx's own error on cancellation.
func (s *Session) Run(ctx context.Context) error {
	state := StateDisconnected

	for ctx.Err() == nil {
		var next State

		switch state {
		case StateDisconnected:
			next = ApplyEvent(state, EventStart).NewState

		case StateScanning:
			next = s.runScanning(ctx)

		case StateConnecting:
			next = s.runConnecting(ctx)

		case StateHandshaking:
			s.reassembler = vendorframe.NewReassembler()
			s.tracker = telemetry.NewTracker()
			next = s.runHandshaking(ctx)

		case StateActive:
			s.state.SetCentralConnected(true)
			next = s.runActive(ctx)
			s.state.SetCentralConnected(false)

		case StateDisconnecting:
			next = s.runDisconnecting(ctx)

		default:
			next = StateDisconnected
		}

		if next != state {
			s.logger.Info("central state transition",
				slog.String("from", state.String()),
				slog.String("to", next.String()),
			)
		}
		state = next
	}

	return ctx.Err()
}

func (s *Session) runScanning(ctx context.Context) State {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	result, err := s.link.Scan(scanCtx, s.cfg.DeviceName)
	if err != nil {
		if ctx.Err() != nil {
			return StateDisconnecting
		}
		s.logger.Debug("scan attempt found no device", slog.String("error", err.Error()))
		return ApplyEvent(StateScanning, EventScanRetry).NewState
	}

	if result.RSSI != 0 && result.RSSI < s.cfg.RSSIWarnThreshold {
		s.logger.Warn("weak signal from treadmill",
			slog.String("address", result.Address),
			slog.Int("rssi", result.RSSI),
		)
	}

	s.zombieCheck(ctx, result.Address)
	s.lastScan = result

	return ApplyEvent(StateScanning, EventScanFound).NewState
}

// zombieCheck evicts a stale connection the adapter still believes is
// live for the target address (SPEC_FULL.md §4.3 pre-connect check).
func (s *Session) zombieCheck(ctx context.Context, address string) {
	if s.adapter == nil {
		return
	}

	if !s.disconnectByAddress(ctx, address) {
		return
	}

	s.logger.Warn("evicting zombie link", slog.String("address", address))
	select {
	case <-time.After(s.cfg.ZombieWait):
	case <-ctx.Done():
	}
}

// disconnectByAddress resolves address to its adapter-reported handle and
// disconnects it. It reports whether a matching live connection was found,
// since the adapter's handles are opaque (a D-Bus path hash for bluez, see
// internal/bluez) and cannot be guessed or hardcoded by a caller.
func (s *Session) disconnectByAddress(ctx context.Context, address string) bool {
	conns, err := s.adapter.ListActiveConnections(ctx)
	if err != nil {
		s.logger.Warn("list connections failed", slog.String("error", err.Error()))
		return false
	}

	for _, c := range conns {
		if c.Address != address {
			continue
		}
		if err := s.adapter.DisconnectHandle(ctx, c.Handle); err != nil {
			s.logger.Warn("disconnect failed", slog.String("address", address), slog.String("error", err.Error()))
		}
		return true
	}
	return false
}

func (s *Session) runConnecting(ctx context.Context) State {
	for attempt := 0; attempt < s.cfg.ConnectRetries; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		err := s.link.Connect(connectCtx, s.lastScan.Address)
		cancel()

		if err == nil {
			return ApplyEvent(StateConnecting, EventConnectOK).NewState
		}

		if ctx.Err() != nil {
			return StateDisconnecting
		}

		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("connect timed out, retrying", slog.Int("attempt", attempt+1))
			if s.adapter != nil {
				s.disconnectByAddress(ctx, s.lastScan.Address)
			}
			continue
		}

		s.logger.Warn("connect failed", slog.String("error", err.Error()))
		return ApplyEvent(StateConnecting, EventConnectFailed).NewState
	}

	return ApplyEvent(StateConnecting, EventConnectFailed).NewState
}

func (s *Session) runHandshaking(ctx context.Context) State {
	for i, payload := range vendorframe.HandshakePayloads {
		if err := s.sendPayload(ctx, payload); err != nil {
			s.logger.Warn("handshake write failed", slog.Int("payload", i+1), slog.String("error", err.Error()))
			return ApplyEvent(StateHandshaking, EventCommandFailed).NewState
		}

		pause := s.pacingAfter(i + 1)
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return StateDisconnecting
		}
	}

	return ApplyEvent(StateHandshaking, EventHandshakeDone).NewState
}

// pacingAfter returns the required pause after the 1-indexed handshake
// payload position, per SPEC_FULL.md §4.3.
func (s *Session) pacingAfter(position int) time.Duration {
	switch position {
	case 7:
		return s.cfg.HandshakePause7
	case 8:
		return s.cfg.HandshakePause8
	case len(vendorframe.HandshakePayloads):
		return s.cfg.HandshakePauseEnd
	default:
		return s.cfg.InterFrameGap
	}
}

// sendPayload fragments payload and writes each frame with the mandatory
// inter-frame gap.
func (s *Session) sendPayload(ctx context.Context, payload []byte) error {
	frames := vendorframe.Fragment(payload)
	for i, f := range frames {
		if err := s.link.WriteWithoutResponse(ctx, f); err != nil {
			return fmt.Errorf("write frame %d/%d: %w", i+1, len(frames), err)
		}
		if i < len(frames)-1 {
			select {
			case <-time.After(s.cfg.InterFrameGap):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (s *Session) runActive(ctx context.Context) State {
	notifyCtx, stopNotify := context.WithCancel(ctx)
	defer stopNotify()
	go s.consumeNotifications(notifyCtx)

	ticker := time.NewTicker(s.cfg.ActiveTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return StateDisconnecting

		case <-ticker.C:
			next, ok := s.activeTick(ctx)
			if !ok {
				return next
			}
		}
	}
}

// activeTick runs one 200ms Active-loop iteration. ok is false when the
// loop must break out of Active.
func (s *Session) activeTick(ctx context.Context) (State, bool) {
	sent, err := s.drainCommands(ctx)
	if err != nil {
		return ApplyEvent(StateActive, EventCommandFailed).NewState, false
	}

	now := time.Now()
	if sent == 0 || s.state.SinceLastNotify(now) > s.cfg.PollIdleWindow {
		if err := s.sendPayload(ctx, vendorframe.PollPayload); err != nil {
			return ApplyEvent(StateActive, EventCommandFailed).NewState, false
		}
	}

	if s.state.SinceLastNotify(now) > s.cfg.TelemetryWatchdog {
		return ApplyEvent(StateActive, EventTelemetryWatchdog).NewState, false
	}

	if s.state.PeripheralIdleFor(now) > s.cfg.IdleDisconnect {
		return ApplyEvent(StateActive, EventIdleTimeout).NewState, false
	}

	return StateActive, true
}

func (s *Session) drainCommands(ctx context.Context) (int, error) {
	sent := 0
	for sent < s.cfg.MaxCommandsPerTick {
		select {
		case cmd := <-s.state.ControlQueue:
			payload := encodeTarget(cmd)
			if err := s.sendPayload(ctx, payload); err != nil {
				return sent, err
			}
			sent++
			select {
			case <-time.After(s.cfg.InterCommandGap):
			case <-ctx.Done():
				return sent, ctx.Err()
			}
		default:
			return sent, nil
		}
	}
	return sent, nil
}

func encodeTarget(cmd bridgestate.TargetCommand) []byte {
	switch cmd.Kind {
	case bridgestate.TargetIncline:
		return vendorframe.EncodeControl(vendorframe.ControlIncline, cmd.Value)
	default:
		return vendorframe.EncodeControl(vendorframe.ControlSpeed, cmd.Value)
	}
}

func (s *Session) consumeNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.link.Notifications():
			if !ok {
				return
			}
			s.handleNotification(frame)
		}
	}
}

func (s *Session) handleNotification(frame []byte) {
	payload, complete := s.reassembler.Feed(frame)
	if !complete {
		return
	}

	sample, ok := vendorframe.DecodeTelemetry(payload)
	if !ok {
		return
	}

	now := time.Now()
	derived := s.tracker.Update(sample, now)
	s.state.UpdateDerived(derived)
	s.state.RecordNotify(now)

	if s.OnTelemetry != nil {
		s.OnTelemetry(derived)
	}
}

func (s *Session) runDisconnecting(ctx context.Context) State {
	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.link.Disconnect(disconnectCtx); err != nil {
		s.logger.Warn("disconnect error", slog.String("error", err.Error()))
	}

	return ApplyEvent(StateDisconnecting, EventDisconnectDone).NewState
}
