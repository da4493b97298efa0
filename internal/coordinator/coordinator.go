// Package coordinator implements the radio arbiter: the single task that
// owns advertising on/off and brokers the one physical BLE radio between
// the outbound central connection and the inbound FTMS peripheral
// connection (SPEC_FULL.md §4.6).
package coordinator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tlbridge/tlbridge/internal/bridgestate"
	"github.com/tlbridge/tlbridge/internal/gatt"
)

// peripheralRole is the role string BlueZ-style adapters report for a
// connection where the local device is acting as the GATT peripheral.
const peripheralRole = "PERIPHERAL"

// slaveRole is the legacy/alternate spelling some adapter stacks use for
// the same role.
const slaveRole = "SLAVE"

// Config holds the arbiter's polling and watchdog intervals.
type Config struct {
	PollInterval      time.Duration
	SecurityInterval  time.Duration
	StabilizationWait time.Duration
}

// DefaultConfig returns the intervals specified by SPEC_FULL.md §4.6/§5.
func DefaultConfig() Config {
	return Config{
		PollInterval:      gatt.DefaultAdapterPollInterval,
		SecurityInterval:  10 * time.Second,
		StabilizationWait: 3 * time.Second,
	}
}

// Coordinator runs the 3s adapter poll and the 10s security watchdog.
type Coordinator struct {
	cfg     Config
	adapter gatt.AdapterControl
	state   *bridgestate.State
	logger  *slog.Logger

	sawPeripheral bool
	resuming      atomic.Bool
}

// New constructs a Coordinator.
func New(cfg Config, adapter gatt.AdapterControl, state *bridgestate.State, logger *slog.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, adapter: adapter, state: state, logger: logger}
}

// Run drives the poll and security-watchdog loops until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(c.cfg.PollInterval)
	defer pollTicker.Stop()

	securityTicker := time.NewTicker(c.cfg.SecurityInterval)
	defer securityTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-pollTicker.C:
			c.poll(ctx)

		case <-securityTicker.C:
			c.enforceSecurity(ctx)
		}
	}
}

// poll reads the adapter's connection table, detects a peripheral-role
// connect/disconnect edge, and brokers handoff when one appears while the
// radio is free to receive it.
func (c *Coordinator) poll(ctx context.Context) {
	conns, err := c.adapter.ListActiveConnections(ctx)
	if err != nil {
		c.logger.Warn("coordinator: list connections failed", slog.String("error", err.Error()))
		return
	}

	handle, present := findPeripheral(conns)

	switch {
	case present && !c.sawPeripheral:
		c.onPeripheralConnect(ctx, handle)
	case !present && c.sawPeripheral:
		c.onPeripheralDisconnect()
	}

	c.sawPeripheral = present

	if present && !c.state.CentralConnected() && c.resuming.CompareAndSwap(false, true) {
		go c.watchForResume(ctx)
	}
}

func findPeripheral(conns []gatt.ConnectionInfo) (int, bool) {
	for _, conn := range conns {
		if conn.Role == peripheralRole || conn.Role == slaveRole {
			return conn.Handle, true
		}
	}
	return 0, false
}

// onPeripheralConnect implements the connect edge of spec.md §4.5: when
// the central has no live link to the treadmill, this bridge must free the
// single radio so the central loop can win it, by tearing the inbound
// connection back down immediately and setting the pause flag, which marks
// the handoff as in progress until watchForResume clears it. The central
// session does not read the flag; it keeps running its own scan/connect
// cycle.
func (c *Coordinator) onPeripheralConnect(ctx context.Context, handle int) {
	if c.state.CentralConnected() {
		c.logger.Info("peripheral connected, central already linked, no handoff needed")
		c.state.SetPeripheralConnected(true, time.Now())
		return
	}

	c.logger.Info("peripheral connect edge, freeing radio for central handoff")

	if err := c.adapter.SetAdvertising(ctx, false); err != nil {
		c.logger.Warn("coordinator: stop advertising failed", slog.String("error", err.Error()))
	}
	if err := c.adapter.DisconnectHandle(ctx, handle); err != nil {
		c.logger.Warn("coordinator: disconnect handle failed", slog.String("error", err.Error()))
	}

	c.state.SetPeripheralConnected(true, time.Now())
	c.state.SetPauseCoordinator(true)
}

func (c *Coordinator) onPeripheralDisconnect() {
	c.logger.Info("peripheral disconnect edge")
	c.state.SetPeripheralConnected(false, time.Now())
}

// watchForResume polls for the central session winning its outbound
// connection. The central loop itself makes no explicit decision based on
// pause_coordinator beyond simply running its own scan/connect cycle
// whenever it isn't already connected; this coordinator is the side that
// observes CentralConnected() to learn when the handoff has completed, and
// is responsible for resuming advertising after the stabilization window.
//
// It runs in its own goroutine, spawned by poll() rather than called
// inline, so a handoff that spans several scan/connect retries never
// blocks Run()'s select from servicing the security watchdog ticker.
// c.resuming guards against poll() launching a second one while this one
// is still in flight.
func (c *Coordinator) watchForResume(ctx context.Context) {
	defer c.resuming.Store(false)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.state.CentralConnected() {
				continue
			}
			select {
			case <-time.After(c.cfg.StabilizationWait):
			case <-ctx.Done():
				return
			}
			if err := c.adapter.SetAdvertising(ctx, true); err != nil {
				c.logger.Warn("coordinator: resume advertising failed", slog.String("error", err.Error()))
			}
			c.state.SetPauseCoordinator(false)
			return
		}
	}
}

// enforceSecurity re-asserts the non-pairable, discoverable policy every
// 10s against adapters that may spontaneously re-enable pairing.
func (c *Coordinator) enforceSecurity(ctx context.Context) {
	if err := c.adapter.SetPairable(ctx, false); err != nil {
		c.logger.Warn("coordinator: set pairable=false failed", slog.String("error", err.Error()))
	}
	if err := c.adapter.SetDiscoverable(ctx, true); err != nil {
		c.logger.Warn("coordinator: set discoverable=true failed", slog.String("error", err.Error()))
	}
}
