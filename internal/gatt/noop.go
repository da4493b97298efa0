package gatt

import "context"

// NoopAdapter is an AdapterControl that does nothing and always succeeds.
// It is wired in when the driver is not running in "platform-Pi mode"
// (SPEC_FULL.md §6.1), so the coordinator can still run its handoff state
// machine against a harmless backend on desktop/dev hosts.
type NoopAdapter struct{}

// ListActiveConnections always reports no connections.
func (NoopAdapter) ListActiveConnections(context.Context) ([]ConnectionInfo, error) {
	return nil, nil
}

// DisconnectHandle is a no-op.
func (NoopAdapter) DisconnectHandle(context.Context, int) error { return nil }

// SetAdvertising is a no-op.
func (NoopAdapter) SetAdvertising(context.Context, bool) error { return nil }

// SetPairable is a no-op.
func (NoopAdapter) SetPairable(context.Context, bool) error { return nil }

// SetDiscoverable is a no-op.
func (NoopAdapter) SetDiscoverable(context.Context, bool) error { return nil }
