// Package gatt defines the narrow ports the core protocol/orchestration
// layer uses to reach the concrete BLE stack and adapter. Per SPEC_FULL.md
// §1/§9, the GATT client/server implementations and the platform adapter
// shims are external collaborators: this package only names the contract.
package gatt

import (
	"context"
	"time"
)

// ScanResult describes one advertisement observed during a central scan.
type ScanResult struct {
	Address string
	Name    string
	RSSI    int
}

// CentralLink is the port the central session drives to discover, connect
// to, and exchange data with the treadmill.
type CentralLink interface {
	// Scan enumerates nearby peripherals until ctx is done or a peripheral
	// is found; deviceName filters by advertised name.
	Scan(ctx context.Context, deviceName string) (ScanResult, error)

	// Connect opens a link to address, subject to ctx's deadline.
	Connect(ctx context.Context, address string) error

	// Disconnect tears down the current link, if any.
	Disconnect(ctx context.Context) error

	// WriteWithoutResponse sends one frame on the write characteristic.
	WriteWithoutResponse(ctx context.Context, frame []byte) error

	// Notifications returns a channel of raw frames received on the
	// notify characteristic. The channel is closed when the link is torn
	// down.
	Notifications() <-chan []byte
}

// ConnectionInfo describes one entry from the adapter's active-connection
// list, as consulted by the pre-connect zombie check and the coordinator.
type ConnectionInfo struct {
	Address string
	Handle  int
	Role    string // "CENTRAL", "PERIPHERAL", "SLAVE", ...
}

// AdapterControl is the platform-specific port for adapter-level policy:
// advertising, pairing/discoverability, and handle-level disconnects. A
// no-op implementation is appropriate on platforms where the local BLE
// stack already owns these policies.
type AdapterControl interface {
	// ListActiveConnections returns the adapter's current connection table.
	ListActiveConnections(ctx context.Context) ([]ConnectionInfo, error)

	// DisconnectHandle forces a disconnect of the given connection handle.
	DisconnectHandle(ctx context.Context, handle int) error

	// SetAdvertising turns peripheral advertising on or off.
	SetAdvertising(ctx context.Context, on bool) error

	// SetPairable sets the adapter's pairable policy.
	SetPairable(ctx context.Context, on bool) error

	// SetDiscoverable sets the adapter's discoverable policy.
	SetDiscoverable(ctx context.Context, on bool) error
}

// PeripheralLink is the port the peripheral server drives to publish FTMS
// characteristics and receive Control Point writes.
type PeripheralLink interface {
	// Advertise starts advertising the given local name under the FTMS
	// service UUID.
	Advertise(ctx context.Context, localName string) error

	// StopAdvertising halts advertising without tearing down an existing
	// connection.
	StopAdvertising(ctx context.Context) error

	// Notify sends a Notify frame on the given characteristic UUID.
	Notify(ctx context.Context, charUUID string, value []byte) error

	// Indicate sends an Indicate frame on the given characteristic UUID.
	Indicate(ctx context.Context, charUUID string, value []byte) error

	// ControlWrites returns a channel of raw Control Point write payloads.
	ControlWrites() <-chan []byte
}

// DefaultAdapterPollInterval is the coordinator's polling period for the
// adapter's active-connection list (SPEC_FULL.md §4.6).
const DefaultAdapterPollInterval = 3 * time.Second
