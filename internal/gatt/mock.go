package gatt

import (
	"context"
	"sync"
	"time"

	"github.com/tlbridge/tlbridge/internal/vendorframe"
)

// MockCentralLink simulates a treadmill's GATT server for desktop/dev runs
// (the "mock/simulation mode" flag of SPEC_FULL.md §6.1). Scan and Connect
// succeed immediately; after the caller has sent the handshake writes it
// begins emitting a steadily increasing synthetic vendor-frame telemetry
// notification once per second.
type MockCentralLink struct {
	mu            sync.Mutex
	writes        int
	notifications chan []byte
	stop          chan struct{}
	started       bool
}

// NewMockCentralLink constructs a MockCentralLink.
func NewMockCentralLink() *MockCentralLink {
	return &MockCentralLink{
		notifications: make(chan []byte, 8),
		stop:          make(chan struct{}),
	}
}

// Scan immediately reports a synthetic device.
func (m *MockCentralLink) Scan(ctx context.Context, deviceName string) (ScanResult, error) {
	select {
	case <-ctx.Done():
		return ScanResult{}, ctx.Err()
	default:
	}
	return ScanResult{Address: "AA:BB:CC:DD:EE:FF", Name: deviceName, RSSI: -40}, nil
}

// Connect always succeeds.
func (m *MockCentralLink) Connect(ctx context.Context, address string) error {
	return nil
}

// Disconnect stops the synthetic notification ticker.
func (m *MockCentralLink) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		close(m.stop)
		m.started = false
		m.stop = make(chan struct{})
	}
	return nil
}

// WriteWithoutResponse counts writes and, once enough handshake frames
// have been observed, starts the synthetic telemetry ticker.
func (m *MockCentralLink) WriteWithoutResponse(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	m.writes++
	shouldStart := m.writes > 20 && !m.started
	if shouldStart {
		m.started = true
	}
	stop := m.stop
	m.mu.Unlock()

	if shouldStart {
		go m.simulate(stop)
	}
	return nil
}

// Notifications returns the synthetic notification channel.
func (m *MockCentralLink) Notifications() <-chan []byte {
	return m.notifications
}

func (m *MockCentralLink) simulate(stop chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var tick uint32
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			tick++
			for _, frame := range vendorframe.Fragment(simulatedTelemetryPayload(tick)) {
				select {
				case m.notifications <- []byte(frame):
				case <-stop:
					return
				}
			}
		}
	}
}

// simulatedTelemetryPayload builds a telemetry record carrying a
// monotonically increasing elapsed-time counter, fragmented with the real
// vendorframe.Fragment so the notification stream is wire-valid. Kept
// deliberately minimal: this exists only to exercise the central session's
// reassembly and decode path under --mock, not to model every field the
// vendor actually reports.
func simulatedTelemetryPayload(tick uint32) []byte {
	payload := make([]byte, 46)
	payload[3] = 0x2F
	speed := uint16(500) // 5.00 km/h
	payload[8] = byte(speed)
	payload[9] = byte(speed >> 8)
	payload[27] = byte(tick)
	payload[28] = byte(tick >> 8)
	return payload
}

// MockPeripheralLink discards outbound Notify/Indicate traffic and never
// produces inbound Control Point writes; it exists so the peripheral
// server's Run loop has something to drive under --mock.
type MockPeripheralLink struct {
	writes chan []byte
}

// NewMockPeripheralLink constructs a MockPeripheralLink.
func NewMockPeripheralLink() *MockPeripheralLink {
	return &MockPeripheralLink{writes: make(chan []byte)}
}

// Advertise is a no-op.
func (m *MockPeripheralLink) Advertise(ctx context.Context, localName string) error { return nil }

// StopAdvertising is a no-op.
func (m *MockPeripheralLink) StopAdvertising(ctx context.Context) error { return nil }

// Notify discards the value.
func (m *MockPeripheralLink) Notify(ctx context.Context, charUUID string, value []byte) error {
	return nil
}

// Indicate discards the value.
func (m *MockPeripheralLink) Indicate(ctx context.Context, charUUID string, value []byte) error {
	return nil
}

// ControlWrites returns a channel that never produces values in mock mode.
func (m *MockPeripheralLink) ControlWrites() <-chan []byte {
	return m.writes
}

var (
	_ CentralLink    = (*MockCentralLink)(nil)
	_ PeripheralLink = (*MockPeripheralLink)(nil)
)
