package central_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tlbridge/tlbridge/internal/bridgestate"
	"github.com/tlbridge/tlbridge/internal/central"
	"github.com/tlbridge/tlbridge/internal/gatt"
	"github.com/tlbridge/tlbridge/internal/telemetry"
	"github.com/tlbridge/tlbridge/internal/vendorframe"
)

// fakeLink is a minimal gatt.CentralLink that accepts one connection and
// lets the test drive notifications and count outbound writes.
type fakeLink struct {
	mu         sync.Mutex
	writes     int
	notifyCh   chan []byte
	disconnect int32
}

func newFakeLink() *fakeLink {
	return &fakeLink{notifyCh: make(chan []byte, 8)}
}

func (f *fakeLink) Scan(ctx context.Context, deviceName string) (gatt.ScanResult, error) {
	return gatt.ScanResult{Address: "AA:BB:CC:DD:EE:FF", Name: deviceName, RSSI: -40}, nil
}

func (f *fakeLink) Connect(ctx context.Context, address string) error {
	return nil
}

func (f *fakeLink) Disconnect(ctx context.Context) error {
	atomic.AddInt32(&f.disconnect, 1)
	return nil
}

func (f *fakeLink) WriteWithoutResponse(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) Notifications() <-chan []byte {
	return f.notifyCh
}

func (f *fakeLink) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

var _ gatt.CentralLink = (*fakeLink)(nil)

// timeoutOnceLink blocks past ctx's deadline on the first Connect call
// (so the caller observes context.DeadlineExceeded) and succeeds on every
// call after that.
type timeoutOnceLink struct {
	*fakeLink
	connectAttempts int32
}

func (f *timeoutOnceLink) Connect(ctx context.Context, address string) error {
	if atomic.AddInt32(&f.connectAttempts, 1) == 1 {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// fakeAdapter is a minimal gatt.AdapterControl reporting one live
// connection at a fixed, non-zero handle so tests can assert the central
// session resolves a real handle instead of guessing one.
type fakeAdapter struct {
	mu                  sync.Mutex
	conn                gatt.ConnectionInfo
	disconnectedHandles []int
}

func (f *fakeAdapter) ListActiveConnections(ctx context.Context) ([]gatt.ConnectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []gatt.ConnectionInfo{f.conn}, nil
}

func (f *fakeAdapter) DisconnectHandle(ctx context.Context, handle int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectedHandles = append(f.disconnectedHandles, handle)
	return nil
}

func (f *fakeAdapter) SetAdvertising(ctx context.Context, on bool) error  { return nil }
func (f *fakeAdapter) SetPairable(ctx context.Context, on bool) error     { return nil }
func (f *fakeAdapter) SetDiscoverable(ctx context.Context, on bool) error { return nil }

func (f *fakeAdapter) handles() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]int, len(f.disconnectedHandles))
	copy(cp, f.disconnectedHandles)
	return cp
}

var _ gatt.AdapterControl = (*fakeAdapter)(nil)

func fastTestConfig() central.Config {
	cfg := central.DefaultConfig()
	cfg.ScanTimeout = 50 * time.Millisecond
	cfg.ConnectTimeout = 50 * time.Millisecond
	cfg.ConnectRetries = 1
	cfg.InterFrameGap = time.Millisecond
	cfg.HandshakePause7 = time.Millisecond
	cfg.HandshakePause8 = time.Millisecond
	cfg.HandshakePauseEnd = time.Millisecond
	cfg.ActiveTick = 5 * time.Millisecond
	cfg.PollIdleWindow = time.Hour
	cfg.TelemetryWatchdog = time.Hour
	cfg.IdleDisconnect = time.Hour
	return cfg
}

// telemetryFrames fragments a 46-byte telemetry record: a header plus
// ceil(46/18) = 3 data chunks.
func telemetryFrames(t *testing.T, speedRaw uint16) []vendorframe.Frame {
	t.Helper()

	payload := make([]byte, 46)
	payload[3] = 0x2F
	payload[8] = byte(speedRaw)
	payload[9] = byte(speedRaw >> 8)

	frames := vendorframe.Fragment(payload)
	if len(frames) != 4 {
		t.Fatalf("expected a 4-frame telemetry payload, got %d frames", len(frames))
	}
	return frames
}

func TestSessionReachesActiveAndDeliversTelemetry(t *testing.T) {
	t.Parallel()

	link := newFakeLink()
	st := bridgestate.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sess := central.NewSession(fastTestConfig(), link, nil, st, logger)

	var gotDerived atomic.Value // telemetry.DerivedState
	delivered := make(chan struct{}, 1)
	sess.OnTelemetry = func(d telemetry.DerivedState) {
		gotDerived.Store(d)
		select {
		case delivered <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	// Wait until the handshake has started writing before pushing
	// telemetry: poll the write counter rather than sleeping a fixed guess.
	// notifyCh is buffered, so the frames wait there until the Active loop
	// starts consuming them.
	deadline := time.After(2 * time.Second)
waitHandshake:
	for {
		select {
		case <-deadline:
			t.Fatal("handshake did not complete in time")
		default:
			if link.writeCount() > 0 {
				break waitHandshake
			}
			time.Sleep(time.Millisecond)
		}
	}

	for _, f := range telemetryFrames(t, 500) {
		link.notifyCh <- f
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("OnTelemetry was never invoked")
	}

	d := gotDerived.Load().(telemetry.DerivedState)
	if d.SpeedKph != 5.0 {
		t.Errorf("SpeedKph = %v, want 5.0", d.SpeedKph)
	}

	if !st.CentralConnected() {
		t.Error("CentralConnected() = false while session should be Active")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Session.Run did not return after context cancellation")
	}
}

func TestSessionConnectTimeoutDisconnectsResolvedHandle(t *testing.T) {
	t.Parallel()

	link := &timeoutOnceLink{fakeLink: newFakeLink()}
	adapter := &fakeAdapter{conn: gatt.ConnectionInfo{Address: "AA:BB:CC:DD:EE:FF", Handle: 4242}}
	st := bridgestate.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := fastTestConfig()
	cfg.ConnectRetries = 2
	cfg.ZombieWait = time.Millisecond

	sess := central.NewSession(cfg, link, adapter, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	// The adapter lists the target as connected, so the pre-connect zombie
	// check makes the first DisconnectHandle call; the connect-timeout
	// retry makes the second.
	deadline := time.After(2 * time.Second)
	for {
		if len(adapter.handles()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("connect-timeout retry never called DisconnectHandle")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	got := adapter.handles()
	for _, h := range got {
		if h != 4242 {
			t.Errorf("DisconnectHandle called with handle %d, want the resolved handle 4242", h)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Session.Run did not return after context cancellation")
	}
}

func TestSessionHandshakeSendsEveryPayload(t *testing.T) {
	t.Parallel()

	link := newFakeLink()
	st := bridgestate.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sess := central.NewSession(fastTestConfig(), link, nil, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	wantFrames := 0
	for _, p := range vendorframe.HandshakePayloads {
		wantFrames += len(vendorframe.Fragment(p))
	}

	deadline := time.After(2 * time.Second)
	for {
		if link.writeCount() >= wantFrames {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of %d handshake frames written in time", link.writeCount(), wantFrames)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
