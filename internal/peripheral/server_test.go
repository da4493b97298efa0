package peripheral_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tlbridge/tlbridge/internal/bridgestate"
	"github.com/tlbridge/tlbridge/internal/peripheral"
	"github.com/tlbridge/tlbridge/internal/telemetry"
)

type fakePeripheralLink struct {
	advertised bool
	notifies   chan notified
	indicates  chan notified
	writes     chan []byte
}

type notified struct {
	charUUID string
	value    []byte
}

func newFakePeripheralLink() *fakePeripheralLink {
	return &fakePeripheralLink{
		notifies:  make(chan notified, 8),
		indicates: make(chan notified, 8),
		writes:    make(chan []byte, 8),
	}
}

func (f *fakePeripheralLink) Advertise(ctx context.Context, localName string) error {
	f.advertised = true
	return nil
}

func (f *fakePeripheralLink) StopAdvertising(ctx context.Context) error { return nil }

func (f *fakePeripheralLink) Notify(ctx context.Context, charUUID string, value []byte) error {
	cp := append([]byte(nil), value...)
	f.notifies <- notified{charUUID, cp}
	return nil
}

func (f *fakePeripheralLink) Indicate(ctx context.Context, charUUID string, value []byte) error {
	cp := append([]byte(nil), value...)
	f.indicates <- notified{charUUID, cp}
	return nil
}

func (f *fakePeripheralLink) ControlWrites() <-chan []byte { return f.writes }

func newTestServer(link *fakePeripheralLink) (*peripheral.Server, *bridgestate.State) {
	st := bridgestate.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := peripheral.NewServer(peripheral.Config{LocalName: "tlbridge-test"}, link, st, logger)
	return srv, st
}

func TestServerSetTargetSpeedEnqueuesAndResponds(t *testing.T) {
	t.Parallel()

	link := newFakePeripheralLink()
	srv, st := newTestServer(link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	// opcode 0x02 SetTargetSpeed, value 300 (3.00 km/h) little-endian.
	link.writes <- []byte{0x02, 0x2C, 0x01}

	select {
	case cmd := <-st.ControlQueue:
		if cmd.Kind != bridgestate.TargetSpeed || cmd.Value != 300 {
			t.Errorf("ControlQueue got %+v, want TargetSpeed=300", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("SetTargetSpeed did not enqueue a TargetCommand")
	}

	select {
	case ind := <-link.indicates:
		if ind.charUUID != peripheral.CharControlPoint {
			t.Errorf("indicate went to %s, want CharControlPoint", ind.charUUID)
		}
		want := []byte{0x80, 0x02, 0x01}
		if string(ind.value) != string(want) {
			t.Errorf("indicate value = %x, want %x", ind.value, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no Control Point indication sent")
	}

	select {
	case status := <-link.notifies:
		if status.charUUID != peripheral.CharStatus {
			t.Errorf("status notify went to %s, want CharStatus", status.charUUID)
		}
		want := []byte{0x05, 0x2C, 0x01}
		if string(status.value) != string(want) {
			t.Errorf("status value = %x, want %x", status.value, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no status notify sent")
	}
}

func TestServerSetTargetInclineConvertsUnits(t *testing.T) {
	t.Parallel()

	link := newFakePeripheralLink()
	srv, st := newTestServer(link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	// opcode 0x03 SetTargetIncline, value 50 (5.0%) little-endian.
	link.writes <- []byte{0x03, 0x32, 0x00}

	select {
	case cmd := <-st.ControlQueue:
		if cmd.Kind != bridgestate.TargetIncline {
			t.Fatalf("ControlQueue kind = %v, want TargetIncline", cmd.Kind)
		}
		if cmd.Value != 500 {
			t.Errorf("vendor-raw incline = %d, want 500 (5.0%% x100)", cmd.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("SetTargetIncline did not enqueue a TargetCommand")
	}
}

func TestServerUnsupportedOpcodeRespondsNotSupported(t *testing.T) {
	t.Parallel()

	link := newFakePeripheralLink()
	srv, _ := newTestServer(link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	link.writes <- []byte{0xEE}

	select {
	case ind := <-link.indicates:
		want := []byte{0x80, 0xEE, 0x02}
		if string(ind.value) != string(want) {
			t.Errorf("indicate value = %x, want %x (not supported)", ind.value, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no Control Point indication sent for unsupported opcode")
	}
}

func TestServerSmartNotifySuppressesIdenticalFrame(t *testing.T) {
	t.Parallel()

	link := newFakePeripheralLink()
	srv, _ := newTestServer(link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	d := telemetry.DerivedState{SpeedKph: 5}
	srv.Nudge(d)

	select {
	case n := <-link.notifies:
		if n.charUUID != peripheral.CharTreadmillData {
			t.Errorf("first notify went to %s, want CharTreadmillData", n.charUUID)
		}
	case <-time.After(time.Second):
		t.Fatal("first Nudge produced no notify")
	}

	srv.Nudge(d)

	select {
	case n := <-link.notifies:
		t.Fatalf("identical second Nudge was not suppressed: %+v", n)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerStaticCharacteristics(t *testing.T) {
	t.Parallel()

	link := newFakePeripheralLink()
	st := bridgestate.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := peripheral.NewServer(peripheral.Config{
		LocalName:    "tlbridge-test",
		Manufacturer: "Acme",
		Model:        "TL-9000",
		Firmware:     "1.0.0",
		Serial:       "SN123",
	}, link, st, logger)

	vals := srv.StaticCharacteristics()
	if string(vals[peripheral.CharManufacturer]) != "Acme" {
		t.Errorf("Manufacturer = %q, want Acme", vals[peripheral.CharManufacturer])
	}
	if len(vals[peripheral.CharFeature]) != 8 {
		t.Errorf("Feature value length = %d, want 8", len(vals[peripheral.CharFeature]))
	}
	if _, ok := vals[peripheral.CharSpeedRange]; !ok {
		t.Error("StaticCharacteristics missing CharSpeedRange")
	}
}

func TestServerManualOverrideBypassesControlPoint(t *testing.T) {
	t.Parallel()

	link := newFakePeripheralLink()
	srv, st := newTestServer(link)

	srv.ManualOverride(bridgestate.TargetCommand{Kind: bridgestate.TargetSpeed, Value: 123})

	select {
	case cmd := <-st.ControlQueue:
		if cmd.Value != 123 {
			t.Errorf("ManualOverride queued %+v, want Value=123", cmd)
		}
	default:
		t.Fatal("ManualOverride did not enqueue directly to ControlQueue")
	}
}
