package gatt_test

import (
	"context"
	"testing"
	"time"

	"github.com/tlbridge/tlbridge/internal/gatt"
	"github.com/tlbridge/tlbridge/internal/vendorframe"
)

func TestMockCentralLinkScanAndConnect(t *testing.T) {
	t.Parallel()

	link := gatt.NewMockCentralLink()
	res, err := link.Scan(context.Background(), "I_TL")
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if res.Address == "" {
		t.Error("Scan() returned an empty address")
	}

	if err := link.Connect(context.Background(), res.Address); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
}

func TestMockCentralLinkEmitsTelemetryAfterHandshakeWrites(t *testing.T) {
	t.Parallel()

	link := gatt.NewMockCentralLink()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if err := link.WriteWithoutResponse(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("WriteWithoutResponse() error: %v", err)
		}
	}

	r := vendorframe.NewReassembler()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-link.Notifications():
			if payload, complete := r.Feed(frame); complete {
				sample, ok := vendorframe.DecodeTelemetry(payload)
				if !ok {
					t.Fatal("simulated telemetry payload failed to decode")
				}
				if sample.SpeedRaw == 0 {
					t.Error("simulated telemetry carried a zero speed")
				}
				return
			}
		case <-deadline:
			t.Fatal("no complete simulated telemetry notification arrived in time")
		}
	}
}

func TestMockPeripheralLinkIsInert(t *testing.T) {
	t.Parallel()

	link := gatt.NewMockPeripheralLink()
	ctx := context.Background()

	if err := link.Advertise(ctx, "tlbridge"); err != nil {
		t.Errorf("Advertise() error: %v", err)
	}
	if err := link.Notify(ctx, "char", []byte{0x01}); err != nil {
		t.Errorf("Notify() error: %v", err)
	}
	if err := link.Indicate(ctx, "char", []byte{0x01}); err != nil {
		t.Errorf("Indicate() error: %v", err)
	}

	select {
	case <-link.ControlWrites():
		t.Error("ControlWrites() unexpectedly produced a value")
	case <-time.After(50 * time.Millisecond):
	}
}
