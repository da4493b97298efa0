// Package peripheral implements the FTMS-facing GATT peripheral: the
// Treadmill Data notifier, the Control Point opcode handler, and the
// static FTMS/Device Information characteristics (SPEC_FULL.md §4.4).
package peripheral

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/tlbridge/tlbridge/internal/bridgestate"
	"github.com/tlbridge/tlbridge/internal/gatt"
	"github.com/tlbridge/tlbridge/internal/telemetry"
)

// smartNotifyWindow is the minimum interval between two on-wire
// notifications carrying byte-identical Treadmill Data frames.
const smartNotifyWindow = 5 * time.Second

// Control Point response/result codes (SPEC_FULL.md §4.4/§7).
const (
	resultSuccess        = 0x01
	resultNotSupported   = 0x02
	resultInvalidParam   = 0x03
	responseOpcode       = 0x80
	maxTreadmillCalories = 0xFFFF
	maxTreadmillElapsed  = 0xFFFF
	maxTreadmillDistance = 0xFFFFFF
)

// Control Point opcodes (SPEC_FULL.md §4.4).
const (
	opRequestControl  = 0x00
	opReset           = 0x01
	opSetTargetSpeed  = 0x02
	opSetTargetIncl   = 0x03
	opStartResume     = 0x07
	opStopPause       = 0x08
)

// Config holds the peripheral's advertised identity and static
// Device Information strings.
type Config struct {
	LocalName    string
	Manufacturer string
	Model        string
	Firmware     string
	Serial       string
}

// Server drives a gatt.PeripheralLink to publish FTMS characteristics and
// translate Control Point writes into bridgestate.TargetCommand values.
type Server struct {
	cfg    Config
	link   gatt.PeripheralLink
	state  *bridgestate.State
	logger *slog.Logger

	nudge chan telemetry.DerivedState
}

// NewServer constructs a Server.
func NewServer(cfg Config, link gatt.PeripheralLink, state *bridgestate.State, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		link:   link,
		state:  state,
		logger: logger,
		nudge:  make(chan telemetry.DerivedState, 1),
	}
}

// Nudge asks the server to consider re-emitting Treadmill Data for d. It
// never blocks; a pending nudge is replaced by the latest value.
func (s *Server) Nudge(d telemetry.DerivedState) {
	select {
	case s.nudge <- d:
		return
	default:
	}
	select {
	case <-s.nudge:
	default:
	}
	select {
	case s.nudge <- d:
	default:
	}
}

// StaticCharacteristics returns the fixed, read-only characteristic values
// a concrete PeripheralLink implementation must serve for GATT reads:
// FTMS Feature/Training Status/Supported Speed Range/Supported Incline
// Range, and the Device Information strings from cfg. These never change
// for the lifetime of the process, so they are exposed once here rather
// than pushed through Notify/Indicate.
func (s *Server) StaticCharacteristics() map[string][]byte {
	return map[string][]byte{
		CharFeature:       FeatureValue,
		CharTrainingState: TrainingStatusIdle,
		CharSpeedRange:    SpeedRangeValue,
		CharInclineRange:  InclineRangeValue,
		CharManufacturer:  []byte(s.cfg.Manufacturer),
		CharModel:         []byte(s.cfg.Model),
		CharFirmware:      []byte(s.cfg.Firmware),
		CharSerial:        []byte(s.cfg.Serial),
	}
}

// ManualOverride enqueues a TargetCommand directly, bypassing Control
// Point framing. Supplemented from the vendor prototype's interactive
// direct-connect mode (DESIGN.md); additive to, not a replacement for,
// normal Control Point handling.
func (s *Server) ManualOverride(cmd bridgestate.TargetCommand) {
	select {
	case s.state.ControlQueue <- cmd:
	default:
		s.logger.Warn("manual override dropped: control queue full")
	}
}

// Run advertises the FTMS service and processes Treadmill Data nudges and
// Control Point writes until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.link.Advertise(ctx, s.cfg.LocalName); err != nil {
		return err
	}

	writes := s.link.ControlWrites()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d := <-s.nudge:
			s.emitTreadmillData(ctx, d)

		case raw, ok := <-writes:
			if !ok {
				return nil
			}
			s.handleControlWrite(ctx, raw)

		case res := <-s.state.ResponseQueue:
			s.sendResponse(ctx, res)
		}
	}
}

func (s *Server) emitTreadmillData(ctx context.Context, d telemetry.DerivedState) {
	frame := encodeTreadmillData(d)
	if !s.state.ShouldNotify(frame, time.Now(), smartNotifyWindow) {
		return
	}
	if err := s.link.Notify(ctx, CharTreadmillData, frame); err != nil {
		s.logger.Warn("treadmill data notify failed", slog.String("error", err.Error()))
	}
}

// encodeTreadmillData builds the little-endian Treadmill Data frame
// (SPEC_FULL.md §4.4).
func encodeTreadmillData(d telemetry.DerivedState) []byte {
	buf := make([]byte, 18)

	binary.LittleEndian.PutUint16(buf[0:2], 0x048C)

	speedRaw := clampUint16(d.SpeedKph * 100)
	binary.LittleEndian.PutUint16(buf[2:4], speedRaw)

	distRaw := clampUint32(d.DistanceM, maxTreadmillDistance)
	buf[4] = byte(distRaw)
	buf[5] = byte(distRaw >> 8)
	buf[6] = byte(distRaw >> 16)

	inclineRaw := int16(d.InclinePct * 10)
	binary.LittleEndian.PutUint16(buf[7:9], uint16(inclineRaw))

	binary.LittleEndian.PutUint16(buf[9:11], 0) // ramp_angle

	calRaw := clampUint16(d.CaloriesKcal)
	binary.LittleEndian.PutUint16(buf[11:13], calRaw)

	binary.LittleEndian.PutUint16(buf[13:15], 0xFFFF) // calories_per_hour n/a
	buf[15] = 0xFF                                    // calories_per_min n/a

	elapsedRaw := uint16(d.ElapsedTimeS)
	if d.ElapsedTimeS > maxTreadmillElapsed {
		elapsedRaw = maxTreadmillElapsed
	}
	binary.LittleEndian.PutUint16(buf[16:18], elapsedRaw)

	return buf
}

func clampUint16(v float64) uint16 {
	if v < 0 {
		return 0
	}
	if v > maxTreadmillCalories {
		return maxTreadmillCalories
	}
	return uint16(v)
}

func clampUint32(v float64, max uint32) uint32 {
	if v < 0 {
		return 0
	}
	if v > float64(max) {
		return max
	}
	return uint32(v)
}

func (s *Server) handleControlWrite(ctx context.Context, raw []byte) {
	if len(raw) == 0 {
		return
	}
	op := raw[0]

	switch op {
	case opRequestControl:
		s.respond(op, resultSuccess)
		s.emitStatus(ctx, startedOrStopped(s.state.Derived()))

	case opReset:
		s.respond(op, resultSuccess)

	case opSetTargetSpeed:
		v, ok := paramU16(raw)
		if !ok {
			s.respond(op, resultInvalidParam)
			return
		}
		s.enqueue(bridgestate.TargetCommand{Kind: bridgestate.TargetSpeed, Value: v})
		s.respond(op, resultSuccess)
		s.emitStatus(ctx, statusBytes(0x05, v))

	case opSetTargetIncl:
		v, ok := paramU16(raw)
		if !ok {
			s.respond(op, resultInvalidParam)
			return
		}
		vendorRaw := uint16(int16(v) * 10)
		s.enqueue(bridgestate.TargetCommand{Kind: bridgestate.TargetIncline, Value: vendorRaw})
		s.respond(op, resultSuccess)
		s.emitStatus(ctx, statusBytes(0x06, v))

	case opStartResume:
		s.respond(op, resultSuccess)
		s.emitStatus(ctx, []byte{0x04})

	case opStopPause:
		s.enqueue(bridgestate.TargetCommand{Kind: bridgestate.TargetSpeed, Value: 0})
		s.respond(op, resultSuccess)
		s.emitStatus(ctx, []byte{0x02, 0x01})

	default:
		s.respond(op, resultNotSupported)
	}
}

func paramU16(raw []byte) (uint16, bool) {
	if len(raw) < 3 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(raw[1:3]), true
}

func statusBytes(kind byte, v uint16) []byte {
	return []byte{kind, byte(v), byte(v >> 8)}
}

func startedOrStopped(d telemetry.DerivedState) []byte {
	if d.SpeedKph > 0 {
		return []byte{0x04}
	}
	return []byte{0x02, 0x01}
}

func (s *Server) enqueue(cmd bridgestate.TargetCommand) {
	select {
	case s.state.ControlQueue <- cmd:
	default:
		s.logger.Warn("control queue full, dropping command")
	}
}

func (s *Server) respond(op byte, result byte) {
	select {
	case s.state.ResponseQueue <- bridgestate.ControlResult{Opcode: op, Result: result}:
	default:
		s.logger.Warn("response queue full, dropping indication")
	}
}

func (s *Server) sendResponse(ctx context.Context, res bridgestate.ControlResult) {
	frame := []byte{responseOpcode, res.Opcode, res.Result}
	if err := s.link.Indicate(ctx, CharControlPoint, frame); err != nil {
		s.logger.Warn("control point indicate failed", slog.String("error", err.Error()))
	}
}

func (s *Server) emitStatus(ctx context.Context, frame []byte) {
	if err := s.link.Notify(ctx, CharStatus, frame); err != nil {
		s.logger.Warn("status notify failed", slog.String("error", err.Error()))
	}
}
