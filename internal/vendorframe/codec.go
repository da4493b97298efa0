package vendorframe

// Vendor control-payload and telemetry-record codec, built on the raw
// payload bytes that Fragment/Reassembler move across the link.

// ControlKind selects the command encoded by EncodeControl.
type ControlKind byte

const (
	// ControlSpeed addresses the vendor's speed-set command.
	ControlSpeed ControlKind = 0x01

	// ControlIncline addresses the vendor's incline-set command.
	ControlIncline ControlKind = 0x02
)

// controlPrefix is the fixed 8-byte header shared by every control payload,
// before the 1-byte command kind.
var controlPrefix = [8]byte{0x02, 0x04, 0x02, 0x09, 0x04, 0x09, 0x02, 0x01}

// checksumStart is the index, within an encoded control payload (before the
// trailing checksum byte is appended), where the checksum sum begins.
const checksumStart = 4

// EncodeControl builds a vendor control payload for the given kind and raw
// 16-bit value, little-endian, followed by one zero pad byte and a trailing
// one-byte additive checksum.
func EncodeControl(kind ControlKind, v uint16) []byte {
	buf := make([]byte, 0, len(controlPrefix)+1+2+1+1)
	buf = append(buf, controlPrefix[:]...)
	buf = append(buf, byte(kind))
	buf = append(buf, byte(v), byte(v>>8))
	buf = append(buf, 0x00) // pad

	buf = append(buf, checksum(buf))
	return buf
}

// checksum computes the trailing byte appended by EncodeControl: the
// additive sum of buf[checksumStart:] modulo 256.
func checksum(buf []byte) byte {
	var sum byte
	for _, b := range buf[checksumStart:] {
		sum += b
	}
	return sum
}

// telemetryMinLen is the minimum payload length accepted by DecodeTelemetry.
const telemetryMinLen = 30

// telemetryDiscriminatorOffset is the byte offset of the marker that
// identifies a telemetry record.
const telemetryDiscriminatorOffset = 3

// telemetryDiscriminator is the recognized value at telemetryDiscriminatorOffset.
const telemetryDiscriminator = 0x2F

// Telemetry record field offsets, little-endian, raw (unconverted) units.
const (
	offsetSpeedRaw   = 8
	offsetInclineRaw = 10
	offsetTimeRaw    = 27
	offsetCalRaw     = 31
	offsetDistRaw    = 42
)

// TelemetrySample holds the raw, unconverted fields of a decoded telemetry
// record. Unit conversion and baseline handling are the caller's concern
// (see package telemetry).
type TelemetrySample struct {
	SpeedRaw   uint16
	InclineRaw uint16
	TimeRaw    uint32
	CalRaw     uint32
	DistRaw    uint32
}

// DecodeTelemetry parses a reassembled payload as a telemetry record. It
// returns false if the payload is too short or does not carry the
// telemetry discriminator byte.
func DecodeTelemetry(payload []byte) (TelemetrySample, bool) {
	if len(payload) < telemetryMinLen || payload[telemetryDiscriminatorOffset] != telemetryDiscriminator {
		return TelemetrySample{}, false
	}

	var s TelemetrySample
	if u, ok := readU16(payload, offsetSpeedRaw); ok {
		s.SpeedRaw = u
	}
	if u, ok := readU16(payload, offsetInclineRaw); ok {
		s.InclineRaw = u
	}
	if u, ok := readU32(payload, offsetTimeRaw); ok {
		s.TimeRaw = u
	}
	if u, ok := readU32(payload, offsetCalRaw); ok {
		s.CalRaw = u
	}
	if u, ok := readU32(payload, offsetDistRaw); ok {
		s.DistRaw = u
	}

	return s, true
}

func readU16(b []byte, offset int) (uint16, bool) {
	if offset+2 > len(b) {
		return 0, false
	}
	return uint16(b[offset]) | uint16(b[offset+1])<<8, true
}

func readU32(b []byte, offset int) (uint32, bool) {
	if offset+4 > len(b) {
		return 0, false
	}
	return uint32(b[offset]) | uint32(b[offset+1])<<8 | uint32(b[offset+2])<<16 | uint32(b[offset+3])<<24, true
}

// PollPayload is the fixed vendor poll command, sent on every Active tick
// that produced no queued command.
var PollPayload = []byte{
	0x02, 0x04, 0x02, 0x10, 0x04, 0x10, 0x02, 0x00, 0x0A, 0x13,
	0x94, 0x33, 0x00, 0x10, 0x40, 0x10, 0x00, 0x80, 0x18, 0xF2,
}

// HandshakePayloads are the nine fixed vendor messages sent in order at
// the start of every Active session. Recovered verbatim from the vendor's
// original initialization sequence; see DESIGN.md Open Question 3.
var HandshakePayloads = [][]byte{
	{0x02, 0x04, 0x02, 0x04, 0x02, 0x04, 0x81, 0x87},
	{0x02, 0x04, 0x02, 0x04, 0x04, 0x04, 0x80, 0x88},
	{0x02, 0x04, 0x02, 0x04, 0x04, 0x04, 0x88, 0x90},
	{0x02, 0x04, 0x02, 0x07, 0x02, 0x07, 0x82, 0x00, 0x00, 0x00, 0x8B},
	{0x02, 0x04, 0x02, 0x06, 0x02, 0x06, 0x84, 0x00, 0x00, 0x8C},
	{0x02, 0x04, 0x02, 0x04, 0x02, 0x04, 0x95, 0x9B},
	{
		0x02, 0x04, 0x02, 0x28, 0x04, 0x28, 0x90, 0x07, 0x01, 0x8D, 0x68, 0x49, 0x28, 0x15, 0xF0, 0xE9,
		0xC0, 0xBD, 0xA8, 0x99, 0x88, 0x75, 0x60, 0x79, 0x70, 0x4D, 0x48, 0x49, 0x48, 0x75, 0x70, 0x69,
		0x60, 0x9D, 0x88, 0xB9, 0xA8, 0xD5, 0xC0, 0xA0, 0x02, 0x00, 0x00, 0xAD,
	},
	{
		0x02, 0x04, 0x02, 0x15, 0x04, 0x15, 0x02, 0x0E, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x01, 0x00, 0x3A,
	},
	{
		0x02, 0x04, 0x02, 0x13, 0x04, 0x13, 0x02, 0x0C, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x80, 0x00, 0x00, 0xA5,
	},
}
