package peripheral

// FTMS and Device Information Service characteristic UUIDs
// (SPEC_FULL.md §6). Expressed as full 128-bit strings because the
// gatt.PeripheralLink port is UUID-string based; a concrete BlueZ/BlueZ-
// like GATT server implementation is expected to accept either the short
// or long form.
const (
	ServiceFTMS       = "00001826-0000-1000-8000-00805f9b34fb"
	CharTreadmillData = "00002acd-0000-1000-8000-00805f9b34fb"
	CharControlPoint  = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharFeature       = "00002acc-0000-1000-8000-00805f9b34fb"
	CharStatus        = "00002ada-0000-1000-8000-00805f9b34fb"
	CharTrainingState = "00002ad3-0000-1000-8000-00805f9b34fb"
	CharSpeedRange    = "00002ad4-0000-1000-8000-00805f9b34fb"
	CharInclineRange  = "00002ad5-0000-1000-8000-00805f9b34fb"

	ServiceDeviceInfo = "0000180a-0000-1000-8000-00805f9b34fb"
	CharManufacturer  = "00002a29-0000-1000-8000-00805f9b34fb"
	CharModel         = "00002a24-0000-1000-8000-00805f9b34fb"
	CharFirmware      = "00002a26-0000-1000-8000-00805f9b34fb"
	CharSerial        = "00002a25-0000-1000-8000-00805f9b34fb"
)

// FeatureValue is the fixed 8-byte FTMS Feature characteristic value:
// byte0 bit1 total distance, bit5 inclination; byte1 bit0 expended
// energy; byte4 bit0 speed target, bit1 incline target.
var FeatureValue = []byte{0x22, 0x01, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}

// SpeedRangeValue is the fixed Supported Speed Range value:
// min=100, max=2000, step=10 (x0.01 km/h), little-endian u16 triple.
var SpeedRangeValue = []byte{0x64, 0x00, 0xD0, 0x07, 0x0A, 0x00}

// InclineRangeValue is the fixed Supported Incline Range value:
// min=-60, max=150, step=10 (x0.1 %), little-endian i16/i16/u16 triple.
var InclineRangeValue = []byte{0xC4, 0xFF, 0x96, 0x00, 0x0A, 0x00}

// TrainingStatusIdle is the default Training Status value: idle.
var TrainingStatusIdle = []byte{0x00, 0x01}
