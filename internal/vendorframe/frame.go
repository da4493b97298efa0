// Package vendorframe implements the chunked link-layer framing used by the
// treadmill's vendor GATT profile, and the fixed-offset codec built on top
// of it (control payload encoding, telemetry record decoding).
package vendorframe

import "errors"

// chunkPayloadSize is the maximum number of payload bytes carried by a
// single data or tail chunk.
const chunkPayloadSize = 18

// headerSize is the fixed size of a Header frame: marker, version, total
// length, total chunk count, and 16 bytes of padding.
const headerSize = 20

// maxAssemblyBytes caps an in-progress reassembly; a stray producer that
// never sends a tail chunk must not grow the buffer without bound.
const maxAssemblyBytes = 4096

// markerHeader starts a new assembly (FE 02 <total_len> <total_chunks> 00x16).
const markerHeader = 0xFE

// markerTail marks the final chunk of an assembly.
const markerTail = 0xFF

// Frame is a single transport PDU on the vendor link, exactly as written to
// or read from the write/notify characteristics.
type Frame []byte

// ErrAssemblyOverflow names the condition of an in-progress assembly
// exceeding maxAssemblyBytes before a tail chunk arrives. Feed has no error
// result and does not return it: the assembly is discarded, Feed reports
// (nil, false), and the caller may continue feeding subsequent frames.
var ErrAssemblyOverflow = errors.New("vendorframe: assembly exceeds size limit")

// Fragment splits payload into the Header + data-chunk + tail-chunk
// sequence defined by the vendor framing protocol. Frames are returned in
// the order they must be transmitted.
func Fragment(payload []byte) []Frame {
	totalChunks := 1 + chunkCount(len(payload))

	frames := make([]Frame, 0, totalChunks)
	frames = append(frames, newHeader(len(payload), totalChunks))

	if len(payload) == 0 {
		frames = append(frames, newChunk(markerTail, nil))
		return frames
	}

	for offset := 0; offset < len(payload); offset += chunkPayloadSize {
		end := offset + chunkPayloadSize
		if end > len(payload) {
			end = len(payload)
		}
		seq := byte(offset / chunkPayloadSize)
		if end == len(payload) {
			seq = markerTail
		}
		frames = append(frames, newChunk(seq, payload[offset:end]))
	}

	return frames
}

// chunkCount returns the number of 18-byte data/tail chunks needed to carry
// n bytes of payload (ceil(n/18), minimum 1).
func chunkCount(n int) int {
	if n == 0 {
		return 1
	}
	return (n + chunkPayloadSize - 1) / chunkPayloadSize
}

func newHeader(totalLen, totalChunks int) Frame {
	f := make(Frame, headerSize)
	f[0] = markerHeader
	f[1] = 0x02
	f[2] = byte(totalLen) // informational only, see Reassembler.Feed
	f[3] = byte(totalChunks)
	return f
}

func newChunk(seq byte, data []byte) Frame {
	f := make(Frame, 2+len(data))
	f[0] = seq
	f[1] = byte(len(data))
	copy(f[2:], data)
	return f
}

// Reassembler reconstructs whole vendor payloads from a stream of Frames.
// It is not safe for concurrent use by multiple producers; the protocol
// requires exactly one notification source per instance.
type Reassembler struct {
	buffer     []byte
	inProgress bool
	declared   int
}

// NewReassembler returns a Reassembler ready to receive frames.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed processes one incoming frame. It returns the reassembled payload and
// true when a tail chunk completes an assembly; otherwise it returns
// (nil, false). Feed never panics, regardless of frame content.
func (r *Reassembler) Feed(frame Frame) ([]byte, bool) {
	if len(frame) == 0 {
		return nil, false
	}

	switch {
	case frame[0] == markerHeader:
		r.startAssembly(frame)
		return nil, false

	case frame[0] == markerTail:
		return r.finishAssembly(frame)

	default:
		r.appendChunk(frame)
		return nil, false
	}
}

func (r *Reassembler) startAssembly(frame Frame) {
	r.buffer = r.buffer[:0]
	r.inProgress = true
	if len(frame) >= 4 {
		r.declared = int(frame[2])
	} else {
		r.declared = 0
	}
}

func (r *Reassembler) appendChunk(frame Frame) {
	if !r.inProgress {
		return
	}
	if !r.appendChunkData(frame) {
		r.reset()
	}
}

func (r *Reassembler) finishAssembly(frame Frame) ([]byte, bool) {
	if !r.inProgress {
		return nil, false
	}
	if !r.appendChunkData(frame) {
		r.reset()
		return nil, false
	}

	payload := make([]byte, len(r.buffer))
	copy(payload, r.buffer)
	r.reset()
	return payload, true
}

// appendChunkData appends the len-prefixed data carried by frame to the
// in-progress buffer. A declared length longer than the frame itself is cut
// to the bytes actually present, without panicking. Returns false when the
// buffer now exceeds maxAssemblyBytes.
func (r *Reassembler) appendChunkData(frame Frame) bool {
	if len(frame) <= 2 {
		return true
	}
	n := int(frame[1])
	end := 2 + n
	if end > len(frame) {
		end = len(frame)
	}
	r.buffer = append(r.buffer, frame[2:end]...)
	return len(r.buffer) <= maxAssemblyBytes
}

func (r *Reassembler) reset() {
	r.buffer = r.buffer[:0]
	r.inProgress = false
	r.declared = 0
}
