// Package protocol implements the chunked transfer framing used on the
// session characteristics: a message is written (or read) as a run of
// MTU-sized chunks followed by one sentinel chunk marking end of message.
package protocol

import "bytes"

// MTU is the number of payload bytes carried by one write, read or notification.
const MTU = 512

// SentinelText marks end of message. It travels as its own chunk, exactly like
// a data chunk, and carries no length prefix or escaping.
const SentinelText = "==EOM=="

// Framing describes the chunk size and end-of-message marker for one link.
type Framing struct {
	MTU      int
	Sentinel []byte
}

// DefaultFraming returns the framing spoken by the reference firmware.
func DefaultFraming() Framing {
	return Framing{
		MTU:      MTU,
		Sentinel: []byte(SentinelText),
	}
}

// ChunkLen returns the size of the chunk that starts at offset in a payload
// of total bytes: min(MTU, remaining). It returns 0 once offset >= total.
func (f Framing) ChunkLen(total, offset int) int {
	remaining := total - offset
	if remaining <= 0 {
		return 0
	}
	if remaining > f.MTU {
		return f.MTU
	}
	return remaining
}

// Chunk returns the chunk of payload starting at offset. The returned slice
// aliases payload.
func (f Framing) Chunk(payload []byte, offset int) []byte {
	n := f.ChunkLen(len(payload), offset)
	if n == 0 {
		return nil
	}
	return payload[offset : offset+n]
}

// Chunks splits payload into the data chunks that precede the sentinel.
// Returns nil for an empty payload or a non-positive MTU.
func (f Framing) Chunks(payload []byte) [][]byte {
	if len(payload) == 0 || f.MTU <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, f.DataChunks(len(payload)))
	for offset := 0; offset < len(payload); {
		chunk := f.Chunk(payload, offset)
		chunks = append(chunks, chunk)
		offset += len(chunk)
	}
	return chunks
}

// DataChunks returns ceil(n/MTU), the number of data chunks for n bytes.
func (f Framing) DataChunks(n int) int {
	if n <= 0 || f.MTU <= 0 {
		return 0
	}
	return (n + f.MTU - 1) / f.MTU
}

// Writes returns the total number of writes needed to send n bytes,
// sentinel included.
func (f Framing) Writes(n int) int {
	return f.DataChunks(n) + 1
}

// IsSentinel reports whether value is the end-of-message chunk.
func (f Framing) IsSentinel(value []byte) bool {
	return bytes.Equal(value, f.Sentinel)
}

// Collides reports whether any data chunk of payload is byte-for-byte equal
// to the sentinel. A receiver would stop early on such a payload; the framing
// has no escape for it. With the default MTU only a short final chunk can collide.
func (f Framing) Collides(payload []byte) bool {
	for _, chunk := range f.Chunks(payload) {
		if f.IsSentinel(chunk) {
			return true
		}
	}
	return false
}
