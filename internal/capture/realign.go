package capture

import "sync"

// Realigner buffers trailing partial frames so downstream consumers only
// ever see whole sample frames. Forwarding raw unaligned chunks causes
// audible channel-swap and byte-shift artifacts downstream.
type Realigner struct {
	mu        sync.Mutex
	frameSize int
	remainder []byte
}

// NewRealigner creates a realigner for the given frame size in bytes
func NewRealigner(frameSize int) *Realigner {
	if frameSize <= 0 {
		frameSize = 4 // 16-bit stereo
	}
	return &Realigner{frameSize: frameSize}
}

// Push appends chunk to any retained remainder and returns the longest
// frame-aligned prefix, or nil when fewer than frameSize bytes are
// buffered. The remainder never exceeds frameSize-1 bytes.
func (r *Realigner) Push(chunk []byte) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	combined := chunk
	if len(r.remainder) > 0 {
		combined = make([]byte, 0, len(r.remainder)+len(chunk))
		combined = append(combined, r.remainder...)
		combined = append(combined, chunk...)
	}

	alignedLen := len(combined) - len(combined)%r.frameSize

	// Copy both halves: the caller reuses its read buffer.
	var aligned []byte
	if alignedLen > 0 {
		aligned = make([]byte, alignedLen)
		copy(aligned, combined[:alignedLen])
	}

	if alignedLen < len(combined) {
		r.remainder = append(r.remainder[:0], combined[alignedLen:]...)
	} else {
		r.remainder = r.remainder[:0]
	}

	return aligned
}

// Remainder returns a copy of the pending partial frame bytes
func (r *Realigner) Remainder() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.remainder))
	copy(out, r.remainder)
	return out
}

// Reset discards any pending partial frame. Called on provider restart.
func (r *Realigner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remainder = r.remainder[:0]
}
