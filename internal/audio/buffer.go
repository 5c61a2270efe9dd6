package audio

import (
	"errors"
	"time"
)

// ErrBufferFrozen is returned when appending to a buffer that was handed to the encoder
var ErrBufferFrozen = errors.New("capture buffer is frozen")

// CaptureBuffer is an append-only byte sequence holding one recording's raw PCM.
// It is owned by a single goroutine: the capture loop appends, and the same goroutine
// reads it back during finalization. It is not safe for concurrent use.
type CaptureBuffer struct {
	data   []byte
	frozen bool

	appends    uint64
	lastAppend time.Time
}

// BufferStats represents buffer statistics for logging
type BufferStats struct {
	Bytes      int       `json:"bytes"`
	Appends    uint64    `json:"appends"`
	Frozen     bool      `json:"frozen"`
	LastAppend time.Time `json:"last_append"`
}

// NewCaptureBuffer creates a buffer with room for initialCapacity bytes
func NewCaptureBuffer(initialCapacity int) *CaptureBuffer {
	if initialCapacity < 0 {
		initialCapacity = 0
	}
	return &CaptureBuffer{
		data: make([]byte, 0, initialCapacity),
	}
}

// Append copies p onto the end of the buffer
func (b *CaptureBuffer) Append(p []byte) error {
	if b.frozen {
		return ErrBufferFrozen
	}
	if len(p) == 0 {
		return nil
	}

	b.data = append(b.data, p...)
	b.appends++
	b.lastAppend = time.Now()
	return nil
}

// Len returns the number of bytes captured so far
func (b *CaptureBuffer) Len() int {
	return len(b.data)
}

// Bytes returns the captured bytes. Callers must not modify the returned slice.
func (b *CaptureBuffer) Bytes() []byte {
	return b.data
}

// Freeze makes the buffer read-only
func (b *CaptureBuffer) Freeze() {
	b.frozen = true
}

// Frozen reports whether Freeze has been called
func (b *CaptureBuffer) Frozen() bool {
	return b.frozen
}

// Reset empties the buffer for a new recording, keeping the allocation
func (b *CaptureBuffer) Reset() {
	b.data = b.data[:0]
	b.frozen = false
	b.appends = 0
	b.lastAppend = time.Time{}
}

// GetStats returns current buffer statistics
func (b *CaptureBuffer) GetStats() BufferStats {
	return BufferStats{
		Bytes:      len(b.data),
		Appends:    b.appends,
		Frozen:     b.frozen,
		LastAppend: b.lastAppend,
	}
}
