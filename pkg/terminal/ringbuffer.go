package terminal

import (
	"sync"

	"github.com/cuemby/sentryd/pkg/agenterrors"
)

// RingBuffer is a fixed-capacity byte buffer. Once full, each new byte
// evicts the oldest, advancing oldestAvailable so callers can detect when
// a cursor-based read has fallen too far behind to be served.
type RingBuffer struct {
	mu sync.Mutex

	buf             []byte
	capacity        int
	writePos        int
	totalWritten    uint64
	oldestAvailable uint64
}

// NewRingBuffer allocates a ring buffer holding up to capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, 0, capacity), capacity: capacity}
}

// Write appends data, overwriting the oldest bytes once capacity is reached.
func (r *RingBuffer) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range data {
		if len(r.buf) < r.capacity {
			r.buf = append(r.buf, b)
		} else {
			r.buf[r.writePos] = b
			r.oldestAvailable = r.totalWritten - uint64(r.capacity) + 1
		}
		r.writePos = (r.writePos + 1) % r.capacity
		r.totalWritten++
	}
}

// ReadFrom returns the bytes written since cursor. It returns
// agenterrors.ErrCursorTooLarge if cursor is ahead of everything ever
// written, or an *agenterrors.DataLost if cursor points at data that has
// already been evicted. No data is ever returned past TotalWritten.
func (r *RingBuffer) ReadFrom(cursor uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cursor > r.totalWritten {
		return nil, agenterrors.ErrCursorTooLarge
	}
	available := r.totalWritten - cursor
	if available == 0 {
		return []byte{}, nil
	}
	if cursor < r.oldestAvailable {
		return nil, &agenterrors.DataLost{Requested: cursor, OldestAvailable: r.oldestAvailable}
	}

	actualAvailable := available
	if uint64(len(r.buf)) < actualAvailable {
		actualAvailable = uint64(len(r.buf))
	}
	var startOffset int
	if len(r.buf) < r.capacity {
		startOffset = int(cursor)
	} else {
		startOffset = int(cursor % uint64(r.capacity))
	}

	result := make([]byte, actualAvailable)
	for i := range result {
		pos := (startOffset + i) % len(r.buf)
		result[i] = r.buf[pos]
	}
	return result, nil
}

// TotalWritten returns the number of bytes ever written.
func (r *RingBuffer) TotalWritten() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalWritten
}

// OldestAvailableCursor returns the lowest cursor ReadFrom can still serve.
func (r *RingBuffer) OldestAvailableCursor() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oldestAvailable
}
