package logging

import (
	"os"
	"path/filepath"
	"sync"
)

// RingBuffer keeps the most recent N bytes written to it. It backs the
// crash dump written by `lanes` when a command panics.
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	start int // index of the oldest byte
	n     int // bytes currently held
}

// NewRingBuffer allocates a buffer holding at most capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 64 * 1024
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Write appends p, discarding the oldest bytes once the buffer is full.
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	written := len(p)
	capacity := len(r.data)
	if written >= capacity {
		copy(r.data, p[written-capacity:])
		r.start, r.n = 0, capacity
		return written, nil
	}

	for len(p) > 0 {
		end := (r.start + r.n) % capacity
		chunk := capacity - end
		if chunk > len(p) {
			chunk = len(p)
		}
		copy(r.data[end:end+chunk], p[:chunk])
		p = p[chunk:]

		r.n += chunk
		if r.n > capacity {
			overflow := r.n - capacity
			r.start = (r.start + overflow) % capacity
			r.n = capacity
		}
	}
	return written, nil
}

// Len reports how many bytes are buffered.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Bytes returns a copy of the buffered bytes, oldest first.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.n)
	first := copy(out, r.data[r.start:min(r.start+r.n, len(r.data))])
	copy(out[first:], r.data[:r.n-first])
	return out
}

// Reset drops all buffered bytes.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start, r.n = 0, 0
}

// DumpToFile writes the buffered bytes to path, creating parent directories.
func (r *RingBuffer) DumpToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, r.Bytes(), 0o600)
}
