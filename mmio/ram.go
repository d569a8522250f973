package mmio

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// RAM is a MemDevice backed by a byte slice.
type RAM struct {
	mu    sync.Mutex
	bytes []byte
}

// NewRAM returns size bytes of zeroed RAM.
func NewRAM(size int) *RAM {
	return &RAM{bytes: make([]byte, size)}
}

// Size returns the size of the RAM in bytes.
func (r *RAM) Size() uint64 {
	return uint64(len(r.bytes))
}

// HandleMMIO copies between data and the backing slice.
func (r *RAM) HandleMMIO(off uint64, data []byte, isWrite bool) error {
	if off+uint64(len(data)) > uint64(len(r.bytes)) {
		return unix.EFAULT
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if isWrite {
		copy(r.bytes[off:], data)
	} else {
		copy(data, r.bytes[off:])
	}

	return nil
}

// At returns a slice aliasing size bytes at off.
func (r *RAM) At(off uint64, size int) ([]byte, error) {
	if size < 0 || off+uint64(size) > uint64(len(r.bytes)) {
		return nil, fmt.Errorf("ram: %#x+%d out of range: %w", off, size, unix.EFAULT)
	}

	return r.bytes[off : off+uint64(size) : off+uint64(size)], nil
}
