// Package mmio implements a memory-mapped register bus. Devices are mapped into a flat
// physical address space and see accesses as (offset, data, isWrite) events.
package mmio

import "encoding/binary"

// Device handles accesses to its mapped region. The offset is relative to the
// region's base address and len(data) is the access width in bytes.
type Device interface {
	HandleMMIO(off uint64, data []byte, isWrite bool) error
}

// MemDevice is implemented by devices that are plain memory. The bus uses it to
// hand out slices for descriptor and buffer access.
type MemDevice interface {
	Device

	// At returns a slice aliasing size bytes at off.
	At(off uint64, size int) ([]byte, error)
}

// RegionInfo describes a mapped region.
type RegionInfo struct {
	Name string
	Addr uint64
	Size uint64
}

var le = binary.LittleEndian
