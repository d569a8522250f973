package mmio

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Bus routes accesses to mapped devices. Register accessors panic on unmapped
// addresses; that is a bus fault on real hardware and always a driver bug.
type Bus struct {
	mu      sync.RWMutex
	regions []region
	log     *slog.Logger
}

type region struct {
	info RegionInfo
	dev  Device
}

// NewBus returns an empty bus. If log is nil, slog.Default is used.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}

	return &Bus{log: log}
}

// Map installs dev at [addr, addr+size). It fails with EEXIST if the region
// overlaps one that is already mapped.
func (b *Bus) Map(name string, addr, size uint64, dev Device) error {
	if size == 0 {
		return fmt.Errorf("map %s: %w", name, unix.EINVAL)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.regions {
		if addr < r.info.Addr+r.info.Size && r.info.Addr < addr+size {
			return fmt.Errorf("map %s at %#x: overlaps %s: %w", name, addr, r.info.Name, unix.EEXIST)
		}
	}

	b.regions = append(b.regions, region{
		info: RegionInfo{Name: name, Addr: addr, Size: size},
		dev:  dev,
	})

	sort.Slice(b.regions, func(i, j int) bool {
		return b.regions[i].info.Addr < b.regions[j].info.Addr
	})

	return nil
}

// Regions returns a slice describing the mapped regions in address order.
func (b *Bus) Regions() []RegionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ri := make([]RegionInfo, len(b.regions))
	for i, r := range b.regions {
		ri[i] = r.info
	}

	return ri
}

// HandleMMIO routes an access to the device mapped at addr.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	r, ok := b.lookup(addr, uint64(len(data)))
	if !ok {
		return false, nil
	}

	return true, r.dev.HandleMMIO(addr-r.info.Addr, data, isWrite)
}

// MemAt returns a slice aliasing size bytes of memory at addr. The region at
// addr must be backed by a MemDevice.
func (b *Bus) MemAt(addr uint64, size int) ([]byte, error) {
	r, ok := b.lookup(addr, uint64(size))
	if !ok {
		return nil, fmt.Errorf("mem at %#x+%d: %w", addr, size, unix.EFAULT)
	}

	m, ok := r.dev.(MemDevice)
	if !ok {
		return nil, fmt.Errorf("mem at %#x: %s is not memory: %w", addr, r.info.Name, unix.EFAULT)
	}

	return m.At(addr-r.info.Addr, size)
}

func (b *Bus) lookup(addr, size uint64) (region, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].info.Addr+b.regions[i].info.Size > addr
	})

	if i == len(b.regions) {
		return region{}, false
	}

	r := b.regions[i]
	if addr < r.info.Addr || addr+size > r.info.Addr+r.info.Size {
		return region{}, false
	}

	return r, true
}

func (b *Bus) access(addr uint64, data []byte, isWrite bool) {
	found, err := b.HandleMMIO(addr, data, isWrite)
	if !found {
		panic(fmt.Errorf("mmio: bus fault at %#x (%d bytes)", addr, len(data)))
	}

	if err != nil {
		b.log.Error("mmio access failed",
			"addr", fmt.Sprintf("%#x", addr), "width", len(data), "write", isWrite, "err", err)
	}
}

// Read8 reads the byte register at addr.
func (b *Bus) Read8(addr uint64) uint8 {
	var p [1]byte
	b.access(addr, p[:], false)
	return p[0]
}

// Read16 reads the 16-bit register at addr.
func (b *Bus) Read16(addr uint64) uint16 {
	var p [2]byte
	b.access(addr, p[:], false)
	return le.Uint16(p[:])
}

// Read32 reads the 32-bit register at addr.
func (b *Bus) Read32(addr uint64) uint32 {
	var p [4]byte
	b.access(addr, p[:], false)
	return le.Uint32(p[:])
}

// Write8 writes v to the byte register at addr.
func (b *Bus) Write8(addr uint64, v uint8) {
	b.access(addr, []byte{v}, true)
}

// Write16 writes v to the 16-bit register at addr.
func (b *Bus) Write16(addr uint64, v uint16) {
	var p [2]byte
	le.PutUint16(p[:], v)
	b.access(addr, p[:], true)
}

// Write32 writes v to the 32-bit register at addr.
func (b *Bus) Write32(addr uint64, v uint32) {
	var p [4]byte
	le.PutUint32(p[:], v)
	b.access(addr, p[:], true)
}
