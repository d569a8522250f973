package edma

import (
	"fmt"
	"sync"
	"testing"

	"github.com/c35s/edma/edma/hw"
	"github.com/c35s/edma/sim"
)

// rig is a manager running on a simulated SoC.
type rig struct {
	soc *sim.SoC
	m   *Manager
}

const dataOff = 0x10000

func newRig(t *testing.T, chip []hw.Variant, ntcd int, opts ...func(*Config)) *rig {
	t.Helper()

	soc, err := sim.New(sim.Config{Chip: chip})
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Engines:        chip,
		Bus:            soc.Bus,
		IRQ:            soc.IRQ,
		Cache:          soc.Cache,
		NumDescriptors: ntcd,
		DescriptorBase: soc.RAMBase(),
		MemAt:          soc.Bus.MemAt,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := New(cfg)

	if err != nil {
		t.Fatal(err)
	}

	return &rig{soc: soc, m: m}
}

// addr returns the bus address of offset off in the data area.
func (r *rig) addr(off uint32) uint32 {
	return uint32(r.soc.RAMBase()) + dataOff + off
}

func (r *rig) fill(t *testing.T, off uint32, n int, seed byte) []byte {
	t.Helper()

	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}

	if err := r.soc.Load(uint64(r.addr(off)), b); err != nil {
		t.Fatal(err)
	}

	return b
}

func (r *rig) read(t *testing.T, off uint32, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	if err := r.soc.Read(uint64(r.addr(off)), b); err != nil {
		t.Fatal(err)
	}

	return b
}

func (r *rig) engine(c *Channel) *sim.Engine {
	for _, e := range r.soc.Engines {
		if e.Variant().Base == c.v.Base {
			return e
		}
	}

	panic("no engine for " + c.String())
}

// memcpy returns a transfer of iter 16-byte minor loops from src to dst.
func (r *rig) memcpy(src, dst uint32, iter uint16, flags Flags) *Transfer {
	return &Transfer{
		SAddr:  r.addr(src),
		DAddr:  r.addr(dst),
		SOff:   4,
		DOff:   4,
		SSize:  hw.Size32Bit,
		DSize:  hw.Size32Bit,
		NBytes: 16,
		Iter:   iter,
		Flags:  flags,
	}
}

type event struct {
	Chan  string
	Arg   any
	Final bool
	Err   string
}

type recorder struct {
	mu sync.Mutex
	ev []event
}

func (r *recorder) callback(ch *Channel, arg any, final bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := event{Chan: ch.String(), Arg: arg, Final: final}
	if err != nil {
		e.Err = fmt.Sprint(err)
	}

	r.ev = append(r.ev, e)
}

func (r *recorder) events() []event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]event(nil), r.ev...)
}

// chain returns the descriptors between head and tail.
func (c *Channel) chain() []*Desc {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dd []*Desc
	for d := c.head; d != nil; d = d.next {
		dd = append(dd, d)
		if d == c.tail {
			break
		}
	}

	return dd
}

// hookBus calls onRead32 before each 32-bit read.
type hookBus struct {
	Bus
	onRead32 func(addr uint64)
}

func (b *hookBus) Read32(addr uint64) uint32 {
	if b.onRead32 != nil {
		b.onRead32(addr)
	}

	return b.Bus.Read32(addr)
}
