// Package sim models an i.MX9 SoC well enough to run the eDMA driver on a
// host: RAM, a register bus, an interrupt controller and eDMA engines that
// move bytes and raise interrupts.
package sim

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/edma/edma/hw"
	"github.com/c35s/edma/edma/tcd"
	"golang.org/x/sys/unix"
)

// Mem is the bus the engine masters.
type Mem interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error)
}

// Engine is an eDMA engine. It implements mmio.Device for its register
// window. Transfers only advance when a request is made with Request or
// Trigger; register writes never move data.
type Engine struct {
	v     hw.Variant
	mem   Mem
	raise func(line int)
	log   *slog.Logger

	mu  sync.Mutex
	csr uint32
	es  uint32
	ch  []chanRegs
}

type chanRegs struct {
	csr  uint32
	es   uint32
	intr uint32
	sbr  uint32
	pri  uint32
	mux  uint8
	tcd  [tcd.Size]byte
}

var le = binary.LittleEndian

// maxLinkDepth bounds chains of linked channels.
const maxLinkDepth = 64

// NewEngine returns an engine for v. It reads and writes memory through mem
// and calls raise to assert an interrupt line.
func NewEngine(v hw.Variant, mem Mem, raise func(line int), log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		v:     v,
		mem:   mem,
		raise: raise,
		log:   log.With("engine", v.Name),
		ch:    make([]chanRegs, v.Channels),
	}
}

// Variant returns the engine's variant.
func (e *Engine) Variant() hw.Variant {
	return e.v
}

// HandleMMIO implements mmio.Device.
func (e *Engine) HandleMMIO(off uint64, data []byte, isWrite bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if off < 0x10000 {
		return e.mp(off, data, isWrite)
	}

	n := int((off - 0x10000) / e.v.Stride)
	r := (off - 0x10000) % e.v.Stride

	if n >= len(e.ch) {
		return fmt.Errorf("%s: channel %d: %w", e.v.Name, n, unix.EFAULT)
	}

	return e.chanReg(n, r, data, isWrite)
}

func (e *Engine) mp(off uint64, data []byte, isWrite bool) error {
	if off >= 0x200 && e.v.Mux == hw.MuxManagement {
		n := int(off-0x200) / 4
		if n >= len(e.ch) || off%4 != 0 {
			return fmt.Errorf("%s: mux %#x: %w", e.v.Name, off, unix.EINVAL)
		}

		return e.mux(n, data, isWrite)
	}

	if len(data) != 4 || off%4 != 0 {
		return fmt.Errorf("%s: mp %#x/%d: %w", e.v.Name, off, len(data), unix.EINVAL)
	}

	var v uint32
	if isWrite {
		v = le.Uint32(data)
	}

	switch {
	case off == hw.MPCSR:
		if isWrite {
			e.csr = v &^ hw.CSRActive
		} else {
			v = e.csr
		}

	case off == hw.MPES:
		if !isWrite {
			v = e.es
		}

	case off == hw.MPINT && !e.v.SplitInt:
		v = e.intStatus(0, v, isWrite)

	case off == hw.MPHRS && !e.v.SplitInt:
		v = 0

	case off == hw.MPIntLow && e.v.SplitInt:
		v = e.intStatus(0, v, isWrite)

	case off == hw.MPIntHigh && e.v.SplitInt:
		v = e.intStatus(32, v, isWrite)

	case (off == hw.MPHRSLow || off == hw.MPHRSHigh) && e.v.SplitInt:
		v = 0

	default:
		return fmt.Errorf("%s: mp %#x: %w", e.v.Name, off, unix.EINVAL)
	}

	if !isWrite {
		le.PutUint32(data, v)
	}

	return nil
}

// intStatus reads or clears the interrupt flags of channels [first, first+32).
func (e *Engine) intStatus(first int, v uint32, isWrite bool) uint32 {
	var st uint32

	for i := 0; i < 32 && first+i < len(e.ch); i++ {
		c := &e.ch[first+i]
		if isWrite && v&(1<<i) != 0 {
			c.intr = 0
		}

		if c.intr != 0 {
			st |= 1 << i
		}
	}

	return st
}

func (e *Engine) mux(n int, data []byte, isWrite bool) error {
	c := &e.ch[n]

	if isWrite {
		c.mux = data[0]
		return nil
	}

	clear(data)
	data[0] = c.mux

	return nil
}

func (e *Engine) chanReg(n int, r uint64, data []byte, isWrite bool) error {
	c := &e.ch[n]

	if r >= hw.TCD && r+uint64(len(data)) <= hw.TCD+tcd.Size {
		b := c.tcd[r-hw.TCD:]
		if isWrite {
			copy(b, data)
		} else {
			copy(data, b)
		}

		return nil
	}

	if r == hw.ChMUX && e.v.Mux == hw.MuxChannel {
		return e.mux(n, data, isWrite)
	}

	if len(data) != 4 || r%4 != 0 {
		return fmt.Errorf("%s.%d: %#x/%d: %w", e.v.Name, n, r, len(data), unix.EINVAL)
	}

	var v uint32
	if isWrite {
		v = le.Uint32(data)
	}

	switch r {
	case hw.ChCSR:
		if isWrite {
			done := c.csr & hw.ChCSRDone
			if v&hw.ChCSRDone != 0 {
				done = 0
			}

			c.csr = v&^(hw.ChCSRDone|hw.ChCSRActive) | done
		} else {
			v = c.csr
		}

	case hw.ChES:
		if isWrite {
			if v&hw.ChESErr != 0 {
				c.es = 0
			}
		} else {
			v = c.es
		}

	case hw.ChINT:
		if isWrite {
			if v&hw.ChINTInt != 0 {
				c.intr = 0
			}
		} else {
			v = c.intr
		}

	case hw.ChSBR:
		if isWrite {
			c.sbr = v
		} else {
			v = c.sbr
		}

	case hw.ChPRI:
		if isWrite {
			c.pri = v
		} else {
			v = c.pri
		}

	default:
		return fmt.Errorf("%s.%d: %#x: %w", e.v.Name, n, r, unix.EINVAL)
	}

	if !isWrite {
		le.PutUint32(data, v)
	}

	return nil
}

// Request asserts channel n's hardware request. If the channel has requests
// enabled, the engine runs one minor loop. It reports whether it did.
func (e *Engine) Request(n int) bool {
	return e.run(n, false, 0)
}

// Trigger runs one minor loop on channel n whether or not requests are enabled.
func (e *Engine) Trigger(n int) bool {
	return e.run(n, true, 0)
}

// Drain makes requests on channel n until the engine stops accepting them or
// max minor loops have run. It returns the number that ran.
func (e *Engine) Drain(n, max int) int {
	i := 0
	for i < max && e.Request(n) {
		i++
	}

	return i
}

// InjectError makes channel n report the given CH_ES error bits.
func (e *Engine) InjectError(n int, bits uint32) {
	e.mu.Lock()
	e.fail(n, bits)
	irq := e.ch[n].csr&hw.ChCSREEI != 0
	e.mu.Unlock()

	if irq {
		e.raise(e.v.Line(n))
	}
}

// Enabled reports whether channel n accepts hardware requests.
func (e *Engine) Enabled(n int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ch[n].csr&hw.ChCSRERQ != 0
}

func (e *Engine) run(n int, force bool, depth int) bool {
	e.mu.Lock()
	ran, irq, link := e.minor(n, force)
	e.mu.Unlock()

	if irq {
		e.raise(e.v.Line(n))
	}

	if link >= 0 && depth < maxLinkDepth {
		e.run(link, true, depth+1)
	}

	return ran
}

// minor runs one minor loop of channel n. It returns whether the loop ran,
// whether to raise the channel's interrupt, and the channel to link to or -1.
func (e *Engine) minor(n int, force bool) (ran, irq bool, link int) {
	link = -1

	if n < 0 || n >= len(e.ch) {
		return
	}

	c := &e.ch[n]
	if !force && c.csr&hw.ChCSRERQ == 0 {
		return
	}

	if c.es&hw.ChESErr != 0 {
		return
	}

	t := tcd.Decode(c.tcd[:])
	iter := tcd.Iter(t.CIter)

	if iter == 0 || t.NBytes == 0 {
		e.fail(n, hw.ChESNCE)
		return false, c.csr&hw.ChCSREEI != 0, -1
	}

	saddr, daddr, ok := e.move(n, &t)
	if !ok {
		return false, c.csr&hw.ChCSREEI != 0, -1
	}

	t.SAddr = saddr
	t.DAddr = daddr
	t.CSR &^= hw.TCDCSRStart

	ran = true
	iter--

	if iter > 0 {
		mask := uint16(hw.IterMask)
		if t.CIter&hw.IterELink != 0 {
			mask = hw.IterMaskELink
		}

		t.CIter = t.CIter&^mask | iter

		if ch, ok := tcd.MinorLink(t.CIter); ok {
			link = ch
		}

		if t.CSR&hw.TCDCSRIntHalf != 0 && iter == tcd.Iter(t.BIter)/2 {
			c.intr = hw.ChINTInt
			irq = true
		}

		t.Encode(c.tcd[:])
		return
	}

	// major loop complete
	if ch, ok := t.MajorLink(); ok {
		link = ch
	}

	if t.CSR&hw.TCDCSRIntMajor != 0 {
		c.intr = hw.ChINTInt
		irq = true
	}

	t.SAddr = uint32(int32(t.SAddr) + t.SLast)

	if t.CSR&hw.TCDCSRESG != 0 {
		var next [tcd.Size]byte
		if found, err := e.mem.HandleMMIO(uint64(t.DLastSGA), next[:], false); !found || err != nil {
			e.fail(n, hw.ChESSGE)
			return ran, c.csr&hw.ChCSREEI != 0, -1
		}

		c.tcd = next
		return
	}

	t.DAddr = uint32(int32(t.DAddr) + int32(t.DLastSGA))
	t.CIter = t.BIter
	c.csr |= hw.ChCSRDone

	if t.CSR&hw.TCDCSRDReq != 0 {
		c.csr &^= hw.ChCSRERQ
	}

	t.Encode(c.tcd[:])
	return
}

// move copies one minor loop of data and returns the advanced addresses.
func (e *Engine) move(n int, t *tcd.TCD) (saddr, daddr uint32, ok bool) {
	var (
		buf   = make([]byte, t.NBytes)
		ssize = t.SSize().Bytes()
		dsize = t.DSize().Bytes()
	)

	saddr, daddr = t.SAddr, t.DAddr

	for off := 0; off < len(buf); off += ssize {
		if !e.access(saddr, buf[off:min(off+ssize, len(buf))], false) {
			e.fail(n, hw.ChESSBE)
			return 0, 0, false
		}

		saddr = advance(saddr, t.SOff, t.SMod())
	}

	for off := 0; off < len(buf); off += dsize {
		if !e.access(daddr, buf[off:min(off+dsize, len(buf))], true) {
			e.fail(n, hw.ChESDBE)
			return 0, 0, false
		}

		daddr = advance(daddr, t.DOff, t.DMod())
	}

	return saddr, daddr, true
}

func (e *Engine) access(addr uint32, data []byte, isWrite bool) bool {
	a := uint64(addr)

	// the engine cannot master its own registers while servicing a channel
	if a+uint64(len(data)) > e.v.Base && a < e.v.Base+e.v.Size() {
		return false
	}

	found, err := e.mem.HandleMMIO(a, data, isWrite)
	return found && err == nil
}

func (e *Engine) fail(n int, bits uint32) {
	c := &e.ch[n]
	c.es |= bits | hw.ChESErr
	c.csr &^= hw.ChCSRERQ
	e.es = hw.MPESValid | uint32(n)<<24 | bits&0xff

	e.log.Debug("channel error", "chan", n, "es", fmt.Sprintf("%#08x", c.es))
}

// advance adds off to addr, wrapping within a 1<<mod byte window if mod is set.
func advance(addr uint32, off int16, mod uint8) uint32 {
	next := uint32(int32(addr) + int32(off))
	if mod == 0 {
		return next
	}

	m := uint32(1)<<mod - 1
	return addr&^m | next&m
}
