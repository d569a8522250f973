package edma

import (
	"context"
	"fmt"

	"github.com/c35s/edma/edma/hw"
	"github.com/c35s/edma/edma/tcd"
	"golang.org/x/sys/unix"
)

// Flags modify a transfer.
type Flags uint16

const (
	LoopSrc   Flags = 1 << iota // rewind the source after each major loop
	LoopDest                    // rewind the destination after each major loop
	IntHalf                     // interrupt at half the major loop
	IntMajor                    // interrupt at the end of every segment, not just the last
	LinkMinor                   // trigger Link after each minor loop
	LinkMajor                   // trigger Link after the major loop

	Loop = LoopSrc | LoopDest
)

// Transfer describes one segment of a DMA transfer: Iter major iterations
// of NBytes each.
type Transfer struct {
	SAddr uint32
	DAddr uint32
	SOff  int16 // added to SAddr after each read
	DOff  int16 // added to DAddr after each write
	SSize hw.Size
	DSize hw.Size
	SMod  uint8
	DMod  uint8

	NBytes uint32 // minor loop size
	Iter   uint16 // major loop count

	Flags Flags

	// Link is the channel triggered by LinkMinor or LinkMajor. It must be on
	// the same engine.
	Link *Channel
}

func (t *Transfer) validate(c *Channel) error {
	maxIter := uint16(hw.IterMask)
	if t.Flags&LinkMinor != 0 {
		maxIter = hw.IterMaskELink
	}

	switch {
	case !t.SSize.Valid() || !t.DSize.Valid():
		return fmt.Errorf("bad access size %d/%d", t.SSize, t.DSize)

	case t.SMod > 31 || t.DMod > 31:
		return fmt.Errorf("bad modulo %d/%d", t.SMod, t.DMod)

	case t.NBytes == 0 || t.NBytes%uint32(t.SSize.Bytes()) != 0 || t.NBytes%uint32(t.DSize.Bytes()) != 0:
		return fmt.Errorf("minor loop of %d bytes does not fit %d/%d byte accesses",
			t.NBytes, t.SSize.Bytes(), t.DSize.Bytes())

	case t.Iter == 0 || t.Iter > maxIter:
		return fmt.Errorf("bad iteration count %d", t.Iter)

	case t.Flags&(LinkMinor|LinkMajor) != 0 && t.Link == nil:
		return fmt.Errorf("link requested without a channel")

	case t.Link != nil && t.Link.v.Base != c.v.Base:
		return fmt.Errorf("link %s is on another engine", t.Link)
	}

	return nil
}

// descriptor builds the TCD for t. INTMAJOR is left to the caller.
func (t *Transfer) descriptor() tcd.TCD {
	d := tcd.TCD{
		SAddr:  t.SAddr,
		SOff:   t.SOff,
		Attr:   tcd.Attr(t.SSize, t.DSize, t.SMod, t.DMod),
		NBytes: t.NBytes,
		DAddr:  t.DAddr,
		DOff:   t.DOff,
	}

	d.SetIter(t.Iter)

	total := int32(uint32(t.Iter) * t.NBytes)

	if t.Flags&LoopSrc != 0 {
		d.SLast = -total
	}

	if t.Flags&LoopDest != 0 {
		d.DLastSGA = uint32(-total)
	}

	if t.Flags&Loop == 0 {
		d.CSR |= hw.TCDCSRDReq
	}

	if t.Flags&IntHalf != 0 {
		d.CSR |= hw.TCDCSRIntHalf
	}

	if t.Link != nil {
		if t.Flags&LinkMinor != 0 {
			d.LinkMinor(t.Link.num)
		}

		if t.Flags&LinkMajor != 0 {
			d.LinkMajor(t.Link.num)
		}
	}

	return d
}

// Setup adds a segment to the channel's transfer. The first segment is
// loaded into the channel registers; later segments are chained behind it
// with scatter/gather. Setup waits for a free descriptor if the pool is
// empty, so it must not be called from a callback.
//
// Loop transfers cannot be chained: Setup returns unix.EINVAL if either the
// chain or t loops and the channel already has a segment. Without a
// descriptor pool, Setup returns unix.EBUSY while the previous transfer runs.
func (c *Channel) Setup(t *Transfer) error {
	return c.SetupContext(context.Background(), t)
}

// SetupContext is like Setup but gives up waiting for a descriptor when ctx is done.
func (c *Channel) SetupContext(ctx context.Context, t *Transfer) error {
	if !c.inUse.Load() {
		return fmt.Errorf("setup %s: not allocated: %w", c, unix.EINVAL)
	}

	if err := t.validate(c); err != nil {
		return fmt.Errorf("setup %s: %v: %w", c, err, unix.EINVAL)
	}

	if c.m.pool == nil {
		return c.setupRegs(t)
	}

	d, err := c.m.pool.AcquireContext(ctx)
	if err != nil {
		return fmt.Errorf("setup %s: wait for descriptor: %w", c, err)
	}

	d.TCD = t.descriptor()
	d.CSR |= hw.TCDCSRIntMajor

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.head == nil {
		c.head = d
		c.tail = d
		c.regs.Store(&d.TCD)
	} else {
		if (c.flags|t.Flags)&Loop != 0 {
			c.m.pool.Release(d)
			return fmt.Errorf("setup %s: cannot chain a loop transfer: %w", c, unix.EINVAL)
		}

		// intermediate segments interrupt only on request
		var mask uint16 = hw.TCDCSRIntMajor
		if t.Flags&IntMajor != 0 {
			mask = 0
		}

		prev := c.tail
		prev.CSR = prev.CSR&^(hw.TCDCSRDReq|mask) | hw.TCDCSRESG
		prev.DLastSGA = uint32(d.addr)
		prev.next = d
		c.tail = d
		c.m.clean(prev)

		// the head is already in the registers
		if prev == c.head {
			csr := c.regs.CSR()
			c.regs.SetCSR(csr&^(hw.TCDCSRDReq|mask) | hw.TCDCSRESG)
			c.regs.SetDLastSGA(uint32(d.addr))
		}
	}

	c.m.clean(d)
	c.flags = t.Flags

	if c.state != Active {
		c.state = Configured
	}

	return nil
}

// setupRegs programs t straight into the channel registers.
func (c *Channel) setupRegs(t *Transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if csr := c.read32(hw.ChCSR); csr != 0 && csr&hw.ChCSRDone == 0 {
		return fmt.Errorf("setup %s: %w", c, unix.EBUSY)
	}

	d := t.descriptor()
	d.CSR |= hw.TCDCSRIntMajor
	c.regs.Store(&d)

	c.flags = t.Flags
	c.state = Configured

	return nil
}
