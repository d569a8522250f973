package edma

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c35s/edma/edma/hw"
	"github.com/c35s/edma/edma/tcd"
	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3"
)

// State is the state of a channel.
type State int

const (
	Idle       State = iota // no transfer in progress
	Configured              // set up, not started
	Active                  // started
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configured:
		return "configured"
	case Active:
		return "active"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Callback is called when a transfer segment completes. final is set on the
// last call of an activation; err is nil on success, a *TransferError if the
// engine reported an error, or unix.EINTR if the channel was stopped.
//
// Callbacks run in interrupt context or on the goroutine that called Stop.
// They must not block. The final callback of an activation is always its
// last: if Stop lands while a segment callback runs, the final callback is
// made after that one returns, in interrupt context.
type Callback func(ch *Channel, arg any, final bool, err error)

// TransferError is passed to the callback when the engine aborts a transfer.
type TransferError struct {
	Chan   string
	Status uint32 // CH_ES
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("edma: %s: transfer error: es=%#08x", e.Chan, e.Status)
}

// Unwrap makes errors.Is(err, unix.EIO) true for transfer errors.
func (e *TransferError) Unwrap() error {
	return unix.EIO
}

// Channel is a physical eDMA channel. Channels are owned by the Manager;
// consumers borrow them with Alloc and give them back with Free.
type Channel struct {
	m    *Manager
	v    hw.Variant
	num  int
	regs tcd.Regs
	log  *slog.Logger

	inUse atomic.Bool
	mux   uint8

	mu    sync.Mutex
	state State
	flags Flags
	cb    Callback
	arg   any
	head  *Desc
	tail  *Desc

	busy bool        // a segment callback is running
	held []finalCall // final callbacks waiting for it
}

var _ conn.Resource = (*Channel)(nil)

func newChannel(m *Manager, v hw.Variant, num int) *Channel {
	c := &Channel{
		m:    m,
		v:    v,
		num:  num,
		regs: tcd.NewRegs(m.bus, v.Chan(num)),
	}

	c.log = m.log.With("chan", c.String())
	return c
}

// Num returns the channel's index within its engine.
func (c *Channel) Num() int {
	return c.num
}

// Engine returns the engine the channel belongs to.
func (c *Channel) Engine() hw.Variant {
	return c.v
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s.%d", c.v.Name, c.num)
}

// Halt stops the channel.
func (c *Channel) Halt() error {
	c.Stop()
	return nil
}

// Start arms the channel. Each completed segment calls cb with arg. Start may
// be called again on an active channel after more segments were added; that
// only replaces the callback.
func (c *Channel) Start(cb Callback, arg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Idle {
		return fmt.Errorf("start %s: not configured: %w", c, unix.EINVAL)
	}

	c.cb = cb
	c.arg = arg

	if c.state != Active {
		c.state = Active
		c.write32(hw.ChCSR, c.read32(hw.ChCSR)|hw.ChCSRERQ|hw.ChCSREEI)
	}

	return nil
}

// Stop cancels the transfer and returns the channel to idle. If the channel
// was started, the callback is called with final set and err unix.EINTR.
func (c *Channel) Stop() {
	c.terminate(unix.EINTR)
}

// Count returns the number of major loop iterations the current descriptor
// has left, or 0 if it is done.
func (c *Channel) Count() uint {
	if c.read32(hw.ChCSR)&hw.ChCSRDone != 0 {
		return 0
	}

	return uint(tcd.Iter(c.regs.CIter()))
}

// Idle reports whether the channel has no transfer set up or running.
func (c *Channel) Idle() bool {
	return c.State() == Idle
}

// State returns the channel's state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// terminate stops the hardware, retires the chain and makes the final
// callback, if there is one to make.
func (c *Channel) terminate(result error) {
	c.mu.Lock()
	f := c.retire(result)
	c.mu.Unlock()

	f.call(c)
}

// retire is terminate with c.mu held. It returns the final callback for the
// caller to make once the lock is released. While a segment callback runs,
// the final callback is held back and made by the interrupt handler after
// the segment callback returns.
func (c *Channel) retire(result error) finalCall {
	// disable requests before clearing the interrupt they may raise
	c.write32(hw.ChCSR, hw.ChCSRDone)
	c.write32(hw.ChINT, hw.ChINTInt)
	c.regs.SetCSR(0)
	c.regs.SetDLastSGA(0)

	for d := c.head; d != nil; {
		next := d.next
		c.m.pool.Release(d)

		if c.flags&LoopDest != 0 || d == c.tail {
			break
		}

		d = next
	}

	c.head = nil
	c.tail = nil
	c.state = Idle

	f := finalCall{cb: c.cb, arg: c.arg, err: result}
	c.cb = nil
	c.arg = nil

	if c.busy && f.cb != nil {
		c.held = append(c.held, f)
		return finalCall{}
	}

	return f
}

type finalCall struct {
	cb  Callback
	arg any
	err error
}

func (f finalCall) call(c *Channel) {
	if f.cb != nil {
		f.cb(c, f.arg, true, f.err)
	}
}

func (c *Channel) read32(off uint64) uint32 {
	return c.m.bus.Read32(c.v.Reg(c.num, off))
}

func (c *Channel) write32(off uint64, v uint32) {
	c.m.bus.Write32(c.v.Reg(c.num, off), v)
}
