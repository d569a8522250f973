package edma

import (
	"fmt"

	"github.com/c35s/edma/edma/hw"
)

// interrupt services an engine interrupt line. The arg is the list of
// channels sharing the line.
func (m *Manager) interrupt(line int, arg any) error {
	for _, c := range arg.([]*Channel) {
		c.service()
	}

	return nil
}

// service handles a channel's interrupt: an error, a completed segment, or
// the end of the transfer. The channel lock is held from the state check to
// the decision, so a concurrent Stop lands either before, and the interrupt
// is dropped, or after, and finds the transfer already retired.
func (c *Channel) service() {
	c.mu.Lock()

	if es := c.read32(hw.ChES); es&hw.ChESErr != 0 {
		c.write32(hw.ChES, hw.ChESErr)
		c.write32(hw.ChINT, hw.ChINTInt)

		f := c.retire(&TransferError{Chan: c.String(), Status: es})
		c.mu.Unlock()

		c.log.Error("transfer error", "es", fmt.Sprintf("%#08x", es))
		f.call(c)

		return
	}

	addr, bit := c.v.IntReg(c.num)
	if c.m.bus.Read32(addr)&bit == 0 {
		c.mu.Unlock()
		return
	}

	c.write32(hw.ChINT, hw.ChINTInt)

	if state := c.state; state != Active {
		c.mu.Unlock()
		c.log.Warn("spurious interrupt", "state", state)
		return
	}

	csr := c.read32(hw.ChCSR)
	if csr&hw.ChCSRDone == 0 {
		// a segment of a chain or half of a major loop
		c.callback(false)
		return
	}

	c.write32(hw.ChCSR, csr|hw.ChCSRDone)

	if c.flags&Loop == 0 {
		f := c.retire(nil)
		c.mu.Unlock()

		f.call(c)
		return
	}

	c.callback(true)
}

// callback calls the activation's callback without a result. It is entered
// with c.mu held and releases it. Final callbacks retired while it runs are
// made when it returns.
func (c *Channel) callback(final bool) {
	cb, arg := c.cb, c.arg
	if cb == nil {
		c.mu.Unlock()
		return
	}

	c.busy = true
	c.mu.Unlock()

	cb(c, arg, final, nil)

	c.mu.Lock()
	held := c.held
	c.busy = false
	c.held = nil
	c.mu.Unlock()

	for _, f := range held {
		f.call(c)
	}
}
