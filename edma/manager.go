// Package edma manages the channels of NXP i.MX9 eDMA engines: allocation,
// descriptor chains, and interrupt-driven completion.
package edma

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/edma/edma/hw"
)

// Manager owns the channels of one or more eDMA engines.
type Manager struct {
	bus   Bus
	irq   IRQController
	cache Cache
	pool  *Pool
	log   *slog.Logger

	engines []engine

	// mu guards allocation
	mu sync.Mutex
}

type engine struct {
	hw.Variant
	ch []*Channel // by channel number; nil outside the usable range
}

// New brings up the engines described by cfg. On return every usable channel
// is reset, idle and free, and the engines' interrupt lines are enabled.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	m := &Manager{
		bus:     cfg.Bus,
		irq:     cfg.IRQ,
		cache:   cfg.Cache,
		log:     cfg.Logger,
		engines: make([]engine, len(cfg.Engines)),
	}

	for i, v := range cfg.Engines {
		e := &m.engines[i]
		e.Variant = v
		e.ch = make([]*Channel, v.Channels)

		m.bus.Write32(v.MP(hw.MPCSR), cfg.Engine.csr(m.bus.Read32(v.MP(hw.MPCSR))))

		first, last := v.Usable()
		for n := first; n < last; n++ {
			e.ch[n] = newChannel(m, v, n)
		}

		for line, cc := range e.lines() {
			if err := m.irq.Attach(line, m.interrupt, cc); err != nil {
				return nil, fmt.Errorf("%w: %s line %d: %w", ErrAttach, v.Name, line, err)
			}
		}
	}

	if cfg.NumDescriptors > 0 {
		p, err := NewPool(cfg.DescriptorBase, cfg.NumDescriptors, cfg.MemAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDescriptorMem, err)
		}

		m.pool = p
	}

	for _, e := range m.engines {
		for _, c := range e.ch {
			if c != nil {
				c.reset()
			}
		}

		if e.SplitInt {
			m.bus.Write32(e.MP(hw.MPIntLow), 0xffffffff)
			m.bus.Write32(e.MP(hw.MPIntHigh), 0xffffffff)
		} else {
			m.bus.Write32(e.MP(hw.MPINT), 0xffffffff)
		}

		for line := range e.lines() {
			m.irq.Enable(line)
		}
	}

	m.log.Debug("edma up", "engines", len(m.engines), "descriptors", cfg.NumDescriptors)

	return m, nil
}

// lines maps the engine's interrupt lines to the usable channels they serve.
func (e *engine) lines() map[int][]*Channel {
	lines := make(map[int][]*Channel)
	for _, c := range e.ch {
		if c != nil {
			line := e.Line(c.num)
			lines[line] = append(lines[line], c)
		}
	}

	return lines
}

// Alloc reserves a channel for the request source named by sel and returns
// it idle, or returns nil if none is free. pri is the channel's arbitration
// priority.
func (m *Manager) Alloc(sel hw.Selector, pri uint8) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findFree(sel)
	if c == nil {
		m.log.Warn("no free channel", "sel", sel)
		return nil
	}

	c.mu.Lock()
	c.inUse.Store(true)
	c.state = Idle
	c.mux = sel.Source()
	c.mu.Unlock()

	c.write32(hw.ChCSR, 0)
	c.write32(hw.ChINT, hw.ChINTInt)
	c.write32(hw.ChPRI, uint32(pri)&hw.ChPRIMask)

	if addr, ok := c.v.MuxReg(c.num); ok {
		m.bus.Write8(addr, 0)
		m.bus.Write8(addr, c.mux)
	}

	c.log.Debug("allocated", "sel", sel, "pri", pri)

	return c
}

func (m *Manager) findFree(sel hw.Selector) *Channel {
	if sel.Engine() >= len(m.engines) {
		return nil
	}

	e := &m.engines[sel.Engine()]

	switch e.Selection {
	case hw.SelectMatchMux:
		if n := int(sel.Source()); n < len(e.ch) {
			if c := e.ch[n]; c != nil && !c.inUse.Load() {
				return c
			}
		}

	case hw.SelectAnyFree:
		for _, c := range e.ch {
			if c != nil && !c.inUse.Load() {
				return c
			}
		}
	}

	return nil
}

// Free gives c back. The channel must not be active. Segments that were set
// up but never started are returned to the pool.
func (m *Manager) Free(c *Channel) {
	if state := c.State(); !c.inUse.Load() || state == Active {
		panic(fmt.Sprintf("edma: free %s: in use %v, state %v", c, c.inUse.Load(), state))
	} else if state == Configured {
		c.terminate(nil)
	}

	c.mu.Lock()
	c.flags = 0
	c.state = Idle
	c.inUse.Store(false)
	c.mu.Unlock()

	c.write32(hw.ChINT, hw.ChINTInt)

	if addr, ok := c.v.MuxReg(c.num); ok {
		m.bus.Write8(addr, 0)
	}

	c.log.Debug("freed")
}

// Pool returns the descriptor pool, or nil if there is none.
func (m *Manager) Pool() *Pool {
	return m.pool
}

// Channels returns the usable channels of every engine.
func (m *Manager) Channels() []*Channel {
	var cc []*Channel
	for _, e := range m.engines {
		for _, c := range e.ch {
			if c != nil {
				cc = append(cc, c)
			}
		}
	}

	return cc
}

func (m *Manager) clean(d *Desc) {
	d.sync()

	if m.cache != nil {
		m.cache.Clean(d.addr, len(d.mem))
	}
}

// reset disables the channel and clears the descriptor registers Count reads.
func (c *Channel) reset() {
	c.write32(hw.ChCSR, 0)
	c.write32(hw.ChINT, hw.ChINTInt)
	c.regs.SetCSR(0)
	c.regs.SetCIter(0)
	c.regs.SetBIter(0)
}
