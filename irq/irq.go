// Package irq implements a simple interrupt controller. Devices raise numbered
// lines; attached handlers run one at a time, the way a single CPU takes
// interrupts, either on the raising goroutine or on the goroutine running Run.
package irq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Handler services an interrupt line. The arg is the value given to Attach.
type Handler = func(line int, arg any) error

// Controller latches raised lines and delivers them to attached handlers.
type Controller struct {
	mu    sync.Mutex
	lines map[int]*line
	async bool
	kickC chan struct{}

	// cpu is held while handlers run; handlers never nest
	cpu sync.Mutex

	log *slog.Logger
}

type line struct {
	handler Handler
	arg     any
	enabled bool
	pending bool
	count   uint64
}

// New returns a controller with no attached lines. If log is nil, slog.Default is used.
func New(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}

	return &Controller{
		lines: make(map[int]*line),
		kickC: make(chan struct{}, 1),
		log:   log,
	}
}

// Attach installs h for the line. The line starts disabled; a handler that is
// already attached is replaced.
func (c *Controller) Attach(n int, h Handler, arg any) error {
	if n < 0 || h == nil {
		return fmt.Errorf("irq %d: attach: %w", n, unix.EINVAL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.get(n)
	l.handler = h
	l.arg = arg

	return nil
}

// Detach removes the line's handler and disables it.
func (c *Controller) Detach(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.lines, n)
}

// Enable unmasks the line. A latched interrupt is delivered right away.
func (c *Controller) Enable(n int) {
	c.mu.Lock()
	l := c.get(n)
	l.enabled = true
	pending := l.pending
	c.mu.Unlock()

	if pending {
		c.kick()
	}
}

// Disable masks the line. Raised interrupts stay latched until it is enabled.
func (c *Controller) Disable(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.get(n).enabled = false
}

// Raise asserts the line.
func (c *Controller) Raise(n int) {
	c.mu.Lock()
	c.get(n).pending = true
	c.mu.Unlock()

	c.kick()
}

// Pending reports whether the line is latched and not yet delivered.
func (c *Controller) Pending(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.lines[n]
	return ok && l.pending
}

// Count returns the number of times the line's handler has run.
func (c *Controller) Count(n int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.lines[n]; ok {
		return l.count
	}

	return 0
}

// Run delivers interrupts on the calling goroutine until ctx is done. While
// Run is active, Raise only latches and wakes Run.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.async {
		c.mu.Unlock()
		return fmt.Errorf("irq: run: %w", unix.EBUSY)
	}

	c.async = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.async = false
		c.mu.Unlock()
	}()

	for {
		c.deliver()

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-c.kickC:
		}
	}
}

func (c *Controller) kick() {
	c.mu.Lock()
	async := c.async
	c.mu.Unlock()

	if !async {
		c.deliver()
		return
	}

	select {
	case c.kickC <- struct{}{}:
	default:
	}
}

// deliver runs handlers for pending, enabled lines. If another goroutine is
// already delivering, it returns at once; the holder rechecks after unlocking,
// so nothing latched is lost.
func (c *Controller) deliver() {
	for c.hasPending() {
		if !c.cpu.TryLock() {
			return
		}

		for {
			n, l, ok := c.next()
			if !ok {
				break
			}

			if err := l.handler(n, l.arg); err != nil {
				c.log.Error("interrupt handler failed", "irq", n, "err", err)
			}
		}

		c.cpu.Unlock()
	}
}

// next clears and returns the lowest pending, enabled line.
func (c *Controller) next() (int, line, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var nn []int
	for n, l := range c.lines {
		if l.pending && l.enabled && l.handler != nil {
			nn = append(nn, n)
		}
	}

	if len(nn) == 0 {
		return 0, line{}, false
	}

	sort.Ints(nn)
	l := c.lines[nn[0]]
	l.pending = false
	l.count++

	return nn[0], *l, true
}

func (c *Controller) hasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.lines {
		if l.pending && l.enabled && l.handler != nil {
			return true
		}
	}

	return false
}

func (c *Controller) get(n int) *line {
	l, ok := c.lines[n]
	if !ok {
		l = new(line)
		c.lines[n] = l
	}

	return l
}
