package edma

import (
	"context"
	"fmt"
	"sync"

	"github.com/c35s/edma/edma/tcd"
	"golang.org/x/sync/semaphore"
)

// Desc is a descriptor in the pool. The embedded TCD is the CPU's copy; sync
// publishes it to the memory the engine reads.
type Desc struct {
	tcd.TCD

	addr uint64
	mem  []byte
	next *Desc
	free bool
}

// Addr returns the descriptor's DMA address.
func (d *Desc) Addr() uint64 {
	return d.addr
}

func (d *Desc) sync() {
	d.TCD.Encode(d.mem)
}

// Pool is a fixed set of descriptors in DMA-visible memory. Acquire blocks
// while the pool is empty.
type Pool struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	head  *Desc
	tail  *Desc
	nfree int

	desc []Desc
}

// NewPool carves n descriptors out of the memory at base.
func NewPool(base uint64, n int, memAt func(addr uint64, size int) ([]byte, error)) (*Pool, error) {
	p := &Pool{
		sem:  semaphore.NewWeighted(int64(n)),
		desc: make([]Desc, n),
	}

	for i := range p.desc {
		d := &p.desc[i]
		d.addr = base + uint64(i*tcd.Size)

		mem, err := memAt(d.addr, tcd.Size)
		if err != nil {
			return nil, fmt.Errorf("descriptor %d at %#x: %w", i, d.addr, err)
		}

		if len(mem) < tcd.Size {
			return nil, fmt.Errorf("descriptor %d at %#x: short memory", i, d.addr)
		}

		d.mem = mem[:tcd.Size]
		d.sync()
		p.push(d)
	}

	return p, nil
}

// Acquire takes a descriptor, waiting as long as it takes for one to be released.
func (p *Pool) Acquire() *Desc {
	d, err := p.AcquireContext(context.Background())
	if err != nil {
		panic(err)
	}

	return d
}

// AcquireContext takes a descriptor, waiting until one is released or ctx is done.
func (p *Pool) AcquireContext(ctx context.Context) (*Desc, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.head
	if d == nil {
		panic("edma: descriptor pool permit without a descriptor")
	}

	p.head = d.next
	if p.head == nil {
		p.tail = nil
	}

	p.nfree--

	d.next = nil
	d.free = false
	d.TCD = tcd.TCD{}

	return d, nil
}

// Release returns d to the pool and wakes one waiter.
func (p *Pool) Release(d *Desc) {
	p.mu.Lock()
	if d.free {
		p.mu.Unlock()
		panic(fmt.Sprintf("edma: descriptor %#x released twice", d.addr))
	}

	p.push(d)
	p.mu.Unlock()

	p.sem.Release(1)
}

// Len returns the number of free descriptors.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.nfree
}

// Cap returns the number of descriptors in the pool.
func (p *Pool) Cap() int {
	return len(p.desc)
}

func (p *Pool) push(d *Desc) {
	d.next = nil
	d.free = true

	if p.tail == nil {
		p.head = d
	} else {
		p.tail.next = d
	}

	p.tail = d
	p.nfree++
}
