// edma runs a scatter/gather memory copy through the eDMA channel manager on
// a simulated i.MX9 and checks the result.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/c35s/edma/edma"
	"github.com/c35s/edma/edma/hw"
	"github.com/c35s/edma/sim"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var chips = map[string][]hw.Variant{
	"imx93": hw.IMX93,
	"imx95": hw.IMX95,
}

// minor is the number of bytes moved per request.
const minor = 64

var errOptions = errors.New("edma: invalid options")

type options struct {
	chip     string
	ntcd     int
	segments int
	size     int
	loop     bool
}

func (o options) validate() error {
	if _, ok := chips[o.chip]; !ok {
		return fmt.Errorf("%w: unknown chip %q", errOptions, o.chip)
	}

	if o.size <= 0 || o.size%minor != 0 || o.size/minor > hw.IterMask || o.segments < 1 {
		return fmt.Errorf("%w: bad segment size %d or count %d", errOptions, o.size, o.segments)
	}

	// a chain holds its descriptors until it ends
	if !o.loop && o.segments > o.ntcd {
		return fmt.Errorf("%w: %d segments need as many descriptors, have %d", errOptions, o.segments, o.ntcd)
	}

	return nil
}

type result struct {
	channel    string
	bytes      int
	interrupts int // segment callbacks
	loops      int
	elapsed    time.Duration
}

func main() {

	var o options

	flag.StringVar(&o.chip, "chip", "imx93", "simulate an imx93 or imx95")
	flag.IntVar(&o.ntcd, "ntcd", 16, "set the size of the descriptor pool")
	flag.IntVar(&o.segments, "segments", 4, "copy this many segments, or run this many loops with -loop")
	flag.IntVar(&o.size, "size", 4096, "set the segment size in bytes (a multiple of 64)")
	flag.BoolVar(&o.loop, "loop", false, "run one looping segment instead of a chain")
	verbose := flag.Bool("v", false, "log driver debug messages")

	flag.Parse()

	if err := o.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	res, err := run(o, newLogger(*verbose))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if o.loop {
		fmt.Printf("%s: %d loops of %d bytes on %s in %v\n", o.chip, res.loops, o.size, res.channel, res.elapsed)
	} else {
		fmt.Printf("%s: %d segments, %d bytes on %s in %v (%d segment interrupts)\n",
			o.chip, o.segments, res.bytes, res.channel, res.elapsed, res.interrupts)
	}
}

// run copies o.segments segments, or loops over one segment o.segments
// times, and checks the destination against the source.
func run(o options, log *slog.Logger) (result, error) {
	engines := chips[o.chip]

	nseg := o.segments
	if o.loop {
		nseg = 1
	}

	var (
		poolSize = align(o.ntcd*32, 4096)
		ramSize  = align(poolSize+2*nseg*o.size, 1<<20)
	)

	soc, err := sim.New(sim.Config{
		Chip:    engines,
		RAMSize: ramSize,
		Logger:  log,
	})

	if err != nil {
		return result{}, err
	}

	m, err := edma.New(edma.Config{
		Engines:        engines,
		Bus:            soc.Bus,
		IRQ:            soc.IRQ,
		Cache:          soc.Cache,
		NumDescriptors: o.ntcd,
		DescriptorBase: soc.RAMBase(),
		MemAt:          soc.Bus.MemAt,
		Logger:         log,
	})

	if err != nil {
		return result{}, err
	}

	// engine 1 takes any free channel on both chips
	ch := m.Alloc(hw.MakeSelector(1, 1), 0)
	if ch == nil {
		return result{}, errors.New("edma: no free channel")
	}

	var (
		srcAddr = soc.RAMBase() + uint64(poolSize)
		dstAddr = srcAddr + uint64(nseg*o.size)
		src     = make([]byte, nseg*o.size)
	)

	rand.Read(src)
	if err := soc.Load(srcAddr, src); err != nil {
		return result{}, err
	}

	var flags edma.Flags
	if o.loop {
		flags = edma.Loop
	} else {
		flags = edma.IntMajor
	}

	start := time.Now()

	for i := 0; i < nseg; i++ {
		off := uint32(i * o.size)
		err := ch.Setup(&edma.Transfer{
			SAddr:  uint32(srcAddr) + off,
			DAddr:  uint32(dstAddr) + off,
			SOff:   4,
			DOff:   4,
			SSize:  hw.Size32Bit,
			DSize:  hw.Size32Bit,
			NBytes: minor,
			Iter:   uint16(o.size / minor),
			Flags:  flags,
		})

		if err != nil {
			return result{}, err
		}
	}

	var (
		segDone atomic.Int32
		loops   atomic.Int32
		final   = make(chan error, 1)
		ack     = make(chan struct{}, 1)
	)

	next := func() {
		select {
		case ack <- struct{}{}:
		default:
		}
	}

	cb := func(_ *edma.Channel, _ any, last bool, err error) {
		if !last {
			segDone.Add(1)
			next()
			return
		}

		if o.loop && err == nil && int(loops.Add(1)) < o.segments {
			next()
			return
		}

		select {
		case final <- err:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// interrupts are delivered on their own goroutine, like a CPU taking them
	g.Go(func() error {
		if err := soc.IRQ.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	if err := ch.Start(cb, nil); err != nil {
		cancel()
		g.Wait()
		return result{}, err
	}

	// The peripheral requests one segment's worth of minor loops, then waits
	// for the segment's interrupt, so completions are counted one by one
	// rather than coalesced into a later interrupt.
	stop := make(chan struct{})
	g.Go(func() error {
		e := soc.Engine(1)
		for {
			for n := 0; n < o.size/minor; {
				select {
				case <-stop:
					return nil
				case <-ctx.Done():
					return nil
				default:
				}

				if e.Request(ch.Num()) {
					n++
				} else {
					time.Sleep(10 * time.Microsecond)
				}
			}

			select {
			case <-ack:
			case <-stop:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	})

	xerr := <-final
	close(stop)

	if o.loop {
		ch.Stop()
	}

	log.Debug("transfer done", "sample", ch.Sample())
	m.Free(ch)

	cancel()
	if err := g.Wait(); err != nil {
		return result{}, err
	}

	if xerr != nil {
		return result{}, fmt.Errorf("edma: transfer failed: %w", xerr)
	}

	dst := make([]byte, len(src))
	if err := soc.Read(dstAddr, dst); err != nil {
		return result{}, err
	}

	if !bytes.Equal(src, dst) {
		return result{}, errors.New("edma: destination does not match source")
	}

	return result{
		channel:    ch.String(),
		bytes:      len(src),
		interrupts: int(segDone.Load()),
		loops:      int(loops.Load()),
		elapsed:    time.Since(start),
	}, nil
}

func newLogger(verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func align(n, a int) int {
	return (n + a - 1) / a * a
}
