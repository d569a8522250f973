package edma

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/c35s/edma/edma/hw"
	"github.com/c35s/edma/edma/tcd"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestScatterGather(t *testing.T) {
	r := newRig(t, hw.IMX93, 8)
	c := r.m.Alloc(hw.MakeSelector(1, 3), 0)
	if c == nil {
		t.Fatal("no channel")
	}

	var src [][]byte
	for i := uint32(0); i < 3; i++ {
		src = append(src, r.fill(t, i*0x100, 64, byte(i*64)))
		if err := c.Setup(r.memcpy(i*0x100, 0x1000+i*0x100, 4, IntMajor)); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("segments form one chain", func(t *testing.T) {
		dd := c.chain()
		if len(dd) != 3 {
			t.Fatalf("chain of %d", len(dd))
		}

		for i, d := range dd[:2] {
			if d.CSR&hw.TCDCSRESG == 0 || d.CSR&hw.TCDCSRDReq != 0 {
				t.Errorf("segment %d csr %#x", i, d.CSR)
			}

			if d.DLastSGA != uint32(dd[i+1].Addr()) {
				t.Errorf("segment %d links to %#x, not %#x", i, d.DLastSGA, dd[i+1].Addr())
			}
		}

		if d := dd[2]; d.CSR&hw.TCDCSRESG != 0 || d.CSR&hw.TCDCSRDReq == 0 {
			t.Errorf("last segment csr %#x", d.CSR)
		}

		if csr := c.regs.CSR(); csr&hw.TCDCSRESG == 0 {
			t.Errorf("registers were not patched: csr %#x", csr)
		}

		if n := r.m.Pool().Len(); n != 5 {
			t.Errorf("%d free != 5", n)
		}
	})

	t.Run("configured", func(t *testing.T) {
		if s := c.State(); s != Configured {
			t.Errorf("%v != %v", s, Configured)
		}
	})

	var rec recorder
	if err := c.Start(rec.callback, "arg"); err != nil {
		t.Fatal(err)
	}

	if n := r.engine(c).Drain(c.Num(), 100); n != 12 {
		t.Errorf("%d minor loops != 12", n)
	}

	t.Run("two segment callbacks then one final", func(t *testing.T) {
		want := []event{
			{Chan: "edma4.0", Arg: "arg"},
			{Chan: "edma4.0", Arg: "arg"},
			{Chan: "edma4.0", Arg: "arg", Final: true},
		}

		if diff := cmp.Diff(want, rec.events()); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("idle with an empty chain", func(t *testing.T) {
		if !c.Idle() {
			t.Errorf("state %v", c.State())
		}

		if dd := c.chain(); len(dd) != 0 {
			t.Errorf("chain of %d", len(dd))
		}

		if n := r.m.Pool().Len(); n != 8 {
			t.Errorf("%d free != 8", n)
		}
	})

	t.Run("data was copied", func(t *testing.T) {
		for i := uint32(0); i < 3; i++ {
			if got := r.read(t, 0x1000+i*0x100, 64); !bytes.Equal(got, src[i]) {
				t.Errorf("segment %d: % x", i, got)
			}
		}
	})
}

func TestSegmentInterruptsOnRequest(t *testing.T) {
	r := newRig(t, hw.IMX93, 8)
	c := r.m.Alloc(hw.MakeSelector(1, 3), 0)

	for i := uint32(0); i < 3; i++ {
		if err := c.Setup(r.memcpy(i*0x100, 0x1000+i*0x100, 2, 0)); err != nil {
			t.Fatal(err)
		}
	}

	for i, d := range c.chain() {
		if last := i == 2; (d.CSR&hw.TCDCSRIntMajor != 0) != last {
			t.Errorf("segment %d csr %#x", i, d.CSR)
		}
	}

	var rec recorder
	if err := c.Start(rec.callback, nil); err != nil {
		t.Fatal(err)
	}

	r.engine(c).Drain(c.Num(), 100)

	want := []event{{Chan: "edma4.0", Final: true}}
	if diff := cmp.Diff(want, rec.events()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestCacheClean(t *testing.T) {
	r := newRig(t, hw.IMX93, 4)
	c := r.m.Alloc(hw.MakeSelector(1, 3), 0)

	for i := 0; i < 2; i++ {
		if err := c.Setup(r.memcpy(0, 0x100, 1, 0)); err != nil {
			t.Fatal(err)
		}
	}

	dd := c.chain()

	// the first descriptor is cleaned once when added and once when linked
	if n := r.soc.Cache.Cleaned(dd[0].Addr()); n != 2 {
		t.Errorf("head cleaned %d times", n)
	}

	if n := r.soc.Cache.Cleaned(dd[1].Addr()); n != 1 {
		t.Errorf("tail cleaned %d times", n)
	}
}

func TestLoopCannotChain(t *testing.T) {
	for name, flags := range map[string][2]Flags{
		"loop then plain": {LoopDest, 0},
		"plain then loop": {0, LoopSrc},
	} {
		t.Run(name, func(t *testing.T) {
			r := newRig(t, hw.IMX93, 4)
			c := r.m.Alloc(hw.MakeSelector(1, 3), 0)

			if err := c.Setup(r.memcpy(0, 0x100, 2, flags[0])); err != nil {
				t.Fatal(err)
			}

			err := c.Setup(r.memcpy(0, 0x200, 2, flags[1]))
			if !errors.Is(err, unix.EINVAL) {
				t.Errorf("error isn't EINVAL: %v", err)
			}

			if n := r.m.Pool().Len(); n != 3 {
				t.Errorf("%d free != 3", n)
			}

			if dd := c.chain(); len(dd) != 1 {
				t.Errorf("chain of %d", len(dd))
			}
		})
	}
}

func TestLoop(t *testing.T) {
	r := newRig(t, hw.IMX93, 4)
	c := r.m.Alloc(hw.MakeSelector(1, 3), 0)
	src := r.fill(t, 0, 32, 1)

	if err := c.Setup(r.memcpy(0, 0x100, 2, LoopSrc|LoopDest)); err != nil {
		t.Fatal(err)
	}

	var rec recorder
	if err := c.Start(rec.callback, nil); err != nil {
		t.Fatal(err)
	}

	if n := r.engine(c).Drain(c.Num(), 6); n != 6 {
		t.Errorf("%d minor loops != 6", n)
	}

	t.Run("a final callback per major loop", func(t *testing.T) {
		want := []event{
			{Chan: "edma4.0", Final: true},
			{Chan: "edma4.0", Final: true},
			{Chan: "edma4.0", Final: true},
		}

		if diff := cmp.Diff(want, rec.events()); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("still active", func(t *testing.T) {
		if s := c.State(); s != Active {
			t.Errorf("%v != %v", s, Active)
		}

		if got := r.read(t, 0x100, 32); !bytes.Equal(got, src) {
			t.Errorf("% x", got)
		}
	})

	t.Run("stop ends it", func(t *testing.T) {
		c.Stop()

		ev := rec.events()
		if last := ev[len(ev)-1]; !last.Final || last.Err != unix.EINTR.Error() {
			t.Errorf("last event %+v", last)
		}

		if n := r.m.Pool().Len(); n != 4 {
			t.Errorf("%d free != 4", n)
		}

		if r.engine(c).Enabled(c.Num()) {
			t.Error("requests still enabled")
		}
	})
}

func TestStop(t *testing.T) {
	r := newRig(t, hw.IMX93, 4)
	c := r.m.Alloc(hw.MakeSelector(1, 3), 0)

	for i := 0; i < 2; i++ {
		if err := c.Setup(r.memcpy(0, 0x100, 4, 0)); err != nil {
			t.Fatal(err)
		}
	}

	var rec recorder
	if err := c.Start(rec.callback, nil); err != nil {
		t.Fatal(err)
	}

	r.engine(c).Request(c.Num())
	c.Stop()
	c.Stop()

	t.Run("one final callback", func(t *testing.T) {
		want := []event{{Chan: "edma4.0", Final: true, Err: unix.EINTR.Error()}}
		if diff := cmp.Diff(want, rec.events()); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("hardware is quiet", func(t *testing.T) {
		if r.engine(c).Request(c.Num()) {
			t.Error("engine accepted a request")
		}

		if n := r.m.Pool().Len(); n != 4 {
			t.Errorf("%d free != 4", n)
		}
	})

	t.Run("halt is stop", func(t *testing.T) {
		if err := c.Halt(); err != nil {
			t.Error(err)
		}

		if !c.Idle() {
			t.Errorf("state %v", c.State())
		}
	})
}

func TestTransferError(t *testing.T) {
	r := newRig(t, hw.IMX93, 4)
	c := r.m.Alloc(hw.MakeSelector(1, 3), 0)

	if err := c.Setup(r.memcpy(0, 0x100, 4, 0)); err != nil {
		t.Fatal(err)
	}

	var got []error
	err := c.Start(func(_ *Channel, _ any, final bool, err error) {
		if !final {
			t.Error("error callback is not final")
		}

		got = append(got, err)
	}, nil)

	if err != nil {
		t.Fatal(err)
	}

	r.engine(c).Request(c.Num())
	r.engine(c).InjectError(c.Num(), hw.ChESDBE)

	if len(got) != 1 {
		t.Fatalf("%d callbacks", len(got))
	}

	if !errors.Is(got[0], unix.EIO) {
		t.Errorf("error isn't EIO: %v", got[0])
	}

	var te *TransferError
	if !errors.As(got[0], &te) || te.Status&hw.ChESDBE == 0 {
		t.Errorf("es not reported: %v", got[0])
	}

	if !c.Idle() || r.m.Pool().Len() != 4 {
		t.Errorf("state %v, %d free", c.State(), r.m.Pool().Len())
	}

	if es := c.read32(hw.ChES); es != 0 {
		t.Errorf("es %#x not cleared", es)
	}
}

func TestBusErrorFromEngine(t *testing.T) {
	r := newRig(t, hw.IMX93, 4)
	c := r.m.Alloc(hw.MakeSelector(1, 3), 0)

	tr := r.memcpy(0, 0, 1, 0)
	tr.DAddr = 0x10 // nothing there

	if err := c.Setup(tr); err != nil {
		t.Fatal(err)
	}

	var rec recorder
	if err := c.Start(rec.callback, nil); err != nil {
		t.Fatal(err)
	}

	r.engine(c).Request(c.Num())

	ev := rec.events()
	if len(ev) != 1 || !ev[0].Final || !strings.Contains(ev[0].Err, "transfer error") {
		t.Errorf("events %+v", ev)
	}
}

func TestHalfInterrupt(t *testing.T) {
	r := newRig(t, hw.IMX93, 4)
	c := r.m.Alloc(hw.MakeSelector(1, 3), 0)

	if err := c.Setup(r.memcpy(0, 0x100, 4, IntHalf)); err != nil {
		t.Fatal(err)
	}

	var rec recorder
	if err := c.Start(rec.callback, nil); err != nil {
		t.Fatal(err)
	}

	e := r.engine(c)
	e.Request(c.Num())
	e.Request(c.Num())

	if n := len(rec.events()); n != 1 {
		t.Errorf("%d events at half way", n)
	}

	if n := c.Count(); n != 2 {
		t.Errorf("count %d != 2", n)
	}

	e.Drain(c.Num(), 10)

	want := []event{
		{Chan: "edma4.0"},
		{Chan: "edma4.0", Final: true},
	}

	if diff := cmp.Diff(want, rec.events()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSharedInterruptLine(t *testing.T) {
	r := newRig(t, hw.IMX93, 4)
	a := r.m.Alloc(hw.MakeSelector(1, 3), 0)
	b := r.m.Alloc(hw.MakeSelector(1, 4), 0)

	if a.v.Line(a.Num()) != b.v.Line(b.Num()) {
		t.Fatalf("%v and %v are on different lines", a, b)
	}

	var rec recorder
	for i, c := range []*Channel{a, b} {
		if err := c.Setup(r.memcpy(0, 0x100*uint32(i+1), 1, 0)); err != nil {
			t.Fatal(err)
		}

		if err := c.Start(rec.callback, nil); err != nil {
			t.Fatal(err)
		}
	}

	r.engine(b).Request(b.Num())

	want := []event{{Chan: "edma4.1", Final: true}}
	if diff := cmp.Diff(want, rec.events()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if s := a.State(); s != Active {
		t.Errorf("%v: %v != %v", a, s, Active)
	}
}

func TestLinkMajor(t *testing.T) {
	r := newRig(t, hw.IMX93, 4)
	a := r.m.Alloc(hw.MakeSelector(1, 3), 0)
	b := r.m.Alloc(hw.MakeSelector(1, 4), 0)

	src := r.fill(t, 0, 16, 9)

	// a copies into a staging buffer, b copies the staging buffer out
	ta := r.memcpy(0, 0x100, 1, LinkMajor)
	ta.Link = b

	if err := a.Setup(ta); err != nil {
		t.Fatal(err)
	}

	if err := b.Setup(r.memcpy(0x100, 0x200, 1, 0)); err != nil {
		t.Fatal(err)
	}

	var rec recorder
	for _, c := range []*Channel{b, a} {
		if err := c.Start(rec.callback, nil); err != nil {
			t.Fatal(err)
		}
	}

	r.engine(a).Request(a.Num())

	want := []event{
		{Chan: "edma4.0", Final: true},
		{Chan: "edma4.1", Final: true},
	}

	if diff := cmp.Diff(want, rec.events()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if got := r.read(t, 0x200, 16); !bytes.Equal(got, src) {
		t.Errorf("% x", got)
	}
}

func TestDirect(t *testing.T) {
	r := newRig(t, hw.IMX93, 0)
	c := r.m.Alloc(hw.MakeSelector(1, 3), 0)
	src := r.fill(t, 0, 64, 3)

	if err := c.Setup(r.memcpy(0, 0x100, 4, 0)); err != nil {
		t.Fatal(err)
	}

	var rec recorder
	if err := c.Start(rec.callback, nil); err != nil {
		t.Fatal(err)
	}

	e := r.engine(c)
	e.Request(c.Num())

	t.Run("busy while running", func(t *testing.T) {
		if err := c.Setup(r.memcpy(0, 0x200, 4, 0)); !errors.Is(err, unix.EBUSY) {
			t.Errorf("error isn't EBUSY: %v", err)
		}

		if n := c.Count(); n != 3 {
			t.Errorf("count %d != 3", n)
		}
	})

	e.Drain(c.Num(), 10)

	t.Run("completes", func(t *testing.T) {
		want := []event{{Chan: "edma4.0", Final: true}}
		if diff := cmp.Diff(want, rec.events()); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}

		if got := r.read(t, 0x100, 64); !bytes.Equal(got, src) {
			t.Errorf("% x", got)
		}
	})

	t.Run("free for the next transfer", func(t *testing.T) {
		if err := c.Setup(r.memcpy(0, 0x200, 4, 0)); err != nil {
			t.Error(err)
		}
	})

	t.Run("single segment only", func(t *testing.T) {
		if c.chain() != nil {
			t.Error("direct mode built a chain")
		}
	})
}

func TestContractErrors(t *testing.T) {
	r := newRig(t, hw.IMX93, 1)
	c := r.m.engines[1].ch[0]

	t.Run("setup before alloc", func(t *testing.T) {
		if err := c.Setup(r.memcpy(0, 0x100, 1, 0)); !errors.Is(err, unix.EINVAL) {
			t.Errorf("error isn't EINVAL: %v", err)
		}
	})

	c = r.m.Alloc(hw.MakeSelector(1, 1), 0)

	t.Run("start before setup", func(t *testing.T) {
		if err := c.Start(nil, nil); !errors.Is(err, unix.EINVAL) {
			t.Errorf("error isn't EINVAL: %v", err)
		}
	})

	badTransfers := map[string]func(*Transfer){
		"zero iterations":    func(t *Transfer) { t.Iter = 0 },
		"zero bytes":         func(t *Transfer) { t.NBytes = 0 },
		"size mismatch":      func(t *Transfer) { t.NBytes = 6 },
		"bad size":           func(t *Transfer) { t.SSize = 9 },
		"link without chan":  func(t *Transfer) { t.Flags = LinkMajor },
		"too many for elink": func(t *Transfer) { t.Flags, t.Link, t.Iter = LinkMinor, c, 0x200 },
	}

	for name, mod := range badTransfers {
		t.Run(name, func(t *testing.T) {
			tr := r.memcpy(0, 0x100, 1, 0)
			mod(tr)

			if err := c.Setup(tr); !errors.Is(err, unix.EINVAL) {
				t.Errorf("error isn't EINVAL: %v", err)
			}
		})
	}

	t.Run("setup gives up waiting for a descriptor", func(t *testing.T) {
		if err := c.Setup(r.memcpy(0, 0x100, 1, 0)); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		if err := c.SetupContext(ctx, r.memcpy(0, 0x100, 1, 0)); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error isn't DeadlineExceeded: %v", err)
		}
	})
}

func TestSample(t *testing.T) {
	r := newRig(t, hw.IMX93, 2)
	c := r.m.Alloc(hw.MakeSelector(1, 5), 3)

	if err := c.Setup(r.memcpy(0, 0x100, 4, 0)); err != nil {
		t.Fatal(err)
	}

	s := c.Sample()

	if s.Mux != 5 || s.ChPRI != 3 || s.State != Configured {
		t.Errorf("mux %d pri %d state %v", s.Mux, s.ChPRI, s.State)
	}

	if s.TCD.SAddr != r.addr(0) || tcd.Iter(s.TCD.CIter) != 4 {
		t.Errorf("tcd %v", s.TCD)
	}

	var b strings.Builder
	if err := s.Dump(&b, "after setup"); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"after setup", "edma4.0", "SADDR: 20010000", "CITER: 0004"} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("dump is missing %q:\n%s", want, b.String())
		}
	}
}

func TestSpuriousInterrupt(t *testing.T) {
	r := newRig(t, hw.IMX93, 4)
	c := r.m.Alloc(hw.MakeSelector(1, 0), 0)

	if err := c.Setup(r.memcpy(0, 0x100, 1, 0)); err != nil {
		t.Fatal(err)
	}

	t.Run("no pending bit is a no-op", func(t *testing.T) {
		c.service()

		if s := c.State(); s != Configured {
			t.Errorf("%v != %v", s, Configured)
		}
	})

	t.Run("completion before start is dropped", func(t *testing.T) {
		// forced through the engine while the channel is only configured
		r.engine(c).Trigger(c.Num())

		if s := c.State(); s != Configured {
			t.Errorf("%v != %v", s, Configured)
		}

		if v := c.read32(hw.ChINT); v != 0 {
			t.Errorf("ch int %#x not cleared", v)
		}

		if n := len(c.chain()); n != 1 {
			t.Errorf("%d descriptors != 1", n)
		}
	})
}
