package sim_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/c35s/edma/edma/hw"
	"github.com/c35s/edma/edma/tcd"
	"github.com/c35s/edma/sim"
	"github.com/google/go-cmp/cmp"
)

func TestTransfer(t *testing.T) {
	s, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatal(err)
	}

	e := s.Engine(1)
	v := e.Variant()

	var raised []int
	err = s.IRQ.Attach(v.Line(0), func(line int, _ any) error {
		raised = append(raised, line)
		return nil
	}, nil)

	if err != nil {
		t.Fatal(err)
	}

	s.IRQ.Enable(v.Line(0))

	src := []byte("0123456789abcdef0123456789ABCDEF")
	if err := s.Load(s.RAMBase(), src); err != nil {
		t.Fatal(err)
	}

	d := tcd.TCD{
		SAddr:  uint32(s.RAMBase()),
		SOff:   1,
		Attr:   tcd.Attr(hw.Size8Bit, hw.Size32Bit, 0, 0),
		NBytes: 8,
		DAddr:  uint32(s.RAMBase()) + 0x100,
		DOff:   4,
		CSR:    hw.TCDCSRDReq | hw.TCDCSRIntMajor,
	}

	d.SetIter(4)
	tcd.NewRegs(s.Bus, v.Chan(0)).Store(&d)

	t.Run("no request without erq", func(t *testing.T) {
		if e.Request(0) {
			t.Error("ran")
		}
	})

	s.Bus.Write32(v.Reg(0, hw.ChCSR), hw.ChCSRERQ)

	if n := e.Drain(0, 10); n != 4 {
		t.Errorf("%d minor loops != 4", n)
	}

	t.Run("bytes moved", func(t *testing.T) {
		got := make([]byte, len(src))
		if err := s.Read(s.RAMBase()+0x100, got); err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(got, src) {
			t.Errorf("%q", got)
		}
	})

	t.Run("done and requests disabled", func(t *testing.T) {
		if csr := s.Bus.Read32(v.Reg(0, hw.ChCSR)); csr != hw.ChCSRDone {
			t.Errorf("%#x", csr)
		}

		if diff := cmp.Diff([]int{v.Line(0)}, raised); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("citer reloads", func(t *testing.T) {
		if n := tcd.Iter(tcd.NewRegs(s.Bus, v.Chan(0)).CIter()); n != 4 {
			t.Errorf("%d != 4", n)
		}
	})
}

func TestNewErrors(t *testing.T) {
	for name, cfg := range map[string]sim.Config{
		"ram above 4g": {RAMBase: 0xfff00000, RAMSize: 2 << 20},
		"overlap":      {RAMBase: hw.DMA4.Base},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := sim.New(cfg)
			if err == nil {
				t.Fatal("no error")
			}

			if !errors.Is(err, sim.ErrConfig) && !errors.Is(err, sim.ErrMap) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
