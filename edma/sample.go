package edma

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/c35s/edma/edma/hw"
	"github.com/c35s/edma/edma/tcd"
)

// Sample is a snapshot of a channel's registers.
type Sample struct {
	Chan  string
	State State

	// management page
	CSR uint32
	ES  uint32
	INT uint32 // the status word holding this channel
	HRS uint32

	// channel page
	ChCSR uint32
	ChES  uint32
	ChINT uint32
	ChPRI uint32
	Mux   uint8

	TCD tcd.TCD
}

// Sample reads the channel's registers. The channel lock is held while
// sampling, so the snapshot does not straddle a completion.
func (c *Channel) Sample() Sample {
	c.mu.Lock()
	defer c.mu.Unlock()

	bus := c.m.bus
	intAddr, _ := c.v.IntReg(c.num)

	hrs := c.v.MP(hw.MPHRS)
	if c.v.SplitInt {
		hrs = c.v.MP(hw.MPHRSLow)
		if c.num > 31 {
			hrs = c.v.MP(hw.MPHRSHigh)
		}
	}

	s := Sample{
		Chan:  c.String(),
		State: c.state,
		CSR:   bus.Read32(c.v.MP(hw.MPCSR)),
		ES:    bus.Read32(c.v.MP(hw.MPES)),
		INT:   bus.Read32(intAddr),
		HRS:   bus.Read32(hrs),
		ChCSR: c.read32(hw.ChCSR),
		ChES:  c.read32(hw.ChES),
		ChINT: c.read32(hw.ChINT),
		ChPRI: c.read32(hw.ChPRI),
		TCD:   c.regs.Load(),
	}

	if addr, ok := c.v.MuxReg(c.num); ok {
		s.Mux = bus.Read8(addr)
	}

	return s
}

func (s Sample) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("chan", s.Chan),
		slog.String("state", s.State.String()),
		slog.String("csr", fmt.Sprintf("%08x", s.CSR)),
		slog.String("es", fmt.Sprintf("%08x", s.ES)),
		slog.String("int", fmt.Sprintf("%08x", s.INT)),
		slog.String("ch_csr", fmt.Sprintf("%08x", s.ChCSR)),
		slog.String("ch_es", fmt.Sprintf("%08x", s.ChES)),
		slog.String("tcd", s.TCD.String()),
	)
}

// Dump writes s to w in a readable form, headed by msg.
func (s Sample) Dump(w io.Writer, msg string) error {
	_, err := fmt.Fprintf(w, `%s
  eDMA global registers:
          CR: %08x
          ES: %08x
         INT: %08x
         HRS: %08x
  %s channel registers (%s):
      CH_CSR: %08x
       CH_ES: %08x
      CH_INT: %08x
      CH_PRI: %08x
         MUX: %02x
  %s TCD registers:
       SADDR: %08x
        SOFF: %04x
        ATTR: %04x
      NBYTES: %08x
       SLAST: %08x
       DADDR: %08x
        DOFF: %04x
       CITER: %04x
    DLASTSGA: %08x
         CSR: %04x
       BITER: %04x
`,
		msg,
		s.CSR, s.ES, s.INT, s.HRS,
		s.Chan, s.State,
		s.ChCSR, s.ChES, s.ChINT, s.ChPRI, s.Mux,
		s.Chan,
		s.TCD.SAddr, uint16(s.TCD.SOff), s.TCD.Attr, s.TCD.NBytes, uint32(s.TCD.SLast),
		s.TCD.DAddr, uint16(s.TCD.DOff), s.TCD.CIter, s.TCD.DLastSGA, s.TCD.CSR, s.TCD.BIter)

	return err
}
