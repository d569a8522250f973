package tcd

import "github.com/c35s/edma/edma/hw"

// Bus is register access as needed by Regs.
type Bus interface {
	Read16(addr uint64) uint16
	Read32(addr uint64) uint32
	Write16(addr uint64, v uint16)
	Write32(addr uint64, v uint32)
}

// Regs is the TCD register window of one channel.
type Regs struct {
	bus  Bus
	base uint64
}

// NewRegs returns the TCD registers of the channel page at chanBase.
func NewRegs(bus Bus, chanBase uint64) Regs {
	return Regs{bus: bus, base: chanBase + hw.TCD}
}

// Store copies t into the registers. CSR is cleared first and written after
// the rest of the descriptor, so a half-written TCD is never started.
func (r Regs) Store(t *TCD) {
	r.SetCSR(0)

	r.bus.Write32(r.base+hw.TCDSAddr, t.SAddr)
	r.bus.Write16(r.base+hw.TCDSOff, uint16(t.SOff))
	r.bus.Write16(r.base+hw.TCDAttr, t.Attr)
	r.bus.Write32(r.base+hw.TCDNBytes, t.NBytes)
	r.bus.Write32(r.base+hw.TCDSLast, uint32(t.SLast))
	r.bus.Write32(r.base+hw.TCDDAddr, t.DAddr)
	r.bus.Write16(r.base+hw.TCDDOff, uint16(t.DOff))
	r.bus.Write16(r.base+hw.TCDCIter, t.CIter)
	r.bus.Write32(r.base+hw.TCDDLastSGA, t.DLastSGA)

	r.SetCSR(t.CSR)

	r.bus.Write16(r.base+hw.TCDBIter, t.BIter)
}

// Load reads the descriptor currently in the registers.
func (r Regs) Load() TCD {
	return TCD{
		SAddr:    r.bus.Read32(r.base + hw.TCDSAddr),
		SOff:     int16(r.bus.Read16(r.base + hw.TCDSOff)),
		Attr:     r.bus.Read16(r.base + hw.TCDAttr),
		NBytes:   r.bus.Read32(r.base + hw.TCDNBytes),
		SLast:    int32(r.bus.Read32(r.base + hw.TCDSLast)),
		DAddr:    r.bus.Read32(r.base + hw.TCDDAddr),
		DOff:     int16(r.bus.Read16(r.base + hw.TCDDOff)),
		CIter:    r.bus.Read16(r.base + hw.TCDCIter),
		DLastSGA: r.bus.Read32(r.base + hw.TCDDLastSGA),
		CSR:      r.bus.Read16(r.base + hw.TCDCSR),
		BIter:    r.bus.Read16(r.base + hw.TCDBIter),
	}
}

func (r Regs) CSR() uint16 {
	return r.bus.Read16(r.base + hw.TCDCSR)
}

func (r Regs) SetCSR(v uint16) {
	r.bus.Write16(r.base+hw.TCDCSR, v)
}

func (r Regs) CIter() uint16 {
	return r.bus.Read16(r.base + hw.TCDCIter)
}

func (r Regs) SetCIter(v uint16) {
	r.bus.Write16(r.base+hw.TCDCIter, v)
}

func (r Regs) SetBIter(v uint16) {
	r.bus.Write16(r.base+hw.TCDBIter, v)
}

func (r Regs) SetDLastSGA(v uint32) {
	r.bus.Write32(r.base+hw.TCDDLastSGA, v)
}
