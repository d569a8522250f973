package hw

import "fmt"

// Selection is a channel selection policy.
type Selection int

const (
	// SelectMatchMux requires the channel index to equal the request source.
	SelectMatchMux Selection = iota

	// SelectAnyFree takes the lowest free channel in the usable range.
	SelectAnyFree
)

func (s Selection) String() string {
	switch s {
	case SelectMatchMux:
		return "match-mux"
	case SelectAnyFree:
		return "any-free"
	}

	return fmt.Sprintf("Selection(%d)", int(s))
}

// Mux says where a channel's request source is programmed.
type Mux int

const (
	// MuxNone means requests are hardwired to channels.
	MuxNone Mux = iota

	// MuxChannel means the source is written to the channel's CH_MUX register.
	MuxChannel

	// MuxManagement means the source is written to a per-channel register in
	// the management page.
	MuxManagement
)

func (m Mux) String() string {
	switch m {
	case MuxNone:
		return "none"
	case MuxChannel:
		return "channel"
	case MuxManagement:
		return "management"
	}

	return fmt.Sprintf("Mux(%d)", int(m))
}

// Variant describes one eDMA engine instance.
type Variant struct {
	Name string
	Base uint64

	// Channels is the number of channel register pages.
	Channels int

	// First and Last bound the channels this system may use: [First, Last).
	// A zero Last means Channels.
	First, Last int

	// Stride is the distance between channel pages.
	Stride uint64

	// IRQ is the first interrupt line. Each line serves ChannelsPerIRQ
	// consecutive channels.
	IRQ            int
	ChannelsPerIRQ int

	Selection Selection
	Mux       Mux

	// SplitInt is set when channel status is split across INT_LOW and INT_HIGH.
	SplitInt bool
}

// Usable returns the usable channel range [first, last).
func (v Variant) Usable() (first, last int) {
	last = v.Last
	if last == 0 {
		last = v.Channels
	}

	return v.First, last
}

// Size returns the length of the engine's register window.
func (v Variant) Size() uint64 {
	return chanPages + uint64(v.Channels)*v.Stride
}

// MP returns the address of a management page register.
func (v Variant) MP(off uint64) uint64 {
	return v.Base + off
}

// Chan returns the address of the channel page for ch.
func (v Variant) Chan(ch int) uint64 {
	return v.Base + chanPages + uint64(ch)*v.Stride
}

// Reg returns the address of a register in ch's channel page.
func (v Variant) Reg(ch int, off uint64) uint64 {
	return v.Chan(ch) + off
}

// IntReg returns the address of the interrupt status word holding ch and the
// bit within it.
func (v Variant) IntReg(ch int) (addr uint64, bit uint32) {
	bit = 1 << (uint(ch) % 32)

	if !v.SplitInt {
		return v.MP(MPINT), bit
	}

	if ch > 31 {
		return v.MP(MPIntHigh), bit
	}

	return v.MP(MPIntLow), bit
}

// MuxReg returns the address of the byte-wide mux register for ch.
func (v Variant) MuxReg(ch int) (uint64, bool) {
	switch v.Mux {
	case MuxChannel:
		return v.Reg(ch, ChMUX), true
	case MuxManagement:
		return v.MP(mpChMux + 4*uint64(ch)), true
	}

	return 0, false
}

// Line returns the interrupt line serving ch.
func (v Variant) Line(ch int) int {
	return v.IRQ + ch/v.perIRQ()
}

// Lines returns the number of interrupt lines the engine uses.
func (v Variant) Lines() int {
	return (v.Channels + v.perIRQ() - 1) / v.perIRQ()
}

func (v Variant) perIRQ() int {
	if v.ChannelsPerIRQ < 1 {
		return 1
	}

	return v.ChannelsPerIRQ
}

// Validate checks that the variant is self-consistent.
func (v Variant) Validate() error {
	first, last := v.Usable()

	switch {
	case v.Channels < 1 || v.Channels > 64:
		return fmt.Errorf("%s: bad channel count %d", v.Name, v.Channels)

	case first < 0 || first >= last || last > v.Channels:
		return fmt.Errorf("%s: bad usable range [%d, %d)", v.Name, first, last)

	case v.Stride < TCD+TCDSize:
		return fmt.Errorf("%s: channel stride %#x too small", v.Name, v.Stride)

	case v.IRQ < 0:
		return fmt.Errorf("%s: bad irq %d", v.Name, v.IRQ)

	case v.Channels > 32 && !v.SplitInt:
		return fmt.Errorf("%s: %d channels need split interrupt status", v.Name, v.Channels)
	}

	return nil
}

func (v Variant) String() string {
	return v.Name
}

const chanPages = 0x10000

// Engine variants found on i.MX93 and i.MX95.
var (
	DMA3 = Variant{
		Name:           "edma3",
		Base:           0x44000000,
		Channels:       31,
		Stride:         0x10000,
		IRQ:            95,
		ChannelsPerIRQ: 1,
		Selection:      SelectMatchMux,
		Mux:            MuxNone,
	}

	DMA4 = Variant{
		Name:           "edma4",
		Base:           0x42000000,
		Channels:       64,
		Stride:         0x8000,
		IRQ:            128,
		ChannelsPerIRQ: 2,
		Selection:      SelectAnyFree,
		Mux:            MuxChannel,
		SplitInt:       true,
	}

	EDMA52 = Variant{
		Name:           "edma5_2",
		Base:           0x4e000000,
		Channels:       64,
		Stride:         0x8000,
		IRQ:            160,
		ChannelsPerIRQ: 2,
		Selection:      SelectAnyFree,
		Mux:            MuxManagement,
		SplitInt:       true,
	}
)

// Chip tables. A selector's engine field indexes these slices.
var (
	IMX93 = []Variant{DMA3, DMA4}
	IMX95 = []Variant{DMA3, EDMA52}
)
