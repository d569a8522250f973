// Package hw describes the eDMA register layout and the engine generations
// found on i.MX9 parts.
package hw

// Management page, relative to the engine base.
const (
	MPCSR = 0x00
	MPES  = 0x04

	// eDMA3
	MPINT = 0x08
	MPHRS = 0x0c

	// eDMA4 and eDMA5 split the channel status into two words
	MPIntLow  = 0x08
	MPIntHigh = 0x0c
	MPHRSLow  = 0x10
	MPHRSHigh = 0x14

	mpChMux = 0x200
)

// MPCSR bits.
const (
	CSREDBG   = 1 << 1 // debug enable
	CSRERCA   = 1 << 2 // round robin channel arbitration
	CSRERGA   = 1 << 3 // round robin group arbitration
	CSRHAE    = 1 << 4 // halt after error
	CSRHALT   = 1 << 5
	CSRGCLC   = 1 << 6 // global channel linking control
	CSRGMRC   = 1 << 7 // global master id replication control
	CSRActive = 1 << 31
)

// MPES bits.
const (
	MPESValid = 1 << 31
)

// Channel page, relative to the channel base.
const (
	ChCSR = 0x00
	ChES  = 0x04
	ChINT = 0x08
	ChSBR = 0x0c
	ChPRI = 0x10
	ChMUX = 0x14

	// TCD is the offset of the transfer control descriptor registers. They
	// follow the in-memory descriptor layout.
	TCD = 0x20
)

// ChCSR bits.
const (
	ChCSRERQ    = 1 << 0 // enable hardware requests
	ChCSREARQ   = 1 << 1
	ChCSREEI    = 1 << 2 // enable error interrupt
	ChCSREBW    = 1 << 3
	ChCSRDone   = 1 << 30
	ChCSRActive = 1 << 31
)

// ChES bits.
const (
	ChESDBE = 1 << 0 // destination bus error
	ChESSBE = 1 << 1 // source bus error
	ChESSGE = 1 << 2 // scatter/gather configuration error
	ChESNCE = 1 << 3 // nbytes/citer configuration error
	ChESDOE = 1 << 4 // destination offset error
	ChESDAE = 1 << 5 // destination address error
	ChESSOE = 1 << 6 // source offset error
	ChESSAE = 1 << 7 // source address error
	ChESErr = 1 << 31
)

// ChINTInt is the channel interrupt request bit; it is write-one-to-clear.
const ChINTInt = 1

// ChPRI fields.
const (
	ChPRIMask = 0x7
	ChPRIDPA  = 1 << 30 // disable preempt ability
	ChPRIECP  = 1 << 31 // enable channel preemption
)

// Descriptor register offsets, relative to TCD and to the start of a
// descriptor in memory.
const (
	TCDSAddr    = 0x00
	TCDSOff     = 0x04
	TCDAttr     = 0x06
	TCDNBytes   = 0x08
	TCDSLast    = 0x0c
	TCDDAddr    = 0x10
	TCDDOff     = 0x14
	TCDCIter    = 0x16
	TCDDLastSGA = 0x18
	TCDCSR      = 0x1c
	TCDBIter    = 0x1e

	// TCDSize is the size of a descriptor, which is also its required alignment.
	TCDSize = 32
)

// TCD CSR bits.
const (
	TCDCSRStart      = 1 << 0
	TCDCSRIntMajor   = 1 << 1
	TCDCSRIntHalf    = 1 << 2
	TCDCSRDReq       = 1 << 3
	TCDCSRESG        = 1 << 4
	TCDCSRMajorELink = 1 << 5
	TCDCSREEOP       = 1 << 6
	TCDCSRESDA       = 1 << 7

	TCDCSRMajorLinkChShift = 8
	TCDCSRMajorLinkChMask  = 0x3f << TCDCSRMajorLinkChShift
)

// CITER and BITER fields.
const (
	IterELink       = 1 << 15
	IterLinkChShift = 9
	IterLinkChMask  = 0x3f << IterLinkChShift

	// IterMask is the iteration count when minor loop linking is off.
	IterMask = 0x7fff

	// IterMaskELink is the iteration count when minor loop linking is on.
	IterMaskELink = 0x01ff
)

// ATTR fields.
const (
	AttrDSizeShift = 0
	AttrDSizeMask  = 0x7 << AttrDSizeShift
	AttrDModShift  = 3
	AttrDModMask   = 0x1f << AttrDModShift
	AttrSSizeShift = 8
	AttrSSizeMask  = 0x7 << AttrSSizeShift
	AttrSModShift  = 11
	AttrSModMask   = 0x1f << AttrSModShift
)

// Size is a transfer size code as used in ATTR.SSIZE and ATTR.DSIZE.
type Size uint8

const (
	Size8Bit Size = iota
	Size16Bit
	Size32Bit
	Size64Bit
	Size16Byte
	Size32Byte
	Size64Byte
)

// Bytes returns the number of bytes moved by one read or write of size s.
func (s Size) Bytes() int {
	return 1 << s
}

// Valid reports whether s is a size code the engine understands.
func (s Size) Valid() bool {
	return s <= Size64Byte
}

// SizeOf returns the size code for a transfer of n bytes per access.
func SizeOf(n int) (Size, bool) {
	for s := Size8Bit; s <= Size64Byte; s++ {
		if s.Bytes() == n {
			return s, true
		}
	}

	return 0, false
}
