// Package tcd encodes eDMA transfer control descriptors. A TCD is a plain
// value; it reaches memory through Encode and the channel registers through
// Regs.Store, and is read back with Decode and Regs.Load.
package tcd

import (
	"encoding/binary"
	"fmt"

	"github.com/c35s/edma/edma/hw"
)

// TCD is a transfer control descriptor.
type TCD struct {
	SAddr    uint32
	SOff     int16
	Attr     uint16
	NBytes   uint32
	SLast    int32
	DAddr    uint32
	DOff     int16
	CIter    uint16
	DLastSGA uint32 // final destination adjustment, or the next descriptor if CSR.ESG
	CSR      uint16
	BIter    uint16
}

// Size is the encoded size of a TCD.
const Size = hw.TCDSize

var le = binary.LittleEndian

// Encode writes the hardware image of t to b, which must hold at least Size bytes.
func (t *TCD) Encode(b []byte) {
	_ = b[Size-1]

	le.PutUint32(b[hw.TCDSAddr:], t.SAddr)
	le.PutUint16(b[hw.TCDSOff:], uint16(t.SOff))
	le.PutUint16(b[hw.TCDAttr:], t.Attr)
	le.PutUint32(b[hw.TCDNBytes:], t.NBytes)
	le.PutUint32(b[hw.TCDSLast:], uint32(t.SLast))
	le.PutUint32(b[hw.TCDDAddr:], t.DAddr)
	le.PutUint16(b[hw.TCDDOff:], uint16(t.DOff))
	le.PutUint16(b[hw.TCDCIter:], t.CIter)
	le.PutUint32(b[hw.TCDDLastSGA:], t.DLastSGA)
	le.PutUint16(b[hw.TCDCSR:], t.CSR)
	le.PutUint16(b[hw.TCDBIter:], t.BIter)
}

// Decode returns the TCD whose hardware image is in b.
func Decode(b []byte) TCD {
	_ = b[Size-1]

	return TCD{
		SAddr:    le.Uint32(b[hw.TCDSAddr:]),
		SOff:     int16(le.Uint16(b[hw.TCDSOff:])),
		Attr:     le.Uint16(b[hw.TCDAttr:]),
		NBytes:   le.Uint32(b[hw.TCDNBytes:]),
		SLast:    int32(le.Uint32(b[hw.TCDSLast:])),
		DAddr:    le.Uint32(b[hw.TCDDAddr:]),
		DOff:     int16(le.Uint16(b[hw.TCDDOff:])),
		CIter:    le.Uint16(b[hw.TCDCIter:]),
		DLastSGA: le.Uint32(b[hw.TCDDLastSGA:]),
		CSR:      le.Uint16(b[hw.TCDCSR:]),
		BIter:    le.Uint16(b[hw.TCDBIter:]),
	}
}

// Attr returns an ATTR value. The mod arguments are address modulo sizes as
// powers of two; zero disables modulo addressing.
func Attr(ssize, dsize hw.Size, smod, dmod uint8) uint16 {
	return uint16(ssize)<<hw.AttrSSizeShift&hw.AttrSSizeMask |
		uint16(dsize)<<hw.AttrDSizeShift&hw.AttrDSizeMask |
		uint16(smod)<<hw.AttrSModShift&hw.AttrSModMask |
		uint16(dmod)<<hw.AttrDModShift&hw.AttrDModMask
}

// SSize returns the source access size.
func (t *TCD) SSize() hw.Size {
	return hw.Size(t.Attr & hw.AttrSSizeMask >> hw.AttrSSizeShift)
}

// DSize returns the destination access size.
func (t *TCD) DSize() hw.Size {
	return hw.Size(t.Attr & hw.AttrDSizeMask >> hw.AttrDSizeShift)
}

// SMod returns the source address modulo.
func (t *TCD) SMod() uint8 {
	return uint8(t.Attr & hw.AttrSModMask >> hw.AttrSModShift)
}

// DMod returns the destination address modulo.
func (t *TCD) DMod() uint8 {
	return uint8(t.Attr & hw.AttrDModMask >> hw.AttrDModShift)
}

// SetIter sets both CITER and BITER to n, preserving the link fields.
func (t *TCD) SetIter(n uint16) {
	mask := uint16(hw.IterMask)
	if t.CIter&hw.IterELink != 0 {
		mask = hw.IterMaskELink
	}

	t.CIter = t.CIter&^mask | n&mask
	t.BIter = t.BIter&^mask | n&mask
}

// LinkMinor requests that ch be triggered after each minor loop except the
// last. The iteration count is narrowed to the linked field width.
func (t *TCD) LinkMinor(ch int) {
	link := uint16(hw.IterELink) | uint16(ch)<<hw.IterLinkChShift&hw.IterLinkChMask

	t.CIter = t.CIter&hw.IterMaskELink | link
	t.BIter = t.BIter&hw.IterMaskELink | link
}

// LinkMajor requests that ch be triggered when the major loop completes.
func (t *TCD) LinkMajor(ch int) {
	t.CSR = t.CSR&^hw.TCDCSRMajorLinkChMask |
		hw.TCDCSRMajorELink |
		uint16(ch)<<hw.TCDCSRMajorLinkChShift&hw.TCDCSRMajorLinkChMask
}

// Iter returns the iteration count held in v, a CITER or BITER value.
func Iter(v uint16) uint16 {
	if v&hw.IterELink != 0 {
		return v & hw.IterMaskELink
	}

	return v & hw.IterMask
}

// MinorLink returns the channel linked after each minor loop, if any.
func MinorLink(v uint16) (int, bool) {
	if v&hw.IterELink == 0 {
		return 0, false
	}

	return int(v & hw.IterLinkChMask >> hw.IterLinkChShift), true
}

// MajorLink returns the channel linked after the major loop, if any.
func (t *TCD) MajorLink() (int, bool) {
	if t.CSR&hw.TCDCSRMajorELink == 0 {
		return 0, false
	}

	return int(t.CSR & hw.TCDCSRMajorLinkChMask >> hw.TCDCSRMajorLinkChShift), true
}

func (t TCD) String() string {
	return fmt.Sprintf("saddr=%#x soff=%d attr=%#04x nbytes=%d slast=%d daddr=%#x doff=%d citer=%#04x dlastsga=%#x csr=%#04x biter=%#04x",
		t.SAddr, t.SOff, t.Attr, t.NBytes, t.SLast, t.DAddr, t.DOff, t.CIter, t.DLastSGA, t.CSR, t.BIter)
}
