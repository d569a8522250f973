package hw

import "fmt"

// Selector names a request source on a particular engine. The low byte is the
// source and bits 8-11 select the engine.
type Selector uint16

const (
	selSourceMask  = 0xff
	selEngineShift = 8
	selEngineMask  = 0xf
)

// MakeSelector returns the selector for source on engine.
func MakeSelector(engine int, source uint8) Selector {
	return Selector((engine&selEngineMask)<<selEngineShift) | Selector(source)
}

// Engine returns the index of the engine in the chip table.
func (s Selector) Engine() int {
	return int(s>>selEngineShift) & selEngineMask
}

// Source returns the request source. Zero disables the mux.
func (s Selector) Source() uint8 {
	return uint8(s & selSourceMask)
}

func (s Selector) String() string {
	return fmt.Sprintf("%d:%d", s.Engine(), s.Source())
}
