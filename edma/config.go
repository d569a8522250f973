package edma

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/c35s/edma/edma/hw"
	"github.com/c35s/edma/edma/tcd"
)

// Config describes the eDMA engines managed by a Manager and the platform
// they live on.
type Config struct {

	// Engines lists the engine instances. A selector's engine field indexes
	// this slice. If Engines is empty, the i.MX93 table is used.
	Engines []hw.Variant

	// Bus gives access to the engine registers. It must be set.
	Bus Bus

	// IRQ attaches the completion handlers. It must be set.
	IRQ IRQController

	// Cache, if set, is called after the CPU writes a descriptor the
	// engine will read from memory.
	Cache Cache

	// NumDescriptors is the size of the descriptor pool. If it is 0, there is
	// no pool: each channel runs one transfer at a time straight from its
	// registers, and scatter/gather chains are not available.
	NumDescriptors int

	// DescriptorBase is the DMA address of the pool. It must be aligned to
	// the descriptor size and the pool must lie below 4G.
	DescriptorBase uint64

	// MemAt returns a slice aliasing DMA-visible memory. It is required
	// when NumDescriptors is not 0.
	MemAt func(addr uint64, size int) ([]byte, error)

	// Engine configures the engines' global control register.
	Engine EngineOptions

	// Logger receives driver diagnostics. If Logger is nil, slog.Default is used.
	Logger *slog.Logger
}

// EngineOptions are the global control options applied to every engine.
type EngineOptions struct {
	Debug               bool // keep running in debug mode
	RoundRobinChannels  bool // round robin channel arbitration
	RoundRobinGroups    bool // round robin group arbitration
	HaltOnError         bool
	ChannelLinking      bool // global channel linking control
	MasterIDReplication bool
}

// Bus is the register access the manager needs.
type Bus interface {
	Read8(addr uint64) uint8
	Read16(addr uint64) uint16
	Read32(addr uint64) uint32
	Write8(addr uint64, v uint8)
	Write16(addr uint64, v uint16)
	Write32(addr uint64, v uint32)
}

// IRQController attaches and unmasks interrupt lines.
type IRQController interface {
	Attach(line int, h func(line int, arg any) error, arg any) error
	Enable(line int)
	Disable(line int)
}

// Cache maintains the CPU data cache.
type Cache interface {

	// Clean writes back size bytes at addr so the engine sees what the CPU wrote.
	Clean(addr uint64, size int)
}

// MaxDescriptors bounds the pool size.
const MaxDescriptors = 4096

var (
	ErrConfig        = errors.New("edma: invalid config")
	ErrAttach        = errors.New("edma: irq attach failed")
	ErrDescriptorMem = errors.New("edma: descriptor memory unavailable")
)

func (cfg Config) validate() error {
	if cfg.Bus == nil {
		return errors.New("bus is not set")
	}

	if cfg.IRQ == nil {
		return errors.New("irq controller is not set")
	}

	if len(cfg.Engines) > 1<<4 {
		return fmt.Errorf("too many engines: %d", len(cfg.Engines))
	}

	for _, v := range cfg.Engines {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	if cfg.NumDescriptors < 0 || cfg.NumDescriptors > MaxDescriptors {
		return fmt.Errorf("bad descriptor count %d", cfg.NumDescriptors)
	}

	if cfg.NumDescriptors == 0 {
		return nil
	}

	if cfg.MemAt == nil {
		return errors.New("descriptor memory is not set")
	}

	if cfg.DescriptorBase%tcd.Size != 0 {
		return fmt.Errorf("descriptor base %#x is not %d-byte aligned", cfg.DescriptorBase, tcd.Size)
	}

	if end := cfg.DescriptorBase + uint64(cfg.NumDescriptors*tcd.Size); end > 1<<32 {
		return fmt.Errorf("descriptor pool ends above 4G: %#x", end)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if len(cfg.Engines) == 0 {
		cfg.Engines = hw.IMX93
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (o EngineOptions) csr(v uint32) uint32 {
	v &^= hw.CSREDBG | hw.CSRERCA | hw.CSRERGA | hw.CSRHAE | hw.CSRGCLC | hw.CSRGMRC

	if o.Debug {
		v |= hw.CSREDBG
	}

	if o.RoundRobinChannels {
		v |= hw.CSRERCA
	}

	if o.RoundRobinGroups {
		v |= hw.CSRERGA
	}

	if o.HaltOnError {
		v |= hw.CSRHAE
	}

	if o.ChannelLinking {
		v |= hw.CSRGCLC
	}

	if o.MasterIDReplication {
		v |= hw.CSRGMRC
	}

	return v
}
