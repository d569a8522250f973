package sim

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/edma/edma/hw"
	"github.com/c35s/edma/irq"
	"github.com/c35s/edma/mmio"
)

// Config describes a simulated SoC.
type Config struct {

	// Chip lists the eDMA engines. If Chip is empty, the i.MX93 table is used.
	Chip []hw.Variant

	// RAMBase is the bus address of RAM. It must lie below 4G, since eDMA
	// addresses are 32 bits wide. If RAMBase is 0, the RAM is at 0x20000000.
	RAMBase uint64

	// RAMSize is the size of RAM in bytes. If RAMSize is 0, there is 1M.
	RAMSize int

	// Logger receives device diagnostics. If Logger is nil, slog.Default is used.
	Logger *slog.Logger
}

// SoC is a simulated system: RAM and eDMA engines on one bus, with an
// interrupt controller.
type SoC struct {
	Bus     *mmio.Bus
	RAM     *mmio.RAM
	IRQ     *irq.Controller
	Cache   *Cache
	Engines []*Engine

	ramBase uint64
}

const (
	RAMBaseDefault = 0x20000000
	RAMSizeDefault = 1 << 20
	RAMSizeMax     = 1 << 30
)

var (
	ErrConfig = errors.New("sim: invalid config")
	ErrMap    = errors.New("sim: bus map failed")
)

// New assembles a SoC.
func New(cfg Config) (*SoC, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	s := &SoC{
		Bus:     mmio.NewBus(cfg.Logger),
		RAM:     mmio.NewRAM(cfg.RAMSize),
		IRQ:     irq.New(cfg.Logger),
		Cache:   new(Cache),
		ramBase: cfg.RAMBase,
	}

	if err := s.Bus.Map("ram", cfg.RAMBase, s.RAM.Size(), s.RAM); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	for _, v := range cfg.Chip {
		e := NewEngine(v, s.Bus, s.IRQ.Raise, cfg.Logger)
		if err := s.Bus.Map(v.Name, v.Base, v.Size(), e); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMap, err)
		}

		s.Engines = append(s.Engines, e)
	}

	return s, nil
}

// RAMBase returns the bus address of RAM.
func (s *SoC) RAMBase() uint64 {
	return s.ramBase
}

// Engine returns the engine at index i of the chip table.
func (s *SoC) Engine(i int) *Engine {
	return s.Engines[i]
}

// Load copies data into RAM at addr.
func (s *SoC) Load(addr uint64, data []byte) error {
	found, err := s.Bus.HandleMMIO(addr, data, true)
	if !found {
		return fmt.Errorf("load %#x: not mapped", addr)
	}

	return err
}

// Read copies len(data) bytes at addr out of RAM.
func (s *SoC) Read(addr uint64, data []byte) error {
	found, err := s.Bus.HandleMMIO(addr, data, false)
	if !found {
		return fmt.Errorf("read %#x: not mapped", addr)
	}

	return err
}

func (cfg Config) validate() error {
	if cfg.RAMSize < 0 || cfg.RAMSize > RAMSizeMax {
		return fmt.Errorf("bad ram size %d", cfg.RAMSize)
	}

	if end := cfg.RAMBase + uint64(cfg.RAMSize); end > 1<<32 {
		return fmt.Errorf("ram ends above 4G: %#x", end)
	}

	for _, v := range cfg.Chip {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if len(cfg.Chip) == 0 {
		cfg.Chip = hw.IMX93
	}

	if cfg.RAMBase == 0 {
		cfg.RAMBase = RAMBaseDefault
	}

	if cfg.RAMSize == 0 {
		cfg.RAMSize = RAMSizeDefault
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

// Cache records data cache maintenance. The simulated engine is coherent, so
// cleaning only leaves a trace for tests to inspect.
type Cache struct {
	mu     sync.Mutex
	cleans map[uint64]int
}

// Clean implements edma.Cache.
func (c *Cache) Clean(addr uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cleans == nil {
		c.cleans = make(map[uint64]int)
	}

	c.cleans[addr]++
}

// Cleaned returns the number of times the line at addr was cleaned.
func (c *Cache) Cleaned(addr uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cleans[addr]
}

// Reset forgets the recorded maintenance.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleans = nil
}
