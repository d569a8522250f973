// edma-dump prints the eDMA engine tables, or sets up a transfer on one
// channel of each engine of a simulated chip and archives the register dumps.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/c35s/edma/edma"
	"github.com/c35s/edma/edma/hw"
	"github.com/c35s/edma/sim"
	"github.com/cavaliergopher/cpio"
)

var chips = map[string][]hw.Variant{
	"imx93": hw.IMX93,
	"imx95": hw.IMX95,
}

func main() {
	var (
		chip = flag.String("chip", "imx93", "dump an imx93 or imx95")
		out  = flag.String("o", "", "write a cpio archive of channel dumps to this file")
	)

	flag.Parse()

	if *out == "" {
		printTables()
		return
	}

	engines, ok := chips[*chip]
	if !ok {
		fmt.Fprintf(os.Stderr, "edma-dump: unknown chip %q\n", *chip)
		os.Exit(2)
	}

	f, err := os.Create(*out)
	if err != nil {
		panic(err)
	}

	defer f.Close()

	if err := dump(f, *chip, engines); err != nil {
		panic(err)
	}
}

func printTables() {
	names := make([]string, 0, len(chips))
	for name := range chips {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("# %s\n", name)
		for i, v := range chips[name] {
			first, last := v.Usable()
			fmt.Printf("%d: %-7s base=%#08x channels=%d usable=%d-%d irq=%d/%d select=%v mux=%v split=%v\n",
				i, v.Name, v.Base, v.Channels, first, last, v.IRQ, v.ChannelsPerIRQ, v.Selection, v.Mux, v.SplitInt)
		}

		fmt.Println()
	}
}

func dump(f *os.File, chip string, engines []hw.Variant) error {
	soc, err := sim.New(sim.Config{Chip: engines})
	if err != nil {
		return err
	}

	m, err := edma.New(edma.Config{
		Engines:        engines,
		Bus:            soc.Bus,
		IRQ:            soc.IRQ,
		Cache:          soc.Cache,
		NumDescriptors: 8,
		DescriptorBase: soc.RAMBase(),
		MemAt:          soc.Bus.MemAt,
	})

	if err != nil {
		return err
	}

	cw := cpio.NewWriter(f)

	for i, v := range engines {
		first, _ := v.Usable()
		c := m.Alloc(hw.MakeSelector(i, uint8(first)), 1)
		if c == nil {
			return fmt.Errorf("%s: no free channel", v.Name)
		}

		base := uint32(soc.RAMBase()) + 0x1000
		err := c.Setup(&edma.Transfer{
			SAddr:  base,
			DAddr:  base + 0x1000,
			SOff:   4,
			DOff:   4,
			SSize:  hw.Size32Bit,
			DSize:  hw.Size32Bit,
			NBytes: 64,
			Iter:   16,
			Flags:  edma.IntMajor,
		})

		if err != nil {
			return err
		}

		var buf bytes.Buffer
		if err := c.Sample().Dump(&buf, fmt.Sprintf("%s %v", chip, c)); err != nil {
			return err
		}

		err = cw.WriteHeader(&cpio.Header{
			Name: fmt.Sprintf("%s/%v.txt", chip, c),
			Mode: 0644,
			Size: int64(buf.Len()),
		})

		if err != nil {
			return err
		}

		if _, err := cw.Write(buf.Bytes()); err != nil {
			return err
		}

		m.Free(c)
	}

	return cw.Close()
}
