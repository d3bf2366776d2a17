// Package boot drives the firmware side of the chain: stage the kernel,
// snapshot and convert the memory map, relocate, build translation, and
// tear the firmware down. Steps run strictly in this order because each
// one invalidates something the previous one depended on; in particular
// the map snapshot must follow the kernel load, since loading allocates
// pool memory and moves the map.
package boot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/bootchain/internal/console"
	"github.com/tinyrange/bootchain/internal/e820"
	"github.com/tinyrange/bootchain/internal/handoff"
	"github.com/tinyrange/bootchain/internal/loader"
	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/paging"
	"github.com/tinyrange/bootchain/internal/physmem"
	"github.com/tinyrange/bootchain/internal/uefi"
	"github.com/tinyrange/bootchain/internal/vm"
)

const (
	LoaderName    = "BootchainLoaderUEFI"
	LoaderVersion = "0.1.0"
)

var ErrNoRegions = errors.New("no E820 entries created")

// Config adjusts the boot run. All fields are optional.
type Config struct {
	// Progress receives the kernel bytes as they are relocated, for
	// callers that want to display copy progress.
	Progress io.Writer

	// Paging overrides the mapping bounds.
	Paging paging.Config
}

// Result describes a completed boot phase.
type Result struct {
	KernelBase  mem.PhysAddr
	KernelSize  uint64
	Regions     []mem.Region
	MapInfo     uefi.MemoryMapInfo
	Entries     int
	MappedBytes uint64
	Attempts    int
	Record      handoff.Record
}

// Run executes the boot phase on m against the given firmware. It
// returns only on failure or after the hand-off record has been applied;
// every fatal path goes through the console diagnostic first, so the
// transcript always shows why a boot stopped.
func Run(ctx context.Context, m *vm.Machine, handle uefi.Handle, services uefi.BootServices, cfg Config) (*Result, error) {
	if err := console.InitPort(m, vm.Com1Base); err != nil {
		return nil, fmt.Errorf("boot: serial init: %w", err)
	}
	c := console.New(console.NewPortSerial(m, vm.Com1Base), m.Halt)

	c.Logf("%s v%s", LoaderName, LoaderVersion)
	c.Logf("Initializing...")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := loader.Load(services)
	if err != nil {
		c.Fatal("Kernel Load", err)
		return nil, fmt.Errorf("boot: load kernel: %w", err)
	}
	c.Logf("Kernel loaded at address: 0x%016X", uint64(img.Base()))

	c.Logf("Retrieving memory map...")
	descs, info, err := uefi.ReadRawMemoryMap(services)
	if err != nil {
		c.Fatal("Memory Map Query", err)
		return nil, fmt.Errorf("boot: read memory map: %w", err)
	}

	c.Logf("Converting memory map to E820 format...")
	memMap := uefi.MemoryMapFromDescriptors(descs)
	regions := memMap.Regions()
	if len(regions) == 0 {
		c.Fatal("E820 Conversion", ErrNoRegions)
		return nil, fmt.Errorf("boot: %w", ErrNoRegions)
	}

	entries, err := e820.Write(m, regions)
	if err != nil {
		c.Fatal("E820 Store", err)
		return nil, fmt.Errorf("boot: store hand-off map: %w", err)
	}
	c.Logf("Memory map stored at 0x9000")
	c.Logf("E820 entries: %d", entries)

	c.Logf("Copying kernel to 0x200000...")
	if err := loader.Relocate(m, img, cfg.Progress); err != nil {
		c.Fatal("Kernel Relocation", err)
		return nil, fmt.Errorf("boot: relocate kernel: %w", err)
	}
	c.Logf("Kernel copied successfully (%d bytes)", img.Size())
	if first, err := physmem.ReadU64(m, loader.LoadAddr); err == nil {
		c.Logf("First bytes at 0x200000: 0x%016X", first)
	}

	c.Logf("Setting up page tables...")
	mapped, err := cfg.Paging.Build(m, uefi.TotalAddressable(descs))
	if err != nil {
		c.Fatal("Page Table Setup", err)
		return nil, fmt.Errorf("boot: build page tables: %w", err)
	}
	c.Logf("Page tables created:")
	c.Logf("  PML4 at 0x70000")
	c.Logf("  PDPT at 0x71000")
	c.Logf("  Identity mapped 0-%dMB (2MB pages)", mapped>>20)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.Logf("Exiting boot services and loading page tables...")
	c.Logf("Exiting UEFI boot services...")
	proto := handoff.NewProtocol(services, handle)
	if _, err := proto.Run(); err != nil {
		c.Fatal("Exit Boot Services", err)
		return nil, fmt.Errorf("boot: exit boot services: %w", err)
	}

	// Firmware is gone. From here the serial port is the only console.
	c.Logf("")
	c.Logf("%s", LoaderName)
	rec := handoff.DefaultRecord()

	c.Logf("Loading page tables into CR3...")
	c.Logf("Setting up CPU state...")
	if err := rec.Apply(m); err != nil {
		c.Fatal("CPU Handoff", err)
		return nil, fmt.Errorf("boot: apply hand-off record: %w", err)
	}
	c.Logf("Jumping to kernel...")

	return &Result{
		KernelBase:  img.Base(),
		KernelSize:  img.Size(),
		Regions:     regions,
		MapInfo:     info,
		Entries:     entries,
		MappedBytes: mapped,
		Attempts:    proto.Attempts(),
		Record:      rec,
	}, nil
}
