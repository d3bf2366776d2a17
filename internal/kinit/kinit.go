// Package kinit is the kernel side of the boot hand-off. It runs after
// firmware is gone, so it trusts nothing the bootloader left behind
// except the fixed hand-off locations: it re-parses the memory map,
// rebuilds its view of what is mapped by walking the page tables, and
// only then brings up the frame allocator and the heap.
//
// Failures here are displayed and survived where the original flow can
// limp on (a bad map falls back, a dead allocator just loses the heap);
// there is no firmware left to return to.
package kinit

import (
	"fmt"

	"github.com/tinyrange/bootchain/internal/console"
	"github.com/tinyrange/bootchain/internal/e820"
	"github.com/tinyrange/bootchain/internal/handoff"
	"github.com/tinyrange/bootchain/internal/heap"
	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/paging"
	"github.com/tinyrange/bootchain/internal/physmem"
	"github.com/tinyrange/bootchain/internal/pmm"
	"github.com/tinyrange/bootchain/internal/vm"
)

// KernelName is the display name in the boot banner.
const KernelName = "Bootchain Kernel"

// Signature is the identity word at offset 0 of the kernel image. The
// version number lives in the F-delimited nibble groups at the top.
const Signature uint64 = 0xF00F01F00B007CA1

// Version decodes the release number carried in Signature.
func Version() (major, minor, patch uint8) {
	major = uint8((Signature >> 52) & 0xFF)
	minor = uint8((Signature >> 40) & 0xFF)
	patch = uint8((Signature >> 28) & 0xFF)
	return
}

// bdaEquipment is the BIOS data area equipment word. Firmware that
// booted us via UEFI never populates it, so zero distinguishes the two
// boot paths.
const bdaEquipment mem.PhysAddr = 0x400

// Report is what init learned about the machine, for callers that want
// to inspect the outcome after the halt.
type Report struct {
	UsedFallback  bool
	MapEntries    int
	UsableBytes   uint64
	PhysicalBytes uint64
	MappedBytes   uint64

	HeapReady bool
	Heap      heap.Stats

	// SignatureReadback is the value the heap smoke test read back from
	// its allocation; PoisonVerified reports whether the same spot
	// carried the poison pattern after the free.
	SignatureReadback uint64
	PoisonVerified    bool

	BootUEFI     bool
	E820Count    uint32
	TrapHandlers int
	Halted       bool
}

// Config adjusts init for small test machines. Zero fields keep the
// production layout.
type Config struct {
	Heap heap.Config
}

// Run performs kernel init on the given machine with the default
// configuration.
func Run(m *vm.Machine) (*Report, error) {
	return Config{}.Run(m)
}

// Run brings the kernel up: serial console, exception table, memory
// map, frame allocator, mapped-byte audit, heap, and the diagnostic
// readouts, ending in a halt. The returned report reflects everything
// that succeeded along the way.
func (c Config) Run(m *vm.Machine) (*Report, error) {
	if err := console.InitPort(m, vm.Com1Base); err != nil {
		return nil, fmt.Errorf("kinit: serial init: %w", err)
	}
	serial := console.NewPortSerial(m, vm.Com1Base)
	w := console.NewWriter(m, serial)

	if err := w.Clear(); err != nil {
		return nil, fmt.Errorf("kinit: clear screen: %w", err)
	}

	report := &Report{}
	major, minor, patch := Version()
	line(w, console.AttrLightCyan, fmt.Sprintf("%s v%d.%d.%d", KernelName, major, minor, patch))

	// Translation and the stack were valid before entry, so traps may be
	// taken as soon as the table is in place. Interrupts stay off until
	// then.
	traps := NewTraps(serial, m.Halt)
	report.TrapHandlers = traps.Install()
	line(w, console.AttrWhite, fmt.Sprintf("IDT loaded with %d exception handlers", report.TrapHandlers))
	if err := traps.EnableInterrupts(); err != nil {
		return nil, fmt.Errorf("kinit: enable interrupts: %w", err)
	}

	memMap, err := e820.Parse(m)
	if err != nil {
		line(w, console.AttrYellow, "Using fallback memory map (128MB)")
		memMap = e820.Fallback()
		report.UsedFallback = true
	}
	report.MapEntries = len(memMap.Entries())
	report.UsableBytes = memMap.TotalUsableBytes()
	report.PhysicalBytes = memMap.TotalPhysicalBytes()

	frames := pmm.NewAllocator()
	if err := frames.Init(m, memMap); err != nil {
		line(w, console.AttrLightRed, "ERROR: Frame allocator init failed!")
	}

	usableMB := report.UsableBytes >> 20
	physicalMB := report.PhysicalBytes >> 20

	mapped, err := paging.MappedBytes(m)
	if err != nil {
		line(w, console.AttrYellow, "WARNING: Failed to expand memory mapping")
	} else {
		report.MappedBytes = mapped
		mappedMB := mapped >> 20
		line(w, console.AttrLightGreen, fmt.Sprintf("Mapped: %dMB / Usable: %dMB", mappedMB, usableMB))
		line(w, console.AttrYellow, fmt.Sprintf("Total RAM: %dMB", physicalMB))

		freeToMap := uint64(0)
		if usableMB > mappedMB {
			freeToMap = usableMB - mappedMB
		}
		line(w, console.AttrYellow, fmt.Sprintf("free to map: %dmb", freeToMap))
	}

	h := heap.New(m, frames, c.Heap)
	if err := h.Init(report.UsableBytes, mapped); err != nil {
		line(w, console.AttrLightRed, "ERROR: Heap initialization failed!")
	} else {
		stats, _ := h.Stats()
		report.HeapReady = true
		report.Heap = stats
		line(w, console.AttrLightGreen, fmt.Sprintf("Heap initialized: %dMB available", stats.Total>>20))

		line(w, console.AttrWhite, "")
		line(w, console.AttrLightCyan, "Testing heap allocation...")
		smokeTestHeap(m, h, w, report)
	}

	equipment, err := physmem.ReadU16(m, bdaEquipment)
	if err != nil {
		return nil, fmt.Errorf("kinit: read equipment word: %w", err)
	}
	report.BootUEFI = equipment == 0
	if report.BootUEFI {
		line(w, console.AttrYellow, "Boot Mode: UEFI")
		line(w, console.AttrYellow, "Output Mode: Serial")
	} else {
		line(w, console.AttrYellow, "Boot Mode: BIOS")
		line(w, console.AttrYellow, "Output Mode: VGA")
	}

	count, err := physmem.ReadU32(m, e820.HandoffAddr)
	if err != nil {
		return nil, fmt.Errorf("kinit: read hand-off count: %w", err)
	}
	report.E820Count = count
	line(w, console.AttrYellow, fmt.Sprintf("E820 Entries: %d", count))

	addrs := []struct {
		desc string
		addr mem.PhysAddr
	}{
		{"Kernel Entry", handoff.KernelEntry},
		{"Page Table Root", paging.PML4Addr},
		{"Handoff Map", e820.HandoffAddr},
	}
	for _, a := range addrs {
		value, err := physmem.ReadU64(m, a.addr)
		if err != nil {
			return nil, fmt.Errorf("kinit: read %s: %w", a.desc, err)
		}
		line(w, console.AttrYellow, fmt.Sprintf("%-21s0x%016X =0x%016X", a.desc, uint64(a.addr), value))
	}

	line(w, console.AttrLightGreen, "HALTING SAFELY...")
	traps.DisableInterrupts()
	m.Halt()
	report.Halted = m.Halted()
	return report, nil
}

// smokeTestHeap allocates one word, writes the kernel signature through
// it, reads it back for display, then frees and shows what the poisoned
// memory reads as.
func smokeTestHeap(m *vm.Machine, h *heap.Heap, w *console.Writer, report *Report) {
	addr, err := h.SecureAlloc(8)
	if err != nil {
		line(w, console.AttrLightRed, "ERROR: Heap allocation failed!")
		return
	}
	if err := physmem.WriteU64(m, addr, Signature); err != nil {
		line(w, console.AttrLightRed, "ERROR: Heap write failed!")
		return
	}
	value, err := physmem.ReadU64(m, addr)
	if err != nil {
		line(w, console.AttrLightRed, "ERROR: Heap read failed!")
		return
	}
	report.SignatureReadback = value
	line(w, console.AttrLightGreen, fmt.Sprintf("Kernel Signature: 0x%016X", value))

	if err := h.SecureFree(addr); err != nil {
		line(w, console.AttrLightRed, "ERROR: Heap free failed!")
		return
	}
	after, err := physmem.ReadU64(m, addr)
	if err != nil {
		return
	}
	line(w, console.AttrYellow, fmt.Sprintf("After free: 0x%016X", after))

	poisoned, err := h.Poisoned(addr, 8)
	if err == nil && poisoned {
		report.PoisonVerified = true
	}
}

// line writes one console line, dropping display errors. By this point
// in the boot there is nowhere left to report them.
func line(w *console.Writer, attr console.Attr, s string) {
	_ = w.WriteLine(attr, s)
}
