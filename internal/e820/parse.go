package e820

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/physmem"
)

var (
	ErrNoMemoryMap      = errors.New("no hand-off memory map found")
	ErrInvalidMemoryMap = errors.New("hand-off memory map is invalid")
)

// Heuristic controls the plausibility adjustment the parser applies to
// the summed usable figure. The bootloader and the kernel run on
// opposite sides of a one-way door, so the kernel treats the numbers as
// hostile: a sum that is implausibly small, or dwarfed by where RAM
// actually ends, gets re-estimated from the highest RAM address.
type Heuristic struct {
	// MinPlausible is the usable sum below which the map is distrusted.
	MinPlausible uint64

	// SpreadFactor distrusts the sum when the highest RAM end address
	// exceeds SpreadFactor times the sum.
	SpreadFactor uint64

	// Floor is the lowest figure a re-estimate may produce.
	Floor uint64
}

// DefaultHeuristic returns the standard thresholds: distrust below
// 16MiB or a 2x spread, estimate three quarters of the highest RAM
// address, floor at 128MiB.
func DefaultHeuristic() Heuristic {
	return Heuristic{
		MinPlausible: 16 << 20,
		SpreadFactor: 2,
		Floor:        128 << 20,
	}
}

// Map is the kernel-side view of the hand-off memory map after
// validation.
type Map struct {
	entries []Entry
	usable  uint64
}

// Parse reads and validates the hand-off map with default heuristic
// settings.
func Parse(m physmem.Memory) (*Map, error) {
	return ParseWith(m, DefaultHeuristic())
}

// ParseWith reads the hand-off map, drops entries that cannot be
// trusted, and derives the usable memory figure.
func ParseWith(m physmem.Memory, h Heuristic) (*Map, error) {
	count, err := physmem.ReadU32(m, HandoffAddr)
	if err != nil {
		return nil, fmt.Errorf("read hand-off count: %w", err)
	}

	// All-zeroes and all-ones both mean nobody wrote a map here.
	if count == 0 || count == 0xFFFFFFFF {
		return nil, ErrNoMemoryMap
	}
	if count > ParserCap {
		return nil, fmt.Errorf("%w: entry count %d", ErrInvalidMemoryMap, count)
	}

	entries, err := readEntries(m, count)
	if err != nil {
		return nil, err
	}

	var usable, highest uint64
	valid := 0
	for _, e := range entries {
		if e.Length == 0 {
			continue
		}
		if e.Base > ^uint64(0)-e.Length {
			continue
		}
		// Nothing legitimate starts in the first page except address 0.
		if e.Base != 0 && e.Base < 0x1000 {
			continue
		}

		if e.Kind() == mem.KindUnknown {
			// Unknown types are tolerated but contribute nothing.
			valid++
			continue
		}
		valid++

		if e.Usable() || e.Reclaimable() {
			end := e.End()
			if end > highest && end < 0x100000000 {
				highest = end
			}
		}
		if e.Usable() {
			usable += e.Length
		}
	}

	if valid == 0 {
		return nil, fmt.Errorf("%w: no entry survived validation", ErrInvalidMemoryMap)
	}

	if usable < h.MinPlausible || highest > h.SpreadFactor*usable {
		if highest > 0 {
			usable = highest * 3 / 4
		}
		if usable < h.Floor {
			usable = h.Floor
		}
	}

	return &Map{entries: entries, usable: usable}, nil
}

// Fallback returns the conservative static map substituted when the
// hand-off map cannot be trusted: conventional memory below 640KiB plus
// 127MiB of extended memory above 1MiB.
func Fallback() *Map {
	entries := []Entry{
		{Base: 0x0, Length: 0x9FC00, Type: TypeUsable, Attr: 1},
		{Base: 0x100000, Length: 0x7F00000, Type: TypeUsable, Attr: 1},
	}
	return &Map{entries: entries, usable: 0x9FC00 + 0x7F00000}
}

// Entries returns the raw entries the map was parsed from.
func (m *Map) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// TotalUsableBytes returns the usable memory figure, after any
// heuristic adjustment.
func (m *Map) TotalUsableBytes() uint64 {
	return m.usable
}

// TotalPhysicalBytes sums every entry below 4GiB regardless of type.
func (m *Map) TotalPhysicalBytes() uint64 {
	var total uint64
	for _, e := range m.entries {
		if e.Base < 0x100000000 {
			total += e.Length
		}
	}
	return total
}

// UsableRanges returns the frame ranges of the usable entries in entry
// order.
func (m *Map) UsableRanges() []mem.FrameRange {
	var out []mem.FrameRange
	for _, e := range m.entries {
		if !e.Usable() {
			continue
		}
		fr := e.Frames()
		if fr.IsEmpty() {
			continue
		}
		out = append(out, fr)
	}
	return out
}

// LargestUsableEntry returns the usable entry with the greatest length.
func (m *Map) LargestUsableEntry() (Entry, bool) {
	var best Entry
	found := false
	for _, e := range m.entries {
		if !e.Usable() {
			continue
		}
		if !found || e.Length > best.Length {
			best = e
			found = true
		}
	}
	return best, found
}

// Regions converts the entries into region form, unnormalized.
func (m *Map) Regions() []mem.Region {
	out := make([]mem.Region, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Region())
	}
	return out
}

// Stats summarizes the map by classification.
type Stats struct {
	UsableRegions   uint32
	UsableMemory    uint64
	ReservedRegions uint32
	ReservedMemory  uint64
	AcpiRegions     uint32
	AcpiMemory      uint64
	BadRegions      uint32
	BadMemory       uint64
	UnknownRegions  uint32
	UnknownMemory   uint64
}

// Stats counts regions and bytes per classification.
func (m *Map) Stats() Stats {
	var s Stats
	for _, e := range m.entries {
		switch e.Kind() {
		case mem.KindUsable:
			s.UsableRegions++
			s.UsableMemory += e.Length
		case mem.KindReserved:
			s.ReservedRegions++
			s.ReservedMemory += e.Length
		case mem.KindAcpiReclaimable, mem.KindAcpiNvs:
			s.AcpiRegions++
			s.AcpiMemory += e.Length
		case mem.KindBad:
			s.BadRegions++
			s.BadMemory += e.Length
		default:
			s.UnknownRegions++
			s.UnknownMemory += e.Length
		}
	}
	return s
}
