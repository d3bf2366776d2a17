// Package e820 implements the fixed hand-off memory map the boot phase
// leaves for the kernel: a packed entry table at a well-known low
// address, written before the firmware exit and re-parsed with deep
// suspicion on the kernel side.
package e820

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/physmem"
)

const (
	// HandoffAddr is where the entry count lives; packed entries follow
	// immediately after it.
	HandoffAddr mem.PhysAddr = 0x9000

	countSize = 4

	// EntrySize is the packed wire size of one entry.
	EntrySize = 24

	// WriterCap bounds the boot-side staging area. Entries beyond the
	// cap are dropped, not an error.
	WriterCap = 128

	// ParserCap is the kernel-side sanity limit. A count above it marks
	// the whole map as untrustworthy.
	ParserCap = 64
)

// Entry types on the wire.
const (
	TypeUsable          uint32 = 1
	TypeReserved        uint32 = 2
	TypeAcpiReclaimable uint32 = 3
	TypeAcpiNvs         uint32 = 4
	TypeBad             uint32 = 5
)

// Entry is one packed hand-off map entry.
type Entry struct {
	Base   uint64
	Length uint64
	Type   uint32
	Attr   uint32
}

// End returns the first address after the entry.
func (e Entry) End() uint64 {
	return e.Base + e.Length
}

// Usable reports whether the entry contributes allocatable RAM. The
// attribute doubles as a validity bit.
func (e Entry) Usable() bool {
	return e.Attr == 1 && e.Length > 0 && e.Type == TypeUsable
}

// Reclaimable reports whether the entry becomes RAM after its current
// owner releases it.
func (e Entry) Reclaimable() bool {
	return e.Type == TypeAcpiReclaimable
}

// Kind maps the wire type onto the region model.
func (e Entry) Kind() mem.RegionKind {
	return KindOf(e.Type)
}

// Region converts the entry into region form.
func (e Entry) Region() mem.Region {
	return mem.NewRegion(mem.PhysAddr(e.Base), e.Length, e.Kind())
}

// Frames returns the frames lying entirely inside the entry.
func (e Entry) Frames() mem.FrameRange {
	return mem.FramesWithin(mem.PhysAddr(e.Base), e.Length)
}

// TypeOf converts a region kind to its wire type.
func TypeOf(k mem.RegionKind) uint32 {
	switch k {
	case mem.KindUsable:
		return TypeUsable
	case mem.KindAcpiReclaimable:
		return TypeAcpiReclaimable
	case mem.KindAcpiNvs:
		return TypeAcpiNvs
	case mem.KindBad:
		return TypeBad
	default:
		return TypeReserved
	}
}

// KindOf converts a wire type back to a region kind.
func KindOf(t uint32) mem.RegionKind {
	switch t {
	case TypeUsable:
		return mem.KindUsable
	case TypeReserved:
		return mem.KindReserved
	case TypeAcpiReclaimable:
		return mem.KindAcpiReclaimable
	case TypeAcpiNvs:
		return mem.KindAcpiNvs
	case TypeBad:
		return mem.KindBad
	default:
		return mem.KindUnknown
	}
}

// Write stores the regions at the hand-off location as a count followed
// by packed entries, and returns how many entries were stored. Every
// stored entry carries attribute 1, the validity bit the kernel-side
// parser demands.
func Write(m physmem.Memory, regions []mem.Region) (int, error) {
	entries := make([]Entry, 0, len(regions))
	for _, r := range regions {
		if r.Length == 0 {
			continue
		}
		if len(entries) == WriterCap {
			break
		}
		entries = append(entries, Entry{
			Base:   uint64(r.Base),
			Length: r.Length,
			Type:   TypeOf(r.Kind),
			Attr:   1,
		})
	}

	if err := WriteEntries(m, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// WriteEntries stores raw entries at the hand-off location.
func WriteEntries(m physmem.Memory, entries []Entry) error {
	if len(entries) > WriterCap {
		return fmt.Errorf("e820: %d entries exceed the staging area of %d", len(entries), WriterCap)
	}

	buf := make([]byte, countSize+len(entries)*EntrySize)
	binary.LittleEndian.PutUint32(buf[0:countSize], uint32(len(entries)))
	for i, e := range entries {
		off := countSize + i*EntrySize
		binary.LittleEndian.PutUint64(buf[off:off+8], e.Base)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Length)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], e.Type)
		binary.LittleEndian.PutUint32(buf[off+20:off+24], e.Attr)
	}

	if _, err := m.WriteAt(buf, int64(HandoffAddr)); err != nil {
		return fmt.Errorf("e820: store hand-off map: %w", err)
	}
	return nil
}

// ReadEntries loads the raw entry list from the hand-off location. It
// applies only the bounds needed to make the read safe; Parse does the
// real validation.
func ReadEntries(m physmem.Memory) ([]Entry, error) {
	count, err := physmem.ReadU32(m, HandoffAddr)
	if err != nil {
		return nil, fmt.Errorf("e820: read entry count: %w", err)
	}
	if count > WriterCap {
		return nil, fmt.Errorf("e820: entry count %d exceeds the staging area of %d", count, WriterCap)
	}

	return readEntries(m, count)
}

func readEntries(m physmem.Memory, count uint32) ([]Entry, error) {
	buf := make([]byte, int(count)*EntrySize)
	if _, err := m.ReadAt(buf, int64(HandoffAddr)+countSize); err != nil {
		return nil, fmt.Errorf("e820: read entries: %w", err)
	}

	entries := make([]Entry, count)
	for i := range entries {
		off := i * EntrySize
		entries[i] = Entry{
			Base:   binary.LittleEndian.Uint64(buf[off : off+8]),
			Length: binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			Type:   binary.LittleEndian.Uint32(buf[off+16 : off+20]),
			Attr:   binary.LittleEndian.Uint32(buf[off+20 : off+24]),
		}
	}
	return entries, nil
}
