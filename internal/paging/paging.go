// Package paging writes the identity-mapped long mode page tables the
// kernel runs on. The hierarchy lives at fixed physical addresses below
// 1MiB and maps [0, n) with 2MiB leaf pages, where n is derived from the
// firmware-reported memory size.
package paging

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/physmem"
)

const (
	PML4Addr mem.PhysAddr = 0x70000
	PDPTAddr mem.PhysAddr = 0x71000
	PDBase   mem.PhysAddr = 0x72000

	// LargePageSize is the span of one leaf entry.
	LargePageSize = 2 << 20

	tableSize       = 4096
	entriesPerTable = 512
)

// Entry bits. Interior entries carry present and writable; leaf entries
// add the large page bit.
const (
	EntryPresent   uint64 = 1 << 0
	EntryWritable  uint64 = 1 << 1
	EntryLargePage uint64 = 1 << 7
)

// entryAddrMask strips flag bits from an entry, leaving the physical
// address of the next table or the mapped page.
const entryAddrMask uint64 = 0x000F_FFFF_FFFF_F000

const (
	DefaultFloor   = 128 << 20
	DefaultCeiling = 4 << 30
)

// Config bounds how much memory Build will map. Zero fields take the
// defaults.
type Config struct {
	Floor   uint64
	Ceiling uint64
}

func (c Config) withDefaults() Config {
	if c.Floor == 0 {
		c.Floor = DefaultFloor
	}
	if c.Ceiling == 0 {
		c.Ceiling = DefaultCeiling
	}
	return c
}

// Build writes the page table hierarchy with the default bounds and
// returns the number of bytes mapped.
func Build(m physmem.Memory, totalMemory uint64) (uint64, error) {
	return Config{}.Build(m, totalMemory)
}

// Build sizes the mapping from totalMemory (rounded down to a 2MiB
// boundary, then clamped to [Floor, Ceiling]) and writes the three table
// levels. Every table page is written in full, so stale memory at the
// fixed addresses cannot leak into translation.
func (c Config) Build(m physmem.Memory, totalMemory uint64) (uint64, error) {
	c = c.withDefaults()

	pages := totalMemory / LargePageSize
	if floor := c.Floor / LargePageSize; pages < floor {
		pages = floor
	}
	if ceiling := c.Ceiling / LargePageSize; pages > ceiling {
		pages = ceiling
	}

	pdCount := (pages + entriesPerTable - 1) / entriesPerTable

	table := make([]byte, tableSize)

	// PML4: single entry pointing at the PDPT.
	binary.LittleEndian.PutUint64(table, uint64(PDPTAddr)|EntryPresent|EntryWritable)
	if _, err := m.WriteAt(table, int64(PML4Addr)); err != nil {
		return 0, fmt.Errorf("paging: write pml4: %w", err)
	}

	// PDPT: one entry per page directory in use.
	clear(table)
	for i := uint64(0); i < pdCount; i++ {
		pd := uint64(PDBase) + i*tableSize
		binary.LittleEndian.PutUint64(table[i*8:], pd|EntryPresent|EntryWritable)
	}
	if _, err := m.WriteAt(table, int64(PDPTAddr)); err != nil {
		return 0, fmt.Errorf("paging: write pdpt: %w", err)
	}

	// Page directories: identity-mapped 2MiB leaves.
	for pd := uint64(0); pd < pdCount; pd++ {
		clear(table)
		for i := uint64(0); i < entriesPerTable; i++ {
			page := pd*entriesPerTable + i
			if page >= pages {
				break
			}
			phys := page * LargePageSize
			binary.LittleEndian.PutUint64(table[i*8:], phys|EntryPresent|EntryWritable|EntryLargePage)
		}
		addr := uint64(PDBase) + pd*tableSize
		if _, err := m.WriteAt(table, int64(addr)); err != nil {
			return 0, fmt.Errorf("paging: write pd %d: %w", pd, err)
		}
	}

	return pages * LargePageSize, nil
}

// MappedBytes walks the hierarchy the way the MMU would and returns how
// many bytes are identity-mapped from address zero. The walk stops at the
// first non-present entry on any level. A present leaf that does not map
// its own offset is reported as an error rather than counted.
func MappedBytes(m physmem.Memory) (uint64, error) {
	pml4e, err := physmem.ReadU64(m, PML4Addr)
	if err != nil {
		return 0, fmt.Errorf("paging: read pml4: %w", err)
	}
	if pml4e&EntryPresent == 0 {
		return 0, nil
	}
	pdptAddr := mem.PhysAddr(pml4e & entryAddrMask)

	var pages uint64
	for i := uint64(0); i < entriesPerTable; i++ {
		pdpte, err := physmem.ReadU64(m, pdptAddr+mem.PhysAddr(i*8))
		if err != nil {
			return 0, fmt.Errorf("paging: read pdpt entry %d: %w", i, err)
		}
		if pdpte&EntryPresent == 0 {
			break
		}
		pdAddr := mem.PhysAddr(pdpte & entryAddrMask)

		full := true
		for j := uint64(0); j < entriesPerTable; j++ {
			pde, err := physmem.ReadU64(m, pdAddr+mem.PhysAddr(j*8))
			if err != nil {
				return 0, fmt.Errorf("paging: read pd entry %d/%d: %w", i, j, err)
			}
			if pde&EntryPresent == 0 {
				full = false
				break
			}
			if pde&EntryLargePage == 0 {
				return 0, fmt.Errorf("paging: pd entry %d/%d is not a large page: 0x%016x", i, j, pde)
			}
			want := (i*entriesPerTable + j) * LargePageSize
			if got := pde & entryAddrMask; got != want {
				return 0, fmt.Errorf("paging: pd entry %d/%d maps 0x%x, want 0x%x", i, j, got, want)
			}
			pages++
		}
		if !full {
			break
		}
	}
	return pages * LargePageSize, nil
}
