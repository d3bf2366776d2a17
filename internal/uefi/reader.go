package uefi

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootchain/internal/mem"
)

// ScratchBufferSize is the fixed buffer the boot path reads the memory
// map into. Real firmware maps fit comfortably; a map that does not is
// reported rather than grown.
const ScratchBufferSize = 8192

var (
	ErrBufferTooSmall = errors.New("memory map exceeds scratch buffer")
	ErrEmptyMap       = errors.New("memory map has no descriptors")
)

// ReadRawMemoryMap retrieves the current firmware memory map without
// normalization.
func ReadRawMemoryMap(bs BootServices) ([]MemoryDescriptor, MemoryMapInfo, error) {
	buf := make([]byte, ScratchBufferSize)

	info, err := bs.GetMemoryMap(buf)
	if err != nil {
		if st, ok := StatusOf(err); ok && st == StatusBufferTooSmall {
			return nil, info, fmt.Errorf("%w: firmware wants 0x%x bytes", ErrBufferTooSmall, info.MapSize)
		}
		return nil, info, fmt.Errorf("get memory map: %w", err)
	}

	descs, err := DecodeDescriptors(buf, info.MapSize, info.DescriptorSize)
	if err != nil {
		return nil, info, fmt.Errorf("decode memory map: %w", err)
	}
	if len(descs) == 0 {
		return nil, info, ErrEmptyMap
	}

	return descs, info, nil
}

// ReadMemoryMap retrieves the firmware memory map and normalizes it
// into the region model.
func ReadMemoryMap(bs BootServices) (*mem.MemoryMap, MemoryMapInfo, error) {
	descs, info, err := ReadRawMemoryMap(bs)
	if err != nil {
		return nil, info, err
	}
	return MemoryMapFromDescriptors(descs), info, nil
}

// RegionKindOf maps a firmware memory type onto the region model.
// Loader and boot-services memory is ordinary RAM once the hand-off is
// done, so it classifies as usable.
func RegionKindOf(t MemoryType) mem.RegionKind {
	switch t {
	case EfiConventionalMemory, EfiLoaderCode, EfiLoaderData, EfiBootServicesCode, EfiBootServicesData:
		return mem.KindUsable
	case EfiACPIReclaimMemory:
		return mem.KindAcpiReclaimable
	case EfiACPIMemoryNVS:
		return mem.KindAcpiNvs
	default:
		return mem.KindReserved
	}
}

// MemoryMapFromDescriptors converts raw descriptors into the normalized
// region map. Zero-length descriptors are discarded.
func MemoryMapFromDescriptors(descs []MemoryDescriptor) *mem.MemoryMap {
	regions := make([]mem.Region, 0, len(descs))
	for _, d := range descs {
		length := d.NumberOfPages * PageSize
		if length == 0 {
			continue
		}
		regions = append(regions, mem.NewRegion(mem.PhysAddr(d.PhysicalStart), length, RegionKindOf(d.Type)))
	}
	return mem.NewMemoryMap(regions)
}

// TotalAddressable returns the highest descriptor end address below
// 4GiB across all descriptors regardless of type. Identity mapping is
// sized from this figure.
func TotalAddressable(descs []MemoryDescriptor) uint64 {
	const limit = uint64(4) << 30

	var highest uint64
	for _, d := range descs {
		end := d.PhysicalEnd()
		if end < limit && end > highest {
			highest = end
		}
	}
	return highest
}
