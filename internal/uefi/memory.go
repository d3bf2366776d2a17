package uefi

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the allocation granularity of boot services memory.
const PageSize = 4096

// MemoryType is an EFI_MEMORY_TYPE value.
type MemoryType uint32

const (
	EfiReservedMemoryType MemoryType = iota
	EfiLoaderCode
	EfiLoaderData
	EfiBootServicesCode
	EfiBootServicesData
	EfiRuntimeServicesCode
	EfiRuntimeServicesData
	EfiConventionalMemory
	EfiUnusableMemory
	EfiACPIReclaimMemory
	EfiACPIMemoryNVS
	EfiMemoryMappedIO
	EfiMemoryMappedIOPortSpace
	EfiPalCode
	EfiPersistentMemory
)

// MemoryDescriptor mirrors EFI_MEMORY_DESCRIPTOR.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// PhysicalEnd returns the first address after the described range.
func (d MemoryDescriptor) PhysicalEnd() uint64 {
	return d.PhysicalStart + d.NumberOfPages*PageSize
}

// DescriptorSize is the wire size of one descriptor. The firmware may
// report a larger stride, never a smaller one.
const DescriptorSize = 40

// DescriptorVersion is the memory descriptor layout revision.
const DescriptorVersion = 1

// EncodeDescriptor writes d into buf, which must hold at least
// DescriptorSize bytes. The 4 bytes after the type field are padding.
func EncodeDescriptor(buf []byte, d MemoryDescriptor) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.Type))
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], d.PhysicalStart)
	binary.LittleEndian.PutUint64(buf[16:24], d.VirtualStart)
	binary.LittleEndian.PutUint64(buf[24:32], d.NumberOfPages)
	binary.LittleEndian.PutUint64(buf[32:40], d.Attribute)
}

// DecodeDescriptor reads one descriptor from the start of buf.
func DecodeDescriptor(buf []byte) MemoryDescriptor {
	return MemoryDescriptor{
		Type:          MemoryType(binary.LittleEndian.Uint32(buf[0:4])),
		PhysicalStart: binary.LittleEndian.Uint64(buf[8:16]),
		VirtualStart:  binary.LittleEndian.Uint64(buf[16:24]),
		NumberOfPages: binary.LittleEndian.Uint64(buf[24:32]),
		Attribute:     binary.LittleEndian.Uint64(buf[32:40]),
	}
}

// DecodeDescriptors walks a raw memory map of mapSize bytes using the
// firmware's descriptor stride.
func DecodeDescriptors(buf []byte, mapSize, descSize uint64) ([]MemoryDescriptor, error) {
	if descSize == 0 {
		return nil, fmt.Errorf("descriptor size is zero")
	}
	if descSize < DescriptorSize {
		return nil, fmt.Errorf("descriptor size %d below minimum %d", descSize, DescriptorSize)
	}
	if mapSize > uint64(len(buf)) {
		return nil, fmt.Errorf("map size 0x%x exceeds buffer 0x%x", mapSize, len(buf))
	}

	count := mapSize / descSize
	descs := make([]MemoryDescriptor, 0, count)
	for i := uint64(0); i < count; i++ {
		off := i * descSize
		descs = append(descs, DecodeDescriptor(buf[off:off+descSize]))
	}
	return descs, nil
}
