package uefi

import (
	"io"

	"github.com/tinyrange/bootchain/internal/mem"
)

// Handle identifies a firmware object such as the loaded image.
type Handle uintptr

// MemoryMapInfo describes one snapshot of the firmware memory map. The
// map key identifies the snapshot; any allocation or free made by the
// firmware after the snapshot invalidates it.
type MemoryMapInfo struct {
	MapSize           uint64
	MapKey            uint64
	DescriptorSize    uint64
	DescriptorVersion uint32
}

// Pool is a firmware pool allocation living in guest memory.
type Pool interface {
	io.ReaderAt
	io.WriterAt

	Base() mem.PhysAddr
	Size() uint64

	// Free returns the allocation to the firmware.
	Free() error
}

// File is an open file on a firmware volume.
type File interface {
	// Size returns the file size in bytes.
	Size() (uint64, error)

	// Read fills p from the current position, io.Reader style.
	Read(p []byte) (int, error)

	Close() error
}

// Volume is the root directory of a firmware-visible filesystem.
type Volume interface {
	Open(name string) (File, error)
	Close() error
}

// BootServices is the slice of firmware functionality the chain consumes
// before the hand-off. After a successful ExitBootServices every other
// method fails.
type BootServices interface {
	// GetMemoryMap fills buf with the current memory map. When buf is
	// too small the error carries StatusBufferTooSmall and the returned
	// info reports the needed size in MapSize.
	GetMemoryMap(buf []byte) (MemoryMapInfo, error)

	// ExitBootServices tears down the boot services. mapKey must match
	// the latest memory map snapshot or the call fails with
	// StatusInvalidParameter.
	ExitBootServices(img Handle, mapKey uint64) error

	// AllocatePool carves size bytes of the given memory type out of
	// firmware-managed memory.
	AllocatePool(t MemoryType, size uint64) (Pool, error)

	// OpenVolume opens the filesystem the loaded image came from.
	OpenVolume() (Volume, error)
}
