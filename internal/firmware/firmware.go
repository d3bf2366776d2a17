// Package firmware is an in-process boot services implementation over
// a guest memory image. It produces the memory map the chain consumes,
// owns pool allocations inside a fixed window of guest RAM, and
// enforces the map-key staleness rules around ExitBootServices.
package firmware

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/physmem"
	"github.com/tinyrange/bootchain/internal/uefi"
)

// Guest RAM layout carved by the firmware. The low megabyte follows the
// PC convention: usable low RAM, an EBDA pocket, then the legacy hole.
const (
	lowRAMEnd mem.PhysAddr = 0x9F000
	ebdaEnd   mem.PhysAddr = 0xA0000
	legacyEnd mem.PhysAddr = 0x100000

	poolWindowSize uint64 = 8 << 20

	topReclaimSize uint64 = 256 << 10
	topNvsSize     uint64 = 256 << 10
	topRuntimeSize uint64 = 512 << 10
	topReserve            = topReclaimSize + topNvsSize + topRuntimeSize

	// MinMemorySize is the smallest guest image the layout fits in.
	MinMemorySize uint64 = 32 << 20
)

// Config tunes a firmware instance.
type Config struct {
	// ImageHandle is the handle ExitBootServices must be called with.
	// Zero means handle 1.
	ImageHandle uefi.Handle

	// RejectExits fails that many ExitBootServices calls with a
	// stale-key status, bumping the map key each time. Used to
	// exercise the teardown retry path.
	RejectExits int

	// Files seeds the firmware volume.
	Files map[string][]byte
}

func (c Config) withDefaults() Config {
	if c.ImageHandle == 0 {
		c.ImageHandle = 1
	}
	return c
}

// Firmware implements uefi.BootServices.
type Firmware struct {
	mu sync.Mutex

	memory physmem.Memory
	handle uefi.Handle

	mapKey      uint64
	exited      bool
	rejectExits int

	pools      []*pool
	poolBase   mem.PhysAddr
	poolEnd    mem.PhysAddr
	poolCursor mem.PhysAddr

	files map[string][]byte
}

var _ uefi.BootServices = (*Firmware)(nil)

// New builds a firmware over the guest memory image.
func New(memory physmem.Memory, cfg Config) (*Firmware, error) {
	cfg = cfg.withDefaults()

	size := memory.Size()
	if size < MinMemorySize {
		return nil, fmt.Errorf("firmware: guest memory %d below minimum %d", size, MinMemorySize)
	}
	if size%uefi.PageSize != 0 {
		return nil, fmt.Errorf("firmware: guest memory %d is not page aligned", size)
	}

	poolEnd := mem.PhysAddr(size - topReserve)
	poolBase := poolEnd - mem.PhysAddr(poolWindowSize)

	files := make(map[string][]byte, len(cfg.Files))
	for name, data := range cfg.Files {
		files[name] = append([]byte(nil), data...)
	}

	return &Firmware{
		memory:      memory,
		handle:      cfg.ImageHandle,
		mapKey:      1,
		rejectExits: cfg.RejectExits,
		poolBase:    poolBase,
		poolEnd:     poolEnd,
		poolCursor:  poolBase,
		files:       files,
	}, nil
}

// Handle returns the image handle this firmware expects.
func (f *Firmware) Handle() uefi.Handle { return f.handle }

// Exited reports whether boot services have been torn down.
func (f *Firmware) Exited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

// LiveAllocations counts pool allocations not yet freed.
func (f *Firmware) LiveAllocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pools)
}

// GetMemoryMap encodes the current layout into buf. The reported map
// key stays valid until the next allocation, free, or injected
// rejection.
func (f *Firmware) GetMemoryMap(buf []byte) (uefi.MemoryMapInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.exited {
		return uefi.MemoryMapInfo{}, uefi.StatusUnsupported.Err("get memory map")
	}

	descs := f.describe()
	info := uefi.MemoryMapInfo{
		MapSize:           uint64(len(descs)) * uefi.DescriptorSize,
		MapKey:            f.mapKey,
		DescriptorSize:    uefi.DescriptorSize,
		DescriptorVersion: uefi.DescriptorVersion,
	}
	if uint64(len(buf)) < info.MapSize {
		return info, uefi.StatusBufferTooSmall.Err("get memory map")
	}

	for i, d := range descs {
		uefi.EncodeDescriptor(buf[uint64(i)*uefi.DescriptorSize:], d)
	}
	return info, nil
}

// ExitBootServices tears down the firmware. The caller must present
// the current map key and the image handle the firmware was built
// with.
func (f *Firmware) ExitBootServices(img uefi.Handle, mapKey uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.exited {
		return uefi.StatusUnsupported.Err("exit boot services")
	}
	if img != f.handle {
		return uefi.StatusInvalidParameter.Err("exit boot services")
	}
	if f.rejectExits > 0 {
		f.rejectExits--
		f.mapKey++
		return uefi.StatusInvalidParameter.Err("exit boot services")
	}
	if mapKey != f.mapKey {
		return uefi.StatusInvalidParameter.Err("exit boot services")
	}

	f.exited = true
	return nil
}

// AllocatePool carves size bytes out of the firmware pool window. The
// window is page granular, so every allocation occupies whole pages in
// the memory map.
func (f *Firmware) AllocatePool(t uefi.MemoryType, size uint64) (uefi.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.exited {
		return nil, uefi.StatusUnsupported.Err("allocate pool")
	}
	if size == 0 {
		return nil, uefi.StatusInvalidParameter.Err("allocate pool")
	}

	span := mem.AlignUp(size, uefi.PageSize)
	if uint64(f.poolEnd-f.poolCursor) < span {
		return nil, uefi.StatusOutOfResources.Err("allocate pool")
	}

	p := &pool{
		fw:    f,
		typ:   t,
		base:  f.poolCursor,
		size:  size,
		span:  span,
		freed: false,
	}
	f.poolCursor += mem.PhysAddr(span)
	f.pools = append(f.pools, p)
	f.mapKey++
	return p, nil
}

// OpenVolume opens the in-memory file volume.
func (f *Firmware) OpenVolume() (uefi.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.exited {
		return nil, uefi.StatusUnsupported.Err("open volume")
	}
	return &volume{files: f.files}, nil
}

func (f *Firmware) freePool(p *pool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p.freed {
		return uefi.StatusInvalidParameter.Err("free pool")
	}
	p.freed = true
	for i, q := range f.pools {
		if q == p {
			f.pools = append(f.pools[:i], f.pools[i+1:]...)
			break
		}
	}
	f.mapKey++
	return nil
}

// describe builds the descriptor list under the lock. Live pool spans
// show up with their allocation type, the rest of the window is
// conventional memory.
func (f *Firmware) describe() []uefi.MemoryDescriptor {
	size := f.memory.Size()

	descs := []uefi.MemoryDescriptor{
		ramDesc(uefi.EfiConventionalMemory, 0, lowRAMEnd),
		ramDesc(uefi.EfiBootServicesData, lowRAMEnd, ebdaEnd),
		{
			Type:          uefi.EfiReservedMemoryType,
			PhysicalStart: uint64(ebdaEnd),
			NumberOfPages: pages(ebdaEnd, legacyEnd),
		},
		ramDesc(uefi.EfiConventionalMemory, legacyEnd, f.poolBase),
	}

	descs = append(descs, f.describeWindow()...)

	reclaimBase := mem.PhysAddr(size - topReserve)
	nvsBase := reclaimBase + mem.PhysAddr(topReclaimSize)
	runtimeBase := nvsBase + mem.PhysAddr(topNvsSize)
	descs = append(descs,
		ramDesc(uefi.EfiACPIReclaimMemory, reclaimBase, nvsBase),
		ramDesc(uefi.EfiACPIMemoryNVS, nvsBase, runtimeBase),
		uefi.MemoryDescriptor{
			Type:          uefi.EfiRuntimeServicesData,
			PhysicalStart: uint64(runtimeBase),
			NumberOfPages: pages(runtimeBase, mem.PhysAddr(size)),
			Attribute:     0x800000000000000F,
		},
	)
	return descs
}

func (f *Firmware) describeWindow() []uefi.MemoryDescriptor {
	live := make([]*pool, len(f.pools))
	copy(live, f.pools)
	sort.Slice(live, func(i, j int) bool { return live[i].base < live[j].base })

	var descs []uefi.MemoryDescriptor
	cursor := f.poolBase
	for _, p := range live {
		if p.base > cursor {
			descs = append(descs, ramDesc(uefi.EfiConventionalMemory, cursor, p.base))
		}
		descs = append(descs, ramDesc(p.typ, p.base, p.base+mem.PhysAddr(p.span)))
		cursor = p.base + mem.PhysAddr(p.span)
	}
	if cursor < f.poolEnd {
		descs = append(descs, ramDesc(uefi.EfiConventionalMemory, cursor, f.poolEnd))
	}
	return descs
}

func ramDesc(t uefi.MemoryType, start, end mem.PhysAddr) uefi.MemoryDescriptor {
	return uefi.MemoryDescriptor{
		Type:          t,
		PhysicalStart: uint64(start),
		NumberOfPages: pages(start, end),
		Attribute:     0xF,
	}
}

func pages(start, end mem.PhysAddr) uint64 {
	return uint64(end-start) / uefi.PageSize
}

// pool is one live allocation inside the firmware window, backed by
// guest memory.
type pool struct {
	fw    *Firmware
	typ   uefi.MemoryType
	base  mem.PhysAddr
	size  uint64
	span  uint64
	freed bool
}

var _ uefi.Pool = (*pool)(nil)

func (p *pool) Base() mem.PhysAddr { return p.base }
func (p *pool) Size() uint64       { return p.size }

func (p *pool) ReadAt(b []byte, off int64) (int, error) {
	if p.freed {
		return 0, uefi.StatusInvalidParameter.Err("read freed pool")
	}
	if off < 0 || uint64(off)+uint64(len(b)) > p.size {
		return 0, fmt.Errorf("firmware: pool read [%d, %d) outside %d byte allocation", off, off+int64(len(b)), p.size)
	}
	return p.fw.memory.ReadAt(b, int64(p.base)+off)
}

func (p *pool) WriteAt(b []byte, off int64) (int, error) {
	if p.freed {
		return 0, uefi.StatusInvalidParameter.Err("write freed pool")
	}
	if off < 0 || uint64(off)+uint64(len(b)) > p.size {
		return 0, fmt.Errorf("firmware: pool write [%d, %d) outside %d byte allocation", off, off+int64(len(b)), p.size)
	}
	return p.fw.memory.WriteAt(b, int64(p.base)+off)
}

func (p *pool) Free() error {
	return p.fw.freePool(p)
}
