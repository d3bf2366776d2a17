// Package heap bootstraps the kernel allocation surface. It claims a
// frame-backed byte range at a fixed physical start address and serves
// allocations from it with a first-fit free list.
//
// The range is sized once at Init from what is actually usable and
// actually mapped; it never grows or shrinks afterwards.
package heap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/physmem"
	"github.com/tinyrange/bootchain/internal/pmm"
)

var (
	ErrAlreadyInitialized   = errors.New("heap already initialized")
	ErrInvalidConfiguration = errors.New("invalid heap configuration")
	ErrFrameAllocation      = errors.New("failed to allocate frames for heap")
	ErrNotInitialized       = errors.New("heap not initialized")
	ErrOutOfMemory          = errors.New("heap exhausted")
	ErrNotAllocated         = errors.New("address not allocated from this heap")
)

const (
	DefaultStart mem.PhysAddr = 0x400000
	DefaultMin                = 4 << 20
	DefaultMax                = 256 << 20

	// PoisonByte marks freed memory. Reading it back intact is a
	// use-after-free signature.
	PoisonByte = 0xDE

	granularity = 8
)

// Config bounds the heap placement and size. Zero fields take the
// defaults.
type Config struct {
	Start mem.PhysAddr
	Min   uint64
	Max   uint64
}

func (c Config) withDefaults() Config {
	if c.Start == 0 {
		c.Start = DefaultStart
	}
	if c.Min == 0 {
		c.Min = DefaultMin
	}
	if c.Max == 0 {
		c.Max = DefaultMax
	}
	return c
}

// Heap is the boot-phase allocator. The zero value is not usable; create
// one with New and call Init exactly once.
type Heap struct {
	mu     sync.Mutex
	memory physmem.Memory
	frames *pmm.Allocator
	cfg    Config
	state  *heapState
}

type heapState struct {
	start  mem.PhysAddr
	size   uint64
	used   uint64
	free   []span
	allocs map[mem.PhysAddr]uint64
}

// span is a maximal free run. Spans are kept sorted by address and never
// adjacent, so coalescing is a local operation.
type span struct {
	addr mem.PhysAddr
	size uint64
}

func New(m physmem.Memory, frames *pmm.Allocator, cfg Config) *Heap {
	return &Heap{memory: m, frames: frames, cfg: cfg.withDefaults()}
}

// Init sizes the heap and claims its backing frames. The byte budget is
// the smaller of what the memory map calls usable and what the page
// tables map; the heap takes everything between its start address and
// that budget, capped at Max. A budget that leaves less than Min fails
// with ErrInvalidConfiguration. A second Init fails with
// ErrAlreadyInitialized and leaves the first intact.
func (h *Heap) Init(totalUsable, mappedBytes uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != nil {
		return ErrAlreadyInitialized
	}

	if !h.cfg.Start.IsAligned(mem.FrameSize) {
		return fmt.Errorf("%w: start %s not frame aligned", ErrInvalidConfiguration, h.cfg.Start)
	}

	budget := totalUsable
	if mappedBytes < budget {
		budget = mappedBytes
	}
	if budget <= uint64(h.cfg.Start) {
		return fmt.Errorf("%w: budget 0x%x does not reach past start %s",
			ErrInvalidConfiguration, budget, h.cfg.Start)
	}

	size := mem.AlignDown(budget-uint64(h.cfg.Start), mem.FrameSize)
	if size > h.cfg.Max {
		size = h.cfg.Max
	}
	if size < h.cfg.Min {
		return fmt.Errorf("%w: size 0x%x below minimum 0x%x", ErrInvalidConfiguration, size, h.cfg.Min)
	}

	count := size / mem.FrameSize
	for i := uint64(0); i < count; i++ {
		if _, err := h.frames.Allocate(); err != nil {
			return fmt.Errorf("%w: frame %d of %d: %v", ErrFrameAllocation, i, count, err)
		}
	}

	h.state = &heapState{
		start:  h.cfg.Start,
		size:   size,
		free:   []span{{addr: h.cfg.Start, size: size}},
		allocs: make(map[mem.PhysAddr]uint64),
	}
	return nil
}

// Initialized reports whether Init has completed.
func (h *Heap) Initialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state != nil
}

// Alloc reserves size bytes and returns their physical address. Requests
// round up to 8-byte granularity.
func (h *Heap) Alloc(size uint64) (mem.PhysAddr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alloc(size)
}

func (h *Heap) alloc(size uint64) (mem.PhysAddr, error) {
	s := h.state
	if s == nil {
		return 0, ErrNotInitialized
	}
	if size == 0 {
		return 0, fmt.Errorf("heap: zero-size allocation")
	}
	size = mem.AlignUp(size, granularity)

	for i := range s.free {
		f := &s.free[i]
		if f.size < size {
			continue
		}
		addr := f.addr
		f.addr += mem.PhysAddr(size)
		f.size -= size
		if f.size == 0 {
			s.free = append(s.free[:i], s.free[i+1:]...)
		}
		s.allocs[addr] = size
		s.used += size
		return addr, nil
	}
	return 0, ErrOutOfMemory
}

// Free releases an allocation made by Alloc, coalescing it with any
// adjacent free spans.
func (h *Heap) Free(addr mem.PhysAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.release(addr)
	return err
}

func (h *Heap) release(addr mem.PhysAddr) (uint64, error) {
	s := h.state
	if s == nil {
		return 0, ErrNotInitialized
	}
	size, ok := s.allocs[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotAllocated, addr)
	}
	delete(s.allocs, addr)
	s.used -= size

	i := sort.Search(len(s.free), func(i int) bool {
		return s.free[i].addr > addr
	})

	// Merge with the span ending at addr, then with the one starting at
	// the end of the freed run.
	if i > 0 && s.free[i-1].addr+mem.PhysAddr(s.free[i-1].size) == addr {
		s.free[i-1].size += size
		if i < len(s.free) && s.free[i-1].addr+mem.PhysAddr(s.free[i-1].size) == s.free[i].addr {
			s.free[i-1].size += s.free[i].size
			s.free = append(s.free[:i], s.free[i+1:]...)
		}
		return size, nil
	}
	if i < len(s.free) && addr+mem.PhysAddr(size) == s.free[i].addr {
		s.free[i].addr = addr
		s.free[i].size += size
		return size, nil
	}

	s.free = append(s.free, span{})
	copy(s.free[i+1:], s.free[i:])
	s.free[i] = span{addr: addr, size: size}
	return size, nil
}

// SecureAlloc allocates and zeroes, so the caller never observes stale
// bytes from a previous owner.
func (h *Heap) SecureAlloc(size uint64) (mem.PhysAddr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	addr, err := h.alloc(size)
	if err != nil {
		return 0, err
	}
	if err := physmem.Zero(h.memory, addr, h.state.allocs[addr]); err != nil {
		h.release(addr)
		return 0, fmt.Errorf("heap: zero allocation at %s: %w", addr, err)
	}
	return addr, nil
}

// SecureFree overwrites the allocation with the poison byte before
// releasing it.
func (h *Heap) SecureFree(addr mem.PhysAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.state
	if s == nil {
		return ErrNotInitialized
	}
	size, ok := s.allocs[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAllocated, addr)
	}
	if err := physmem.Fill(h.memory, addr, size, PoisonByte); err != nil {
		return fmt.Errorf("heap: poison %s: %w", addr, err)
	}
	_, err := h.release(addr)
	return err
}

// Poisoned reports whether every byte in [addr, addr+n) still carries
// the poison pattern.
func (h *Heap) Poisoned(addr mem.PhysAddr, n uint64) (bool, error) {
	buf := make([]byte, n)
	if _, err := h.memory.ReadAt(buf, int64(addr)); err != nil {
		return false, err
	}
	for _, b := range buf {
		if b != PoisonByte {
			return false, nil
		}
	}
	return true, nil
}

// Stats describes the heap's byte accounting.
type Stats struct {
	Total uint64
	Used  uint64
	Free  uint64
	Start mem.PhysAddr
}

// Stats reports the current accounting. The second return is false
// before Init.
func (h *Heap) Stats() (Stats, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.state
	if s == nil {
		return Stats{}, false
	}
	return Stats{
		Total: s.size,
		Used:  s.used,
		Free:  s.size - s.used,
		Start: s.start,
	}, true
}
