// Package pmm hands out individual 4KiB physical frames from the usable
// regions of a parsed memory map.
//
// The allocator is a first-fit cursor over the ordered usable ranges. It
// keeps no free list: freeing a frame below the cursor rewinds the cursor
// so the frame can be reissued. That is enough for the boot phase, where
// the only caller is the heap bootstrap asking for a short run of frames.
package pmm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/physmem"
)

var (
	ErrOutOfMemory        = errors.New("out of physical memory")
	ErrInvalidFrame       = errors.New("invalid frame address")
	ErrAlreadyInitialized = errors.New("frame allocator already initialized")
)

// KernelEnd is where frame allocation starts. Everything below is assumed
// to belong to the kernel image and the fixed boot structures.
const KernelEnd mem.PhysAddr = 4 << 20

// RegionSource yields the usable portion of a memory map. Both the
// normalized firmware map and the parsed hand-off map satisfy it.
type RegionSource interface {
	UsableRanges() []mem.FrameRange
	TotalUsableBytes() uint64
}

// Allocator is the process-wide frame allocator. The zero value is valid
// but unusable until Init; calls before then fail the same way calls on an
// exhausted allocator do.
type Allocator struct {
	mu    sync.Mutex
	state *allocState
}

type allocState struct {
	memory     physmem.Memory
	ranges     []mem.FrameRange
	cursor     mem.Frame
	allocated  uint64
	total      uint64
	totalBytes uint64
}

func NewAllocator() *Allocator {
	return &Allocator{}
}

// Init binds the allocator to guest memory and a region source. The total
// frame budget comes from the source's usable byte count, so a map whose
// figure was re-estimated can promise more frames than its ranges hold;
// the range scan is what actually bounds allocation. Calling Init twice
// fails with ErrAlreadyInitialized.
func (a *Allocator) Init(m physmem.Memory, src RegionSource) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != nil {
		return ErrAlreadyInitialized
	}

	ranges := append([]mem.FrameRange(nil), src.UsableRanges()...)
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})

	usable := src.TotalUsableBytes()
	a.state = &allocState{
		memory:     m,
		ranges:     ranges,
		cursor:     mem.FrameAt(KernelEnd),
		total:      usable / mem.FrameSize,
		totalBytes: usable,
	}
	return nil
}

// Allocate returns the next free frame, zeroed.
func (a *Allocator) Allocate() (mem.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.state
	if s == nil {
		return 0, ErrOutOfMemory
	}
	if s.allocated >= s.total {
		return 0, ErrOutOfMemory
	}

	for _, r := range s.ranges {
		if r.Contains(s.cursor) {
			return s.take(s.cursor)
		}
		// The cursor sits in a gap before this range.
		if s.cursor < r.Start {
			return s.take(r.Start)
		}
	}

	return 0, ErrOutOfMemory
}

func (s *allocState) take(f mem.Frame) (mem.Frame, error) {
	if err := physmem.Zero(s.memory, f.Addr(), mem.FrameSize); err != nil {
		return 0, fmt.Errorf("pmm: clear frame %d: %w", f, err)
	}
	s.cursor = f.Next()
	s.allocated++
	return f, nil
}

// Deallocate returns a frame to the allocator. The frame must lie inside a
// usable region of the source map. Its contents are zeroed, and if it
// precedes the cursor the cursor rewinds so the frame can be reissued.
func (a *Allocator) Deallocate(f mem.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.state
	if s == nil {
		return ErrInvalidFrame
	}

	found := false
	for _, r := range s.ranges {
		if r.Contains(f) {
			found = true
			break
		}
	}
	if !found {
		return ErrInvalidFrame
	}

	if err := physmem.Zero(s.memory, f.Addr(), mem.FrameSize); err != nil {
		return fmt.Errorf("pmm: clear frame %d: %w", f, err)
	}

	if s.allocated > 0 {
		s.allocated--
	}
	if f < s.cursor {
		s.cursor = f
	}
	return nil
}

// Stats describes the allocator's frame accounting.
type Stats struct {
	TotalFrames     uint64
	AllocatedFrames uint64
	FreeFrames      uint64
	TotalMemory     uint64
	AllocatedMemory uint64
}

// Stats reports allocation counters. The second return is false before
// Init.
func (a *Allocator) Stats() (Stats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.state
	if s == nil {
		return Stats{}, false
	}
	return Stats{
		TotalFrames:     s.total,
		AllocatedFrames: s.allocated,
		FreeFrames:      s.total - s.allocated,
		TotalMemory:     s.totalBytes,
		AllocatedMemory: s.allocated * mem.FrameSize,
	}, true
}
