// Package physmem provides bounds-checked access to guest physical
// memory. All physical address arithmetic in the repo funnels through
// the Memory interface so that no component touches raw host buffers.
package physmem

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/bootchain/internal/mem"
)

// Memory is a guest physical address space. Offsets passed to ReadAt
// and WriteAt are guest physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64
}

// Image is a host-backed guest memory image.
type Image struct {
	mu  sync.RWMutex
	buf []byte
}

// NewImage allocates a zeroed guest memory image of the given size.
func NewImage(size uint64) (*Image, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 {
		return nil, fmt.Errorf("physmem: image size must be greater than 0")
	}
	if size > maxInt {
		return nil, fmt.Errorf("physmem: size %d exceeds host address limit", size)
	}

	buf, err := allocate(int(size))
	if err != nil {
		return nil, fmt.Errorf("physmem: allocate image: %w", err)
	}

	return &Image{buf: buf}, nil
}

// Size returns the image size in bytes.
func (i *Image) Size() uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return uint64(len(i.buf))
}

// ReadAt implements io.ReaderAt. Reads crossing the end of the image
// fail without transferring anything.
func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.buf == nil {
		return 0, fmt.Errorf("physmem: ReadAt after close")
	}

	end := uint64(off) + uint64(len(p))
	if off < 0 || end > uint64(len(i.buf)) {
		return 0, fmt.Errorf("physmem: read [0x%x, 0x%x) outside memory of size 0x%x", off, end, len(i.buf))
	}

	return copy(p, i.buf[off:end]), nil
}

// WriteAt implements io.WriterAt. Writes crossing the end of the image
// fail without transferring anything.
func (i *Image) WriteAt(p []byte, off int64) (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.buf == nil {
		return 0, fmt.Errorf("physmem: WriteAt after close")
	}

	end := uint64(off) + uint64(len(p))
	if off < 0 || end > uint64(len(i.buf)) {
		return 0, fmt.Errorf("physmem: write [0x%x, 0x%x) outside memory of size 0x%x", off, end, len(i.buf))
	}

	return copy(i.buf[off:end], p), nil
}

// Close releases the host allocation. Further access fails.
func (i *Image) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.buf == nil {
		return nil
	}

	err := release(i.buf)
	i.buf = nil
	return err
}

var (
	_ Memory    = (*Image)(nil)
	_ io.Closer = (*Image)(nil)
)

// View is a window [base, base+length) over a Memory. Offsets passed to
// the view are view-relative, and access outside the window fails.
type View struct {
	m      Memory
	base   mem.PhysAddr
	length uint64
}

// NewView returns a window over [base, base+length) of m. The window
// must lie entirely inside the underlying memory.
func NewView(m Memory, base mem.PhysAddr, length uint64) (*View, error) {
	end := uint64(base) + length
	if end < uint64(base) || end > m.Size() {
		return nil, fmt.Errorf("physmem: view [0x%x, 0x%x) outside memory of size 0x%x", uint64(base), end, m.Size())
	}
	return &View{m: m, base: base, length: length}, nil
}

// Size returns the window length in bytes.
func (v *View) Size() uint64 {
	return v.length
}

// Base returns the guest physical address the window starts at.
func (v *View) Base() mem.PhysAddr {
	return v.base
}

// ReadAt implements io.ReaderAt relative to the window base.
func (v *View) ReadAt(p []byte, off int64) (int, error) {
	if err := v.check(off, len(p)); err != nil {
		return 0, err
	}
	return v.m.ReadAt(p, int64(v.base)+off)
}

// WriteAt implements io.WriterAt relative to the window base.
func (v *View) WriteAt(p []byte, off int64) (int, error) {
	if err := v.check(off, len(p)); err != nil {
		return 0, err
	}
	return v.m.WriteAt(p, int64(v.base)+off)
}

func (v *View) check(off int64, n int) error {
	end := uint64(off) + uint64(n)
	if off < 0 || end > v.length {
		return fmt.Errorf("physmem: access [0x%x, 0x%x) outside view of size 0x%x", off, end, v.length)
	}
	return nil
}

var _ Memory = (*View)(nil)
