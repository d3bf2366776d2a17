// Package loader stages the kernel image out of the firmware volume
// and relocates it to its fixed runtime address. Staging uses firmware
// pool memory so the image survives until the relocation copy, which
// must happen before boot services are torn down.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/physmem"
	"github.com/tinyrange/bootchain/internal/uefi"
)

const (
	// KernelFileName is the image path on the firmware volume.
	KernelFileName = "kernel.bin"

	// LoadAddr is the physical address the kernel is linked against.
	LoadAddr mem.PhysAddr = 0x200000

	// MaxKernelSize bounds relocation so the copy cannot run past the
	// low identity-mapped window.
	MaxKernelSize uint64 = 10 << 20

	// verifyLen is how many leading bytes the relocation re-reads to
	// catch a corrupted copy.
	verifyLen = 16

	chunkSize = 64 << 10
)

var (
	ErrEmptyKernel    = errors.New("kernel image is empty")
	ErrKernelTooLarge = errors.New("kernel image too large")
	ErrShortRead      = errors.New("incomplete kernel read")
	ErrVerifyFailed   = errors.New("relocated kernel does not match source")
)

// Image is a kernel image staged in firmware pool memory. It stays
// readable until Free is called or boot services go away.
type Image struct {
	pool uefi.Pool
	size uint64
}

// Size returns the image size in bytes.
func (img *Image) Size() uint64 { return img.size }

// Base returns the physical address of the staging buffer.
func (img *Image) Base() mem.PhysAddr { return img.pool.Base() }

// ReadAt reads from the staged image.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	return img.pool.ReadAt(p, off)
}

// Free returns the staging buffer to the firmware.
func (img *Image) Free() error { return img.pool.Free() }

// Load opens the kernel file on the firmware volume and reads it whole
// into a pool allocation. A read that stops short of the reported file
// size frees the pool and fails.
func Load(services uefi.BootServices) (*Image, error) {
	volume, err := services.OpenVolume()
	if err != nil {
		return nil, fmt.Errorf("loader: open volume: %w", err)
	}
	defer volume.Close()

	file, err := volume.Open(KernelFileName)
	if err != nil {
		return nil, fmt.Errorf("loader: open %s: %w", KernelFileName, err)
	}

	size, err := file.Size()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("loader: size of %s: %w", KernelFileName, err)
	}
	if size == 0 {
		_ = file.Close()
		return nil, fmt.Errorf("loader: %w", ErrEmptyKernel)
	}

	pool, err := services.AllocatePool(uefi.EfiLoaderData, size)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("loader: allocate staging pool: %w", err)
	}

	if err := readInto(file, pool, size); err != nil {
		_ = pool.Free()
		_ = file.Close()
		return nil, err
	}

	// A close failure cannot unstage the image, so it is not fatal.
	if err := file.Close(); err != nil {
		slog.Warn("close kernel image", "name", KernelFileName, "err", err)
	}

	return &Image{pool: pool, size: size}, nil
}

func readInto(file uefi.File, pool uefi.Pool, size uint64) error {
	buf := make([]byte, chunkSize)
	var off uint64
	for off < size {
		n, err := file.Read(buf)
		if n > 0 {
			if _, werr := pool.WriteAt(buf[:n], int64(off)); werr != nil {
				return fmt.Errorf("loader: stage kernel at offset %d: %w", off, werr)
			}
			off += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("loader: read kernel: %w", err)
		}
		if n == 0 {
			break
		}
	}
	if off != size {
		return fmt.Errorf("loader: %w: read %d of %d bytes", ErrShortRead, off, size)
	}
	return nil
}

// Relocate copies a staged image to LoadAddr in guest memory and reads
// the leading bytes back to verify the copy. progress, when non-nil,
// receives every copied byte.
func Relocate(m physmem.Memory, img *Image, progress io.Writer) error {
	if img.size == 0 {
		return fmt.Errorf("loader: %w", ErrEmptyKernel)
	}
	if img.size > MaxKernelSize {
		return fmt.Errorf("loader: %w: %d bytes over the %d byte limit", ErrKernelTooLarge, img.size, MaxKernelSize)
	}

	buf := make([]byte, chunkSize)
	var off uint64
	for off < img.size {
		n := uint64(len(buf))
		if remain := img.size - off; remain < n {
			n = remain
		}
		if _, err := img.ReadAt(buf[:n], int64(off)); err != nil {
			return fmt.Errorf("loader: read staged kernel at offset %d: %w", off, err)
		}
		dst := LoadAddr + mem.PhysAddr(off)
		if _, err := m.WriteAt(buf[:n], int64(dst)); err != nil {
			return fmt.Errorf("loader: write kernel at %s: %w", dst, err)
		}
		if progress != nil {
			_, _ = progress.Write(buf[:n])
		}
		off += n
	}

	return verifyCopy(m, img)
}

func verifyCopy(m physmem.Memory, img *Image) error {
	n := uint64(verifyLen)
	if img.size < n {
		n = img.size
	}

	src := make([]byte, n)
	if _, err := img.ReadAt(src, 0); err != nil {
		return fmt.Errorf("loader: reread staged kernel: %w", err)
	}
	dst := make([]byte, n)
	if _, err := m.ReadAt(dst, int64(LoadAddr)); err != nil {
		return fmt.Errorf("loader: reread relocated kernel: %w", err)
	}
	if !bytes.Equal(src, dst) {
		return fmt.Errorf("loader: %w", ErrVerifyFailed)
	}
	return nil
}
