package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/physmem"
	"github.com/tinyrange/bootchain/internal/uefi"
)

type stubPool struct {
	buf   []byte
	freed bool
}

func (p *stubPool) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(p.buf)) {
		return 0, fmt.Errorf("pool read out of range")
	}
	n := copy(b, p.buf[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (p *stubPool) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > int64(len(p.buf)) {
		return 0, fmt.Errorf("pool write out of range")
	}
	return copy(p.buf[off:], b), nil
}

func (p *stubPool) Base() mem.PhysAddr { return 0x100000 }
func (p *stubPool) Size() uint64       { return uint64(len(p.buf)) }
func (p *stubPool) Free() error        { p.freed = true; return nil }

type stubFile struct {
	r        *bytes.Reader
	declared uint64
	closeErr error
	closed   bool
}

func (f *stubFile) Size() (uint64, error) { return f.declared, nil }
func (f *stubFile) Read(p []byte) (int, error) {
	return f.r.Read(p)
}
func (f *stubFile) Close() error {
	f.closed = true
	return f.closeErr
}

type stubVolume struct {
	files  map[string]*stubFile
	closed bool
}

func (v *stubVolume) Open(name string) (uefi.File, error) {
	f, ok := v.files[name]
	if !ok {
		return nil, uefi.StatusNotFound.Err("open " + name)
	}
	return f, nil
}

func (v *stubVolume) Close() error { v.closed = true; return nil }

type stubServices struct {
	volume  *stubVolume
	pools   []*stubPool
	poolErr error
}

func (s *stubServices) GetMemoryMap(buf []byte) (uefi.MemoryMapInfo, error) {
	return uefi.MemoryMapInfo{}, fmt.Errorf("not implemented")
}

func (s *stubServices) ExitBootServices(img uefi.Handle, mapKey uint64) error {
	return fmt.Errorf("not implemented")
}

func (s *stubServices) AllocatePool(t uefi.MemoryType, size uint64) (uefi.Pool, error) {
	if s.poolErr != nil {
		return nil, s.poolErr
	}
	p := &stubPool{buf: make([]byte, size)}
	s.pools = append(s.pools, p)
	return p, nil
}

func (s *stubServices) OpenVolume() (uefi.Volume, error) {
	if s.volume == nil {
		return nil, uefi.StatusNotFound.Err("open volume")
	}
	return s.volume, nil
}

func kernelBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func servicesWithKernel(data []byte) (*stubServices, *stubFile) {
	f := &stubFile{r: bytes.NewReader(data), declared: uint64(len(data))}
	v := &stubVolume{files: map[string]*stubFile{KernelFileName: f}}
	return &stubServices{volume: v}, f
}

func TestLoadReadsWholeFile(t *testing.T) {
	data := kernelBytes(100 << 10)
	svc, file := servicesWithKernel(data)

	img, err := Load(svc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if img.Size() != uint64(len(data)) {
		t.Fatalf("size: got %d, want %d", img.Size(), len(data))
	}

	got := make([]byte, len(data))
	if _, err := img.ReadAt(got, 0); err != nil {
		t.Fatalf("read staged image: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("staged image differs from source")
	}

	if !file.closed {
		t.Fatalf("kernel file left open")
	}
	if !svc.volume.closed {
		t.Fatalf("volume left open")
	}
	if len(svc.pools) != 1 || svc.pools[0].freed {
		t.Fatalf("staging pool should stay live for relocation")
	}
}

func TestLoadMissingKernel(t *testing.T) {
	svc := &stubServices{volume: &stubVolume{files: map[string]*stubFile{}}}

	_, err := Load(svc)
	if err == nil {
		t.Fatalf("expected an error for a missing kernel")
	}
	status, ok := uefi.StatusOf(err)
	if !ok || status != uefi.StatusNotFound {
		t.Fatalf("expected StatusNotFound, got %v", err)
	}
	if len(svc.pools) != 0 {
		t.Fatalf("pool allocated before the file was found")
	}
}

func TestLoadEmptyKernel(t *testing.T) {
	svc, file := servicesWithKernel(nil)

	_, err := Load(svc)
	if !errors.Is(err, ErrEmptyKernel) {
		t.Fatalf("got %v, want ErrEmptyKernel", err)
	}
	if !file.closed {
		t.Fatalf("kernel file left open after failure")
	}
}

func TestLoadShortReadFreesPool(t *testing.T) {
	data := kernelBytes(100 << 10)
	svc, file := servicesWithKernel(data)
	file.declared = uint64(len(data)) + 4096

	_, err := Load(svc)
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("got %v, want ErrShortRead", err)
	}
	if len(svc.pools) != 1 || !svc.pools[0].freed {
		t.Fatalf("staging pool leaked on short read")
	}
	if !file.closed {
		t.Fatalf("kernel file left open after failure")
	}
}

func TestLoadPoolFailure(t *testing.T) {
	svc, file := servicesWithKernel(kernelBytes(4096))
	svc.poolErr = uefi.StatusOutOfResources.Err("allocate pool")

	_, err := Load(svc)
	status, ok := uefi.StatusOf(err)
	if !ok || status != uefi.StatusOutOfResources {
		t.Fatalf("expected StatusOutOfResources, got %v", err)
	}
	if !file.closed {
		t.Fatalf("kernel file left open after failure")
	}
}

func TestLoadCloseFailureIsNotFatal(t *testing.T) {
	svc, file := servicesWithKernel(kernelBytes(4096))
	file.closeErr = uefi.StatusDeviceError.Err("close")

	img, err := Load(svc)
	if err != nil {
		t.Fatalf("close failure should not fail the load: %v", err)
	}
	if img.Size() != 4096 {
		t.Fatalf("size: got %d, want 4096", img.Size())
	}
}

func guestMemory(t *testing.T, size uint64) *physmem.Image {
	t.Helper()
	m, err := physmem.NewImage(size)
	if err != nil {
		t.Fatalf("new image: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRelocateCopiesAndVerifies(t *testing.T) {
	data := kernelBytes(200 << 10)
	svc, _ := servicesWithKernel(data)
	img, err := Load(svc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	m := guestMemory(t, 4<<20)
	var progress bytes.Buffer
	if err := Relocate(m, img, &progress); err != nil {
		t.Fatalf("relocate: %v", err)
	}

	got := make([]byte, len(data))
	if _, err := m.ReadAt(got, int64(LoadAddr)); err != nil {
		t.Fatalf("read relocated image: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("relocated image differs from source")
	}
	if !bytes.Equal(progress.Bytes(), data) {
		t.Fatalf("progress writer saw %d bytes, want %d", progress.Len(), len(data))
	}
}

func TestRelocateSmallImage(t *testing.T) {
	data := []byte{0xEB, 0xFE, 0x90, 0x90, 0x90, 0x90, 0x90}
	svc, _ := servicesWithKernel(data)
	img, err := Load(svc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	m := guestMemory(t, 4<<20)
	if err := Relocate(m, img, nil); err != nil {
		t.Fatalf("relocate: %v", err)
	}

	got := make([]byte, len(data))
	if _, err := m.ReadAt(got, int64(LoadAddr)); err != nil {
		t.Fatalf("read relocated image: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("relocated image differs from source")
	}
}

func TestRelocateRejectsOversizedImage(t *testing.T) {
	img := &Image{pool: &stubPool{}, size: MaxKernelSize + 1}
	m := guestMemory(t, 4<<20)

	err := Relocate(m, img, nil)
	if !errors.Is(err, ErrKernelTooLarge) {
		t.Fatalf("got %v, want ErrKernelTooLarge", err)
	}
}

func TestRelocateRejectsEmptyImage(t *testing.T) {
	img := &Image{pool: &stubPool{}, size: 0}
	m := guestMemory(t, 4<<20)

	err := Relocate(m, img, nil)
	if !errors.Is(err, ErrEmptyKernel) {
		t.Fatalf("got %v, want ErrEmptyKernel", err)
	}
}

// droppingMemory discards every write so the verification read sees
// stale bytes.
type droppingMemory struct {
	physmem.Memory
}

func (d *droppingMemory) WriteAt(p []byte, off int64) (int, error) {
	return len(p), nil
}

func TestRelocateDetectsCorruption(t *testing.T) {
	svc, _ := servicesWithKernel(kernelBytes(4096))
	img, err := Load(svc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	m := guestMemory(t, 4<<20)
	err = Relocate(&droppingMemory{Memory: m}, img, nil)
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("got %v, want ErrVerifyFailed", err)
	}
}
