package heap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/physmem"
	"github.com/tinyrange/bootchain/internal/pmm"
)

type stubSource struct {
	ranges []mem.FrameRange
	usable uint64
}

func (s *stubSource) UsableRanges() []mem.FrameRange { return s.ranges }
func (s *stubSource) TotalUsableBytes() uint64       { return s.usable }

// testSetup builds a 16MiB image with a frame allocator over
// [4MiB, 16MiB).
func testSetup(t *testing.T) (*physmem.Image, *pmm.Allocator) {
	t.Helper()
	img, err := physmem.NewImage(16 << 20)
	if err != nil {
		t.Fatalf("new image: %v", err)
	}
	t.Cleanup(func() { img.Close() })

	frames := pmm.NewAllocator()
	src := &stubSource{
		ranges: []mem.FrameRange{{Start: 0x400, End: 0x1000}},
		usable: 12 << 20,
	}
	if err := frames.Init(img, src); err != nil {
		t.Fatalf("init allocator: %v", err)
	}
	return img, frames
}

func TestInitSizesFromBudget(t *testing.T) {
	img, frames := testSetup(t)
	h := New(img, frames, Config{})

	// 12MiB mapped minus the 4MiB start leaves an 8MiB heap.
	if err := h.Init(16<<20, 12<<20); err != nil {
		t.Fatalf("init: %v", err)
	}

	s, ok := h.Stats()
	if !ok {
		t.Fatalf("stats unavailable")
	}
	if s.Total != 8<<20 {
		t.Fatalf("total: got 0x%x, want 0x%x", s.Total, uint64(8<<20))
	}
	if s.Start != DefaultStart {
		t.Fatalf("start: got %s, want %s", s.Start, DefaultStart)
	}
	if s.Used != 0 || s.Free != s.Total {
		t.Fatalf("fresh heap accounting: %+v", s)
	}
}

func TestInitCapsAtMax(t *testing.T) {
	img, frames := testSetup(t)
	h := New(img, frames, Config{Max: 8 << 20})

	if err := h.Init(64<<20, 64<<20); err != nil {
		t.Fatalf("init: %v", err)
	}

	s, _ := h.Stats()
	if s.Total != 8<<20 {
		t.Fatalf("total: got 0x%x, want 0x%x", s.Total, uint64(8<<20))
	}
}

func TestInitBelowMinFails(t *testing.T) {
	img, frames := testSetup(t)

	h := New(img, frames, Config{})
	if err := h.Init(6<<20, 6<<20); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}

	// A budget that does not even reach the start address.
	h = New(img, frames, Config{})
	if err := h.Init(2<<20, 2<<20); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestInitTwice(t *testing.T) {
	img, frames := testSetup(t)
	h := New(img, frames, Config{})

	if err := h.Init(12<<20, 12<<20); err != nil {
		t.Fatalf("init: %v", err)
	}
	before, _ := h.Stats()

	if err := h.Init(16<<20, 16<<20); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}

	after, _ := h.Stats()
	if before != after {
		t.Fatalf("second init changed state: %+v -> %+v", before, after)
	}
}

func TestInitFrameExhaustion(t *testing.T) {
	img, err := physmem.NewImage(16 << 20)
	if err != nil {
		t.Fatalf("new image: %v", err)
	}
	t.Cleanup(func() { img.Close() })

	// The source promises 12MiB but only backs 1MiB with frames.
	frames := pmm.NewAllocator()
	src := &stubSource{
		ranges: []mem.FrameRange{{Start: 0x400, End: 0x500}},
		usable: 12 << 20,
	}
	if err := frames.Init(img, src); err != nil {
		t.Fatalf("init allocator: %v", err)
	}

	h := New(img, frames, Config{})
	if err := h.Init(12<<20, 12<<20); !errors.Is(err, ErrFrameAllocation) {
		t.Fatalf("expected ErrFrameAllocation, got %v", err)
	}
}

func TestAllocFree(t *testing.T) {
	img, frames := testSetup(t)
	h := New(img, frames, Config{})
	if err := h.Init(12<<20, 12<<20); err != nil {
		t.Fatalf("init: %v", err)
	}

	a, err := h.Alloc(100)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if a != DefaultStart {
		t.Fatalf("first allocation: got %s, want %s", a, DefaultStart)
	}

	b, err := h.Alloc(100)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if b != a+104 {
		t.Fatalf("second allocation: got %s, want %s", b, a+104)
	}

	s, _ := h.Stats()
	if s.Used != 208 {
		t.Fatalf("used: got %d, want 208", s.Used)
	}

	if err := h.Free(a); err != nil {
		t.Fatalf("free: %v", err)
	}

	// First fit hands the freed block back out.
	c, err := h.Alloc(100)
	if err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
	if c != a {
		t.Fatalf("reuse: got %s, want %s", c, a)
	}
}

func TestFreeCoalesces(t *testing.T) {
	img, frames := testSetup(t)
	h := New(img, frames, Config{})
	if err := h.Init(12<<20, 12<<20); err != nil {
		t.Fatalf("init: %v", err)
	}

	var addrs []mem.PhysAddr
	for i := 0; i < 3; i++ {
		a, err := h.Alloc(1024)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		addrs = append(addrs, a)
	}

	// Free out of order so both merge directions are exercised.
	for _, i := range []int{0, 2, 1} {
		if err := h.Free(addrs[i]); err != nil {
			t.Fatalf("free %d: %v", i, err)
		}
	}

	s, _ := h.Stats()
	if s.Used != 0 || s.Free != s.Total {
		t.Fatalf("accounting after frees: %+v", s)
	}

	// The three blocks coalesced with each other and the tail, so a
	// larger allocation fits at the original address.
	a, err := h.Alloc(3 * 1024)
	if err != nil {
		t.Fatalf("alloc coalesced: %v", err)
	}
	if a != addrs[0] {
		t.Fatalf("coalesced allocation: got %s, want %s", a, addrs[0])
	}
}

func TestFreeUnknownAddress(t *testing.T) {
	img, frames := testSetup(t)
	h := New(img, frames, Config{})
	if err := h.Init(12<<20, 12<<20); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := h.Free(0x500000); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("expected ErrNotAllocated, got %v", err)
	}
}

func TestAllocExhausted(t *testing.T) {
	img, frames := testSetup(t)
	h := New(img, frames, Config{Min: 4096, Max: 4096})
	if err := h.Init(12<<20, 12<<20); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := h.Alloc(4096); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if _, err := h.Alloc(8); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestSecureAllocZeroes(t *testing.T) {
	img, frames := testSetup(t)
	h := New(img, frames, Config{})
	if err := h.Init(12<<20, 12<<20); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := physmem.Fill(img, DefaultStart, 4096, 0xAA); err != nil {
		t.Fatalf("dirty heap: %v", err)
	}

	addr, err := h.SecureAlloc(64)
	if err != nil {
		t.Fatalf("secure alloc: %v", err)
	}

	buf := make([]byte, 64)
	if _, err := img.ReadAt(buf, int64(addr)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 64)) {
		t.Fatalf("secure allocation not zeroed: % x", buf)
	}
}

func TestSecureFreePoisons(t *testing.T) {
	img, frames := testSetup(t)
	h := New(img, frames, Config{})
	if err := h.Init(12<<20, 12<<20); err != nil {
		t.Fatalf("init: %v", err)
	}

	addr, err := h.SecureAlloc(64)
	if err != nil {
		t.Fatalf("secure alloc: %v", err)
	}
	if _, err := img.WriteAt([]byte("sensitive key material"), int64(addr)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := h.SecureFree(addr); err != nil {
		t.Fatalf("secure free: %v", err)
	}

	poisoned, err := h.Poisoned(addr, 64)
	if err != nil {
		t.Fatalf("poisoned: %v", err)
	}
	if !poisoned {
		t.Fatalf("freed memory does not carry the poison pattern")
	}

	// Any write after the free breaks the signature.
	if _, err := img.WriteAt([]byte{0x00}, int64(addr)+5); err != nil {
		t.Fatalf("write: %v", err)
	}
	poisoned, err = h.Poisoned(addr, 64)
	if err != nil {
		t.Fatalf("poisoned: %v", err)
	}
	if poisoned {
		t.Fatalf("overwritten memory still reports poisoned")
	}
}

func TestOpsBeforeInit(t *testing.T) {
	img, frames := testSetup(t)
	h := New(img, frames, Config{})

	if h.Initialized() {
		t.Fatalf("fresh heap reports initialized")
	}
	if _, err := h.Alloc(16); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("alloc before init: got %v", err)
	}
	if err := h.Free(DefaultStart); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("free before init: got %v", err)
	}
	if _, ok := h.Stats(); ok {
		t.Fatalf("stats before init should report unavailable")
	}
}
