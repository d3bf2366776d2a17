package mem

import "fmt"

// PhysAddr is an address in the guest physical address space.
type PhysAddr uint64

// IsAligned reports whether the address is a multiple of align.
// align must be a power of two.
func (a PhysAddr) IsAligned(align uint64) bool {
	if align == 0 {
		return true
	}
	return uint64(a)&(align-1) == 0
}

// AlignUp rounds the address up to the next multiple of align.
// align must be a power of two.
func (a PhysAddr) AlignUp(align uint64) PhysAddr {
	if align == 0 {
		return a
	}
	mask := align - 1
	return PhysAddr((uint64(a) + mask) &^ mask)
}

// AlignDown rounds the address down to a multiple of align.
// align must be a power of two.
func (a PhysAddr) AlignDown(align uint64) PhysAddr {
	if align == 0 {
		return a
	}
	return PhysAddr(uint64(a) &^ (align - 1))
}

// Add returns the address offset forward by n bytes, failing on wraparound.
func (a PhysAddr) Add(n uint64) (PhysAddr, error) {
	if uint64(a) > ^uint64(0)-n {
		return 0, fmt.Errorf("mem: address %v + 0x%x wraps around", a, n)
	}
	return a + PhysAddr(n), nil
}

// Sub returns the address offset backward by n bytes, failing on underflow.
func (a PhysAddr) Sub(n uint64) (PhysAddr, error) {
	if uint64(a) < n {
		return 0, fmt.Errorf("mem: address %v - 0x%x underflows", a, n)
	}
	return a - PhysAddr(n), nil
}

func (a PhysAddr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// AlignUp rounds a byte count up to the next multiple of align.
// align must be a power of two.
func AlignUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	mask := align - 1
	return (n + mask) &^ mask
}

// AlignDown rounds a byte count down to a multiple of align.
// align must be a power of two.
func AlignDown(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return n &^ (align - 1)
}
