package mem

// RegionKind classifies a physical memory region.
type RegionKind int

const (
	KindUsable RegionKind = iota
	KindReserved
	KindAcpiReclaimable
	KindAcpiNvs
	KindBad
	KindUnknown
)

func (k RegionKind) String() string {
	switch k {
	case KindUsable:
		return "usable"
	case KindReserved:
		return "reserved"
	case KindAcpiReclaimable:
		return "acpi-reclaimable"
	case KindAcpiNvs:
		return "acpi-nvs"
	case KindBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Region is a contiguous span of physical memory carrying a single
// classification. Reclaimable marks memory that becomes ordinary RAM
// once its current owner is done with it.
type Region struct {
	Base        PhysAddr
	Length      uint64
	Kind        RegionKind
	Reclaimable bool
}

// NewRegion builds a region, deriving the reclaimable flag from the kind.
func NewRegion(base PhysAddr, length uint64, kind RegionKind) Region {
	return Region{
		Base:        base,
		Length:      length,
		Kind:        kind,
		Reclaimable: kind == KindAcpiReclaimable,
	}
}

// End returns the first address after the region.
func (r Region) End() PhysAddr {
	return r.Base + PhysAddr(r.Length)
}

// Frames returns the frames lying entirely inside the region.
func (r Region) Frames() FrameRange {
	return FramesWithin(r.Base, r.Length)
}
