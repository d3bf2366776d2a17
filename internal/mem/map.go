package mem

import "sort"

// MemoryMap is an ordered, merged view of the machine's physical memory
// regions. It is immutable once built.
type MemoryMap struct {
	regions []Region
	usable  uint64
}

// NewMemoryMap normalizes regions into a map. Zero-length regions are
// dropped, the rest are sorted by base address, and adjacent regions of
// the same kind are merged in a single left-to-right pass.
func NewMemoryMap(regions []Region) *MemoryMap {
	rs := make([]Region, 0, len(regions))
	for _, r := range regions {
		if r.Length == 0 {
			continue
		}
		rs = append(rs, r)
	}

	sort.Slice(rs, func(i, j int) bool { return rs[i].Base < rs[j].Base })

	merged := make([]Region, 0, len(rs))
	for _, r := range rs {
		if n := len(merged); n > 0 {
			prev := &merged[n-1]
			if prev.Kind == r.Kind && prev.End() == r.Base {
				prev.Length += r.Length
				continue
			}
		}
		merged = append(merged, r)
	}

	var usable uint64
	for _, r := range merged {
		if r.Kind == KindUsable {
			usable += r.Length
		}
	}

	return &MemoryMap{regions: merged, usable: usable}
}

// Regions returns a copy of the normalized regions in ascending base
// order.
func (m *MemoryMap) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// Len returns the number of normalized regions.
func (m *MemoryMap) Len() int {
	return len(m.regions)
}

// TotalUsableBytes returns the summed length of all usable regions.
func (m *MemoryMap) TotalUsableBytes() uint64 {
	return m.usable
}

// UsableRanges returns the frame ranges of the usable regions in
// ascending order.
func (m *MemoryMap) UsableRanges() []FrameRange {
	var out []FrameRange
	for _, r := range m.regions {
		if r.Kind != KindUsable {
			continue
		}
		fr := r.Frames()
		if fr.IsEmpty() {
			continue
		}
		out = append(out, fr)
	}
	return out
}
