package mem

// FrameSize is the size of one physical frame in bytes.
const FrameSize = 4096

// Frame identifies a physical frame by its frame number. Frame n covers
// the byte range [n*FrameSize, (n+1)*FrameSize).
type Frame uint64

// FrameAt returns the frame containing addr.
func FrameAt(addr PhysAddr) Frame {
	return Frame(uint64(addr) / FrameSize)
}

// Addr returns the base address of the frame.
func (f Frame) Addr() PhysAddr {
	return PhysAddr(uint64(f) * FrameSize)
}

// Next returns the frame immediately after f.
func (f Frame) Next() Frame {
	return f + 1
}

// FrameRange is a half-open range of frames [Start, End).
type FrameRange struct {
	Start Frame
	End   Frame
}

// FramesWithin returns the frames lying entirely inside
// [base, base+length). A span smaller than one aligned frame yields an
// empty range.
func FramesWithin(base PhysAddr, length uint64) FrameRange {
	start := FrameAt(base.AlignUp(FrameSize))
	end := FrameAt(base + PhysAddr(length))
	if start > end {
		return FrameRange{Start: start, End: start}
	}
	return FrameRange{Start: start, End: end}
}

// IsEmpty reports whether the range contains no frames.
func (r FrameRange) IsEmpty() bool {
	return r.Start >= r.End
}

// Len returns the number of frames in the range.
func (r FrameRange) Len() uint64 {
	if r.IsEmpty() {
		return 0
	}
	return uint64(r.End - r.Start)
}

// Contains reports whether f lies inside the range.
func (r FrameRange) Contains(f Frame) bool {
	return f >= r.Start && f < r.End
}

// Iter returns a fresh ascending iterator over the range. Iterators are
// independent, so a range can be walked any number of times.
func (r FrameRange) Iter() FrameIter {
	return FrameIter{next: r.Start, end: r.End}
}

// FrameIter walks a FrameRange in ascending order.
type FrameIter struct {
	next Frame
	end  Frame
}

// Next returns the next frame, or false when the range is exhausted.
func (it *FrameIter) Next() (Frame, bool) {
	if it.next >= it.end {
		return 0, false
	}
	f := it.next
	it.next++
	return f, true
}
