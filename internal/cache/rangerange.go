package cache

import "fmt"

// Range is a logical, half-open byte range [Beg, End) within an object.
// Grounded on xproxy-beta/cache/range.h.
type Range struct {
	beg uint64
	len uint64
}

// NewRange builds an object-level range. It panics if the range would be
// smaller than MinObjSize or would spill outside [0, MaxObjSize) — these are
// the same invariants enforced by the C++ constructor's X3ME_ENFORCE.
func NewRange(beg, length uint64) Range {
	if !validObjRange(beg, length) {
		panic(fmt.Sprintf("cache: invalid object range [%d,+%d)", beg, length))
	}
	return Range{beg: beg, len: length}
}

// NewFragRange builds a fragment-level range, whose length must fall within
// [ObjectFragMinDataSize, ObjectFragMaxDataSize].
func NewFragRange(beg, length uint64) Range {
	if !validFragRange(beg, length) {
		panic(fmt.Sprintf("cache: invalid fragment range [%d,+%d)", beg, length))
	}
	return Range{beg: beg, len: length}
}

func validObjRange(beg, length uint64) bool {
	if length < MinObjSize {
		return false
	}
	end := beg + length
	return end >= beg && end <= MaxObjSize
}

func validFragRange(beg, length uint64) bool {
	if length < ObjectFragMinDataSize || length > ObjectFragMaxDataSize {
		return false
	}
	end := beg + length
	return end >= beg && end <= MaxObjSize
}

func (r Range) Beg() uint64   { return r.beg }
func (r Range) End() uint64   { return r.beg + r.len }
func (r Range) Len() uint64   { return r.len }
func (r Range) Empty() bool   { return r.len == 0 }
func (r Range) String() string {
	return fmt.Sprintf("[%d-%d)", r.Beg(), r.End())
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Beg() < o.End() && o.Beg() < r.End()
}

// Less orders ranges by their beginning offset, mirroring operator< in
// range.h.
func (r Range) Less(o Range) bool { return r.beg < o.beg }
