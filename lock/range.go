package lock

import (
	"fmt"
	"math"
)

// Unbounded is the size used for ranges extending to the end of the file and beyond.
const Unbounded = math.MaxInt64

// Whole is the sentinel range used by structural operations (grow, clear, close)
// that must exclude every finer grained access to the same file.
var Whole = Range{Position: 0, Size: Unbounded}

// Range identifies a byte region of a file.
type Range struct {
	Position int64
	Size     int64
}

// from returns a range starting at position and extending to the end of the file.
func from(position int64) Range {
	return Range{Position: position, Size: Unbounded - position}
}

// End returns the exclusive end offset, saturated at Unbounded.
func (r Range) End() int64 {
	if r.Size >= Unbounded-r.Position {
		return Unbounded
	}
	return r.Position + r.Size
}

// Overlaps reports whether two ranges share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Position < o.End() && o.Position < r.End()
}

// IsUnbounded reports whether the range reaches the end of the address space.
func (r Range) IsUnbounded() bool {
	return r.End() == Unbounded
}

func (r Range) union(o Range) Range {
	start := min(r.Position, o.Position)
	end := max(r.End(), o.End())
	return Range{Position: start, Size: end - start}
}

func (r Range) validate() error {
	if r.Position < 0 || r.Size <= 0 {
		return fmt.Errorf("lock: invalid range %d+%d", r.Position, r.Size)
	}
	return nil
}

func (r Range) String() string {
	if r.IsUnbounded() {
		return fmt.Sprintf("[%d,∞)", r.Position)
	}
	return fmt.Sprintf("[%d,%d)", r.Position, r.End())
}
