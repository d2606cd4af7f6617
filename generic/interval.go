package generic

import "time"

// =============================================================================
// INTERVAL - Half-open assignment window
// =============================================================================

// Interval is the half-open window [Start, End) during which a device is
// assigned. A nil End is unbounded: the assignment is still in effect (or,
// if Start lies in the future, scheduled).
type Interval struct {
	Start TimePoint
	End   *TimePoint
}

// OpenFrom returns the unbounded interval [start, ∞).
func OpenFrom(start TimePoint) Interval {
	return Interval{Start: start}
}

// Between returns the bounded interval [start, end).
func Between(start, end TimePoint) Interval {
	return Interval{Start: start, End: end.Ptr()}
}

// IsBounded reports whether the interval has an end.
func (i Interval) IsBounded() bool { return i.End != nil }

// Validate checks Start < End for bounded intervals.
func (i Interval) Validate() error {
	if i.End != nil && !i.End.After(i.Start) {
		return ErrInvalidInterval
	}
	return nil
}

// Contains reports whether t falls within [Start, End).
func (i Interval) Contains(t TimePoint) bool {
	return Contains(i, t)
}

// Overlaps reports whether the two intervals share any instant.
func (i Interval) Overlaps(other Interval) bool {
	return Overlaps(i, other)
}

// EndsAfter reports whether the interval extends beyond t: unbounded, or End > t.
func (i Interval) EndsAfter(t TimePoint) bool {
	return i.End == nil || i.End.After(t)
}

// Duration returns how long the interval has lasted as of now. An unbounded
// interval counts up to now; a window that has not started yet has zero length.
func (i Interval) Duration(now TimePoint) time.Duration {
	end := now
	if i.End != nil && i.End.Before(now) {
		end = *i.End
	}
	if !end.After(i.Start) {
		return 0
	}
	return end.Sub(i.Start)
}

// Equal compares start and end, treating two unbounded ends as equal.
func (i Interval) Equal(other Interval) bool {
	if !i.Start.Equal(other.Start) {
		return false
	}
	if i.End == nil || other.End == nil {
		return i.End == nil && other.End == nil
	}
	return i.End.Equal(*other.End)
}

func (i Interval) String() string {
	if i.End == nil {
		return "[" + i.Start.String() + ", ∞)"
	}
	return "[" + i.Start.String() + ", " + i.End.String() + ")"
}

// =============================================================================
// PURE INTERVAL OPERATIONS
// =============================================================================

// Contains reports whether t is inside the half-open interval.
func Contains(i Interval, t TimePoint) bool {
	if t.Before(i.Start) {
		return false
	}
	return i.End == nil || t.Before(*i.End)
}

// Overlaps reports whether a and b intersect. Touching intervals
// ([a, b) and [b, c)) do not overlap.
func Overlaps(a, b Interval) bool {
	return a.EndsAfter(b.Start) && b.EndsAfter(a.Start)
}

// CompareByStart orders intervals by Start: -1, 0 or +1.
func CompareByStart(a, b Interval) int {
	switch {
	case a.Start.Before(b.Start):
		return -1
	case a.Start.After(b.Start):
		return 1
	default:
		return 0
	}
}
