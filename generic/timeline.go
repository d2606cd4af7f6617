/*
timeline.go - Timeline validation for one column

PURPOSE:
  Decides whether a column's assignments form a consistent history:
  at any instant at most one device is registered, and only the last
  entry may still be open. Every mutation is checked here before it is
  persisted, and the batch sweep checks stored histories here too.

ALGORITHM:
  1. Split superseded entries out (kept for audit, ignored below)
  2. Every active entry must have Start < End when bounded
  3. Stable sort by Start (ties keep arena order)
  4. An open entry must be the only one and the last one
  5. Adjacent pairs: earlier End must be <= later Start

  Step 4 runs before step 5 so that "two devices left open" is reported
  as such rather than as an overlap.

PROPERTIES:
  - Deterministic: same input, same verdict, no clock involved
  - Empty input is a valid (Empty) timeline
  - A single open entry starting in the future is valid (scheduled)

SEE ALSO:
  - interval.go: Half-open interval semantics
  - projection.go: Turns a ValidatedTimeline into a report
*/
package generic

import "slices"

// ValidatedTimeline is the active, ordered view of a column's history.
type ValidatedTimeline struct {
	Column     ColumnID
	Active     []Assignment // sorted by Start
	Superseded []Assignment // arena order
}

// Validate checks the timeline invariants over entries (arena order).
func Validate(column ColumnID, entries []Assignment) (*ValidatedTimeline, error) {
	tl := &ValidatedTimeline{Column: column}

	for _, e := range entries {
		if e.Superseded {
			tl.Superseded = append(tl.Superseded, e)
			continue
		}
		if err := e.Interval.Validate(); err != nil {
			return nil, &IntervalError{Column: column, Assignment: e}
		}
		tl.Active = append(tl.Active, e)
	}

	slices.SortStableFunc(tl.Active, func(a, b Assignment) int {
		return CompareByStart(a.Interval, b.Interval)
	})

	var open []Assignment
	for _, e := range tl.Active {
		if e.IsOpen() {
			open = append(open, e)
		}
	}
	if len(open) > 1 || (len(open) == 1 && !tl.Active[len(tl.Active)-1].IsOpen()) {
		return nil, &MultipleOpenError{Column: column, Open: open}
	}

	for i := 1; i < len(tl.Active); i++ {
		prev, next := tl.Active[i-1], tl.Active[i]
		if Overlaps(prev.Interval, next.Interval) {
			return nil, &OverlapError{Column: column, Earlier: prev, Later: next}
		}
	}

	return tl, nil
}

// =============================================================================
// DERIVED STATE
// =============================================================================

// ColumnState is the column's status relative to now. It is derived on
// every read and never stored.
type ColumnState string

const (
	ColumnEmpty     ColumnState = "empty"
	ColumnActive    ColumnState = "active"
	ColumnScheduled ColumnState = "scheduled"
	ColumnClosed    ColumnState = "closed"
)

// State derives the column state at now.
//
//	Empty:     no active entries
//	Active:    some entry contains now
//	Scheduled: nothing contains now, some entry starts after now
//	Closed:    every entry ended at or before now
func (tl *ValidatedTimeline) State(now TimePoint) ColumnState {
	if len(tl.Active) == 0 {
		return ColumnEmpty
	}
	if tl.At(now) != nil {
		return ColumnActive
	}
	if tl.NextScheduled(now) != nil {
		return ColumnScheduled
	}
	return ColumnClosed
}

// At returns the entry whose interval contains t, or nil.
func (tl *ValidatedTimeline) At(t TimePoint) *Assignment {
	for i := range tl.Active {
		if Contains(tl.Active[i].Interval, t) {
			return &tl.Active[i]
		}
	}
	return nil
}

// NextScheduled returns the earliest entry starting after now, or nil.
func (tl *ValidatedTimeline) NextScheduled(now TimePoint) *Assignment {
	for i := range tl.Active {
		if tl.Active[i].Interval.Start.After(now) {
			return &tl.Active[i]
		}
	}
	return nil
}

// Last returns the latest-starting active entry, or nil.
func (tl *ValidatedTimeline) Last() *Assignment {
	if len(tl.Active) == 0 {
		return nil
	}
	return &tl.Active[len(tl.Active)-1]
}
