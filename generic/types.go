/*
Package generic provides the core device assignment engine.

PURPOSE:
  This package contains the storage- and transport-agnostic types and
  algorithms for tracking which physical device is registered to which
  participant slot ("column") over time. Whether the column holds a
  wearable, a holter monitor or a sensor kit, the same engine handles
  interval checks, timeline validation and report projection.

KEY CONCEPTS IN THIS FILE (types.go):
  - Assignment: A device bound to a column for a half-open Interval
  - History: The arena of Assignments stored for one (participant, column)
  - HistoryKey: The external (participant, column) identifier pair
  - AssignmentID: Monotonic per-column index, used for back-references

DESIGN PRINCIPLES:
  1. Supersede, don't edit: corrections append a new Assignment and flag
     the old one; the only in-place change is closing an open interval
  2. Plain references: CorrectionOf points at an older AssignmentID, so
     the audit chain is never an ownership cycle
  3. Type Safety: distinct ID types keep participants and columns apart
  4. No hidden clock: "now" is always passed in (see time.go)

USAGE:
  a := generic.Assignment{
      ID:       1,
      DeviceID: "SN-001",
      Interval: generic.OpenFrom(start),
  }
  timeline, err := generic.Validate("ParticipantDevice.Watch", []generic.Assignment{a})

SEE ALSO:
  - interval.go: Interval arithmetic
  - timeline.go: Timeline validation
  - projection.go: Reporting view
  - store.go: Persistence interface
*/
package generic

import "fmt"

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ParticipantID is the external, opaque participant key.
type ParticipantID string

// ColumnID names one configured device slot.
type ColumnID string

// AssignmentID indexes an Assignment within its column's arena.
type AssignmentID int64

// Actor identifies who recorded an entry (user, importer, system job).
type Actor string

// HistoryKey addresses one column of one participant.
type HistoryKey struct {
	Participant ParticipantID `json:"participant"`
	Column      ColumnID      `json:"column"`
}

func (k HistoryKey) String() string {
	return string(k.Participant) + "/" + string(k.Column)
}

// =============================================================================
// ASSIGNMENT - Device bound to a column for an interval
// =============================================================================

type Assignment struct {
	ID       AssignmentID
	DeviceID string
	Interval Interval
	Note     string

	// Audit fields
	RecordedBy Actor
	RecordedAt TimePoint

	// CorrectionOf references the entry this one replaced, if any.
	CorrectionOf *AssignmentID

	// Superseded entries stay in the arena but leave the active timeline.
	// SupersededBy is nil when the entry was canceled without replacement.
	Superseded   bool
	SupersededBy *AssignmentID
}

// IsOpen reports whether the assignment has no end yet.
func (a Assignment) IsOpen() bool { return a.Interval.End == nil }

// Clone returns a deep copy so working copies never alias stored pointers.
func (a Assignment) Clone() Assignment {
	c := a
	if a.Interval.End != nil {
		end := *a.Interval.End
		c.Interval.End = &end
	}
	if a.CorrectionOf != nil {
		id := *a.CorrectionOf
		c.CorrectionOf = &id
	}
	if a.SupersededBy != nil {
		id := *a.SupersededBy
		c.SupersededBy = &id
	}
	return c
}

// =============================================================================
// HISTORY - Arena of assignments for one key
// =============================================================================

// History is the stored, ordered arena of a column's assignments.
// Version is the optimistic-concurrency token: 0 means never stored.
type History struct {
	Key     HistoryKey
	Entries []Assignment
	Version int64
}

// Clone deep-copies the history for use as a mutation working copy.
func (h History) Clone() History {
	c := History{Key: h.Key, Version: h.Version}
	if len(h.Entries) > 0 {
		c.Entries = make([]Assignment, len(h.Entries))
		for i, e := range h.Entries {
			c.Entries[i] = e.Clone()
		}
	}
	return c
}

// NextID returns the next free AssignmentID in the arena.
func (h History) NextID() AssignmentID {
	var max AssignmentID
	for _, e := range h.Entries {
		if e.ID > max {
			max = e.ID
		}
	}
	return max + 1
}

// CheckArena verifies the identifier contract: IDs are positive and
// unique, and CorrectionOf/SupersededBy name entries of the same arena.
func (h History) CheckArena() error {
	ids := make(map[AssignmentID]struct{}, len(h.Entries))
	for _, e := range h.Entries {
		if e.ID <= 0 {
			return fmt.Errorf("%w: entry id %d is not positive", ErrInvalidArena, e.ID)
		}
		if _, dup := ids[e.ID]; dup {
			return fmt.Errorf("%w: duplicate entry id %d", ErrInvalidArena, e.ID)
		}
		ids[e.ID] = struct{}{}
	}
	for _, e := range h.Entries {
		refs := []struct {
			name string
			id   *AssignmentID
		}{{"correction_of", e.CorrectionOf}, {"superseded_by", e.SupersededBy}}
		for _, ref := range refs {
			if ref.id == nil {
				continue
			}
			if _, ok := ids[*ref.id]; !ok || *ref.id == e.ID {
				return fmt.Errorf("%w: entry %d %s %d does not name another entry", ErrInvalidArena, e.ID, ref.name, *ref.id)
			}
		}
	}
	return nil
}

// Find returns a pointer into Entries for the given ID, or nil.
func (h *History) Find(id AssignmentID) *Assignment {
	for i := range h.Entries {
		if h.Entries[i].ID == id {
			return &h.Entries[i]
		}
	}
	return nil
}

// Active returns the non-superseded entries in arena order.
func (h History) Active() []Assignment {
	var out []Assignment
	for _, e := range h.Entries {
		if !e.Superseded {
			out = append(out, e)
		}
	}
	return out
}

// Open returns the non-superseded entry without an end, or nil.
// If the history is invalid and holds several, the latest-starting wins.
func (h *History) Open() *Assignment {
	var open *Assignment
	for i := range h.Entries {
		e := &h.Entries[i]
		if e.Superseded || !e.IsOpen() {
			continue
		}
		if open == nil || !e.Interval.Start.Before(open.Interval.Start) {
			open = e
		}
	}
	return open
}
