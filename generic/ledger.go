/*
ledger.go - Capability interface of the device ledger

PURPOSE:
  The Ledger is what presentation layers (HTTP handlers, the CLI, an
  importer) talk to. It exposes the column operations and nothing about
  how histories are stored or locked.

OPERATIONS:
  Register:   open [Start, ∞) for a device on an Empty/Closed column
  Deregister: close the open entry at End (End in the future schedules it)
  Correct:    supersede an entry with an edited copy
  Cancel:     supersede an entry without replacement
  Query:      which device was registered at an instant
  Report:     reporting view of one column, or of all a participant's columns

CRITICAL INVARIANTS:
  1. ALL-OR-NOTHING: the proposed history is validated as a whole before
     it is stored; on failure storage is untouched
  2. NO SILENT CLOSE: a scheduled registration is canceled, never
     deregistered
  3. SUPERSEDE, DON'T EDIT: corrections keep the original for audit

EXAMPLE FLOW:
  1. Register SN-001 at T0          -> Active  {SN-001 [T0, ∞)}
  2. Register SN-002 at T1 > T0     -> ErrColumnOccupied
  3. Deregister at T2               -> Closed  {SN-001 [T0, T2)}
  4. Register SN-002 at T2          -> Active
  5. Correct entry 1 to end at T2+1 -> ErrColumnOverlap

SEE ALSO:
  - devices/ledger.go: Implementation with locking and CAS retry
  - timeline.go: Validation used by every mutation
*/
package generic

import (
	"context"
	"fmt"
)

// =============================================================================
// LEDGER - Capability set
// =============================================================================

type Ledger interface {
	Register(ctx context.Context, cmd RegisterCommand) (*MutationResult, error)
	Deregister(ctx context.Context, cmd DeregisterCommand) (*MutationResult, error)
	Correct(ctx context.Context, cmd CorrectCommand) (*MutationResult, error)
	Cancel(ctx context.Context, cmd CancelCommand) (*MutationResult, error)

	// Query returns the assignment in effect at asOf, or nil. Read-only.
	Query(ctx context.Context, key HistoryKey, asOf TimePoint) (*Assignment, error)

	Report(ctx context.Context, key HistoryKey) (*ColumnReport, error)
	ParticipantReport(ctx context.Context, participant ParticipantID) ([]*ColumnReport, error)
}

// =============================================================================
// COMMANDS
// =============================================================================

type RegisterCommand struct {
	Key      HistoryKey
	DeviceID string
	Start    TimePoint // zero means now
	Note     string
	Actor    Actor
}

type DeregisterCommand struct {
	Key HistoryKey
	End TimePoint // zero means now

	// DeviceID, when set, must match the open entry's device.
	DeviceID string
	Actor    Actor
}

// CorrectCommand edits an entry. Nil/empty fields keep the original value.
// Interval replaces the whole interval; Start, End and OpenEnded edit one
// bound of the entry as it is stored when the correction commits.
type CorrectCommand struct {
	Key          HistoryKey
	AssignmentID AssignmentID
	DeviceID     string
	Interval     *Interval
	Start        *TimePoint
	End          *TimePoint
	OpenEnded    bool
	Note         *string
	Actor        Actor
}

// HasIntervalEdit reports whether the command touches the interval.
func (c CorrectCommand) HasIntervalEdit() bool {
	return c.Interval != nil || c.Start != nil || c.End != nil || c.OpenEnded
}

// ApplyInterval merges the interval edits onto current.
func (c CorrectCommand) ApplyInterval(current Interval) (Interval, error) {
	if c.End != nil && c.OpenEnded {
		return Interval{}, fmt.Errorf("%w: end and open-ended both set", ErrInvalidInterval)
	}
	merged := current
	if c.Interval != nil {
		merged = *c.Interval
	}
	if c.Start != nil {
		merged.Start = *c.Start
	}
	switch {
	case c.OpenEnded:
		merged.End = nil
	case c.End != nil:
		merged.End = c.End.Ptr()
	case merged.End != nil:
		merged.End = merged.End.Ptr()
	}
	return merged, nil
}

type CancelCommand struct {
	Key          HistoryKey
	AssignmentID AssignmentID
	Actor        Actor
}

// MutationResult is returned by every successful mutation.
type MutationResult struct {
	Assignment Assignment // the entry created or closed
	Version    int64
	Report     *ColumnReport
}
