/*
projection.go - Reporting view of a column's timeline

PURPOSE:
  Turns a validated timeline into the human-facing summary: who holds
  the column now, when each device was registered and unregistered,
  and which entries are past, active or scheduled. Classification
  depends on "now", so it is recomputed on every read and never stored.

KEY INSIGHT:
  A registration scheduled for next Monday becomes active on Monday
  without any write: the stored entry is unchanged, only the "now"
  passed to Project moves.

UNREGISTERED-ON LABELS:
  bounded end         -> the end timestamp
  open, started       -> "present"
  open, not started   -> "scheduled"

INVALID COLUMNS:
  A stored history that fails validation is still reported: every entry
  is listed in arena order and the column carries the diagnostic
  "Device history for column X is invalid: <reason>".

EXAMPLE:
  tl, err := generic.Validate(key.Column, history.Entries)
  if err != nil {
      return generic.ProjectInvalid(key, history.Entries, err, clock.Now())
  }
  report := generic.Project(key, tl, clock.Now())
  fmt.Println(report.State, report.Current.DeviceID)

SEE ALSO:
  - timeline.go: Produces ValidatedTimeline
  - api/dto.go: JSON rendering of ColumnReport
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTRY REPORT
// =============================================================================

type EntryState string

const (
	EntryPast       EntryState = "past"
	EntryActive     EntryState = "active"
	EntryScheduled  EntryState = "scheduled"
	EntrySuperseded EntryState = "superseded"
)

const (
	LabelPresent   = "present"
	LabelScheduled = "scheduled"
)

// EntryReport is the display tuple for one assignment.
type EntryReport struct {
	AssignmentID   AssignmentID
	DeviceID       string
	RegisteredOn   TimePoint
	UnregisteredOn *TimePoint
	UntilLabel     string // formatted end, "present" or "scheduled"
	State          EntryState

	// Days the device has been (or was) held as of now, 2 decimals.
	Days decimal.Decimal

	Note         string
	RecordedBy   Actor
	RecordedAt   TimePoint
	CorrectionOf *AssignmentID
	SupersededBy *AssignmentID
}

// =============================================================================
// COLUMN REPORT
// =============================================================================

type ColumnReport struct {
	Key   HistoryKey
	State ColumnState
	AsOf  TimePoint

	// Current is the entry containing AsOf, if any.
	Current *EntryReport
	// Next is the earliest entry starting after AsOf, if any.
	Next *EntryReport

	Entries    []EntryReport // active timeline, by start
	Superseded []EntryReport // arena order

	Valid      bool
	Diagnostic string
}

var millisPerDay = decimal.NewFromInt(int64(24 * time.Hour / time.Millisecond))

// Project builds the report for a validated timeline at now.
func Project(key HistoryKey, tl *ValidatedTimeline, now TimePoint) *ColumnReport {
	r := &ColumnReport{
		Key:   key,
		State: tl.State(now),
		AsOf:  now,
		Valid: true,
	}

	for _, a := range tl.Active {
		er := projectEntry(a, now)
		r.Entries = append(r.Entries, er)
		switch er.State {
		case EntryActive:
			cur := er
			r.Current = &cur
		case EntryScheduled:
			if r.Next == nil {
				next := er
				r.Next = &next
			}
		}
	}
	for _, a := range tl.Superseded {
		er := projectEntry(a, now)
		er.State = EntrySuperseded
		r.Superseded = append(r.Superseded, er)
	}
	return r
}

// ProjectInvalid reports a history that failed validation. Entries are
// listed unsorted and the column state is not derived.
func ProjectInvalid(key HistoryKey, entries []Assignment, reason error, now TimePoint) *ColumnReport {
	diag := &InvalidHistoryError{Column: key.Column, Reason: reason}
	r := &ColumnReport{
		Key:        key,
		AsOf:       now,
		Valid:      false,
		Diagnostic: diag.Error(),
	}
	for _, a := range entries {
		er := projectEntry(a, now)
		if a.Superseded {
			er.State = EntrySuperseded
			r.Superseded = append(r.Superseded, er)
			continue
		}
		r.Entries = append(r.Entries, er)
	}
	return r
}

func projectEntry(a Assignment, now TimePoint) EntryReport {
	er := EntryReport{
		AssignmentID:   a.ID,
		DeviceID:       a.DeviceID,
		RegisteredOn:   a.Interval.Start,
		UnregisteredOn: a.Interval.End,
		Note:           a.Note,
		RecordedBy:     a.RecordedBy,
		RecordedAt:     a.RecordedAt,
		CorrectionOf:   a.CorrectionOf,
		SupersededBy:   a.SupersededBy,
		Days:           heldDays(a.Interval, now),
	}

	switch {
	case a.Interval.Start.After(now):
		er.State = EntryScheduled
	case Contains(a.Interval, now):
		er.State = EntryActive
	default:
		er.State = EntryPast
	}

	switch {
	case a.Interval.End != nil:
		er.UntilLabel = a.Interval.End.String()
	case er.State == EntryScheduled:
		er.UntilLabel = LabelScheduled
	default:
		er.UntilLabel = LabelPresent
	}
	return er
}

func heldDays(i Interval, now TimePoint) decimal.Decimal {
	ms := i.Duration(now).Milliseconds()
	return decimal.NewFromInt(ms).Div(millisPerDay).Round(2)
}
