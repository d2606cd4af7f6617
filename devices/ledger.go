/*
ledger.go - Device assignment ledger service

PURPOSE:
  Implements generic.Ledger on top of a generic.HistoryStore. This is
  where the column policy lives: when a device may be registered, when
  a column may be deregistered, and how corrections supersede entries.

MUTATION FLOW (every write):
  1. Resolve the column (unknown -> ErrColumnNotFound)
  2. Take the per-key lock
  3. Load the history (ErrNotFound -> empty, version 0)
  4. Apply the operation to a deep copy
  5. Validate the whole proposed timeline
  6. Save with compare-and-swap on the loaded version
  7. On ErrConcurrentModification reload and go to 4 (MaxRetries times)
  8. Append an audit entry and return the reporting view

  Policy and validation failures return at step 4 or 5 with storage
  untouched. They are never retried.

POLICY:
  Register   requires nothing to overlap [start, ∞)       -> OccupiedError
  Deregister requires an open entry that has started     -> NoActiveAssignmentError
             a scheduled entry must be canceled instead  -> ScheduledRegistrationError
  Correct    target must exist and not be superseded     -> ErrAssignmentNotFound / ErrAlreadySuperseded
  Cancel     same as Correct, without a replacement

EXAMPLE:
  ledger, _ := devices.New(store, columns, devices.WithClock(generic.SystemClock{}))
  res, err := ledger.Register(ctx, generic.RegisterCommand{
      Key:      generic.HistoryKey{Participant: "GUMC1234567", Column: "ParticipantDevice.Watch"},
      DeviceID: "sn-001",
      Actor:    "research-assessor",
  })

SEE ALSO:
  - generic/ledger.go: Capability interface and commands
  - generic/timeline.go: Validation rules
  - sweep.go: Batch validation of stored histories
*/
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/device-ledger/generic"
	"github.com/warp/device-ledger/metrics"
)

// DefaultMaxRetries bounds reloads after a compare-and-swap conflict.
const DefaultMaxRetries = 3

// DeviceLedger is the generic.Ledger implementation.
type DeviceLedger struct {
	store      generic.HistoryStore
	columns    *generic.ColumnSet
	clock      generic.Clock
	audit      generic.AuditLog
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxRetries int
	locks      *keyLocks
}

var _ generic.Ledger = (*DeviceLedger)(nil)

type Option func(l *DeviceLedger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *DeviceLedger) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *DeviceLedger) {
		l.metrics = m
	}
}

func WithAuditLog(audit generic.AuditLog) Option {
	return func(l *DeviceLedger) {
		l.audit = audit
	}
}

func WithClock(clock generic.Clock) Option {
	return func(l *DeviceLedger) {
		l.clock = clock
	}
}

// WithMaxRetries sets how many times a conflicting save is re-applied.
// Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(l *DeviceLedger) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

// New constructs a DeviceLedger.
func New(store generic.HistoryStore, columns *generic.ColumnSet, opts ...Option) (*DeviceLedger, error) {
	if store == nil {
		return nil, errors.New("history store is required")
	}
	if columns == nil {
		return nil, errors.New("column set is required")
	}
	l := &DeviceLedger{
		store:      store,
		columns:    columns,
		clock:      generic.SystemClock{},
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
		locks:      newKeyLocks(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Columns returns the configured column set.
func (l *DeviceLedger) Columns() *generic.ColumnSet { return l.columns }

// Now returns the ledger's notion of the current instant.
func (l *DeviceLedger) Now() generic.TimePoint { return l.clock.Now() }

// =============================================================================
// MUTATIONS
// =============================================================================

// Register opens [Start, ∞) for a device. A zero Start means now.
func (l *DeviceLedger) Register(ctx context.Context, cmd generic.RegisterCommand) (*generic.MutationResult, error) {
	return l.mutate(ctx, "register", generic.AuditRegistered, cmd.Key, cmd.Actor,
		func(col generic.ColumnDefinition, h *generic.History, now generic.TimePoint) (generic.Assignment, error) {
			deviceID, err := col.NormalizeDeviceID(cmd.DeviceID)
			if err != nil {
				return generic.Assignment{}, err
			}
			start := cmd.Start
			if start.IsZero() {
				start = now
			}
			proposed := generic.OpenFrom(start)

			for _, e := range h.Entries {
				if !e.Superseded && generic.Overlaps(e.Interval, proposed) {
					return generic.Assignment{}, &generic.OccupiedError{Column: col.ID, Existing: e}
				}
			}

			a := generic.Assignment{
				ID:         h.NextID(),
				DeviceID:   deviceID,
				Interval:   proposed,
				Note:       strings.TrimSpace(cmd.Note),
				RecordedBy: cmd.Actor,
				RecordedAt: now,
			}
			h.Entries = append(h.Entries, a)
			return a, nil
		})
}

// Deregister closes the open entry at End. A zero End means now; an End
// in the future schedules the deregistration.
func (l *DeviceLedger) Deregister(ctx context.Context, cmd generic.DeregisterCommand) (*generic.MutationResult, error) {
	return l.mutate(ctx, "deregister", generic.AuditDeregistered, cmd.Key, cmd.Actor,
		func(col generic.ColumnDefinition, h *generic.History, now generic.TimePoint) (generic.Assignment, error) {
			open := h.Open()
			if open == nil {
				return generic.Assignment{}, &generic.NoActiveAssignmentError{Column: col.ID}
			}
			if open.Interval.Start.After(now) {
				return generic.Assignment{}, &generic.ScheduledRegistrationError{Column: col.ID, Scheduled: *open}
			}
			if cmd.DeviceID != "" {
				if want := strings.ToUpper(strings.TrimSpace(cmd.DeviceID)); want != open.DeviceID {
					return generic.Assignment{}, fmt.Errorf("%w: %s holds %s, not %s",
						generic.ErrDeviceMismatch, col.ID, open.DeviceID, want)
				}
			}

			end := cmd.End
			if end.IsZero() {
				end = now
			}
			closed := open.Clone()
			closed.Interval.End = end.Ptr()
			if err := closed.Interval.Validate(); err != nil {
				return generic.Assignment{}, &generic.IntervalError{Column: col.ID, Assignment: closed}
			}

			open.Interval.End = end.Ptr()
			return closed, nil
		})
}

// Correct supersedes an entry with an edited copy.
func (l *DeviceLedger) Correct(ctx context.Context, cmd generic.CorrectCommand) (*generic.MutationResult, error) {
	return l.mutate(ctx, "correct", generic.AuditCorrected, cmd.Key, cmd.Actor,
		func(col generic.ColumnDefinition, h *generic.History, now generic.TimePoint) (generic.Assignment, error) {
			target, err := findLive(h, cmd.AssignmentID)
			if err != nil {
				return generic.Assignment{}, err
			}

			replacement := target.Clone()
			changed := false
			if cmd.DeviceID != "" {
				deviceID, err := col.NormalizeDeviceID(cmd.DeviceID)
				if err != nil {
					return generic.Assignment{}, err
				}
				changed = changed || deviceID != target.DeviceID
				replacement.DeviceID = deviceID
			}
			if cmd.HasIntervalEdit() {
				interval, err := cmd.ApplyInterval(target.Interval)
				if err != nil {
					return generic.Assignment{}, err
				}
				changed = changed || !interval.Equal(target.Interval)
				replacement.Interval = interval
			}
			if cmd.Note != nil {
				note := strings.TrimSpace(*cmd.Note)
				changed = changed || note != target.Note
				replacement.Note = note
			}
			if !changed {
				return generic.Assignment{}, fmt.Errorf("%w: entry %d", generic.ErrInvalidCorrection, target.ID)
			}

			prevID := target.ID
			replacement.ID = h.NextID()
			replacement.CorrectionOf = &prevID
			replacement.Superseded = false
			replacement.SupersededBy = nil
			replacement.RecordedBy = cmd.Actor
			replacement.RecordedAt = now

			newID := replacement.ID
			target.Superseded = true
			target.SupersededBy = &newID
			h.Entries = append(h.Entries, replacement)
			return replacement, nil
		})
}

// Cancel supersedes an entry without replacement. This is how a
// scheduled registration is removed before deregistering.
func (l *DeviceLedger) Cancel(ctx context.Context, cmd generic.CancelCommand) (*generic.MutationResult, error) {
	return l.mutate(ctx, "cancel", generic.AuditCanceled, cmd.Key, cmd.Actor,
		func(_ generic.ColumnDefinition, h *generic.History, _ generic.TimePoint) (generic.Assignment, error) {
			target, err := findLive(h, cmd.AssignmentID)
			if err != nil {
				return generic.Assignment{}, err
			}
			target.Superseded = true
			target.SupersededBy = nil
			return target.Clone(), nil
		})
}

// Import stores a complete history into a column that has none yet.
// Entries are validated as a whole. IDs are kept as given and must be
// unique and positive, with references inside the imported set.
func (l *DeviceLedger) Import(ctx context.Context, key generic.HistoryKey, entries []generic.Assignment, actor generic.Actor) (*generic.MutationResult, error) {
	return l.mutate(ctx, "import", generic.AuditImported, key, actor,
		func(col generic.ColumnDefinition, h *generic.History, _ generic.TimePoint) (generic.Assignment, error) {
			if len(h.Entries) > 0 {
				return generic.Assignment{}, &generic.OccupiedError{Column: col.ID, Existing: h.Entries[len(h.Entries)-1]}
			}
			if len(entries) == 0 {
				return generic.Assignment{}, fmt.Errorf("%w: nothing to import", generic.ErrInvalidCorrection)
			}
			if err := (generic.History{Entries: entries}).CheckArena(); err != nil {
				return generic.Assignment{}, err
			}
			for _, e := range entries {
				deviceID, err := col.NormalizeDeviceID(e.DeviceID)
				if err != nil {
					return generic.Assignment{}, err
				}
				e = e.Clone()
				e.DeviceID = deviceID
				h.Entries = append(h.Entries, e)
			}
			return h.Entries[len(h.Entries)-1].Clone(), nil
		})
}

func findLive(h *generic.History, id generic.AssignmentID) (*generic.Assignment, error) {
	target := h.Find(id)
	if target == nil {
		return nil, fmt.Errorf("%w: entry %d in %s", generic.ErrAssignmentNotFound, id, h.Key)
	}
	if target.Superseded {
		return nil, fmt.Errorf("%w: entry %d", generic.ErrAlreadySuperseded, id)
	}
	return target, nil
}

// =============================================================================
// MUTATION LOOP
// =============================================================================

type mutation func(col generic.ColumnDefinition, h *generic.History, now generic.TimePoint) (generic.Assignment, error)

func (l *DeviceLedger) mutate(
	ctx context.Context,
	op string,
	action generic.AuditAction,
	key generic.HistoryKey,
	actor generic.Actor,
	apply mutation,
) (result *generic.MutationResult, err error) {
	started := time.Now()
	defer func() {
		l.metrics.ObserveOperation(op, resultLabel(err), time.Since(started))
	}()

	col, err := l.columns.Lookup(key.Column)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.lock(key)
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := l.load(ctx, key)
		if err != nil {
			return nil, err
		}

		working := current.Clone()
		now := l.clock.Now()

		changed, err := apply(col, &working, now)
		if err != nil {
			l.logger.DebugContext(ctx, "ledger mutation rejected",
				"op", op, "participant", key.Participant, "column", key.Column, "error", err)
			return nil, err
		}

		tl, err := generic.Validate(col.ID, working.Entries)
		if err != nil {
			l.logger.DebugContext(ctx, "ledger mutation failed validation",
				"op", op, "participant", key.Participant, "column", key.Column, "error", err)
			return nil, err
		}

		version, err := l.store.Save(ctx, working)
		if errors.Is(err, generic.ErrConcurrentModification) {
			l.metrics.IncrementConflict(op)
			if attempt >= l.maxRetries {
				l.logger.WarnContext(ctx, "ledger mutation gave up after conflicts",
					"op", op, "participant", key.Participant, "column", key.Column, "attempts", attempt+1)
				return nil, fmt.Errorf("%s %s: %w", op, key, generic.ErrConcurrentModification)
			}
			l.logger.DebugContext(ctx, "ledger mutation conflict, retrying",
				"op", op, "participant", key.Participant, "column", key.Column, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, &generic.StorageError{Op: "save", Key: key, Err: err}
		}

		l.recordAudit(ctx, action, key, actor, changed, version, now)
		l.logger.InfoContext(ctx, "ledger mutation committed",
			"op", op,
			"participant", key.Participant,
			"column", key.Column,
			"assignment_id", changed.ID,
			"device_id", changed.DeviceID,
			"version", version,
		)

		return &generic.MutationResult{
			Assignment: changed,
			Version:    version,
			Report:     generic.Project(key, tl, now),
		}, nil
	}
}

// load returns the stored history, or an empty one for a never-used column.
func (l *DeviceLedger) load(ctx context.Context, key generic.HistoryKey) (generic.History, error) {
	h, err := l.store.Load(ctx, key)
	if errors.Is(err, generic.ErrNotFound) {
		return generic.History{Key: key}, nil
	}
	if err != nil {
		return generic.History{}, &generic.StorageError{Op: "load", Key: key, Err: err}
	}
	h.Key = key
	return h, nil
}

func (l *DeviceLedger) recordAudit(
	ctx context.Context,
	action generic.AuditAction,
	key generic.HistoryKey,
	actor generic.Actor,
	a generic.Assignment,
	version int64,
	now generic.TimePoint,
) {
	if l.audit == nil {
		return
	}
	payload := map[string]any{
		"device_id": a.DeviceID,
		"start":     a.Interval.Start.String(),
	}
	if a.Interval.End != nil {
		payload["end"] = a.Interval.End.String()
	}
	if a.CorrectionOf != nil {
		payload["correction_of"] = int64(*a.CorrectionOf)
	}
	entry := generic.AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    now,
		Actor:        actor,
		Action:       action,
		Key:          key,
		AssignmentID: a.ID,
		Version:      version,
		Payload:      payload,
	}
	// The history is already committed; a lost audit line is logged, not returned.
	if err := l.audit.Append(ctx, entry); err != nil {
		l.logger.ErrorContext(ctx, "audit append failed",
			"action", action, "participant", key.Participant, "column", key.Column, "error", err)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case generic.IsValidationError(err):
		return "validation"
	case generic.IsPolicyError(err):
		return "policy"
	case generic.IsNotFound(err):
		return "not_found"
	case generic.IsRetryable(err):
		return "conflict"
	default:
		return "storage"
	}
}

// =============================================================================
// READS - No lock, whole snapshot from the store
// =============================================================================

// Query returns the entry in effect at asOf, or nil if none.
func (l *DeviceLedger) Query(ctx context.Context, key generic.HistoryKey, asOf generic.TimePoint) (*generic.Assignment, error) {
	if _, err := l.columns.Lookup(key.Column); err != nil {
		return nil, err
	}
	h, err := l.load(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, e := range h.Entries {
		if !e.Superseded && generic.Contains(e.Interval, asOf) {
			found := e.Clone()
			return &found, nil
		}
	}
	return nil, nil
}

// History returns the raw stored arena for a column.
func (l *DeviceLedger) History(ctx context.Context, key generic.HistoryKey) (generic.History, error) {
	if _, err := l.columns.Lookup(key.Column); err != nil {
		return generic.History{}, err
	}
	return l.load(ctx, key)
}

// Report projects one column at the ledger's current time. A stored
// history that fails validation or cannot be decoded is reported with
// its diagnostic, not returned as an error.
func (l *DeviceLedger) Report(ctx context.Context, key generic.HistoryKey) (*generic.ColumnReport, error) {
	h, err := l.History(ctx, key)
	now := l.clock.Now()
	if errors.Is(err, generic.ErrCorruptHistory) {
		l.logger.WarnContext(ctx, "stored device history cannot be decoded",
			"participant", key.Participant, "column", key.Column, "error", err)
		return generic.ProjectInvalid(key, nil, errors.Unwrap(err), now), nil
	}
	if err != nil {
		return nil, err
	}
	tl, err := generic.Validate(key.Column, h.Entries)
	if err != nil {
		l.logger.WarnContext(ctx, "stored device history is invalid",
			"participant", key.Participant, "column", key.Column, "error", err)
		return generic.ProjectInvalid(key, h.Entries, err, now), nil
	}
	return generic.Project(key, tl, now), nil
}

// ParticipantReport projects every configured column of a participant.
func (l *DeviceLedger) ParticipantReport(ctx context.Context, participant generic.ParticipantID) ([]*generic.ColumnReport, error) {
	cols := l.columns.List()
	reports := make([]*generic.ColumnReport, 0, len(cols))
	for _, c := range cols {
		r, err := l.Report(ctx, generic.HistoryKey{Participant: participant, Column: c.ID})
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Audit returns audit entries, or nothing when no audit log is configured.
func (l *DeviceLedger) Audit(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	if l.audit == nil {
		return nil, nil
	}
	return l.audit.Query(ctx, filter)
}
