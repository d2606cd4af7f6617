/*
store.go - Persistence interface for device histories

PURPOSE:
  Defines the boundary between the ledger and the database. A store
  persists one History document per (participant, column) and guards
  each write with the version the caller loaded, so two processes
  editing the same column cannot silently overwrite each other.

KEY INTERFACES:
  HistoryStore:   Load / compare-and-swap Save of one column's history
  HistoryScanner: HistoryStore that can also enumerate stored keys
  AuditLog:       Append-only record of committed mutations

COMPARE-AND-SWAP CONTRACT:
  - Load of a never-stored key returns ErrNotFound
  - Save(h) succeeds only if the stored version equals h.Version
    (0 means "must not exist yet") and returns the new version
  - On mismatch Save returns ErrConcurrentModification and writes nothing
  - Round trips preserve entry order and content

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory for tests and demos
  - store/sqlite:   SQLite (mattn/go-sqlite3)
  - store/postgres: PostgreSQL (pgx stdlib driver)
  - store/redis:    Redis (WATCH/MULTI)
  - store/s3:       S3-compatible object storage (ETag conditional PUT)

EXAMPLE:
  h, err := store.Load(ctx, key)
  if errors.Is(err, generic.ErrNotFound) {
      h = generic.History{Key: key}
  }
  h.Entries = append(h.Entries, a)
  if _, err := store.Save(ctx, h); errors.Is(err, generic.ErrConcurrentModification) {
      // reload and retry
  }

SEE ALSO:
  - devices/ledger.go: Mutation loop built on these interfaces
  - generic/store/storetest: Contract tests shared by all adapters
*/
package generic

import "context"

// =============================================================================
// HISTORY STORE - Versioned persistence of one column
// =============================================================================

type HistoryStore interface {
	// Load returns the stored history for key, or ErrNotFound.
	Load(ctx context.Context, key HistoryKey) (History, error)

	// Save writes h if the stored version still equals h.Version.
	// Returns the new version, or ErrConcurrentModification.
	Save(ctx context.Context, h History) (int64, error)
}

// HistoryScanner is a HistoryStore that can list what it holds.
// Required by the batch validation sweep.
type HistoryScanner interface {
	HistoryStore

	// Keys returns every stored key, sorted by participant then column.
	Keys(ctx context.Context) ([]HistoryKey, error)
}

// =============================================================================
// AUDIT LOG - Separate from the history, tracks who did what when
// =============================================================================

// AuditEntry records one committed mutation.
type AuditEntry struct {
	ID           string         `json:"id"`
	Timestamp    TimePoint      `json:"timestamp"`
	Actor        Actor          `json:"actor"`
	Action       AuditAction    `json:"action"`
	Key          HistoryKey     `json:"key"`
	AssignmentID AssignmentID   `json:"assignment_id"`
	Version      int64          `json:"version"`
	Payload      map[string]any `json:"payload,omitempty"` // action-specific data
}

type AuditAction string

const (
	AuditRegistered   AuditAction = "registered"
	AuditDeregistered AuditAction = "deregistered"
	AuditCorrected    AuditAction = "corrected"
	AuditCanceled     AuditAction = "canceled"
	AuditImported     AuditAction = "imported"
)

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	Participant *ParticipantID
	Column      *ColumnID
	Actor       *Actor
	Actions     []AuditAction
	From        *TimePoint
	To          *TimePoint
	Limit       int
}

// Matches reports whether e passes the filter. Shared by implementations
// that filter in memory.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.Participant != nil && e.Key.Participant != *f.Participant {
		return false
	}
	if f.Column != nil && e.Key.Column != *f.Column {
		return false
	}
	if f.Actor != nil && e.Actor != *f.Actor {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}
