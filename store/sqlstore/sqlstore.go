/*
Package sqlstore implements the history and audit interfaces over database/sql.

PURPOSE:
  SQLite and PostgreSQL share one implementation; only the driver, the
  DDL and the placeholder syntax differ. Drivers live in store/sqlite and
  store/postgres, which open the database and hand it to New.

KEY TABLES:
  device_histories:   one row per (participant, column) with the CAS version
  device_assignments: the arena, one row per entry, ordered by position
  device_audit_log:   append-only audit entries

COMPARE-AND-SWAP:
  Create:  INSERT ... ON CONFLICT DO NOTHING, zero rows -> conflict
  Update:  UPDATE ... SET version = version + 1 WHERE version = $loaded,
           zero rows -> conflict
  The arena rows for the key are rewritten in the same transaction, so
  a reader sees either the old or the new history, never a mix.

SEE ALSO:
  - generic/store.go: Interfaces implemented here
  - store/sqlite, store/postgres: Drivers and schemas
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/warp/device-ledger/generic"
)

// Dialect captures the SQL differences between drivers.
type Dialect struct {
	Name string

	// Schema is executed statement by statement on Migrate.
	Schema []string

	// Numbered placeholders ($1, $2) instead of "?".
	NumberedPlaceholders bool

	// Serialize guards writes with a process mutex (SQLite allows one writer).
	Serialize bool
}

// Store implements generic.HistoryScanner and generic.AuditLog.
type Store struct {
	db *sql.DB
	d  Dialect
	mu sync.Mutex
}

var (
	_ generic.HistoryScanner = (*Store)(nil)
	_ generic.AuditLog       = (*Store)(nil)
)

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d}
}

// DB exposes the underlying handle for drivers and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema if missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.Schema {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: execute ddl: %w", s.d.Name, err)
		}
	}
	return nil
}

// Reset deletes all stored data. Used by demo scenario loading.
func (s *Store) Reset(ctx context.Context) error {
	s.lock()
	defer s.unlock()
	for _, table := range []string{"device_assignments", "device_histories", "device_audit_log"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) lock() {
	if s.d.Serialize {
		s.mu.Lock()
	}
}

func (s *Store) unlock() {
	if s.d.Serialize {
		s.mu.Unlock()
	}
}

// rebind rewrites "?" placeholders for drivers that number them.
func (s *Store) rebind(query string) string {
	if !s.d.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// HISTORY STORE
// =============================================================================

func (s *Store) Load(ctx context.Context, key generic.HistoryKey) (generic.History, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.History{}, fmt.Errorf("begin load: %w", err)
	}
	defer tx.Rollback()

	h := generic.History{Key: key}
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT version FROM device_histories WHERE participant = ? AND column_id = ?`),
		string(key.Participant), string(key.Column),
	).Scan(&h.Version)
	if err == sql.ErrNoRows {
		return generic.History{}, generic.ErrNotFound
	}
	if err != nil {
		return generic.History{}, fmt.Errorf("load version: %w", err)
	}

	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT assignment_id, device_id, start_ms, end_ms, note, recorded_by, recorded_at_ms,
		       correction_of, superseded, superseded_by
		FROM device_assignments
		WHERE participant = ? AND column_id = ?
		ORDER BY position`),
		string(key.Participant), string(key.Column),
	)
	if err != nil {
		return generic.History{}, fmt.Errorf("load assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return generic.History{}, err
		}
		h.Entries = append(h.Entries, a)
	}
	if err := rows.Err(); err != nil {
		return generic.History{}, err
	}
	return h, nil
}

func scanAssignment(rows *sql.Rows) (generic.Assignment, error) {
	var (
		a            generic.Assignment
		id           int64
		startMs      int64
		endMs        sql.NullInt64
		recordedBy   string
		recordedAtMs sql.NullInt64
		correctionOf sql.NullInt64
		superseded   int64
		supersededBy sql.NullInt64
	)
	err := rows.Scan(&id, &a.DeviceID, &startMs, &endMs, &a.Note, &recordedBy, &recordedAtMs,
		&correctionOf, &superseded, &supersededBy)
	if err != nil {
		return a, fmt.Errorf("scan assignment: %w", err)
	}

	a.ID = generic.AssignmentID(id)
	a.Interval = generic.OpenFrom(generic.FromMillis(startMs))
	if endMs.Valid {
		a.Interval.End = generic.FromMillis(endMs.Int64).Ptr()
	}
	a.RecordedBy = generic.Actor(recordedBy)
	if recordedAtMs.Valid {
		a.RecordedAt = generic.FromMillis(recordedAtMs.Int64)
	}
	a.CorrectionOf = nullID(correctionOf)
	a.Superseded = superseded != 0
	a.SupersededBy = nullID(supersededBy)
	return a, nil
}

// Save performs the versioned write described in the package comment.
func (s *Store) Save(ctx context.Context, h generic.History) (int64, error) {
	s.lock()
	defer s.unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	participant, column := string(h.Key.Participant), string(h.Key.Column)

	var res sql.Result
	if h.Version == 0 {
		res, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO device_histories (participant, column_id, version, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (participant, column_id) DO NOTHING`),
			participant, column, now)
	} else {
		res, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE device_histories SET version = version + 1, updated_at = ?
			WHERE participant = ? AND column_id = ? AND version = ?`),
			now, participant, column, h.Version)
	}
	if err != nil {
		return 0, fmt.Errorf("write version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("write version: %w", err)
	}
	if n == 0 {
		return 0, generic.ErrConcurrentModification
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM device_assignments WHERE participant = ? AND column_id = ?`),
		participant, column); err != nil {
		return 0, fmt.Errorf("clear assignments: %w", err)
	}

	insert := s.rebind(`
		INSERT INTO device_assignments
		(participant, column_id, position, assignment_id, device_id, start_ms, end_ms, note,
		 recorded_by, recorded_at_ms, correction_of, superseded, superseded_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, a := range h.Entries {
		var superseded int64
		if a.Superseded {
			superseded = 1
		}
		_, err := tx.ExecContext(ctx, insert,
			participant, column, i,
			int64(a.ID), a.DeviceID, a.Interval.Start.Millis(), endMillis(a.Interval),
			a.Note, string(a.RecordedBy), recordedAtMillis(a.RecordedAt),
			idArg(a.CorrectionOf), superseded, idArg(a.SupersededBy),
		)
		if err != nil {
			return 0, fmt.Errorf("insert assignment %d: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit save: %w", err)
	}
	return h.Version + 1, nil
}

func (s *Store) Keys(ctx context.Context) ([]generic.HistoryKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant, column_id FROM device_histories ORDER BY participant, column_id`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []generic.HistoryKey
	for rows.Next() {
		var p, c string
		if err := rows.Scan(&p, &c); err != nil {
			return nil, err
		}
		keys = append(keys, generic.HistoryKey{Participant: generic.ParticipantID(p), Column: generic.ColumnID(c)})
	}
	return keys, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) Append(ctx context.Context, e generic.AuditEntry) error {
	s.lock()
	defer s.unlock()

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO device_audit_log
		(id, ts_ms, actor, action, participant, column_id, assignment_id, version, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Timestamp.Millis(), string(e.Actor), string(e.Action),
		string(e.Key.Participant), string(e.Key.Column), int64(e.AssignmentID), e.Version, string(payload),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// Query returns matching audit entries, oldest first.
func (s *Store) Query(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Participant != nil {
		where = append(where, "participant = ?")
		args = append(args, string(*f.Participant))
	}
	if f.Column != nil {
		where = append(where, "column_id = ?")
		args = append(args, string(*f.Column))
	}
	if f.Actor != nil {
		where = append(where, "actor = ?")
		args = append(args, string(*f.Actor))
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if f.From != nil {
		where = append(where, "ts_ms >= ?")
		args = append(args, f.From.Millis())
	}
	if f.To != nil {
		where = append(where, "ts_ms <= ?")
		args = append(args, f.To.Millis())
	}

	query := `SELECT id, ts_ms, actor, action, participant, column_id, assignment_id, version, payload_json
		FROM device_audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var (
			e                            generic.AuditEntry
			tsMs, assignmentID           int64
			actor, action, part, col, pl string
		)
		if err := rows.Scan(&e.ID, &tsMs, &actor, &action, &part, &col, &assignmentID, &e.Version, &pl); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Timestamp = generic.FromMillis(tsMs)
		e.Actor = generic.Actor(actor)
		e.Action = generic.AuditAction(action)
		e.Key = generic.HistoryKey{Participant: generic.ParticipantID(part), Column: generic.ColumnID(col)}
		e.AssignmentID = generic.AssignmentID(assignmentID)
		if pl != "" && pl != "null" {
			if err := json.Unmarshal([]byte(pl), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func endMillis(i generic.Interval) any {
	if i.End == nil {
		return nil
	}
	return i.End.Millis()
}

func recordedAtMillis(t generic.TimePoint) any {
	if t.IsZero() {
		return nil
	}
	return t.Millis()
}

func idArg(id *generic.AssignmentID) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}

func nullID(v sql.NullInt64) *generic.AssignmentID {
	if !v.Valid {
		return nil
	}
	id := generic.AssignmentID(v.Int64)
	return &id
}
