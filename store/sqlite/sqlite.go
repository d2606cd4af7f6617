/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Opens a SQLite database, creates the device ledger schema and hands the
  handle to sqlstore, which holds the queries shared with PostgreSQL.

INTERFACES IMPLEMENTED:
  generic.HistoryScanner: Versioned device histories
  generic.AuditLog:       Append-only mutation log

CONCURRENCY:
  SQLite allows a single writer. Writes are serialized in-process; the
  versioned UPDATE still rejects stale saves from other processes.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/devices.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlstore: Shared queries
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/device-ledger/store/sqlstore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_histories (
		participant TEXT NOT NULL,
		column_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (participant, column_id)
	)`,
	`CREATE TABLE IF NOT EXISTS device_assignments (
		participant TEXT NOT NULL,
		column_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		assignment_id INTEGER NOT NULL,
		device_id TEXT NOT NULL,
		start_ms INTEGER NOT NULL,
		end_ms INTEGER,
		note TEXT NOT NULL DEFAULT '',
		recorded_by TEXT NOT NULL DEFAULT '',
		recorded_at_ms INTEGER,
		correction_of INTEGER,
		superseded INTEGER NOT NULL DEFAULT 0,
		superseded_by INTEGER,
		PRIMARY KEY (participant, column_id, position),
		FOREIGN KEY (participant, column_id) REFERENCES device_histories(participant, column_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_assignments_device
		ON device_assignments(device_id)`,
	`CREATE TABLE IF NOT EXISTS device_audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		ts_ms INTEGER NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		participant TEXT NOT NULL,
		column_id TEXT NOT NULL,
		assignment_id INTEGER NOT NULL,
		version INTEGER NOT NULL,
		payload_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_audit_key
		ON device_audit_log(participant, column_id)`,
}

// Dialect is the SQLite flavour of the shared queries.
var Dialect = sqlstore.Dialect{
	Name:      "sqlite",
	Schema:    schema,
	Serialize: true,
}

// Store implements the history and audit interfaces using SQLite.
type Store struct {
	*sqlstore.Store
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{Store: sqlstore.New(db, Dialect)}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}
