// Package postgres opens the device ledger store on PostgreSQL through the
// pgx database/sql driver. Queries are shared with SQLite via sqlstore.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/warp/device-ledger/store/sqlstore"
)

const driver = "pgx"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_histories (
		participant TEXT NOT NULL,
		column_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (participant, column_id)
	)`,
	`CREATE TABLE IF NOT EXISTS device_assignments (
		participant TEXT NOT NULL,
		column_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		assignment_id BIGINT NOT NULL,
		device_id TEXT NOT NULL,
		start_ms BIGINT NOT NULL,
		end_ms BIGINT,
		note TEXT NOT NULL DEFAULT '',
		recorded_by TEXT NOT NULL DEFAULT '',
		recorded_at_ms BIGINT,
		correction_of BIGINT,
		superseded INTEGER NOT NULL DEFAULT 0,
		superseded_by BIGINT,
		PRIMARY KEY (participant, column_id, position),
		FOREIGN KEY (participant, column_id) REFERENCES device_histories(participant, column_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_assignments_device
		ON device_assignments(device_id)`,
	`CREATE TABLE IF NOT EXISTS device_audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		ts_ms BIGINT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		participant TEXT NOT NULL,
		column_id TEXT NOT NULL,
		assignment_id BIGINT NOT NULL,
		version BIGINT NOT NULL,
		payload_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_audit_key
		ON device_audit_log(participant, column_id)`,
}

// Dialect is the PostgreSQL flavour of the shared queries.
var Dialect = sqlstore.Dialect{
	Name:                 "postgres",
	Schema:               schema,
	NumberedPlaceholders: true,
}

// Store implements the history and audit interfaces using PostgreSQL.
type Store struct {
	*sqlstore.Store
}

// New connects to dsn, verifies the connection and ensures the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{Store: sqlstore.New(db, Dialect)}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
