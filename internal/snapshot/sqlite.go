package snapshot

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLiteBackend opens path in WAL mode. ":memory:" is accepted for tests.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	return &SQLBackend{
		dsn:       dsn,
		tableName: snapshotTableName,
		dialect:   sqliteDialect,
		openDB:    openSQLite,
	}, nil
}

// openSQLite pins the pool to one connection so ":memory:" databases
// survive between calls.
func openSQLite(driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func sqliteDialect(table string) sqlDialect {
	return sqlDialect{
		driver: "sqlite",
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				owner_id TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				saved_at_ms INTEGER NOT NULL,
				updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, table),
		selectQuery: fmt.Sprintf("SELECT snapshot FROM %s WHERE owner_id = ?", table),
		upsertQuery: fmt.Sprintf(`
			INSERT INTO %s (owner_id, snapshot, saved_at_ms, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (owner_id)
			DO UPDATE SET snapshot = excluded.snapshot, saved_at_ms = excluded.saved_at_ms, updated_at = CURRENT_TIMESTAMP`, table),
	}
}
