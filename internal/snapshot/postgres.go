package snapshot

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:       dsn,
		tableName: snapshotTableName,
		dialect:   postgresDialect,
		openDB:    sql.Open,
	}, nil
}

func postgresDialect(table string) sqlDialect {
	return sqlDialect{
		driver: "postgres",
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				owner_id TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				saved_at_ms BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
		selectQuery: fmt.Sprintf("SELECT snapshot FROM %s WHERE owner_id = $1", table),
		upsertQuery: fmt.Sprintf(`
			INSERT INTO %s (owner_id, snapshot, saved_at_ms, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (owner_id)
			DO UPDATE SET snapshot = EXCLUDED.snapshot, saved_at_ms = EXCLUDED.saved_at_ms, updated_at = NOW()`, table),
	}
}
