package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	snapshotTableName   = "inboxsync_snapshots"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect holds the statements that differ between drivers.
type sqlDialect struct {
	driver      string
	createTable string
	selectQuery string
	upsertQuery string
}

// SQLBackend stores one row per owner holding the JSON-encoded record.
type SQLBackend struct {
	dsn       string
	tableName string
	dialect   func(table string) sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
	stmts    sqlDialect
}

func (b *SQLBackend) Load(ctx context.Context, ownerID string) (*Record, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, b.stmts.selectQuery, ownerID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (b *SQLBackend) Save(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err = b.db.ExecContext(ctx, b.stmts.upsertQuery, record.OwnerID, string(payload), record.SavedAt.UnixMilli())
	return err
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		b.stmts = b.dialect(quoteIdentifier(b.tableName))
		db, err := b.openDB(b.stmts.driver, b.dsn)
		if err != nil {
			b.initErr = fmt.Errorf("open %s: %w", b.stmts.driver, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, b.stmts.createTable); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create snapshot table: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
