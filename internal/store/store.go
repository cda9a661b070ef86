// Package store provides SQLite-backed persistence for sessiond.
// It owns the connection, the ordered schema migrations, and the
// transaction helper every multi-step write goes through.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB wraps the SQLite connection.
type DB struct {
	sql    *sql.DB
	logger *zap.Logger
}

// Open opens the SQLite database at path and applies pending migrations.
// Pass ":memory:" for an ephemeral database in tests.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids spurious
	// SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	d := &DB{sql: db, logger: logger}
	if err := d.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// SQL exposes the underlying handle for single-statement reads and writes.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Now returns server time for persisted timestamps and heartbeat
// comparisons. Client-reported times are never used for staleness checks.
func (d *DB) Now() time.Time {
	return time.Now().UTC()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %v: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
// Callers racing on constrained inserts (pause uniqueness, checkpoint
// numbering) treat this as an expected outcome, not a failure.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}
