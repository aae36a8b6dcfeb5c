// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database provides the SQLite layer backing the search ledger.
//
// WRITE CONCURRENCY MODEL:
//
// Single writer connection with read-only reader pool architecture:
//   - writerConn: Single connection (SetMaxOpenConns=1) for all write operations
//   - readerPool: Read-only connection pool for concurrent reads
//   - ExecContext, QueryContext, QueryRowContext route writes to writerConn, reads to readerPool
//   - BeginTx (write): Uses writerConn, fully serialized by writerMu mutex
//   - BeginTx (read-only): Uses readerPool (concurrent)
//   - WAL mode allows concurrent readers during writes
//
// Every category's search loop writes to the ledger, so writes are serialized
// here instead of retrying on SQLITE_BUSY.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"

	"github.com/autobrr/qbitrr/internal/dbinterface"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	writerConn *sql.DB // Single connection for all writes (SetMaxOpenConns=1)
	readerPool *sql.DB // Read-only connection pool for concurrent reads

	// BeginTx on a single-connection pool does not queue; it fails with
	// "cannot start a transaction within a transaction".
	writerMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Tx wraps sql.Tx and releases the writer mutex when the transaction ends.
type Tx struct {
	tx         *sql.Tx
	unlockFn   func()
	unlockOnce sync.Once
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction and releases the writer mutex if this is a write transaction.
func (t *Tx) Commit() error {
	defer t.unlock()
	return t.tx.Commit()
}

// Rollback aborts the transaction and releases the writer mutex if this is a write transaction.
func (t *Tx) Rollback() error {
	defer t.unlock()
	return t.tx.Rollback()
}

func (t *Tx) unlock() {
	if t.unlockFn == nil {
		return
	}
	t.unlockOnce.Do(t.unlockFn)
}

const (
	defaultBusyTimeout       = 5 * time.Second
	defaultBusyTimeoutMillis = int(defaultBusyTimeout / time.Millisecond)
	connectionSetupTimeout   = 5 * time.Second
)

var driverInit sync.Once

type pragmaExecFn func(ctx context.Context, stmt string) error

func registerConnectionHook() {
	driverInit.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
			defer cancel()

			return applyConnectionPragmas(ctx, func(ctx context.Context, stmt string) error {
				if _, err := conn.ExecContext(ctx, stmt, nil); err != nil {
					return fmt.Errorf("connection hook exec %q: %w", stmt, err)
				}
				return nil
			}, isReadOnlyDSN(dsn))
		})
	})
}

func isReadOnlyDSN(dsn string) bool {
	queryStart := strings.IndexByte(dsn, '?')
	if queryStart == -1 {
		return false
	}
	for _, segment := range strings.FieldsFunc(dsn[queryStart+1:], func(r rune) bool {
		return r == '&' || r == ';'
	}) {
		if segment == "mode=ro" {
			return true
		}
	}
	return false
}

type pragmaDirective struct {
	stmt          string
	allowReadOnly bool
}

var connectionPragmas = []pragmaDirective{
	{stmt: "PRAGMA journal_mode = WAL", allowReadOnly: false},
	{stmt: "PRAGMA synchronous = NORMAL", allowReadOnly: false},
	{stmt: "PRAGMA cache_size = -16000", allowReadOnly: true},
	{stmt: "PRAGMA foreign_keys = ON", allowReadOnly: true},
	{stmt: fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis), allowReadOnly: true},
}

func applyConnectionPragmas(ctx context.Context, exec pragmaExecFn, readOnly bool) error {
	for _, pragma := range connectionPragmas {
		if readOnly && !pragma.allowReadOnly {
			continue
		}
		if err := exec(ctx, pragma.stmt); err != nil {
			return fmt.Errorf("apply connection pragma %q: %w", pragma.stmt, err)
		}
	}
	return nil
}

func New(databasePath string) (*DB, error) {
	log.Info().Msgf("Initializing database at: %s", databasePath)

	dir := filepath.Dir(databasePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	registerConnectionHook()

	writerConn, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer connection at %s: %w", databasePath, err)
	}

	writerConn.SetMaxOpenConns(1)
	writerConn.SetMaxIdleConns(1)
	writerConn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel()

	if err := applyConnectionPragmas(ctx, func(ctx context.Context, stmt string) error {
		_, execErr := writerConn.ExecContext(ctx, stmt)
		return execErr
	}, false); err != nil {
		writerConn.Close()
		return nil, err
	}

	readerPool, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", databasePath))
	if err != nil {
		writerConn.Close()
		return nil, fmt.Errorf("failed to open reader pool at %s: %w", databasePath, err)
	}

	readerPool.SetMaxOpenConns(0)
	readerPool.SetMaxIdleConns(4)
	readerPool.SetConnMaxLifetime(0)

	db := &DB{
		writerConn: writerConn,
		readerPool: readerPool,
	}

	if err := db.migrate(ctx); err != nil {
		writerConn.Close()
		readerPool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Msgf("Database initialized successfully at: %s", databasePath)

	return db, nil
}

// isWriteQuery determines if a query is a write operation by its first keyword.
func isWriteQuery(query string) bool {
	q := strings.TrimLeftFunc(query, unicode.IsSpace)
	if q == "" {
		return false
	}

	upper := strings.ToUpper(q)
	return strings.HasPrefix(upper, "INSERT") ||
		strings.HasPrefix(upper, "UPDATE") ||
		strings.HasPrefix(upper, "UPSERT") ||
		strings.HasPrefix(upper, "REPLACE") ||
		strings.HasPrefix(upper, "DELETE") ||
		strings.HasPrefix(upper, "CREATE") ||
		strings.HasPrefix(upper, "ALTER") ||
		strings.HasPrefix(upper, "DROP") ||
		strings.HasPrefix(upper, "VACUUM")
}

// ExecContext routes write queries to the single writer connection and
// read queries to the reader pool.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if !isWriteQuery(query) {
		return db.readerPool.ExecContext(ctx, query, args...)
	}

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	return db.writerConn.ExecContext(ctx, query, args...)
}

// QueryContext routes write queries to the single writer connection and
// read queries to the reader pool.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if !isWriteQuery(query) {
		return db.readerPool.QueryContext(ctx, query, args...)
	}

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	return db.writerConn.QueryContext(ctx, query, args...)
}

// QueryRowContext routes write queries to the single writer connection and
// read queries to the reader pool.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	if isWriteQuery(query) {
		db.writerMu.Lock()
		defer db.writerMu.Unlock()
		return db.writerConn.QueryRowContext(ctx, query, args...)
	}
	return db.readerPool.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction. Write transactions hold the writer mutex until Commit or Rollback.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (dbinterface.TxQuerier, error) {
	if opts != nil && opts.ReadOnly {
		tx, err := db.readerPool.BeginTx(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &Tx{tx: tx}, nil
	}

	db.writerMu.Lock()

	tx, err := db.writerConn.BeginTx(ctx, opts)
	if err != nil {
		db.writerMu.Unlock()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &Tx{tx: tx, unlockFn: db.writerMu.Unlock}, nil
}

func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
		defer cancel()
		if _, err := db.writerConn.ExecContext(ctx, "PRAGMA optimize"); err != nil {
			log.Warn().Err(err).Msg("failed to run PRAGMA optimize during close")
		}

		if err := db.writerConn.Close(); err != nil {
			db.closeErr = err
		}
		if err := db.readerPool.Close(); err != nil && db.closeErr == nil {
			db.closeErr = err
		}
	})

	return db.closeErr
}

func (db *DB) Conn() *sql.DB {
	return db.writerConn
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.writerConn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	pending, err := db.findPendingMigrations(ctx, files)
	if err != nil {
		return fmt.Errorf("failed to find pending migrations: %w", err)
	}

	if len(pending) == 0 {
		log.Debug().Msg("No pending migrations")
		return nil
	}

	return db.applyAllMigrations(ctx, pending)
}

func (db *DB) findPendingMigrations(ctx context.Context, allFiles []string) ([]string, error) {
	var pending []string

	for _, filename := range allFiles {
		var count int
		if err := db.writerConn.QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations WHERE filename = ?", filename).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to check migration status for %s: %w", filename, err)
		}
		if count == 0 {
			pending = append(pending, filename)
		}
	}

	return pending, nil
}

// applyAllMigrations applies pending migrations in order inside a single transaction.
func (db *DB) applyAllMigrations(ctx context.Context, migrations []string) error {
	tx, err := db.writerConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			if rollErr := tx.Rollback(); rollErr != nil && !errors.Is(rollErr, sql.ErrTxDone) {
				log.Error().Err(rollErr).Msg("rollback failed for migration transaction")
			}
		}
	}()

	for _, filename := range migrations {
		content, err := migrationsFS.ReadFile("migrations/" + filename)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", filename, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO migrations (filename) VALUES (?)", filename); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", filename, err)
		}

		log.Debug().Str("migration", filename).Msg("Applied migration")
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true

	log.Info().Int("count", len(migrations)).Msg("Applied database migrations")
	return nil
}
