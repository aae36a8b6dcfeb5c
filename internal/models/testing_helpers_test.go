// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/autobrr/qbitrr/internal/dbinterface"
)

// mockQuerier wraps sql.DB to implement dbinterface.Querier for tests
type mockQuerier struct {
	*sql.DB
}

// mockTx wraps sql.Tx to implement dbinterface.TxQuerier for tests
type mockTx struct {
	*sql.Tx
}

func (m *mockTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return m.Tx.ExecContext(ctx, query, args...)
}

func (m *mockTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return m.Tx.QueryContext(ctx, query, args...)
}

func (m *mockTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return m.Tx.QueryRowContext(ctx, query, args...)
}

func newMockQuerier(db *sql.DB) *mockQuerier {
	return &mockQuerier{
		DB: db,
	}
}

func (m *mockQuerier) BeginTx(ctx context.Context, opts *sql.TxOptions) (dbinterface.TxQuerier, error) {
	tx, err := m.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &mockTx{Tx: tx}, nil
}

// newLedgerTestDB opens an in-memory database with the ledger schema applied.
func newLedgerTestDB(t *testing.T) *mockQuerier {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// a second connection would see a different in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	schema, err := os.ReadFile("../database/migrations/001_initial_schema.sql")
	require.NoError(t, err)

	_, err = sqlDB.ExecContext(t.Context(), string(schema))
	require.NoError(t, err)

	return newMockQuerier(sqlDB)
}
