// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dbinterface provides database interfaces to avoid import cycles.
// This package has no dependencies and can be imported by both database
// implementations and models/stores.
package dbinterface

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLite has SQLITE_MAX_VARIABLE_NUMBER limit (default 999, but can be higher).
// Stay conservative at 900.
const MaxParams = 900

// TxQuerier is the interface for database transaction operations.
// It is implemented by *database.Tx.
type TxQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// Querier is the centralized interface for database operations.
// It is implemented by *database.DB.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (TxQuerier, error)
}

// BuildQueryWithPlaceholders builds a SQL query string with repeated placeholders
// queryTemplate should contain %s where the placeholders will be inserted
// placeholdersPerRow is the number of ? per row
// numRows is how many rows to repeat the placeholders for
func BuildQueryWithPlaceholders(queryTemplate string, placeholdersPerRow int, numRows int) string {
	var sb strings.Builder
	if numRows > 0 {
		sb.Grow(numRows*(2*placeholdersPerRow+2) + (numRows-1)*2)
	}
	for i := 0; i < numRows; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < placeholdersPerRow; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('?')
		}
		sb.WriteByte(')')
	}
	return fmt.Sprintf(queryTemplate, sb.String())
}

// RowsPerChunk returns how many rows of placeholdersPerRow fit under MaxParams.
func RowsPerChunk(placeholdersPerRow int) int {
	if placeholdersPerRow <= 0 {
		return MaxParams
	}
	return max(1, MaxParams/placeholdersPerRow)
}

// ExecInChunks runs a multi-row statement over rows, splitting it so each
// statement stays under the SQLite parameter limit. rowArgs returns the
// arguments for row i and must return exactly placeholdersPerRow values.
func ExecInChunks(ctx context.Context, tx TxQuerier, queryTemplate string, placeholdersPerRow, rows int, rowArgs func(i int) []any) error {
	if rows == 0 {
		return nil
	}

	chunkRows := RowsPerChunk(placeholdersPerRow)
	fullQuery := BuildQueryWithPlaceholders(queryTemplate, placeholdersPerRow, min(chunkRows, rows))

	for start := 0; start < rows; start += chunkRows {
		end := min(start+chunkRows, rows)

		args := make([]any, 0, (end-start)*placeholdersPerRow)
		for i := start; i < end; i++ {
			args = append(args, rowArgs(i)...)
		}

		query := fullQuery
		if end-start != min(chunkRows, rows) {
			query = BuildQueryWithPlaceholders(queryTemplate, placeholdersPerRow, end-start)
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to execute chunk %d-%d: %w", start, end, err)
		}
	}

	return nil
}
