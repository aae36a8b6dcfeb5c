// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qbitrr/internal/dbinterface"
)

// EntryKind distinguishes ledger rows coming from Sonarr and Radarr.
type EntryKind string

const (
	EntryKindEpisode EntryKind = "episode"
	EntryKindMovie   EntryKind = "movie"
)

// SearchEntry is one wanted library item tracked by the search-fill loop.
type SearchEntry struct {
	Category      string
	EntryID       int
	Kind          EntryKind
	SeriesID      int
	SeriesTitle   string
	Title         string
	SeasonNumber  int
	EpisodeNumber int
	AirDate       *time.Time
	Year          int
	IsUpgrade     bool
	Searched      bool
	Queued        bool
	SearchedAt    *time.Time
}

// SearchLedgerStore persists which wanted entries were searched or are already downloading.
type SearchLedgerStore struct {
	db dbinterface.Querier
}

// NewSearchLedgerStore creates a new store.
func NewSearchLedgerStore(db dbinterface.Querier) *SearchLedgerStore {
	return &SearchLedgerStore{db: db}
}

const searchEntryColumns = `category, entry_id, kind, series_id, series_title, title, season_number,
	episode_number, air_date, year, is_upgrade, searched, queued, searched_at`

// Refresh upserts the current wanted list for a category and drops rows that are no longer wanted.
// Searched and queued flags of surviving rows are preserved.
func (s *SearchLedgerStore) Refresh(ctx context.Context, category string, entries []SearchEntry, now time.Time) (err error) {
	generation := now.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Error().Err(rbErr).Str("category", category).Msg("Failed to rollback search ledger refresh")
			}
		}
	}()

	const upsert = `INSERT INTO search_ledger (category, entry_id, kind, series_id, series_title, title,
		season_number, episode_number, air_date, year, is_upgrade, refreshed_at) VALUES %s
		ON CONFLICT (category, entry_id) DO UPDATE SET
			kind = excluded.kind,
			series_id = excluded.series_id,
			series_title = excluded.series_title,
			title = excluded.title,
			season_number = excluded.season_number,
			episode_number = excluded.episode_number,
			air_date = excluded.air_date,
			year = excluded.year,
			is_upgrade = excluded.is_upgrade,
			refreshed_at = excluded.refreshed_at`

	err = dbinterface.ExecInChunks(ctx, tx, upsert, 12, len(entries), func(i int) []any {
		e := entries[i]
		return []any{
			category, e.EntryID, string(e.Kind), e.SeriesID, e.SeriesTitle, e.Title,
			e.SeasonNumber, e.EpisodeNumber, nullTime(e.AirDate), e.Year, e.IsUpgrade, generation,
		}
	})
	if err != nil {
		return fmt.Errorf("failed to upsert search entries: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM search_ledger WHERE category = ? AND refreshed_at < ?`, category, generation)
	if err != nil {
		return fmt.Errorf("failed to prune search entries: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit search ledger refresh: %w", err)
	}

	if pruned, _ := res.RowsAffected(); pruned > 0 {
		log.Debug().Str("category", category).Int64("pruned", pruned).Msg("Pruned entries no longer wanted")
	}

	return nil
}

// SetQueued marks exactly the given entry ids of a category as queued.
func (s *SearchLedgerStore) SetQueued(ctx context.Context, category string, entryIDs []int) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Error().Err(rbErr).Str("category", category).Msg("Failed to rollback queued update")
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `UPDATE search_ledger SET queued = 0 WHERE category = ? AND queued = 1`, category); err != nil {
		return fmt.Errorf("failed to reset queued flags: %w", err)
	}

	chunk := dbinterface.RowsPerChunk(1) - 1
	for start := 0; start < len(entryIDs); start += chunk {
		end := min(start+chunk, len(entryIDs))

		args := make([]any, 0, end-start+1)
		args = append(args, category)
		for _, id := range entryIDs[start:end] {
			args = append(args, id)
		}

		query := dbinterface.BuildQueryWithPlaceholders(
			"UPDATE search_ledger SET queued = 1 WHERE category = ? AND entry_id IN %s", end-start, 1)
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to mark queued entries: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queued update: %w", err)
	}
	return nil
}

// MarkSearched records that a search command was issued for an entry.
func (s *SearchLedgerStore) MarkSearched(ctx context.Context, category string, entryID int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE search_ledger SET searched = 1, searched_at = ? WHERE category = ? AND entry_id = ?`,
		at.UTC(), category, entryID)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d searched: %w", entryID, err)
	}
	return nil
}

// ResetSearchedBefore makes entries searched before cutoff eligible again.
func (s *SearchLedgerStore) ResetSearchedBefore(ctx context.Context, category string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_ledger SET searched = 0 WHERE category = ? AND searched = 1 AND searched_at < ?`,
		category, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reset searched entries: %w", err)
	}
	return res.RowsAffected()
}

// IsSearched reports whether the entry was already searched.
func (s *SearchLedgerStore) IsSearched(ctx context.Context, category string, entryID int) (bool, error) {
	return s.flag(ctx, "searched", category, entryID)
}

// IsQueued reports whether the entry is currently in the download queue.
func (s *SearchLedgerStore) IsQueued(ctx context.Context, category string, entryID int) (bool, error) {
	return s.flag(ctx, "queued", category, entryID)
}

func (s *SearchLedgerStore) flag(ctx context.Context, column, category string, entryID int) (bool, error) {
	var value bool
	query := fmt.Sprintf(`SELECT %s FROM search_ledger WHERE category = ? AND entry_id = ?`, column)
	if err := s.db.QueryRowContext(ctx, query, category, entryID).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return value, nil
}

// ListPending returns entries that are neither searched nor queued.
// Episodes are ordered by series title, then newest season and air date first; movies by title.
func (s *SearchLedgerStore) ListPending(ctx context.Context, category string, limit int) ([]SearchEntry, error) {
	query := `SELECT ` + searchEntryColumns + ` FROM search_ledger
		WHERE category = ? AND searched = 0 AND queued = 0
		ORDER BY series_title ASC, season_number DESC, air_date DESC, title ASC`

	args := []any{category}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SearchEntry
	for rows.Next() {
		entry, err := scanSearchEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Get returns a single entry or nil when the entry is unknown.
func (s *SearchLedgerStore) Get(ctx context.Context, category string, entryID int) (*SearchEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+searchEntryColumns+` FROM search_ledger WHERE category = ? AND entry_id = ?`, category, entryID)

	entry, err := scanSearchEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSearchEntry(scanner rowScanner) (*SearchEntry, error) {
	var (
		entry      SearchEntry
		kind       string
		airDate    sql.NullTime
		searchedAt sql.NullTime
	)

	if err := scanner.Scan(
		&entry.Category,
		&entry.EntryID,
		&kind,
		&entry.SeriesID,
		&entry.SeriesTitle,
		&entry.Title,
		&entry.SeasonNumber,
		&entry.EpisodeNumber,
		&airDate,
		&entry.Year,
		&entry.IsUpgrade,
		&entry.Searched,
		&entry.Queued,
		&searchedAt,
	); err != nil {
		return nil, err
	}

	entry.Kind = EntryKind(kind)
	if airDate.Valid {
		t := airDate.Time
		entry.AirDate = &t
	}
	if searchedAt.Valid {
		t := searchedAt.Time
		entry.SearchedAt = &t
	}

	return &entry, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
