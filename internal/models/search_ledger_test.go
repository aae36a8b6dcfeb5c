// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func episode(id int, series string, season, number int, aired time.Time) SearchEntry {
	return SearchEntry{
		EntryID:       id,
		Kind:          EntryKindEpisode,
		SeriesTitle:   series,
		Title:         fmt.Sprintf("%s S%02dE%02d", series, season, number),
		SeasonNumber:  season,
		EpisodeNumber: number,
		AirDate:       &aired,
	}
}

func TestSearchLedgerRefreshPreservesFlagsAndPrunes(t *testing.T) {
	ctx := t.Context()
	store := NewSearchLedgerStore(newLedgerTestDB(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	entries := []SearchEntry{
		episode(1, "Alpha", 1, 1, base),
		episode(2, "Alpha", 1, 2, base.Add(24*time.Hour)),
		episode(3, "Beta", 2, 1, base),
	}
	require.NoError(t, store.Refresh(ctx, "tv", entries, base))
	require.NoError(t, store.MarkSearched(ctx, "tv", 1, base))

	// entry 3 is no longer wanted
	require.NoError(t, store.Refresh(ctx, "tv", entries[:2], base.Add(time.Minute)))

	searched, err := store.IsSearched(ctx, "tv", 1)
	require.NoError(t, err)
	assert.True(t, searched)

	gone, err := store.Get(ctx, "tv", 3)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// other categories are untouched
	require.NoError(t, store.Refresh(ctx, "movies", []SearchEntry{{EntryID: 3, Kind: EntryKindMovie, Title: "Film"}}, base))
	require.NoError(t, store.Refresh(ctx, "tv", entries[:2], base.Add(2*time.Minute)))
	movie, err := store.Get(ctx, "movies", 3)
	require.NoError(t, err)
	require.NotNil(t, movie)
	assert.Equal(t, EntryKindMovie, movie.Kind)
}

func TestSearchLedgerListPendingOrder(t *testing.T) {
	ctx := t.Context()
	store := NewSearchLedgerStore(newLedgerTestDB(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	entries := []SearchEntry{
		episode(10, "Beta", 1, 1, base),
		episode(11, "Alpha", 1, 1, base),
		episode(12, "Alpha", 2, 1, base.Add(48*time.Hour)),
		episode(13, "Alpha", 2, 2, base.Add(72*time.Hour)),
		episode(14, "Alpha", 1, 2, base.Add(24*time.Hour)),
	}
	require.NoError(t, store.Refresh(ctx, "tv", entries, base))
	require.NoError(t, store.MarkSearched(ctx, "tv", 14, base))
	require.NoError(t, store.SetQueued(ctx, "tv", []int{10}))

	pending, err := store.ListPending(ctx, "tv", 0)
	require.NoError(t, err)

	ids := make([]int, 0, len(pending))
	for _, e := range pending {
		ids = append(ids, e.EntryID)
	}
	assert.Equal(t, []int{13, 12, 11}, ids)

	limited, err := store.ListPending(ctx, "tv", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, 13, limited[0].EntryID)
}

func TestSearchLedgerSetQueuedReplacesPreviousSet(t *testing.T) {
	ctx := t.Context()
	store := NewSearchLedgerStore(newLedgerTestDB(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var entries []SearchEntry
	var ids []int
	for i := 1; i <= 1200; i++ {
		entries = append(entries, SearchEntry{EntryID: i, Kind: EntryKindMovie, Title: fmt.Sprintf("Movie %04d", i)})
		ids = append(ids, i)
	}
	require.NoError(t, store.Refresh(ctx, "movies", entries, base))

	require.NoError(t, store.SetQueued(ctx, "movies", ids))
	queued, err := store.IsQueued(ctx, "movies", 1100)
	require.NoError(t, err)
	assert.True(t, queued)

	require.NoError(t, store.SetQueued(ctx, "movies", []int{5}))
	queued, err = store.IsQueued(ctx, "movies", 1100)
	require.NoError(t, err)
	assert.False(t, queued)

	pending, err := store.ListPending(ctx, "movies", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1199)
	assert.Equal(t, "Movie 0001", pending[0].Title)
}

func TestSearchLedgerResetSearchedBefore(t *testing.T) {
	ctx := t.Context()
	store := NewSearchLedgerStore(newLedgerTestDB(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Refresh(ctx, "movies", []SearchEntry{
		{EntryID: 1, Kind: EntryKindMovie, Title: "Old"},
		{EntryID: 2, Kind: EntryKindMovie, Title: "New"},
	}, base))
	require.NoError(t, store.MarkSearched(ctx, "movies", 1, base))
	require.NoError(t, store.MarkSearched(ctx, "movies", 2, base.Add(12*time.Hour)))

	reset, err := store.ResetSearchedBefore(ctx, "movies", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	searched, err := store.IsSearched(ctx, "movies", 1)
	require.NoError(t, err)
	assert.False(t, searched)

	searched, err = store.IsSearched(ctx, "movies", 2)
	require.NoError(t, err)
	assert.True(t, searched)
}

func TestSearchLedgerUnknownEntry(t *testing.T) {
	store := NewSearchLedgerStore(newLedgerTestDB(t))

	searched, err := store.IsSearched(t.Context(), "tv", 999)
	require.NoError(t, err)
	assert.False(t, searched)
}
