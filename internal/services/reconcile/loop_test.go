// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qbitrr/internal/arr"
	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/internal/services/cycle"
)

type fakeProbe struct {
	err error
}

func (p *fakeProbe) Check(context.Context) error { return p.err }

func newTestLoop(t *testing.T, f *fixture, probe Connectivity) *Loop {
	t.Helper()
	return NewLoop(Config{Interval: time.Second, RequestTimeout: time.Second}, Deps{
		Policy:       f.policy,
		State:        f.state,
		Shared:       f.shared,
		Client:       f.client,
		Catalog:      f.catalog,
		Connectivity: probe,
		Logger:       zerolog.Nop(),
		Now:          f.clock.Now,
	})
}

func TestRunCycleNoInternet(t *testing.T) {
	f := newFixture(t)
	loop := newTestLoop(t, f, &fakeProbe{err: fmt.Errorf("probe: %w", domain.ErrNoInternet)})

	res := loop.RunCycle(t.Context())

	assert.Equal(t, cycle.ResultDelay, res.Kind)
	assert.Equal(t, cycle.BackoffNoInternet, res.Backoff)
	assert.Empty(t, f.client.calls)
}

func TestRunCycleClientUnreachable(t *testing.T) {
	f := newFixture(t)
	f.client.torrentsErr = fmt.Errorf("get torrents: %w", domain.ErrClientUnreachable)
	loop := newTestLoop(t, f, &fakeProbe{})

	res := loop.RunCycle(t.Context())

	assert.Equal(t, cycle.ResultDelay, res.Kind)
	assert.Equal(t, cycle.BackoffClientUnreachable, res.Backoff)
}

func TestRunCycleCatalogUnreachable(t *testing.T) {
	f := newFixture(t)
	f.catalog.queueErr = fmt.Errorf("GET /api/v3/queue: %w", domain.ErrCatalogUnreachable)
	loop := newTestLoop(t, f, &fakeProbe{})

	res := loop.RunCycle(t.Context())

	assert.Equal(t, cycle.ResultDelay, res.Kind)
	assert.Equal(t, cycle.BackoffCatalogUnreachable, res.Backoff)
}

func TestRunCycleClassifiesAndExecutes(t *testing.T) {
	f := newFixture(t)
	f.client.torrents["tv"] = []domain.Torrent{
		{Hash: "paused", Name: "Paused", Category: "tv", State: qbt.TorrentStatePausedDl, AmountLeft: 10, AddedOn: f.unix(-time.Hour)},
		{Hash: "stalled", Name: "Stalled", Category: "tv", State: qbt.TorrentStateStalledDl, AddedOn: f.unix(-3 * time.Hour)},
	}
	f.catalog.queue = []arr.QueueRecord{{ID: 3, DownloadID: "STALLED", EpisodeID: 42}}
	loop := newTestLoop(t, f, &fakeProbe{})

	res := loop.RunCycle(t.Context())

	assert.Equal(t, cycle.ResultContinue, res.Kind)
	assert.Equal(t, []string{"paused"}, f.client.resumed)
	assert.Equal(t, [][]string{{"stalled"}}, f.client.deleted)
	assert.Equal(t, []int{3}, f.catalog.blocklist)
	assert.Contains(t, f.catalog.commandNames(), arr.CommandEpisodeSearch)

	_, ok := f.shared.Name("paused")
	assert.True(t, ok)
	_, ok = f.shared.Name("stalled")
	assert.False(t, ok)
}

func TestRunCycleHandlesTorrentsMovedToFailed(t *testing.T) {
	f := newFixture(t)
	f.client.torrents["tv"] = []domain.Torrent{
		{Hash: "mine", Name: "Mine", Category: "tv", State: qbt.TorrentStateStoppedUp, AmountLeft: 0, Progress: 1},
	}
	loop := newTestLoop(t, f, &fakeProbe{})
	loop.RunCycle(t.Context())

	// the user moves it to the failed category; a foreign torrent sits there too
	f.client.torrents["tv"] = nil
	f.client.torrents["failed"] = []domain.Torrent{
		{Hash: "mine", Name: "Mine", Category: "failed", State: qbt.TorrentStateStoppedUp},
		{Hash: "foreign", Name: "Other", Category: "failed", State: qbt.TorrentStateStoppedUp},
	}

	loop.RunCycle(t.Context())

	assert.Equal(t, [][]string{{"mine"}}, f.client.deleted)
}

func TestRunCyclePostsTimedCommands(t *testing.T) {
	f := newFixture(t)
	loop := newTestLoop(t, f, &fakeProbe{})

	loop.RunCycle(t.Context())
	assert.Equal(t, []string{arr.CommandRefreshMonitoredDownloads, arr.CommandRssSync}, f.catalog.commandNames())

	f.clock.Advance(30 * time.Second)
	loop.RunCycle(t.Context())
	assert.Len(t, f.catalog.commandNames(), 2)

	f.clock.Advance(30 * time.Second)
	loop.RunCycle(t.Context())
	assert.Equal(t, []string{
		arr.CommandRefreshMonitoredDownloads,
		arr.CommandRssSync,
		arr.CommandRefreshMonitoredDownloads,
	}, f.catalog.commandNames())
}

func TestRunCycleContinuesPastBadTorrent(t *testing.T) {
	f := newFixture(t)
	f.client.panicOnFiles = true
	f.client.torrents["tv"] = []domain.Torrent{
		{Hash: "bad", Category: "tv", State: qbt.TorrentStateDownloading, Availability: 1, AddedOn: f.unix(-time.Minute), ETA: 60},
		{Hash: "paused", Category: "tv", State: qbt.TorrentStatePausedDl, AmountLeft: 1, AddedOn: f.unix(-time.Minute)},
	}
	loop := newTestLoop(t, f, &fakeProbe{})

	res := loop.RunCycle(t.Context())

	assert.Equal(t, cycle.ResultContinue, res.Kind)
	assert.Equal(t, []string{"paused"}, f.client.resumed)
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	loop := newTestLoop(t, f, &fakeProbe{})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}
