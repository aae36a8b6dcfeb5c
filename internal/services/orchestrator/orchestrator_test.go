// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qbitrr/internal/arr"
	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/internal/metrics"
	"github.com/autobrr/qbitrr/internal/models"
	"github.com/autobrr/qbitrr/internal/services/reconcile"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(domain.CategoryConfig{Name: "tv", URI: "http://sonarr:8989"}))
	require.NoError(t, r.Register(domain.CategoryConfig{Name: "movies", URI: "http://radarr:7878"}))

	err := r.Register(domain.CategoryConfig{Name: "tv", URI: "http://other:8989"})
	require.ErrorIs(t, err, ErrDuplicateCategory)

	err = r.Register(domain.CategoryConfig{Name: "anime", URI: "HTTP://sonarr:8989/"})
	require.ErrorIs(t, err, ErrDuplicateURI)
	assert.Contains(t, err.Error(), `"tv"`)

	// the rejected category did not claim its name
	require.NoError(t, r.Register(domain.CategoryConfig{Name: "anime", URI: "http://sonarr-anime:8989"}))
	assert.Equal(t, 3, r.Categories())
}

type fakeCatalog struct {
	arrType domain.ArrType
}

func (c *fakeCatalog) ArrType() domain.ArrType { return c.arrType }
func (c *fakeCatalog) Queue(context.Context) ([]arr.QueueRecord, error) {
	return nil, nil
}
func (c *fakeCatalog) DeleteQueueItem(context.Context, int, bool) error { return nil }
func (c *fakeCatalog) PostCommand(context.Context, arr.Command) (*arr.CommandResponse, error) {
	return &arr.CommandResponse{}, nil
}
func (c *fakeCatalog) WantedMissing(context.Context) ([]arr.WantedRecord, error) {
	return nil, nil
}
func (c *fakeCatalog) WantedCutoff(context.Context) ([]arr.WantedRecord, error) {
	return nil, nil
}
func (c *fakeCatalog) ActiveSearchCommands(context.Context) (int, error) { return 0, nil }

type nopLedger struct{}

func (nopLedger) Refresh(context.Context, string, []models.SearchEntry, time.Time) error { return nil }
func (nopLedger) SetQueued(context.Context, string, []int) error                       { return nil }
func (nopLedger) ListPending(context.Context, string, int) ([]models.SearchEntry, error) {
	return nil, nil
}
func (nopLedger) MarkSearched(context.Context, string, int, time.Time) error { return nil }
func (nopLedger) ResetSearchedBefore(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}

func newTestOrchestrator(t *testing.T, cfg *domain.Config) *Orchestrator {
	t.Helper()
	o := New(Deps{
		Config:       cfg,
		Ledger:       nopLedger{},
		Metrics:      metrics.NewRecorder(),
		Logger:       zerolog.Nop(),
		RestartDelay: time.Millisecond,
		NewCatalog: func(cat domain.CategoryConfig, _ time.Duration) Catalog {
			return &fakeCatalog{arrType: cat.ArrType}
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func category(name, uri string) domain.CategoryConfig {
	return domain.CategoryConfig{Name: name, Managed: true, ArrType: domain.ArrTypeSonarr, URI: uri, APIKey: "key"}
}

func TestSetupSkipsInvalidCategories(t *testing.T) {
	withSearch := category("tv", "http://sonarr:8989")
	withSearch.Search.Enabled = true

	badRegex := category("anime", "http://sonarr-anime:8989")
	badRegex.Torrent.FolderExclusionRegex = []string{"("}

	missingFolder := category("docs", "http://sonarr-docs:8989")
	missingFolder.FolderCleanup = true
	missingFolder.CompletedDownloadFolder = "/does/not/exist"

	unmanaged := category("music", "http://lidarr:8686")
	unmanaged.Managed = false

	badType := category("books", "http://readarr:8787")
	badType.ArrType = "readarr"

	reserved := category("failed", "http://sonarr-failed:8989")

	cfg := &domain.Config{
		LoopSleepSeconds: 5,
		FailedCategory:   "failed",
		RecheckCategory:  "recheck",
		Categories: []domain.CategoryConfig{
			withSearch,
			category("tv", "http://sonarr-2:8989"),
			category("tv-4k", "http://SONARR:8989/"),
			badRegex,
			missingFolder,
			unmanaged,
			badType,
			reserved,
			{Name: "movies", Managed: true, ArrType: domain.ArrTypeRadarr, URI: "http://radarr:7878"},
		},
	}
	o := newTestOrchestrator(t, cfg)

	require.NoError(t, o.Setup())

	skipped := o.Skipped()
	require.Len(t, skipped, 6)
	assert.ErrorIs(t, skipped["tv"], ErrDuplicateCategory)
	assert.ErrorIs(t, skipped["tv-4k"], ErrDuplicateURI)
	assert.Contains(t, skipped["anime"].Error(), "folderExclusionRegex")
	assert.Contains(t, skipped, "docs")
	assert.Contains(t, skipped, "books")
	assert.ErrorIs(t, skipped["failed"], ErrReservedCategory)
	assert.NotContains(t, skipped, "music")

	// tv runs both loops, movies only reconciles
	require.Len(t, o.workers, 3)
	assert.Equal(t, "reconcile", o.workers[0].loop)
	assert.Equal(t, "search", o.workers[1].loop)
	assert.Equal(t, "movies", o.workers[2].category)

	_, ok := o.State(reconcile.CategoryKey("tv"))
	assert.True(t, ok)
	_, ok = o.State(reconcile.CategoryKey("anime"))
	assert.False(t, ok)
}

func TestSetupWithoutValidCategories(t *testing.T) {
	o := newTestOrchestrator(t, &domain.Config{})
	require.Error(t, o.Setup())
}

type flakyRunnable struct {
	calls atomic.Int32
}

func (r *flakyRunnable) Run(ctx context.Context) error {
	switch r.calls.Add(1) {
	case 1:
		panic("boom")
	case 2:
		return errors.New("lost connection")
	default:
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestWorkersRestartAfterPanic(t *testing.T) {
	o := newTestOrchestrator(t, &domain.Config{})
	r := &flakyRunnable{}
	o.workers = []worker{{category: "tv", loop: "reconcile", runnable: r}}

	o.Start(t.Context())

	require.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	assert.Equal(t, int32(3), r.calls.Load())

	families, err := o.metrics.Registry().Gather()
	require.NoError(t, err)
	var restarts float64
	for _, mf := range families {
		if mf.GetName() == "qbitrr_worker_restarts_total" {
			for _, m := range mf.GetMetric() {
				restarts += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), restarts)
}

type blockingRunnable struct {
	stopped atomic.Bool
}

func (r *blockingRunnable) Run(ctx context.Context) error {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	r.stopped.Store(true)
	return ctx.Err()
}

func TestShutdownWaitsForWorkers(t *testing.T) {
	o := newTestOrchestrator(t, &domain.Config{})
	runnables := []*blockingRunnable{{}, {}}
	for i, r := range runnables {
		o.workers = append(o.workers, worker{category: "tv", loop: []string{"reconcile", "search"}[i], runnable: r})
	}

	o.Start(t.Context())

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	for _, r := range runnables {
		assert.True(t, r.stopped.Load())
	}
}

func TestRunSafely(t *testing.T) {
	err := runSafely(t.Context(), &flakyRunnable{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker panic: boom")
}
