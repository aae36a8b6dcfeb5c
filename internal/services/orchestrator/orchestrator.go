// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package orchestrator builds the per-category loops from configuration and
// keeps them running until shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/autobrr/qbitrr/internal/arr"
	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/internal/metrics"
	"github.com/autobrr/qbitrr/internal/services/cycle"
	"github.com/autobrr/qbitrr/internal/services/reconcile"
	"github.com/autobrr/qbitrr/internal/services/searchfill"
)

const defaultRestartDelay = 10 * time.Second

// Catalog is everything both loops of a category need from Sonarr or Radarr.
type Catalog interface {
	reconcile.Catalog
	searchfill.Catalog
}

// Connectivity reports whether the internet is reachable.
type Connectivity interface {
	Check(ctx context.Context) error
}

// CatalogFactory creates the catalog client of a category.
type CatalogFactory func(cat domain.CategoryConfig, timeout time.Duration) Catalog

func defaultCatalogFactory(cat domain.CategoryConfig, timeout time.Duration) Catalog {
	return arr.NewClient(cat.URI, cat.APIKey, cat.ArrType, int(timeout/time.Second))
}

type Deps struct {
	Config       *domain.Config
	Client       reconcile.TorrentClient
	Ledger       searchfill.Ledger
	Connectivity Connectivity
	Metrics      *metrics.Recorder
	Logger       zerolog.Logger
	NewCatalog   CatalogFactory
	RestartDelay time.Duration
	Now          func() time.Time
}

// Runnable is one long running loop.
type Runnable interface {
	Run(ctx context.Context) error
}

type worker struct {
	category string
	loop     string
	runnable Runnable
}

// Orchestrator owns the category states and supervises one goroutine per loop.
type Orchestrator struct {
	cfg          *domain.Config
	client       reconcile.TorrentClient
	ledger       searchfill.Ledger
	probe        Connectivity
	metrics      *metrics.Recorder
	logger       zerolog.Logger
	newCatalog   CatalogFactory
	restartDelay time.Duration
	now          func() time.Time

	registry *Registry
	shared   *reconcile.SharedCaches
	states   map[reconcile.CategoryKey]*reconcile.CategoryState
	workers  []worker
	skipped  map[string]error

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(deps Deps) *Orchestrator {
	newCatalog := deps.NewCatalog
	if newCatalog == nil {
		newCatalog = defaultCatalogFactory
	}
	restartDelay := deps.RestartDelay
	if restartDelay <= 0 {
		restartDelay = defaultRestartDelay
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		cfg:          deps.Config,
		client:       deps.Client,
		ledger:       deps.Ledger,
		probe:        deps.Connectivity,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With().Str("module", "orchestrator").Logger(),
		newCatalog:   newCatalog,
		restartDelay: restartDelay,
		now:          now,
		registry:     NewRegistry(),
		shared:       reconcile.NewSharedCaches(),
		states:       make(map[reconcile.CategoryKey]*reconcile.CategoryState),
		skipped:      make(map[string]error),
	}
}

// Setup builds the loops of every managed category. A category with an
// invalid configuration is skipped; the others still run.
func (o *Orchestrator) Setup() error {
	for _, cat := range o.cfg.Categories {
		if !cat.Managed {
			o.logger.Debug().Str("category", cat.Name).Msg("Category not managed, skipping")
			continue
		}

		if err := o.setupCategory(cat); err != nil {
			o.skipped[cat.Name] = err
			o.logger.Error().Err(err).Str("category", cat.Name).Msg("Invalid category configuration, skipping")
		}
	}

	if len(o.workers) == 0 {
		return fmt.Errorf("no managed category could be started")
	}
	return nil
}

func (o *Orchestrator) setupCategory(cat domain.CategoryConfig) error {
	if cat.ArrType != domain.ArrTypeSonarr && cat.ArrType != domain.ArrTypeRadarr {
		return fmt.Errorf("unsupported arrType %q", cat.ArrType)
	}
	if cat.URI == "" {
		return fmt.Errorf("catalog uri is required")
	}
	if cat.Name == o.cfg.FailedCategory || cat.Name == o.cfg.RecheckCategory {
		return errors.Wrapf(ErrReservedCategory, "%q is the failed or recheck category", cat.Name)
	}

	policy, err := reconcile.NewPolicy(o.cfg, cat)
	if err != nil {
		return err
	}

	if err := o.registry.Register(cat); err != nil {
		return err
	}

	key := reconcile.CategoryKey(cat.Name)
	state := reconcile.NewCategoryState(key, policy.IgnoreYoungerThan, o.now)
	o.states[key] = state

	timeout := seconds(o.cfg.RequestTimeoutSeconds)
	backoffs := cycle.Backoffs{
		NoInternet:   seconds(o.cfg.NoInternetSleepSeconds),
		Unreachable:  seconds(o.cfg.UnreachableSleepSeconds),
		GenericDelay: seconds(o.cfg.GenericDelaySleepSeconds),
	}
	catalog := o.newCatalog(cat, timeout)

	reconcileLoop := reconcile.NewLoop(reconcile.Config{
		Interval:       seconds(o.cfg.LoopSleepSeconds),
		RequestTimeout: timeout,
		Backoffs:       backoffs,
	}, reconcile.Deps{
		Policy:       policy,
		State:        state,
		Shared:       o.shared,
		Client:       o.client,
		Catalog:      catalog,
		Connectivity: o.probe,
		Metrics:      o.metrics,
		Logger:       o.logger,
		Now:          o.now,
	})
	o.workers = append(o.workers, worker{category: cat.Name, loop: "reconcile", runnable: reconcileLoop})

	if cat.Search.Enabled && o.ledger != nil {
		searchCfg := searchfill.ConfigFromDomain(cat.Search)
		searchCfg.RequestTimeout = timeout
		searchCfg.Backoffs = backoffs

		searchLoop := searchfill.NewLoop(searchCfg, searchfill.Deps{
			Category:     cat.Name,
			Catalog:      catalog,
			Ledger:       o.ledger,
			Connectivity: o.probe,
			Gate:         o.shared.Gate,
			Metrics:      o.metrics,
			Logger:       o.logger,
			Now:          o.now,
		})
		o.workers = append(o.workers, worker{category: cat.Name, loop: "search", runnable: searchLoop})
	}

	o.logger.Info().
		Str("category", cat.Name).
		Str("arrType", string(cat.ArrType)).
		Bool("search", cat.Search.Enabled).
		Msg("Category registered")
	return nil
}

// Start spawns every worker. Call Shutdown to stop them.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	for _, w := range o.workers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.supervise(ctx, w)
		}()
	}

	o.logger.Info().Int("workers", len(o.workers)).Int("categories", o.registry.Categories()).Msg("Workers started")
}

// supervise runs w until ctx is cancelled, restarting it after a panic or an
// unexpected return.
func (o *Orchestrator) supervise(ctx context.Context, w worker) {
	logger := o.logger.With().Str("category", w.category).Str("loop", w.loop).Logger()

	for {
		err := runSafely(ctx, w.runnable)
		if ctx.Err() != nil {
			return
		}

		o.metrics.WorkerRestart(w.category, w.loop)
		logger.Error().Err(err).Dur("delay", o.restartDelay).Msg("Worker stopped unexpectedly, restarting")

		if err := cycle.Sleep(ctx, o.restartDelay); err != nil {
			return
		}
	}
}

func runSafely(ctx context.Context, r Runnable) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panic: %v\n%s", rec, debug.Stack())
		}
	}()

	if err := r.Run(ctx); err != nil {
		return err
	}
	return fmt.Errorf("worker returned without error")
}

// Shutdown cancels every worker and waits for them to return or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("workers did not stop in time: %w", ctx.Err())
	}

	o.closeOnce.Do(func() {
		for _, state := range o.states {
			state.Close()
		}
		o.logger.Info().Msg("All workers stopped")
	})
	return nil
}

// Skipped returns the categories that failed validation and why.
func (o *Orchestrator) Skipped() map[string]error {
	return o.skipped
}

// State returns the caches of a registered category.
func (o *Orchestrator) State(key reconcile.CategoryKey) (*reconcile.CategoryState, bool) {
	s, ok := o.states[key]
	return s, ok
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
