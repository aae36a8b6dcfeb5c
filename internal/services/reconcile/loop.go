// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/autobrr/qbitrr/internal/arr"
	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/internal/metrics"
	"github.com/autobrr/qbitrr/internal/services/cycle"
)

const loopName = "reconcile"

// Connectivity reports whether the internet is reachable.
type Connectivity interface {
	Check(ctx context.Context) error
}

// Config holds the timing of a reconciliation loop.
type Config struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	Backoffs       cycle.Backoffs
}

// Deps are the collaborators of a reconciliation loop.
type Deps struct {
	Policy       *Policy
	State        *CategoryState
	Shared       *SharedCaches
	Client       TorrentClient
	Catalog      Catalog
	Connectivity Connectivity
	Metrics      *metrics.Recorder
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Loop reconciles one category against the torrent client and its catalog.
type Loop struct {
	cfg        Config
	policy     *Policy
	state      *CategoryState
	shared     *SharedCaches
	client     TorrentClient
	catalog    Catalog
	probe      Connectivity
	classifier *Classifier
	executor   *Executor
	metrics    *metrics.Recorder
	logger     zerolog.Logger
	now        func() time.Time

	lastRefresh time.Time
	lastRssSync time.Time
}

func NewLoop(cfg Config, deps Deps) *Loop {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Backoffs == (cycle.Backoffs{}) {
		cfg.Backoffs = cycle.DefaultBackoffs()
	}

	logger := deps.Logger.With().Str("category", deps.Policy.Category).Str("loop", loopName).Logger()
	client := withClientTimeout(deps.Client, cfg.RequestTimeout)
	catalog := withCatalogTimeout(deps.Catalog, cfg.RequestTimeout)

	return &Loop{
		cfg:        cfg,
		policy:     deps.Policy,
		state:      deps.State,
		shared:     deps.Shared,
		client:     client,
		catalog:    catalog,
		probe:      deps.Connectivity,
		classifier: NewClassifier(deps.Policy, deps.State, client, now, logger),
		executor:   NewExecutor(deps.Policy, deps.State, deps.Shared, client, catalog, deps.Metrics, now, logger),
		metrics:    deps.Metrics,
		logger:     logger,
		now:        now,
	}
}

// Run reconciles until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	runner := &cycle.Runner{
		Category: l.policy.Category,
		Loop:     loopName,
		Interval: l.cfg.Interval,
		Backoffs: l.cfg.Backoffs,
		Gate:     l.shared.Gate,
		Metrics:  l.metrics,
		Logger:   l.logger,
		Now:      l.now,
	}

	l.logger.Info().Dur("interval", l.cfg.Interval).Msg("Starting reconciliation loop")
	return runner.Run(ctx, l.RunCycle)
}

// RunCycle polls, classifies every torrent and applies the resulting actions once.
func (l *Loop) RunCycle(ctx context.Context) cycle.Result {
	if l.probe != nil {
		if err := l.probe.Check(ctx); err != nil {
			return cycle.FromError(err)
		}
	}

	if err := l.timedCommands(ctx); err != nil {
		return cycle.FromError(err)
	}

	queue, err := l.catalog.Queue(ctx)
	if err != nil {
		return cycle.FromError(fmt.Errorf("fetch catalog queue: %w", err))
	}
	l.state.requeue.Update(queue)

	torrents, err := l.poll(ctx)
	if err != nil {
		return cycle.FromError(err)
	}

	pending := NewPending()
	present := make(map[string]struct{}, len(torrents))
	for _, t := range torrents {
		present[t.Hash] = struct{}{}

		d, err := l.classifier.Evaluate(ctx, t, pending)
		if err != nil {
			l.logger.Error().Err(err).Str("hash", t.Hash).Str("name", t.Name).Msg("Failed to classify torrent")
			continue
		}
		l.metrics.Decision(l.policy.Category, d.Rule)
	}
	l.state.prune(present)

	if pending.Empty() {
		return cycle.Continue()
	}

	if err := l.executor.Apply(ctx, pending); err != nil {
		l.logger.Warn().Err(err).Msg("Some actions failed")
		if kind := cycle.Classify(err); kind == cycle.BackoffClientUnreachable || kind == cycle.BackoffCatalogUnreachable {
			return cycle.FromError(err)
		}
	}

	return cycle.Continue()
}

// poll returns the category's torrents followed by torrents this category moved
// into the failed or recheck categories.
func (l *Loop) poll(ctx context.Context) ([]domain.Torrent, error) {
	own, err := l.client.Torrents(ctx, l.policy.Category)
	if err != nil {
		return nil, fmt.Errorf("list torrents: %w", err)
	}

	for _, t := range own {
		l.state.cache[t.Hash] = t.Category
		l.shared.Remember(t.Hash, t.Name, t.Category)
	}

	torrents := own
	for _, category := range []string{l.policy.FailedCategory, l.policy.RecheckCategory} {
		if category == "" || category == l.policy.Category {
			continue
		}
		moved, err := l.client.Torrents(ctx, category)
		if err != nil {
			return nil, fmt.Errorf("list %s torrents: %w", category, err)
		}
		for _, t := range moved {
			if l.owns(t.Hash) {
				torrents = append(torrents, t)
			}
		}
	}

	return torrents, nil
}

// owns reports whether a torrent outside the category belongs to it.
func (l *Loop) owns(hash string) bool {
	if _, ok := l.state.cache[hash]; ok {
		return true
	}
	if category, ok := l.shared.DownloadCategory(hash); ok && category == l.policy.Category {
		return true
	}
	return l.state.requeue.Contains(hash)
}

// timedCommands asks the catalog to refresh its download view and sync RSS when due.
func (l *Loop) timedCommands(ctx context.Context) error {
	now := l.now()

	if l.policy.RefreshDownloadsInterval > 0 && now.Sub(l.lastRefresh) >= l.policy.RefreshDownloadsInterval {
		if err := l.postCommand(ctx, arr.CommandRefreshMonitoredDownloads); err != nil {
			return err
		}
		l.lastRefresh = now
	}

	if l.policy.RssSyncInterval > 0 && now.Sub(l.lastRssSync) >= l.policy.RssSyncInterval {
		if err := l.postCommand(ctx, arr.CommandRssSync); err != nil {
			return err
		}
		l.lastRssSync = now
	}

	return nil
}

func (l *Loop) postCommand(ctx context.Context, name string) error {
	if _, err := l.catalog.PostCommand(ctx, arr.Command{Name: name}); err != nil {
		if cycle.Classify(err) == cycle.BackoffCatalogUnreachable {
			return fmt.Errorf("post %s: %w", name, err)
		}
		l.logger.Warn().Err(err).Str("command", name).Msg("Failed to post catalog command")
		return nil
	}
	l.logger.Debug().Str("command", name).Msg("Posted catalog command")
	return nil
}
