// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package searchfill asks the catalog to search for wanted library entries that
// are neither downloading nor already searched.
package searchfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/qbitrr/internal/arr"
	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/internal/metrics"
	"github.com/autobrr/qbitrr/internal/models"
	"github.com/autobrr/qbitrr/internal/services/cycle"
)

const (
	loopName = "search"

	defaultInterval     = 300 * time.Second
	defaultCommandLimit = 5
	commandWait         = 30 * time.Second
)

// Catalog is the part of the catalog API the search loop needs.
type Catalog interface {
	ArrType() domain.ArrType
	Queue(ctx context.Context) ([]arr.QueueRecord, error)
	WantedMissing(ctx context.Context) ([]arr.WantedRecord, error)
	WantedCutoff(ctx context.Context) ([]arr.WantedRecord, error)
	ActiveSearchCommands(ctx context.Context) (int, error)
	PostCommand(ctx context.Context, cmd arr.Command) (*arr.CommandResponse, error)
}

// Ledger persists which wanted entries were searched or are queued.
type Ledger interface {
	Refresh(ctx context.Context, category string, entries []models.SearchEntry, now time.Time) error
	SetQueued(ctx context.Context, category string, entryIDs []int) error
	ListPending(ctx context.Context, category string, limit int) ([]models.SearchEntry, error)
	MarkSearched(ctx context.Context, category string, entryID int, at time.Time) error
	ResetSearchedBefore(ctx context.Context, category string, cutoff time.Time) (int64, error)
}

// Connectivity reports whether the internet is reachable.
type Connectivity interface {
	Check(ctx context.Context) error
}

type Config struct {
	// Interval between ledger refreshes. A running pass is cut short when it expires.
	Interval       time.Duration
	RequestTimeout time.Duration
	// CommandLimit is the number of active search commands the catalog may run at once.
	CommandLimit int
	// Concurrency bounds the searches issued in parallel.
	Concurrency             int
	SearchUpgrades          bool
	SearchAgainOnCompletion bool
	Backoffs                cycle.Backoffs
}

// ConfigFromDomain builds a loop config from a category's search settings.
func ConfigFromDomain(cfg domain.SearchConfig) Config {
	return Config{
		Interval:                time.Duration(cfg.SearchEverySeconds) * time.Second,
		CommandLimit:            cfg.CommandLimit,
		Concurrency:             cfg.Concurrency,
		SearchUpgrades:          cfg.SearchUpgrades,
		SearchAgainOnCompletion: cfg.SearchAgainOnCompletion,
	}
}

type Deps struct {
	Category     string
	Catalog      Catalog
	Ledger       Ledger
	Connectivity Connectivity
	Gate         *cycle.DelayGate
	Metrics      *metrics.Recorder
	Logger       zerolog.Logger
	Now          func() time.Time
	// Sleep is used while the catalog is at its command limit.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Loop fills the catalog's search queue for one category.
type Loop struct {
	cfg      Config
	category string
	catalog  Catalog
	ledger   Ledger
	probe    Connectivity
	gate     *cycle.DelayGate
	metrics  *metrics.Recorder
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	// serialises the command-limit check with the post that follows it
	commandMu sync.Mutex
}

func NewLoop(cfg Config, deps Deps) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.CommandLimit <= 0 {
		cfg.CommandLimit = defaultCommandLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.CommandLimit
	}
	if cfg.Backoffs == (cycle.Backoffs{}) {
		cfg.Backoffs = cycle.DefaultBackoffs()
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = cycle.Sleep
	}

	return &Loop{
		cfg:      cfg,
		category: deps.Category,
		catalog:  withCatalogTimeout(deps.Catalog, cfg.RequestTimeout),
		ledger:   deps.Ledger,
		probe:    deps.Connectivity,
		gate:     deps.Gate,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With().Str("category", deps.Category).Str("loop", loopName).Logger(),
		now:      now,
		sleep:    sleep,
	}
}

// Run searches until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	runner := &cycle.Runner{
		Category: l.category,
		Loop:     loopName,
		Interval: l.cfg.Interval,
		Backoffs: l.cfg.Backoffs,
		Gate:     l.gate,
		Metrics:  l.metrics,
		Logger:   l.logger,
		Now:      l.now,
	}

	l.logger.Info().
		Dur("interval", l.cfg.Interval).
		Int("commandLimit", l.cfg.CommandLimit).
		Int("concurrency", l.cfg.Concurrency).
		Msg("Starting search loop")
	return runner.Run(ctx, l.RunCycle)
}

// RunCycle refreshes the ledger and searches pending entries until the refresh
// interval expires.
func (l *Loop) RunCycle(ctx context.Context) cycle.Result {
	start := l.now()
	deadline := start.Add(l.cfg.Interval)

	if l.probe != nil {
		if err := l.probe.Check(ctx); err != nil {
			return cycle.FromError(err)
		}
	}

	if err := l.refresh(ctx, start); err != nil {
		return cycle.FromError(err)
	}

	pending, err := l.ledger.ListPending(ctx, l.category, 0)
	if err != nil {
		return cycle.FromError(fmt.Errorf("failed to list pending entries: %w", err))
	}

	if len(pending) == 0 {
		if l.cfg.SearchAgainOnCompletion {
			reset, err := l.ledger.ResetSearchedBefore(ctx, l.category, start)
			if err != nil {
				return cycle.FromError(fmt.Errorf("failed to reset searched entries: %w", err))
			}
			if reset > 0 {
				l.logger.Info().Int64("entries", reset).Msg("All wanted entries searched, starting over")
			}
		}
		l.logger.Debug().Msg("No pending entries")
		return cycle.Continue()
	}

	l.logger.Info().Int("pending", len(pending)).Msg("Searching wanted entries")

	expired, err := l.search(ctx, pending, deadline)
	if err != nil {
		return cycle.FromError(err)
	}
	if expired {
		return cycle.RestartLoop("search refresh timer expired")
	}
	return cycle.Continue()
}

// refresh mirrors the catalog's wanted lists and download queue into the ledger.
func (l *Loop) refresh(ctx context.Context, now time.Time) error {
	missing, err := l.catalog.WantedMissing(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch missing entries: %w", err)
	}

	var cutoff []arr.WantedRecord
	if l.cfg.SearchUpgrades {
		cutoff, err = l.catalog.WantedCutoff(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch cutoff unmet entries: %w", err)
		}
	}

	entries := toEntries(l.catalog.ArrType(), missing, cutoff)
	if err := l.ledger.Refresh(ctx, l.category, entries, now); err != nil {
		return fmt.Errorf("failed to refresh search ledger: %w", err)
	}

	queue, err := l.catalog.Queue(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch queue: %w", err)
	}
	if err := l.ledger.SetQueued(ctx, l.category, queuedIDs(l.catalog.ArrType(), queue)); err != nil {
		return fmt.Errorf("failed to mark queued entries: %w", err)
	}

	l.logger.Debug().
		Int("missing", len(missing)).
		Int("cutoff", len(cutoff)).
		Int("queued", len(queue)).
		Msg("Refreshed search ledger")
	return nil
}

// search issues one command per entry. It reports whether the deadline cut the pass short.
func (l *Loop) search(ctx context.Context, entries []models.SearchEntry, deadline time.Time) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)

	var expired atomic.Bool
	for _, entry := range entries {
		if gctx.Err() != nil || expired.Load() {
			break
		}

		g.Go(func() error {
			// Go may block for a slot, so the deadline is checked once the slot is ours
			if !l.now().Before(deadline) {
				expired.Store(true)
				return nil
			}
			return l.searchEntry(gctx, entry)
		})
	}

	if err := g.Wait(); err != nil {
		return expired.Load(), err
	}
	return expired.Load(), ctx.Err()
}

// searchEntry errors only when the catalog is gone. Other failures leave the
// entry pending for the next pass.
func (l *Loop) searchEntry(ctx context.Context, entry models.SearchEntry) error {
	if err := l.post(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrCatalogUnreachable) || errors.Is(err, context.Canceled) {
			return err
		}
		l.logger.Warn().Err(err).Int("entryId", entry.EntryID).Str("title", entry.Title).Msg("Search failed")
		return nil
	}

	if err := l.ledger.MarkSearched(ctx, l.category, entry.EntryID, l.now()); err != nil {
		l.logger.Error().Err(err).Int("entryId", entry.EntryID).Msg("Failed to mark entry searched")
	}
	return nil
}

func (l *Loop) post(ctx context.Context, entry models.SearchEntry) error {
	l.commandMu.Lock()
	defer l.commandMu.Unlock()

	if err := l.waitForCapacity(ctx); err != nil {
		return err
	}

	cmd := searchCommand(entry)
	if _, err := l.catalog.PostCommand(ctx, cmd); err != nil {
		return fmt.Errorf("failed to post %s: %w", cmd.Name, err)
	}

	kind := "missing"
	if entry.IsUpgrade {
		kind = "upgrade"
	}
	l.metrics.Search(l.category, kind)

	ev := l.logger.Info().Str("command", cmd.Name).Int("entryId", entry.EntryID).Str("kind", kind)
	if entry.Kind == models.EntryKindEpisode {
		ev = ev.Str("series", entry.SeriesTitle).
			Str("episode", fmt.Sprintf("S%02dE%02d", entry.SeasonNumber, entry.EpisodeNumber))
	} else if entry.Year > 0 {
		ev = ev.Int("year", entry.Year)
	}
	ev.Str("title", entry.Title).Msg("Searching")
	return nil
}

// waitForCapacity sleeps while the catalog runs CommandLimit or more search commands.
func (l *Loop) waitForCapacity(ctx context.Context) error {
	for {
		active, err := l.catalog.ActiveSearchCommands(ctx)
		if err != nil {
			return fmt.Errorf("failed to count active commands: %w", err)
		}
		if active < l.cfg.CommandLimit {
			return nil
		}

		l.logger.Debug().Int("active", active).Int("limit", l.cfg.CommandLimit).Msg("Command limit reached, waiting")
		if err := l.sleep(ctx, commandWait); err != nil {
			return err
		}
	}
}

func searchCommand(entry models.SearchEntry) arr.Command {
	if entry.Kind == models.EntryKindMovie {
		return arr.Command{Name: arr.CommandMoviesSearch, MovieIDs: []int{entry.EntryID}}
	}
	return arr.Command{Name: arr.CommandEpisodeSearch, EpisodeIDs: []int{entry.EntryID}}
}

// toEntries converts wanted records into ledger rows. An entry listed as both
// missing and cutoff unmet is treated as missing.
func toEntries(arrType domain.ArrType, missing, cutoff []arr.WantedRecord) []models.SearchEntry {
	kind := models.EntryKindEpisode
	if arrType == domain.ArrTypeRadarr {
		kind = models.EntryKindMovie
	}

	seen := make(map[int]struct{}, len(missing)+len(cutoff))
	entries := make([]models.SearchEntry, 0, len(missing)+len(cutoff))

	add := func(records []arr.WantedRecord, upgrade bool) {
		for _, r := range records {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}

			e := models.SearchEntry{
				EntryID:       r.ID,
				Kind:          kind,
				SeriesID:      r.SeriesID,
				Title:         r.Title,
				SeasonNumber:  r.SeasonNumber,
				EpisodeNumber: r.EpisodeNumber,
				AirDate:       r.AirDateUTC,
				Year:          r.Year,
				IsUpgrade:     upgrade,
			}
			if r.Series != nil {
				e.SeriesTitle = r.Series.Title
			}
			entries = append(entries, e)
		}
	}

	add(missing, false)
	add(cutoff, true)
	return entries
}

func queuedIDs(arrType domain.ArrType, queue []arr.QueueRecord) []int {
	ids := make([]int, 0, len(queue))
	for _, r := range queue {
		id := r.EpisodeID
		if arrType == domain.ArrTypeRadarr {
			id = r.MovieID
		}
		if id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
