// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/autobrr/qbitrr/internal/arr"
	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/internal/metrics"
)

// TorrentClient is the subset of the qBittorrent manager the loop drives.
type TorrentClient interface {
	FileSource
	Torrents(ctx context.Context, category string) ([]domain.Torrent, error)
	Pause(ctx context.Context, hashes []string) error
	Resume(ctx context.Context, hashes []string) error
	Recheck(ctx context.Context, hashes []string) error
	Delete(ctx context.Context, hashes []string, deleteFiles bool) error
	SetCategory(ctx context.Context, hashes []string, category string) error
	SupportsFilePriority(ctx context.Context) bool
	SetFilePriority(ctx context.Context, hash string, ids []int, priority int) error
}

// Catalog is the subset of a Sonarr/Radarr client the loop drives.
type Catalog interface {
	ArrType() domain.ArrType
	Queue(ctx context.Context) ([]arr.QueueRecord, error)
	DeleteQueueItem(ctx context.Context, id int, blocklist bool) error
	PostCommand(ctx context.Context, cmd arr.Command) (*arr.CommandResponse, error)
}

// Executor applies a cycle's pending actions.
type Executor struct {
	policy  *Policy
	state   *CategoryState
	shared  *SharedCaches
	client  TorrentClient
	catalog Catalog
	metrics *metrics.Recorder
	now     func() time.Time
	logger  zerolog.Logger
}

func NewExecutor(policy *Policy, state *CategoryState, shared *SharedCaches, client TorrentClient, catalog Catalog, recorder *metrics.Recorder, now func() time.Time, logger zerolog.Logger) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{
		policy:  policy,
		state:   state,
		shared:  shared,
		client:  client,
		catalog: catalog,
		metrics: recorder,
		now:     now,
		logger:  logger,
	}
}

// Apply runs resume, pause, recheck, file priority, import, delete and folder cleanup
// in that order. A failing step is logged and later steps still run; the joined
// error summarises every failure.
func (x *Executor) Apply(ctx context.Context, pending *Pending) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(x.batch(ctx, "resume", pending.resume.sorted(), x.client.Resume))
	collect(x.batch(ctx, "pause", pending.pause.sorted(), x.client.Pause))
	collect(x.recheck(ctx, pending))
	collect(x.changePriority(ctx, pending))
	collect(x.importCompleted(ctx, pending))
	collect(x.delete(ctx, pending))
	collect(x.cleanupFolders())

	return errors.Join(errs...)
}

func (x *Executor) batch(ctx context.Context, action string, hashes []string, fn func(context.Context, []string) error) error {
	if len(hashes) == 0 {
		return nil
	}
	if err := fn(ctx, hashes); err != nil {
		x.metrics.ActionFailure(x.policy.Category, action)
		x.logger.Error().Err(err).Str("action", action).Int("count", len(hashes)).Msg("Failed to apply action")
		return fmt.Errorf("%s: %w", action, err)
	}
	x.metrics.Action(x.policy.Category, action, len(hashes))
	return nil
}

func (x *Executor) recheck(ctx context.Context, pending *Pending) error {
	hashes := pending.recheck.sorted()
	if err := x.batch(ctx, "recheck", hashes, x.client.Recheck); err != nil || len(hashes) == 0 {
		return err
	}

	var moveBack []string
	for _, hash := range hashes {
		x.state.timedIgnore.Add(hash)
		if info, ok := pending.torrents[hash]; ok && info.Category == x.policy.RecheckCategory && x.policy.RecheckCategory != "" {
			moveBack = append(moveBack, hash)
		}
	}

	return x.batch(ctx, "set category", moveBack, func(ctx context.Context, hashes []string) error {
		return x.client.SetCategory(ctx, hashes, x.policy.Category)
	})
}

func (x *Executor) changePriority(ctx context.Context, pending *Pending) error {
	if len(pending.changePriority) == 0 {
		return nil
	}
	if !x.client.SupportsFilePriority(ctx) {
		x.logger.Warn().Int("count", len(pending.changePriority)).Msg("qBittorrent does not support file priorities, skipping file exclusion")
		return nil
	}

	var errs []error
	for _, hash := range slices.Sorted(maps.Keys(pending.changePriority)) {
		ids := pending.changePriority[hash]
		if err := x.client.SetFilePriority(ctx, hash, ids, 0); err != nil {
			x.metrics.ActionFailure(x.policy.Category, "change-priority")
			x.logger.Error().Err(err).Str("hash", hash).Ints("files", ids).Msg("Failed to exclude files")
			errs = append(errs, fmt.Errorf("change priority %s: %w", hash, err))
			continue
		}
		x.metrics.Action(x.policy.Category, "change-priority", 1)
		x.logger.Debug().Str("hash", hash).Ints("files", ids).Msg("Excluded files")
	}
	return errors.Join(errs...)
}

func (x *Executor) importCompleted(ctx context.Context, pending *Pending) error {
	var errs []error
	for _, req := range pending.imports {
		key := scanKey{hash: req.Hash, path: req.Path}
		if _, sent := x.state.sentToScanPath[key]; sent {
			continue
		}

		cmd := arr.Command{
			Name:             x.scanCommand(),
			Path:             req.Path,
			DownloadClientID: strings.ToUpper(req.Hash),
			ImportMode:       x.policy.ImportMode,
		}
		if _, err := x.catalog.PostCommand(ctx, cmd); err != nil {
			x.metrics.ActionFailure(x.policy.Category, "import")
			x.logger.Error().Err(err).Str("hash", req.Hash).Str("name", req.Name).Msg("Failed to trigger import")
			errs = append(errs, fmt.Errorf("import %s: %w", req.Hash, err))
			continue
		}

		x.state.markSentToScan(req.Hash, req.Path)
		x.metrics.Action(x.policy.Category, "import", 1)
		x.logger.Info().Str("hash", req.Hash).Str("name", req.Name).Str("path", req.Path).Msg("Triggered import")
	}
	return errors.Join(errs...)
}

func (x *Executor) delete(ctx context.Context, pending *Pending) error {
	hashes := pending.delete.sorted()
	if len(hashes) == 0 {
		return nil
	}

	var (
		errs      []error
		searchIDs []int
	)

	for _, hash := range hashes {
		if pending.skipBlacklist.has(hash) {
			continue
		}
		name := x.torrentName(pending, hash)
		records, ok := x.state.requeue.Lookup(hash)
		if !ok {
			x.logger.Debug().Str("hash", hash).Str("name", name).Msg("No catalog queue record, skipping blocklist")
			continue
		}
		for _, r := range records {
			if err := x.catalog.DeleteQueueItem(ctx, r.ID, true); err != nil {
				// the record may already be gone from the catalog queue
				x.logger.Warn().Err(err).Str("hash", hash).Str("name", name).Int("queueId", r.ID).Msg("Failed to blocklist release")
				errs = append(errs, fmt.Errorf("blocklist %s: %w", hash, err))
			}
			if id := x.entryID(r); id > 0 && !slices.Contains(searchIDs, id) {
				searchIDs = append(searchIDs, id)
			}
		}
	}

	if err := x.batch(ctx, "delete", hashes, func(ctx context.Context, hashes []string) error {
		return x.client.Delete(ctx, hashes, true)
	}); err != nil {
		return errors.Join(append(errs, err)...)
	}

	for _, hash := range hashes {
		x.logger.Info().Str("hash", hash).Str("name", x.torrentName(pending, hash)).Msg("Deleted torrent and its files")
		x.state.forget(hash)
		x.state.requeue.Forget(hash)
		x.shared.Forget(hash)
	}

	if x.policy.ReSearchOnFailure && len(searchIDs) > 0 {
		slices.Sort(searchIDs)
		if err := x.research(ctx, searchIDs); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// torrentName prefers the cycle's snapshot and falls back to the name any
// category loop last saw for the hash.
func (x *Executor) torrentName(pending *Pending, hash string) string {
	if info, ok := pending.torrents[hash]; ok && info.Name != "" {
		return info.Name
	}
	if name, ok := x.shared.Name(hash); ok {
		return name
	}
	return ""
}

func (x *Executor) research(ctx context.Context, ids []int) error {
	cmd := arr.Command{Name: arr.CommandMoviesSearch, MovieIDs: ids}
	if x.catalog.ArrType() == domain.ArrTypeSonarr {
		cmd = arr.Command{Name: arr.CommandEpisodeSearch, EpisodeIDs: ids}
	}

	if _, err := x.catalog.PostCommand(ctx, cmd); err != nil {
		x.metrics.ActionFailure(x.policy.Category, "re-search")
		x.logger.Error().Err(err).Ints("ids", ids).Msg("Failed to re-search failed downloads")
		return fmt.Errorf("re-search: %w", err)
	}

	x.metrics.Search(x.policy.Category, cmd.Name)
	x.logger.Info().Ints("ids", ids).Str("command", cmd.Name).Msg("Re-searching failed downloads")
	return nil
}

func (x *Executor) scanCommand() string {
	if x.catalog.ArrType() == domain.ArrTypeSonarr {
		return arr.CommandDownloadedEpisodesScan
	}
	return arr.CommandDownloadedMoviesScan
}

func (x *Executor) entryID(r arr.QueueRecord) int {
	if x.catalog.ArrType() == domain.ArrTypeSonarr {
		return r.EpisodeID
	}
	return r.MovieID
}

// cleanupFolders removes empty directories below the completed folder that are
// older than the grace period. The folder itself is kept.
func (x *Executor) cleanupFolders() error {
	if !x.policy.FolderCleanup || x.policy.CompletedDownloadFolder == "" {
		return nil
	}

	root := filepath.Clean(x.policy.CompletedDownloadFolder)
	cutoff := x.now().Add(-x.policy.IgnoreYoungerThan)

	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("folder cleanup: %w", err)
	}

	// deepest first so parents become empty before they are checked
	slices.SortFunc(dirs, func(a, b string) int {
		return strings.Count(b, string(filepath.Separator)) - strings.Count(a, string(filepath.Separator))
	})

	removed := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(dir); err != nil {
			x.logger.Debug().Err(err).Str("path", dir).Msg("Failed to remove empty folder")
			continue
		}
		removed++
	}

	if removed > 0 {
		x.metrics.Action(x.policy.Category, "folder-cleanup", removed)
		x.logger.Debug().Int("count", removed).Msg("Removed empty folders")
	}
	return nil
}
