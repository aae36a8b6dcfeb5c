// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/autobrr/qbitrr/internal/domain"
)

// importGracePeriod lets the client finish moving files before an import is requested.
const importGracePeriod = 60

// Action is a set of effects a decision asks the executor to apply.
type Action uint16

const (
	ActionNone          Action = 0
	ActionSkip          Action = 1 << 0
	ActionPause         Action = 1 << 1
	ActionResume        Action = 1 << 2
	ActionRecheck       Action = 1 << 3
	ActionDelete        Action = 1 << 4
	ActionSkipBlacklist Action = 1 << 5
	ActionChangeFiles   Action = 1 << 6
	ActionImport        Action = 1 << 7
)

var actionNames = []struct {
	action Action
	name   string
}{
	{ActionSkip, "skip"},
	{ActionPause, "pause"},
	{ActionResume, "resume"},
	{ActionRecheck, "recheck"},
	{ActionDelete, "delete"},
	{ActionSkipBlacklist, "skip-blacklist"},
	{ActionChangeFiles, "change-priority"},
	{ActionImport, "import"},
}

func (a Action) Has(flag Action) bool {
	return a&flag == flag && flag != 0
}

func (a Action) String() string {
	if a == ActionNone {
		return "none"
	}
	var parts []string
	for _, n := range actionNames {
		if a.Has(n.action) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "+")
}

// Decision is the outcome of classifying one torrent.
type Decision struct {
	Rule   string
	Action Action
	Reason string
	// ExcludedFiles are set to priority 0 when Action has ActionChangeFiles.
	ExcludedFiles []int
	// stale marks deletions caused by slowness or inactivity, which auto-delete gates.
	stale bool
}

// FileSource returns the file list of a torrent.
type FileSource interface {
	Files(ctx context.Context, hash string) ([]domain.TorrentFile, error)
}

type evaluation struct {
	ctx    context.Context
	t      domain.Torrent
	now    time.Time
	policy *Policy
	state  *CategoryState
	files  FileSource
}

func (e *evaluation) nowUnix() int64 {
	return e.now.Unix()
}

// aged reports whether the torrent has been around longer than the grace period.
// The first queued observation replaces added_on so client-side queueing does not count.
func (e *evaluation) aged() bool {
	since := e.state.queuedSince(e.t.Hash, e.t.AddedOn)
	return since < e.nowUnix()-int64(e.policy.IgnoreYoungerThan.Seconds())
}

type rule struct {
	name  string
	match func(e *evaluation) bool
	apply func(e *evaluation) (Decision, error)
}

// Classifier decides what to do with each torrent of one category.
type Classifier struct {
	policy *Policy
	state  *CategoryState
	files  FileSource
	now    func() time.Time
	rules  []rule
	logger zerolog.Logger
}

// NewClassifier builds the ordered rule table for a category.
func NewClassifier(policy *Policy, state *CategoryState, files FileSource, now func() time.Time, logger zerolog.Logger) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{
		policy: policy,
		state:  state,
		files:  files,
		now:    now,
		rules:  defaultRules(),
		logger: logger,
	}
}

// Classify runs the rule table against one torrent. The first matching rule wins.
// Cache side effects of the matching rule are applied to the category state.
func (c *Classifier) Classify(ctx context.Context, t domain.Torrent) (Decision, error) {
	e := &evaluation{
		ctx:    ctx,
		t:      t,
		now:    c.now(),
		policy: c.policy,
		state:  c.state,
		files:  c.files,
	}

	for _, r := range c.rules {
		if !r.match(e) {
			continue
		}
		d, err := r.apply(e)
		if err != nil {
			return Decision{Rule: r.name}, fmt.Errorf("rule %s: %w", r.name, err)
		}
		d.Rule = r.name
		if d.stale && d.Action.Has(ActionDelete) && !c.policy.AutoDelete {
			d = Decision{Rule: r.name, Action: ActionSkip, Reason: "auto-delete disabled, would delete: " + d.Reason}
		}
		return d, nil
	}

	return Decision{Rule: "fallback", Action: ActionNone, Reason: "no rule matched"}, nil
}

// Evaluate classifies a torrent and records the decision into pending.
// A panic while classifying is returned as an error so the cycle continues.
func (c *Classifier) Evaluate(ctx context.Context, t domain.Torrent, pending *Pending) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic classifying torrent %s: %v\n%s", t.Hash, r, debug.Stack())
		}
	}()

	d, err = c.Classify(ctx, t)
	if err != nil {
		return d, err
	}

	record(pending, t, d)
	c.logDecision(t, d)

	return d, nil
}

func record(pending *Pending, t domain.Torrent, d Decision) {
	pending.note(t.Hash, t.Name, t.Category)

	if d.Action.Has(ActionDelete) {
		pending.Delete(t.Hash)
	}
	if d.Action.Has(ActionPause) {
		pending.Pause(t.Hash)
	}
	if d.Action.Has(ActionResume) {
		pending.Resume(t.Hash)
	}
	if d.Action.Has(ActionRecheck) {
		pending.Recheck(t.Hash)
	}
	if d.Action.Has(ActionSkipBlacklist) {
		pending.SkipBlacklist(t.Hash)
	}
	if d.Action.Has(ActionChangeFiles) {
		pending.ChangePriority(t.Hash, d.ExcludedFiles)
	}
	if d.Action.Has(ActionImport) {
		pending.Import(t.Hash, t.Name, t.ContentPath)
	}
}

func (c *Classifier) logDecision(t domain.Torrent, d Decision) {
	level := zerolog.InfoLevel
	switch {
	case d.Action == ActionNone:
		level = zerolog.TraceLevel
	case d.Action == ActionSkip:
		level = zerolog.DebugLevel
	}

	ev := c.logger.WithLevel(level).
		Str("hash", t.Hash).
		Str("name", t.Name).
		Str("category", t.Category).
		Str("state", string(t.State)).
		Str("progress", fmt.Sprintf("%.2f%%", t.Progress*100)).
		Str("availability", fmt.Sprintf("%.2f%%", t.Availability*100)).
		Str("size", humanize.Bytes(uint64(max(t.Size, 0)))).
		Str("rule", d.Rule).
		Str("decision", d.Action.String())

	if eta, ok := t.KnownETA(); ok {
		ev = ev.Str("eta", (time.Duration(eta) * time.Second).String())
	} else {
		ev = ev.Str("eta", "unknown")
	}
	if t.LastActivity > 0 {
		ev = ev.Str("lastActivity", humanize.Time(time.Unix(t.LastActivity, 0)))
	}

	ev.Msg(d.Reason)
}

var (
	ignoredStates = stateSet(
		qbt.TorrentStateCheckingUp,
		qbt.TorrentStateCheckingDl,
		qbt.TorrentStateCheckingResumeData,
		qbt.TorrentStateAllocating,
		qbt.TorrentStateMoving,
		qbt.TorrentStateForcedDl,
		qbt.TorrentStateForcedUp,
		qbt.TorrentStateQueuedDl,
	)
	completeStates = stateSet(
		qbt.TorrentStateUploading,
		qbt.TorrentStateStalledUp,
		qbt.TorrentStatePausedUp,
		qbt.TorrentStateStoppedUp,
		qbt.TorrentStateQueuedUp,
		qbt.TorrentStateForcedUp,
	)
	pausedDownloadStates = stateSet(qbt.TorrentStatePausedDl, qbt.TorrentStateStoppedDl)
	pausedUploadStates   = stateSet(qbt.TorrentStatePausedUp, qbt.TorrentStateStoppedUp)
	downloadingStates    = stateSet(qbt.TorrentStateDownloading, qbt.TorrentStateStalledDl, qbt.TorrentStateMetaDl)
	uploadingStates      = stateSet(qbt.TorrentStateUploading, qbt.TorrentStateStalledUp)
)

func stateSet(states ...qbt.TorrentState) map[qbt.TorrentState]struct{} {
	m := make(map[qbt.TorrentState]struct{}, len(states))
	for _, s := range states {
		m[s] = struct{}{}
	}
	return m
}

func in(set map[qbt.TorrentState]struct{}, s qbt.TorrentState) bool {
	_, ok := set[s]
	return ok
}

func decide(action Action, reason string) (Decision, error) {
	return Decision{Action: action, Reason: reason}, nil
}

func staleDelete(reason string) (Decision, error) {
	return Decision{Action: ActionDelete, Reason: reason, stale: true}, nil
}

func defaultRules() []rule {
	return []rule{
		{
			name: "failed-category",
			match: func(e *evaluation) bool {
				return e.policy.FailedCategory != "" && e.t.Category == e.policy.FailedCategory
			},
			apply: func(e *evaluation) (Decision, error) {
				return decide(ActionDelete, "Manually marked as failed")
			},
		},
		{
			name: "recheck-category",
			match: func(e *evaluation) bool {
				return e.policy.RecheckCategory != "" && e.t.Category == e.policy.RecheckCategory
			},
			apply: func(e *evaluation) (Decision, error) {
				return decide(ActionRecheck, "Manually marked for recheck")
			},
		},
		{
			name: "transient-state",
			match: func(e *evaluation) bool {
				return in(ignoredStates, e.t.State)
			},
			apply: func(e *evaluation) (Decision, error) {
				if e.t.State == qbt.TorrentStateQueuedDl {
					if _, seen := e.state.recentlyQueued[e.t.Hash]; !seen {
						e.state.recentlyQueued[e.t.Hash] = e.nowUnix()
					}
				}
				return decide(ActionSkip, "Transient state")
			},
		},
		{
			name: "debounce",
			match: func(e *evaluation) bool {
				return e.state.timedIgnore.Contains(e.t.Hash) || e.state.timedSkip.Contains(e.t.Hash)
			},
			apply: func(e *evaluation) (Decision, error) {
				return decide(ActionSkip, "Recently acted on")
			},
		},
		{
			name: "queued-upload",
			match: func(e *evaluation) bool {
				return e.t.State == qbt.TorrentStateQueuedUp
			},
			apply: func(e *evaluation) (Decision, error) {
				return decide(ActionPause|ActionSkipBlacklist, "Queued for upload, pausing")
			},
		},
		{
			name: "stalled-or-metadata",
			match: func(e *evaluation) bool {
				return e.t.State == qbt.TorrentStateMetaDl || e.t.State == qbt.TorrentStateStalledDl
			},
			apply: func(e *evaluation) (Decision, error) {
				e.state.timedSkip.Add(e.t.Hash)
				if e.t.State == qbt.TorrentStateMetaDl {
					// the file list is not final until metadata arrives
					delete(e.state.cleaned, e.t.Hash)
				}
				if e.aged() {
					return staleDelete("Stalled past the grace period")
				}
				return decide(ActionSkip, "Stalled, within grace period")
			},
		},
		{
			name: "stalled-near-complete",
			match: func(e *evaluation) bool {
				return e.t.Progress >= e.policy.MaximumDeletablePercentage &&
					!in(completeStates, e.t.State) &&
					e.state.IsCleaned(e.t.Hash)
			},
			apply: func(e *evaluation) (Decision, error) {
				if e.policy.etaLimited() && e.t.LastActivity < e.nowUnix()-int64(e.policy.MaximumETA.Seconds()) {
					return staleDelete("Nearly complete but inactive past the maximum ETA")
				}
				return decide(ActionSkip, "Nearly complete and still active")
			},
		},
		{
			name: "paused-download",
			match: func(e *evaluation) bool {
				return in(pausedDownloadStates, e.t.State) && e.t.AmountLeft > 0
			},
			apply: func(e *evaluation) (Decision, error) {
				e.state.timedIgnore.Add(e.t.Hash)
				return decide(ActionResume, "Paused with data left, resuming")
			},
		},
		{
			name: "sent-to-import",
			match: func(e *evaluation) bool {
				return e.state.IsSentToScan(e.t.Hash) && e.state.IsCleaned(e.t.Hash)
			},
			apply: func(e *evaluation) (Decision, error) {
				return decide(ActionSkip, "Already sent for import")
			},
		},
		{
			name: "error",
			match: func(e *evaluation) bool {
				return e.t.State == qbt.TorrentStateError
			},
			apply: func(e *evaluation) (Decision, error) {
				return decide(ActionRecheck, "Errored, rechecking")
			},
		},
		{
			name: "import-ready",
			match: func(e *evaluation) bool {
				t := e.t
				return t.AddedOn > 0 &&
					t.CompletionOn > 0 &&
					t.AmountLeft == 0 &&
					!in(pausedUploadStates, t.State) &&
					in(completeStates, t.State) &&
					t.ContentPath != "" &&
					t.CompletionOn < e.nowUnix()-importGracePeriod
			},
			apply: func(e *evaluation) (Decision, error) {
				return decide(ActionPause|ActionSkipBlacklist|ActionImport, "Completed, importing")
			},
		},
		{
			name: "missing-files",
			match: func(e *evaluation) bool {
				return e.t.State == qbt.TorrentStateMissingFiles
			},
			apply: func(e *evaluation) (Decision, error) {
				return decide(ActionSkipBlacklist, "Missing files")
			},
		},
		{
			name: "seeding-complete",
			match: func(e *evaluation) bool {
				t := e.t
				return in(uploadingStates, t.State) &&
					t.SeedingTime > 1 &&
					t.AmountLeft == 0 &&
					t.AddedOn > 0 &&
					t.ContentPath != "" &&
					e.state.IsCleaned(t.Hash)
			},
			apply: func(e *evaluation) (Decision, error) {
				return decide(ActionPause|ActionSkipBlacklist, "Seeding and already processed, pausing")
			},
		},
		{
			name: "slow-download",
			match: func(e *evaluation) bool {
				if in(pausedDownloadStates, e.t.State) || !in(downloadingStates, e.t.State) {
					return false
				}
				if !e.policy.etaLimited() || e.policy.DoNotRemoveSlow || !e.aged() {
					return false
				}
				eta, ok := e.t.KnownETA()
				return ok && eta > int64(e.policy.MaximumETA.Seconds())
			},
			apply: func(e *evaluation) (Decision, error) {
				return staleDelete("ETA exceeds the maximum")
			},
		},
		{
			name: "active",
			match: func(e *evaluation) bool {
				return in(downloadingStates, e.t.State) || in(uploadingStates, e.t.State)
			},
			apply: applyActive,
		},
	}
}

func applyActive(e *evaluation) (Decision, error) {
	cleaned := e.state.IsCleaned(e.t.Hash)

	if in(downloadingStates, e.t.State) && cleaned && e.aged() && e.t.Availability < 1 {
		return staleDelete("Not fully available after the grace period")
	}
	if cleaned {
		return decide(ActionSkip, "Files already checked")
	}

	files, err := e.files.Files(e.ctx, e.t.Hash)
	if err != nil {
		return Decision{}, fmt.Errorf("fetch files: %w", err)
	}
	if len(files) == 0 {
		return decide(ActionSkip, "File list not available yet")
	}

	res := e.policy.scanFiles(files)
	e.state.MarkCleaned(e.t.Hash)

	switch {
	case res.allExcluded():
		return decide(ActionDelete, "Every file is excluded")
	case len(res.excluded) > 0:
		return Decision{
			Action:        ActionChangeFiles,
			Reason:        fmt.Sprintf("Excluding %d of %d files", len(res.excluded), len(res.excluded)+res.eligible),
			ExcludedFiles: res.excluded,
		}, nil
	default:
		return decide(ActionSkip, "All files allowed")
	}
}
