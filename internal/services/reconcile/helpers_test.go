// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qbitrr/internal/arr"
	"github.com/autobrr/qbitrr/internal/domain"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeClient struct {
	mu           sync.Mutex
	torrents     map[string][]domain.Torrent
	files        map[string][]domain.TorrentFile
	filesErr     error
	torrentsErr  error
	deleteErr    error
	noPriorities bool
	panicOnFiles bool

	calls      []string
	paused     []string
	resumed    []string
	rechecked  []string
	deleted    [][]string
	categories map[string]string
	priorities map[string][]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		torrents:   make(map[string][]domain.Torrent),
		files:      make(map[string][]domain.TorrentFile),
		categories: make(map[string]string),
		priorities: make(map[string][]int),
	}
}

func (f *fakeClient) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeClient) Torrents(_ context.Context, category string) ([]domain.Torrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.torrentsErr != nil {
		return nil, f.torrentsErr
	}
	return slices.Clone(f.torrents[category]), nil
}

func (f *fakeClient) Files(_ context.Context, hash string) ([]domain.TorrentFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnFiles {
		panic("boom")
	}
	if f.filesErr != nil {
		return nil, f.filesErr
	}
	return f.files[hash], nil
}

func (f *fakeClient) Pause(_ context.Context, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause")
	f.paused = append(f.paused, hashes...)
	return nil
}

func (f *fakeClient) Resume(_ context.Context, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resume")
	f.resumed = append(f.resumed, hashes...)
	return nil
}

func (f *fakeClient) Recheck(_ context.Context, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("recheck")
	f.rechecked = append(f.rechecked, hashes...)
	return nil
}

func (f *fakeClient) Delete(_ context.Context, hashes []string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete")
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, slices.Clone(hashes))
	return nil
}

func (f *fakeClient) SetCategory(_ context.Context, hashes []string, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set-category")
	for _, h := range hashes {
		f.categories[h] = category
	}
	return nil
}

func (f *fakeClient) SupportsFilePriority(context.Context) bool {
	return !f.noPriorities
}

func (f *fakeClient) SetFilePriority(_ context.Context, hash string, ids []int, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("priority")
	f.priorities[hash] = slices.Clone(ids)
	return nil
}

type fakeCatalog struct {
	mu          sync.Mutex
	arrType     domain.ArrType
	queue       []arr.QueueRecord
	queueErr    error
	commandErr  error
	blocklistFn func(id int) error

	commands  []arr.Command
	blocklist []int
	calls     *[]string
}

func newFakeCatalog(arrType domain.ArrType) *fakeCatalog {
	return &fakeCatalog{arrType: arrType}
}

func (f *fakeCatalog) ArrType() domain.ArrType { return f.arrType }

func (f *fakeCatalog) Queue(context.Context) ([]arr.QueueRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	return slices.Clone(f.queue), nil
}

func (f *fakeCatalog) DeleteQueueItem(_ context.Context, id int, blocklist bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls != nil {
		*f.calls = append(*f.calls, "blocklist")
	}
	if f.blocklistFn != nil {
		if err := f.blocklistFn(id); err != nil {
			return err
		}
	}
	if blocklist {
		f.blocklist = append(f.blocklist, id)
	}
	return nil
}

func (f *fakeCatalog) PostCommand(_ context.Context, cmd arr.Command) (*arr.CommandResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls != nil {
		*f.calls = append(*f.calls, "command:"+cmd.Name)
	}
	if f.commandErr != nil {
		return nil, f.commandErr
	}
	f.commands = append(f.commands, cmd)
	return &arr.CommandResponse{ID: len(f.commands), Name: cmd.Name, Status: "queued"}, nil
}

func (f *fakeCatalog) commandNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.commands))
	for _, c := range f.commands {
		names = append(names, c.Name)
	}
	return names
}

func testPolicy(t *testing.T, mutate ...func(*domain.CategoryConfig)) *Policy {
	t.Helper()

	cat := domain.CategoryConfig{
		Name:              "tv",
		ArrType:           domain.ArrTypeSonarr,
		ReSearchOnFailure: true,
		Torrent: domain.TorrentPolicyConfig{
			IgnoreTorrentsYoungerThan:  600,
			MaximumETA:                 3600,
			MaximumDeletablePercentage: 0.95,
		},
	}
	for _, fn := range mutate {
		fn(&cat)
	}

	p, err := NewPolicy(&domain.Config{FailedCategory: "failed", RecheckCategory: "recheck"}, cat)
	require.NoError(t, err)
	return p
}

type fixture struct {
	clock      *fakeClock
	policy     *Policy
	state      *CategoryState
	shared     *SharedCaches
	client     *fakeClient
	catalog    *fakeCatalog
	classifier *Classifier
	executor   *Executor
}

func newFixture(t *testing.T, mutate ...func(*domain.CategoryConfig)) *fixture {
	t.Helper()

	clock := newFakeClock(testNow)
	policy := testPolicy(t, mutate...)
	state := NewCategoryState(CategoryKey(policy.Category), policy.IgnoreYoungerThan, clock.Now)
	t.Cleanup(state.Requeue().Close)
	shared := NewSharedCaches()
	client := newFakeClient()
	catalog := newFakeCatalog(domain.ArrTypeSonarr)
	catalog.calls = &client.calls

	return &fixture{
		clock:      clock,
		policy:     policy,
		state:      state,
		shared:     shared,
		client:     client,
		catalog:    catalog,
		classifier: NewClassifier(policy, state, client, clock.Now, zerolog.Nop()),
		executor:   NewExecutor(policy, state, shared, client, catalog, nil, clock.Now, zerolog.Nop()),
	}
}

func (f *fixture) unix(offset time.Duration) int64 {
	return f.clock.Now().Add(offset).Unix()
}
