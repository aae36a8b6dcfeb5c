// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/autobrr/qbitrr/internal/services/cycle"
	"github.com/autobrr/qbitrr/pkg/expiringset"
)

// CategoryKey identifies one managed torrent category.
type CategoryKey string

func (k CategoryKey) String() string {
	return string(k)
}

type scanKey struct {
	hash string
	path string
}

// CategoryState holds the caches of one category. Only that category's
// reconciliation loop mutates it, so it carries no lock.
type CategoryState struct {
	Key CategoryKey

	// hash -> category of torrents in the download queue
	cache          map[string]string
	timedIgnore    *expiringset.Set
	timedSkip      *expiringset.Set
	recentlyQueued map[string]int64
	cleaned        map[string]struct{}
	sentToScan     map[string]struct{}
	sentToScanPath map[scanKey]struct{}

	requeue *RequeueCache
}

// NewCategoryState creates empty caches whose debounce windows last ttl.
func NewCategoryState(key CategoryKey, ttl time.Duration, now func() time.Time) *CategoryState {
	if now == nil {
		now = time.Now
	}
	return &CategoryState{
		Key:            key,
		cache:          make(map[string]string),
		timedIgnore:    expiringset.New(ttl, expiringset.WithClock(now)),
		timedSkip:      expiringset.New(ttl, expiringset.WithClock(now)),
		recentlyQueued: make(map[string]int64),
		cleaned:        make(map[string]struct{}),
		sentToScan:     make(map[string]struct{}),
		sentToScanPath: make(map[scanKey]struct{}),
		requeue:        NewRequeueCache(requeueCacheTTL),
	}
}

func (s *CategoryState) IsCleaned(hash string) bool {
	_, ok := s.cleaned[hash]
	return ok
}

func (s *CategoryState) MarkCleaned(hash string) {
	s.cleaned[hash] = struct{}{}
}

func (s *CategoryState) IsSentToScan(hash string) bool {
	_, ok := s.sentToScan[hash]
	return ok
}

func (s *CategoryState) TimedIgnore() *expiringset.Set { return s.timedIgnore }
func (s *CategoryState) TimedSkip() *expiringset.Set   { return s.timedSkip }
func (s *CategoryState) Requeue() *RequeueCache        { return s.requeue }

// queuedSince returns when the torrent was first seen queued, or fallback.
func (s *CategoryState) queuedSince(hash string, fallback int64) int64 {
	if ts, ok := s.recentlyQueued[hash]; ok {
		return ts
	}
	return fallback
}

func (s *CategoryState) markSentToScan(hash, path string) bool {
	key := scanKey{hash: hash, path: path}
	if _, ok := s.sentToScanPath[key]; ok {
		return false
	}
	s.sentToScanPath[key] = struct{}{}
	s.sentToScan[hash] = struct{}{}
	return true
}

// forget drops every trace of a deleted torrent.
func (s *CategoryState) forget(hash string) {
	delete(s.cache, hash)
	delete(s.recentlyQueued, hash)
	delete(s.cleaned, hash)
	delete(s.sentToScan, hash)
	for key := range s.sentToScanPath {
		if key.hash == hash {
			delete(s.sentToScanPath, key)
		}
	}
	s.timedIgnore.Remove(hash)
	s.timedSkip.Remove(hash)
}

// prune drops the per-hash entries of torrents no longer present in the
// client, including ones removed outside qbitrr.
func (s *CategoryState) prune(present map[string]struct{}) {
	gone := func(hash string) bool {
		_, ok := present[hash]
		return !ok
	}

	maps.DeleteFunc(s.recentlyQueued, func(hash string, _ int64) bool { return gone(hash) })
	maps.DeleteFunc(s.cache, func(hash, _ string) bool { return gone(hash) })
	maps.DeleteFunc(s.cleaned, func(hash string, _ struct{}) bool { return gone(hash) })
	maps.DeleteFunc(s.sentToScan, func(hash string, _ struct{}) bool { return gone(hash) })
	maps.DeleteFunc(s.sentToScanPath, func(key scanKey, _ struct{}) bool { return gone(key.hash) })
}

// Close stops the requeue cache's expiry worker.
func (s *CategoryState) Close() {
	s.requeue.Close()
}

// SharedCaches are read and written by every category loop.
type SharedCaches struct {
	mu        sync.RWMutex
	names     map[string]string
	downloads map[string]string

	Gate *cycle.DelayGate
}

func NewSharedCaches() *SharedCaches {
	return &SharedCaches{
		names:     make(map[string]string),
		downloads: make(map[string]string),
		Gate:      &cycle.DelayGate{},
	}
}

func (c *SharedCaches) Remember(hash, name, category string) {
	c.mu.Lock()
	c.names[hash] = name
	c.downloads[hash] = category
	c.mu.Unlock()
}

func (c *SharedCaches) Name(hash string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[hash]
	return name, ok
}

func (c *SharedCaches) DownloadCategory(hash string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	category, ok := c.downloads[hash]
	return category, ok
}

func (c *SharedCaches) Forget(hash string) {
	c.mu.Lock()
	delete(c.names, hash)
	delete(c.downloads, hash)
	c.mu.Unlock()
}

type hashSet map[string]struct{}

func (s hashSet) add(hash string) { s[hash] = struct{}{} }

func (s hashSet) has(hash string) bool {
	_, ok := s[hash]
	return ok
}

func (s hashSet) sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// Pending accumulates the actions of one cycle.
type Pending struct {
	pause          hashSet
	resume         hashSet
	recheck        hashSet
	delete         hashSet
	skipBlacklist  hashSet
	changePriority map[string][]int
	imports        []ImportRequest
	importSeen     hashSet
	torrents       map[string]torrentInfo
}

type ImportRequest struct {
	Hash string
	Name string
	Path string
}

type torrentInfo struct {
	Name     string
	Category string
}

func NewPending() *Pending {
	return &Pending{
		pause:          make(hashSet),
		resume:         make(hashSet),
		recheck:        make(hashSet),
		delete:         make(hashSet),
		skipBlacklist:  make(hashSet),
		changePriority: make(map[string][]int),
		importSeen:     make(hashSet),
		torrents:       make(map[string]torrentInfo),
	}
}

// Pause is ignored for hashes already marked for deletion.
func (p *Pending) Pause(hash string) {
	if p.delete.has(hash) {
		return
	}
	p.pause.add(hash)
}

// Delete supersedes any pause of the same hash.
func (p *Pending) Delete(hash string) {
	delete(p.pause, hash)
	delete(p.changePriority, hash)
	p.delete.add(hash)
}

func (p *Pending) Resume(hash string)        { p.resume.add(hash) }
func (p *Pending) Recheck(hash string)       { p.recheck.add(hash) }
func (p *Pending) SkipBlacklist(hash string) { p.skipBlacklist.add(hash) }

func (p *Pending) ChangePriority(hash string, ids []int) {
	if p.delete.has(hash) || len(ids) == 0 {
		return
	}
	p.changePriority[hash] = ids
}

func (p *Pending) Import(hash, name, path string) {
	if p.importSeen.has(hash) {
		return
	}
	p.importSeen.add(hash)
	p.imports = append(p.imports, ImportRequest{Hash: hash, Name: name, Path: path})
}

func (p *Pending) IsPaused(hash string) bool        { return p.pause.has(hash) }
func (p *Pending) IsResumed(hash string) bool       { return p.resume.has(hash) }
func (p *Pending) IsRechecked(hash string) bool     { return p.recheck.has(hash) }
func (p *Pending) IsDeleted(hash string) bool       { return p.delete.has(hash) }
func (p *Pending) IsSkipBlacklist(hash string) bool { return p.skipBlacklist.has(hash) }

func (p *Pending) PriorityChange(hash string) ([]int, bool) {
	ids, ok := p.changePriority[hash]
	return ids, ok
}

func (p *Pending) Imports() []ImportRequest {
	return p.imports
}

func (p *Pending) Empty() bool {
	return len(p.pause) == 0 && len(p.resume) == 0 && len(p.recheck) == 0 &&
		len(p.delete) == 0 && len(p.changePriority) == 0 && len(p.imports) == 0
}

func (p *Pending) note(hash, name, category string) {
	p.torrents[hash] = torrentInfo{Name: name, Category: category}
}
