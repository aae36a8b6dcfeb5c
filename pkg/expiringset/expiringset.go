// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package expiringset provides a time-windowed membership set.
//
// A key added at time t is a member for every query made before t+ttl and is
// evicted lazily by the first access at or after t+ttl. The set is not safe for
// concurrent use; each reconciliation loop owns its own instance.
package expiringset

import (
	"time"
)

// Set is a membership cache whose entries expire after a fixed TTL.
type Set struct {
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

// Option configures a Set.
type Option func(*Set)

// WithClock overrides the time source. Used by tests to drive expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Set) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty Set whose entries live for ttl.
func New(ttl time.Duration, opts ...Option) *Set {
	s := &Set{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add records key at the current time, replacing any previous timestamp.
func (s *Set) Add(key string) {
	s.entries[key] = s.now()
}

// Contains reports whether key was added less than ttl ago.
func (s *Set) Contains(key string) bool {
	insertedAt, ok := s.entries[key]
	if !ok {
		return false
	}
	if s.expired(insertedAt, s.now()) {
		delete(s.entries, key)
		return false
	}
	return true
}

// Remove drops key from the set.
func (s *Set) Remove(key string) {
	delete(s.entries, key)
}

// Len returns the number of live entries.
func (s *Set) Len() int {
	s.sweep()
	return len(s.entries)
}

// Keys returns the live keys in no particular order.
func (s *Set) Keys() []string {
	s.sweep()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}

// Clear removes every entry.
func (s *Set) Clear() {
	clear(s.entries)
}

func (s *Set) sweep() {
	now := s.now()
	for key, insertedAt := range s.entries {
		if s.expired(insertedAt, now) {
			delete(s.entries, key)
		}
	}
}

func (s *Set) expired(insertedAt, now time.Time) bool {
	return now.Sub(insertedAt) >= s.ttl
}
