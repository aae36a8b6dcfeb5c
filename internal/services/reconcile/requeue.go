// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"

	"github.com/autobrr/qbitrr/internal/arr"
)

const requeueCacheTTL = 6 * time.Hour

// RequeueCache remembers catalog queue records by download hash. Records outlive
// their removal from the catalog queue so a later delete can still blocklist
// and re-search the release.
type RequeueCache struct {
	records *ttlcache.Cache[string, []arr.QueueRecord]
}

func NewRequeueCache(ttl time.Duration) *RequeueCache {
	return &RequeueCache{
		records: ttlcache.New(ttlcache.Options[string, []arr.QueueRecord]{}.SetDefaultTTL(ttl)),
	}
}

// Update stores the current queue. Hashes absent from records keep their previous entry until expiry.
func (c *RequeueCache) Update(records []arr.QueueRecord) {
	grouped := make(map[string][]arr.QueueRecord)
	for _, r := range records {
		hash := r.Hash()
		if hash == "" {
			continue
		}
		grouped[hash] = append(grouped[hash], r)
	}
	for hash, rs := range grouped {
		c.records.Set(hash, rs, ttlcache.DefaultTTL)
	}
}

// Lookup returns the queue records of a download hash.
func (c *RequeueCache) Lookup(hash string) ([]arr.QueueRecord, bool) {
	return c.records.Get(hash)
}

// Contains reports whether the catalog knows the hash as one of its downloads.
func (c *RequeueCache) Contains(hash string) bool {
	_, ok := c.records.Get(hash)
	return ok
}

func (c *RequeueCache) Forget(hash string) {
	c.records.Delete(hash)
}

func (c *RequeueCache) Close() {
	c.records.Close()
}
