// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"time"

	"github.com/autobrr/qbitrr/internal/arr"
	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/internal/pkg/timeouts"
)

// queuePages bounds how many pages a queue listing is budgeted for.
const queuePages = 5

// timedClient gives every call to the torrent client its own deadline.
type timedClient struct {
	next    TorrentClient
	timeout time.Duration
}

func withClientTimeout(c TorrentClient, timeout time.Duration) TorrentClient {
	return &timedClient{next: c, timeout: timeout}
}

func (c *timedClient) Torrents(ctx context.Context, category string) ([]domain.Torrent, error) {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Torrents(ctx, category)
}

func (c *timedClient) Files(ctx context.Context, hash string) ([]domain.TorrentFile, error) {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Files(ctx, hash)
}

func (c *timedClient) Pause(ctx context.Context, hashes []string) error {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Pause(ctx, hashes)
}

func (c *timedClient) Resume(ctx context.Context, hashes []string) error {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Resume(ctx, hashes)
}

func (c *timedClient) Recheck(ctx context.Context, hashes []string) error {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Recheck(ctx, hashes)
}

func (c *timedClient) Delete(ctx context.Context, hashes []string, deleteFiles bool) error {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Delete(ctx, hashes, deleteFiles)
}

func (c *timedClient) SetCategory(ctx context.Context, hashes []string, category string) error {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.SetCategory(ctx, hashes, category)
}

func (c *timedClient) SupportsFilePriority(ctx context.Context) bool {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.SupportsFilePriority(ctx)
}

func (c *timedClient) SetFilePriority(ctx context.Context, hash string, ids []int, priority int) error {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.SetFilePriority(ctx, hash, ids, priority)
}

// timedCatalog gives every catalog call its own deadline.
type timedCatalog struct {
	next    Catalog
	timeout time.Duration
}

func withCatalogTimeout(c Catalog, timeout time.Duration) Catalog {
	return &timedCatalog{next: c, timeout: timeout}
}

func (c *timedCatalog) ArrType() domain.ArrType {
	return c.next.ArrType()
}

func (c *timedCatalog) Queue(ctx context.Context) ([]arr.QueueRecord, error) {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, timeouts.Scaled(c.timeout, queuePages))
	defer cancel()
	return c.next.Queue(ctx)
}

func (c *timedCatalog) DeleteQueueItem(ctx context.Context, id int, blocklist bool) error {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.DeleteQueueItem(ctx, id, blocklist)
}

func (c *timedCatalog) PostCommand(ctx context.Context, cmd arr.Command) (*arr.CommandResponse, error) {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.PostCommand(ctx, cmd)
}
