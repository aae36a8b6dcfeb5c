// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package searchfill

import (
	"context"
	"time"

	"github.com/autobrr/qbitrr/internal/arr"
	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/internal/pkg/timeouts"
)

// wanted lists are large; give them more room than a single page call
const wantedPages = 10

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
	ctx, cancel := timeouts.WithRequestTimeout(ctx, timeouts.Scaled(c.timeout, wantedPages))
	defer cancel()
	return c.next.Queue(ctx)
}

func (c *timedCatalog) WantedMissing(ctx context.Context) ([]arr.WantedRecord, error) {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, timeouts.Scaled(c.timeout, wantedPages))
	defer cancel()
	return c.next.WantedMissing(ctx)
}

func (c *timedCatalog) WantedCutoff(ctx context.Context) ([]arr.WantedRecord, error) {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, timeouts.Scaled(c.timeout, wantedPages))
	defer cancel()
	return c.next.WantedCutoff(ctx)
}

func (c *timedCatalog) ActiveSearchCommands(ctx context.Context) (int, error) {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.ActiveSearchCommands(ctx)
}

func (c *timedCatalog) PostCommand(ctx context.Context, cmd arr.Command) (*arr.CommandResponse, error) {
	ctx, cancel := timeouts.WithRequestTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.PostCommand(ctx, cmd)
}
