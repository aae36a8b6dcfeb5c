// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package timeouts

import (
	"context"
	"time"
)

// DefaultRequestTimeout bounds a single call to qBittorrent or a catalog service.
const DefaultRequestTimeout = 10 * time.Second

// WithRequestTimeout enforces a timeout only when the parent context lacks a deadline.
func WithRequestTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if ctx == nil {
		return context.WithTimeout(context.Background(), timeout)
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// Scaled returns a budget for a call that pages through n results.
func Scaled(timeout time.Duration, pages int) time.Duration {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if pages < 1 {
		pages = 1
	}
	return timeout * time.Duration(pages)
}
