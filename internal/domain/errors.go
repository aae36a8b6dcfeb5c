// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "errors"

// Sentinel errors used to pick a backoff kind. Callers wrap them and test with errors.Is.
var (
	ErrNoInternet         = errors.New("no internet connection")
	ErrClientUnreachable  = errors.New("torrent client unreachable")
	ErrCatalogUnreachable = errors.New("catalog service unreachable")
)
