// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"
)

// InfiniteETA is the value qBittorrent reports when it cannot estimate completion.
const InfiniteETA int64 = 8640000

// Torrent is the per-poll snapshot the reconciler works on.
type Torrent struct {
	Hash         string
	Name         string
	Category     string
	State        qbt.TorrentState
	Progress     float64
	Availability float64
	AmountLeft   int64
	Size         int64
	ETA          int64
	AddedOn      int64
	CompletionOn int64
	LastActivity int64
	SeedingTime  int64
	ContentPath  string
}

// TorrentFromQbt converts a client torrent into a snapshot. Hashes are lower-cased.
func TorrentFromQbt(t qbt.Torrent) Torrent {
	return Torrent{
		Hash:         strings.ToLower(t.Hash),
		Name:         t.Name,
		Category:     t.Category,
		State:        t.State,
		Progress:     t.Progress,
		Availability: t.Availability,
		AmountLeft:   t.AmountLeft,
		Size:         t.Size,
		ETA:          t.ETA,
		AddedOn:      t.AddedOn,
		CompletionOn: t.CompletionOn,
		LastActivity: t.LastActivity,
		SeedingTime:  t.SeedingTime,
		ContentPath:  t.ContentPath,
	}
}

// KnownETA returns the eta in seconds and whether it is a real estimate.
func (t Torrent) KnownETA() (int64, bool) {
	if t.ETA < 0 || t.ETA >= InfiniteETA {
		return 0, false
	}
	return t.ETA, true
}

// TorrentFile is one entry of a torrent's file list.
type TorrentFile struct {
	ID       int
	Name     string
	Priority int
}
