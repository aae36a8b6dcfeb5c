// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"path"
	"strings"

	"github.com/autobrr/qbitrr/internal/domain"
)

// scanResult is the outcome of checking a torrent's files against the category policy.
type scanResult struct {
	// excluded holds the ids of wanted files that the policy rejects
	excluded []int
	// eligible counts files still wanted after exclusion
	eligible int
}

func (r scanResult) allExcluded() bool {
	return r.eligible == 0
}

// scanFiles applies folder, filename and extension rules in that order.
// Files already at priority 0 are not downloaded and do not count as eligible.
func (p *Policy) scanFiles(files []domain.TorrentFile) scanResult {
	var res scanResult
	for _, f := range files {
		if f.Priority == 0 {
			continue
		}
		if p.fileExcluded(f.Name) {
			res.excluded = append(res.excluded, f.ID)
			continue
		}
		res.eligible++
	}
	return res
}

func (p *Policy) fileExcluded(name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	dir, base := path.Split(name)

	for _, folder := range strings.Split(strings.Trim(dir, "/"), "/") {
		if folder != "" && p.folderExcluded(folder) {
			return true
		}
	}

	if p.fileNameExcluded(base) {
		return true
	}

	return !p.extensionAllowed(path.Ext(base))
}
