// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/qbitrr/internal/domain"
)

const (
	defaultMaximumDeletablePercentage = 0.99
	defaultImportMode                 = "Auto"
	defaultRefreshDownloadsInterval   = time.Minute
	defaultRssSyncInterval            = 15 * time.Minute
)

// Policy is the immutable per-category rule set the classifier consults.
type Policy struct {
	Category        string
	FailedCategory  string
	RecheckCategory string

	CaseSensitive      bool
	folderExclusion    *regexp.Regexp
	fileNameExclusion  *regexp.Regexp
	extensionAllowlist map[string]struct{}

	AutoDelete bool
	// IgnoreYoungerThan is the grace period for new torrents and the debounce window.
	IgnoreYoungerThan time.Duration
	// MaximumETA of zero disables ETA and inactivity based deletion.
	MaximumETA                 time.Duration
	MaximumDeletablePercentage float64
	DoNotRemoveSlow            bool

	ReSearchOnFailure       bool
	ImportMode              string
	CompletedDownloadFolder string
	FolderCleanup           bool

	RefreshDownloadsInterval time.Duration
	RssSyncInterval          time.Duration
}

// NewPolicy validates a category's configuration and compiles its patterns.
func NewPolicy(cfg *domain.Config, cat domain.CategoryConfig) (*Policy, error) {
	if cat.Name == "" {
		return nil, errors.New("category name is required")
	}

	tp := cat.Torrent
	p := &Policy{
		Category:                   cat.Name,
		FailedCategory:             cfg.FailedCategory,
		RecheckCategory:            cfg.RecheckCategory,
		CaseSensitive:              tp.CaseSensitiveMatches,
		AutoDelete:                 tp.AutoDelete == nil || *tp.AutoDelete,
		IgnoreYoungerThan:          seconds(tp.IgnoreTorrentsYoungerThan),
		MaximumETA:                 seconds(tp.MaximumETA),
		MaximumDeletablePercentage: tp.MaximumDeletablePercentage,
		DoNotRemoveSlow:            tp.DoNotRemoveSlow,
		ReSearchOnFailure:          cat.ReSearchOnFailure,
		ImportMode:                 cat.ImportMode,
		CompletedDownloadFolder:    cat.CompletedDownloadFolder,
		FolderCleanup:              cat.FolderCleanup,
		RefreshDownloadsInterval:   seconds(cat.RefreshDownloadsSeconds),
		RssSyncInterval:            seconds(cat.RssSyncSeconds),
	}

	if p.MaximumDeletablePercentage <= 0 || p.MaximumDeletablePercentage > 1 {
		p.MaximumDeletablePercentage = defaultMaximumDeletablePercentage
	}
	if p.ImportMode == "" {
		p.ImportMode = defaultImportMode
	}
	if p.RefreshDownloadsInterval == 0 {
		p.RefreshDownloadsInterval = defaultRefreshDownloadsInterval
	}
	if p.RssSyncInterval == 0 {
		p.RssSyncInterval = defaultRssSyncInterval
	}

	var err error
	if p.folderExclusion, err = compilePatterns(tp.FolderExclusionRegex, p.CaseSensitive); err != nil {
		return nil, errors.Wrap(err, "invalid folderExclusionRegex")
	}
	if p.fileNameExclusion, err = compilePatterns(tp.FileNameExclusionRegex, p.CaseSensitive); err != nil {
		return nil, errors.Wrap(err, "invalid fileNameExclusionRegex")
	}

	p.extensionAllowlist = make(map[string]struct{}, len(tp.FileExtensionAllowlist))
	for _, ext := range tp.FileExtensionAllowlist {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		p.extensionAllowlist[p.fold(ext)] = struct{}{}
	}

	if p.FolderCleanup {
		if p.CompletedDownloadFolder == "" {
			return nil, errors.New("folderCleanup requires completedDownloadFolder")
		}
		info, err := os.Stat(p.CompletedDownloadFolder)
		if err != nil {
			return nil, errors.Wrapf(err, "completedDownloadFolder %q", p.CompletedDownloadFolder)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("completedDownloadFolder %q is not a directory", p.CompletedDownloadFolder)
		}
	}

	return p, nil
}

func seconds(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Second
}

// compilePatterns joins the patterns into one alternation. Nil means "match nothing".
func compilePatterns(patterns []string, caseSensitive bool) (*regexp.Regexp, error) {
	parts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			return nil, err
		}
		parts = append(parts, "(?:"+p+")")
	}
	if len(parts) == 0 {
		return nil, nil
	}

	expr := strings.Join(parts, "|")
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	return regexp.Compile(expr)
}

func (p *Policy) fold(s string) string {
	if p.CaseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func (p *Policy) folderExcluded(dir string) bool {
	return p.folderExclusion != nil && p.folderExclusion.MatchString(dir)
}

func (p *Policy) fileNameExcluded(name string) bool {
	return p.fileNameExclusion != nil && p.fileNameExclusion.MatchString(name)
}

// extensionAllowed treats an empty allowlist as "allow everything".
func (p *Policy) extensionAllowed(ext string) bool {
	if len(p.extensionAllowlist) == 0 {
		return true
	}
	_, ok := p.extensionAllowlist[p.fold(ext)]
	return ok
}

func (p *Policy) etaLimited() bool {
	return p.MaximumETA > 0
}
