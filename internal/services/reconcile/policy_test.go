// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qbitrr/internal/domain"
)

func TestNewPolicyDefaults(t *testing.T) {
	p, err := NewPolicy(&domain.Config{FailedCategory: "failed", RecheckCategory: "recheck"}, domain.CategoryConfig{Name: "movies"})
	require.NoError(t, err)

	assert.Equal(t, "movies", p.Category)
	assert.Equal(t, "failed", p.FailedCategory)
	assert.InDelta(t, defaultMaximumDeletablePercentage, p.MaximumDeletablePercentage, 0)
	assert.Equal(t, "Auto", p.ImportMode)
	assert.Equal(t, time.Minute, p.RefreshDownloadsInterval)
	assert.Equal(t, 15*time.Minute, p.RssSyncInterval)
	assert.False(t, p.etaLimited())
	assert.True(t, p.extensionAllowed(".anything"))
	assert.True(t, p.AutoDelete)
}

func TestNewPolicyAutoDelete(t *testing.T) {
	disabled, enabled := false, true
	tests := []struct {
		name  string
		value *bool
		want  bool
	}{
		{name: "unset", value: nil, want: true},
		{name: "enabled", value: &enabled, want: true},
		{name: "disabled", value: &disabled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := domain.CategoryConfig{Name: "tv", Torrent: domain.TorrentPolicyConfig{AutoDelete: tt.value}}
			p, err := NewPolicy(&domain.Config{FailedCategory: "failed", RecheckCategory: "recheck"}, cat)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.AutoDelete)
		})
	}
}

func TestNewPolicyErrors(t *testing.T) {
	tests := []struct {
		name    string
		cat     domain.CategoryConfig
		wantErr string
	}{
		{
			name:    "missing name",
			cat:     domain.CategoryConfig{},
			wantErr: "category name is required",
		},
		{
			name: "bad folder regex",
			cat: domain.CategoryConfig{Name: "tv", Torrent: domain.TorrentPolicyConfig{
				FolderExclusionRegex: []string{"("},
			}},
			wantErr: "invalid folderExclusionRegex",
		},
		{
			name: "bad filename regex",
			cat: domain.CategoryConfig{Name: "tv", Torrent: domain.TorrentPolicyConfig{
				FileNameExclusionRegex: []string{"[a-"},
			}},
			wantErr: "invalid fileNameExclusionRegex",
		},
		{
			name:    "cleanup without folder",
			cat:     domain.CategoryConfig{Name: "tv", FolderCleanup: true},
			wantErr: "requires completedDownloadFolder",
		},
		{
			name:    "cleanup with missing folder",
			cat:     domain.CategoryConfig{Name: "tv", FolderCleanup: true, CompletedDownloadFolder: "/does/not/exist/qbitrr"},
			wantErr: "completedDownloadFolder",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicy(&domain.Config{}, tt.cat)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPolicyCaseSensitivity(t *testing.T) {
	cat := domain.CategoryConfig{Name: "tv", Torrent: domain.TorrentPolicyConfig{
		FolderExclusionRegex:   []string{`\bextras?\b`},
		FileNameExclusionRegex: []string{`\bsample\b`},
		FileExtensionAllowlist: []string{"mkv", ".SRT"},
	}}

	insensitive, err := NewPolicy(&domain.Config{}, cat)
	require.NoError(t, err)
	assert.True(t, insensitive.folderExcluded("Extras"))
	assert.True(t, insensitive.fileNameExcluded("Show.SAMPLE.mkv"))
	assert.True(t, insensitive.extensionAllowed(".MKV"))
	assert.True(t, insensitive.extensionAllowed(".srt"))

	cat.Torrent.CaseSensitiveMatches = true
	sensitive, err := NewPolicy(&domain.Config{}, cat)
	require.NoError(t, err)
	assert.False(t, sensitive.folderExcluded("Extras"))
	assert.True(t, sensitive.folderExcluded("extras"))
	assert.False(t, sensitive.fileNameExcluded("Show.SAMPLE.mkv"))
	assert.False(t, sensitive.extensionAllowed(".MKV"))
	assert.True(t, sensitive.extensionAllowed(".SRT"))
}

func TestScanFilesExclusionCompleteness(t *testing.T) {
	p := testPolicy(t, func(c *domain.CategoryConfig) {
		c.Torrent.FolderExclusionRegex = []string{`\bsamples?\b`}
		c.Torrent.FileNameExclusionRegex = []string{`\btrailer\b`}
		c.Torrent.FileExtensionAllowlist = []string{".mkv"}
	})

	excludedNames := []string{
		"Show/Sample/show.mkv",
		"Show/show.trailer.mkv",
		"Show/show.nfo",
		"Show/Samples/Deep/clip.mkv",
	}

	// every non-empty subset of excluded files produces a full exclusion
	for mask := 1; mask < 1<<len(excludedNames); mask++ {
		var files []domain.TorrentFile
		for i, name := range excludedNames {
			if mask&(1<<i) != 0 {
				files = append(files, domain.TorrentFile{ID: i, Name: name, Priority: 1})
			}
		}

		res := p.scanFiles(files)
		assert.True(t, res.allExcluded(), "mask %b", mask)
		assert.Len(t, res.excluded, len(files))
	}
}

func TestScanFilesPriorityChangeMinimality(t *testing.T) {
	p := testPolicy(t, func(c *domain.CategoryConfig) {
		c.Torrent.FileExtensionAllowlist = []string{".mkv"}
	})

	for n := 2; n <= 8; n++ {
		for k := 1; k < n; k++ {
			files := make([]domain.TorrentFile, 0, n)
			var want []int
			for i := range n {
				name := fmt.Sprintf("Pack/file%02d.mkv", i)
				if i < k {
					name = fmt.Sprintf("Pack/file%02d.txt", i)
					want = append(want, i)
				}
				files = append(files, domain.TorrentFile{ID: i, Name: name, Priority: 1})
			}

			res := p.scanFiles(files)
			assert.False(t, res.allExcluded(), "n=%d k=%d", n, k)
			assert.Equal(t, want, res.excluded, "n=%d k=%d", n, k)
			assert.Equal(t, n-k, res.eligible)
		}
	}
}

func TestScanFilesIgnoresSkippedFiles(t *testing.T) {
	p := testPolicy(t, func(c *domain.CategoryConfig) {
		c.Torrent.FileExtensionAllowlist = []string{".mkv"}
	})

	res := p.scanFiles([]domain.TorrentFile{
		{ID: 0, Name: "a.nfo", Priority: 0},
		{ID: 1, Name: "a.mkv", Priority: 1},
	})
	assert.Empty(t, res.excluded)
	assert.Equal(t, 1, res.eligible)

	res = p.scanFiles([]domain.TorrentFile{{ID: 0, Name: "a.mkv", Priority: 0}})
	assert.True(t, res.allExcluded())
	assert.Empty(t, res.excluded)
}

func TestFileExcludedChecksEveryAncestor(t *testing.T) {
	p := testPolicy(t, func(c *domain.CategoryConfig) {
		c.Torrent.FolderExclusionRegex = []string{`^extras$`}
	})

	assert.True(t, p.fileExcluded("Movie/Extras/Deleted/scene.mkv"))
	assert.True(t, p.fileExcluded(`Movie\extras\scene.mkv`))
	assert.False(t, p.fileExcluded("Movie/scene.extras.mkv"))
	assert.False(t, p.fileExcluded("extras"))
}

func TestCompilePatternsJoinsAlternatives(t *testing.T) {
	re, err := compilePatterns([]string{"a|b", " ", "c"}, true)
	require.NoError(t, err)
	require.NotNil(t, re)
	for _, s := range []string{"a", "b", "c"} {
		assert.True(t, re.MatchString(s))
	}
	assert.False(t, re.MatchString("d"))

	re, err = compilePatterns(nil, false)
	require.NoError(t, err)
	assert.Nil(t, re)
}
