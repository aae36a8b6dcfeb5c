// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the unmarshalled form of config.toml.
type Config struct {
	Version string `toml:"-" mapstructure:"-"`

	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int    `toml:"metricsPort" mapstructure:"metricsPort"`

	// Seconds between reconciliation cycles.
	LoopSleepSeconds int `toml:"loopSleepSeconds" mapstructure:"loopSleepSeconds"`
	// Backoff durations in seconds, one per backoff kind.
	NoInternetSleepSeconds   int `toml:"noInternetSleepSeconds" mapstructure:"noInternetSleepSeconds"`
	UnreachableSleepSeconds  int `toml:"unreachableSleepSeconds" mapstructure:"unreachableSleepSeconds"`
	GenericDelaySleepSeconds int `toml:"genericDelaySleepSeconds" mapstructure:"genericDelaySleepSeconds"`
	// Per remote call timeout in seconds.
	RequestTimeoutSeconds int `toml:"requestTimeoutSeconds" mapstructure:"requestTimeoutSeconds"`

	FailedCategory  string `toml:"failedCategory" mapstructure:"failedCategory"`
	RecheckCategory string `toml:"recheckCategory" mapstructure:"recheckCategory"`

	ConnectivityTargets []string `toml:"connectivityTargets" mapstructure:"connectivityTargets"`

	QBittorrent QBittorrentConfig `toml:"qbittorrent" mapstructure:"qbittorrent"`
	Categories  []CategoryConfig  `toml:"categories" mapstructure:"categories"`
}

// QBittorrentConfig holds the connection settings for the shared download client.
type QBittorrentConfig struct {
	Host          string `toml:"host" mapstructure:"host"`
	Username      string `toml:"username" mapstructure:"username"`
	Password      string `toml:"password" mapstructure:"password"`
	BasicUsername string `toml:"basicUsername" mapstructure:"basicUsername"`
	BasicPassword string `toml:"basicPassword" mapstructure:"basicPassword"`
	TLSSkipVerify bool   `toml:"tlsSkipVerify" mapstructure:"tlsSkipVerify"`
}

// ArrType identifies the flavour of catalog service behind a category.
type ArrType string

const (
	ArrTypeSonarr ArrType = "sonarr"
	ArrTypeRadarr ArrType = "radarr"
)

// CategoryConfig binds a torrent category to one catalog instance and its policy.
type CategoryConfig struct {
	Name    string  `toml:"name" mapstructure:"name"`
	Managed bool    `toml:"managed" mapstructure:"managed"`
	ArrType ArrType `toml:"arrType" mapstructure:"arrType"`
	URI     string  `toml:"uri" mapstructure:"uri"`
	APIKey  string  `toml:"apiKey" mapstructure:"apiKey"`

	CompletedDownloadFolder string `toml:"completedDownloadFolder" mapstructure:"completedDownloadFolder"`
	ImportMode              string `toml:"importMode" mapstructure:"importMode"`
	FolderCleanup           bool   `toml:"folderCleanup" mapstructure:"folderCleanup"`
	ReSearchOnFailure       bool   `toml:"reSearchOnFailure" mapstructure:"reSearchOnFailure"`

	RefreshDownloadsSeconds int `toml:"refreshDownloadsSeconds" mapstructure:"refreshDownloadsSeconds"`
	RssSyncSeconds          int `toml:"rssSyncSeconds" mapstructure:"rssSyncSeconds"`

	Torrent TorrentPolicyConfig `toml:"torrent" mapstructure:"torrent"`
	Search  SearchConfig        `toml:"search" mapstructure:"search"`
}

// TorrentPolicyConfig is the raw form of the per-category classification policy.
type TorrentPolicyConfig struct {
	CaseSensitiveMatches       bool     `toml:"caseSensitiveMatches" mapstructure:"caseSensitiveMatches"`
	FolderExclusionRegex       []string `toml:"folderExclusionRegex" mapstructure:"folderExclusionRegex"`
	FileNameExclusionRegex     []string `toml:"fileNameExclusionRegex" mapstructure:"fileNameExclusionRegex"`
	FileExtensionAllowlist     []string `toml:"fileExtensionAllowlist" mapstructure:"fileExtensionAllowlist"`
	// Unset means true.
	AutoDelete                 *bool    `toml:"autoDelete" mapstructure:"autoDelete"`
	IgnoreTorrentsYoungerThan  int      `toml:"ignoreTorrentsYoungerThan" mapstructure:"ignoreTorrentsYoungerThan"`
	MaximumETA                 int      `toml:"maximumETA" mapstructure:"maximumETA"`
	MaximumDeletablePercentage float64  `toml:"maximumDeletablePercentage" mapstructure:"maximumDeletablePercentage"`
	DoNotRemoveSlow            bool     `toml:"doNotRemoveSlow" mapstructure:"doNotRemoveSlow"`
}

// SearchConfig controls the search-fill loop for a category.
type SearchConfig struct {
	Enabled            bool `toml:"enabled" mapstructure:"enabled"`
	SearchUpgrades     bool `toml:"searchUpgrades" mapstructure:"searchUpgrades"`
	SearchEverySeconds int  `toml:"searchEverySeconds" mapstructure:"searchEverySeconds"`
	CommandLimit       int  `toml:"commandLimit" mapstructure:"commandLimit"`
	Concurrency        int  `toml:"concurrency" mapstructure:"concurrency"`
	// Start over from the first entry once every wanted entry was searched.
	SearchAgainOnCompletion bool `toml:"searchAgainOnCompletion" mapstructure:"searchAgainOnCompletion"`
}
