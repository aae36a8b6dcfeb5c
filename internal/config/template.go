// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"text/template"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var defaultConfigTemplate = template.Must(template.New("config").Parse(`# config.toml - Auto-generated on first run

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Log file path
# If not defined, logs to stdout
#logPath = "log/qbitrr.log"

# Log rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# The search ledger (qbitrr.db) and the daemon lock live here
#dataDir = "/var/db/qbitrr"

# Seconds to sleep between reconciliation cycles
loopSleepSeconds = {{ .loopSleepSeconds }}

# Backoff durations in seconds
#noInternetSleepSeconds = 60
#unreachableSleepSeconds = 300
#genericDelaySleepSeconds = 30

# Timeout for each call to qBittorrent or a catalog service
#requestTimeoutSeconds = 10

# Torrents placed in these categories are deleted and blocklisted / rechecked
#failedCategory = "failed"
#recheckCategory = "recheck"

# host:port targets dialled to decide whether the internet is reachable
#connectivityTargets = ["1.1.1.1:53", "8.8.8.8:53"]

# Prometheus Metrics
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9075

[qbittorrent]
host = "{{ .qbtHost }}"
username = "{{ .qbtUsername }}"
password = ""
#basicUsername = ""
#basicPassword = ""
#tlsSkipVerify = false

# One table per managed category
#[[categories]]
#name = "sonarr-tv"
#managed = true
#arrType = "sonarr"
#uri = "http://localhost:8989"
#apiKey = ""
#completedDownloadFolder = "/downloads/sonarr-tv"
#importMode = "Auto"
#folderCleanup = false
#reSearchOnFailure = true
#refreshDownloadsSeconds = 60
#rssSyncSeconds = 900
#
#[categories.torrent]
#caseSensitiveMatches = false
#folderExclusionRegex = ["\\bextras?\\b", "\\bsamples?\\b"]
#fileNameExclusionRegex = ["\\bsample\\b", "\\btrailer\\b"]
#fileExtensionAllowlist = [".mkv", ".mp4", ".avi", ".srt", ".ass"]
#autoDelete = true
#ignoreTorrentsYoungerThan = 600
#maximumETA = 86400
#maximumDeletablePercentage = 0.99
#doNotRemoveSlow = false
#
#[categories.search]
#enabled = false
#searchUpgrades = false
#searchEverySeconds = 300
#commandLimit = 5
#concurrency = 2
#searchAgainOnCompletion = false
`))

// WriteDefaultConfig writes the commented default config to path unless a
// file already exists there.
func WriteDefaultConfig(path string) error {
	v := viper.New()
	setDefaults(v)
	return writeDefaultConfig(v, path)
}

func writeDefaultConfig(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "create config directory %s", filepath.Dir(path))
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create config file")
	}
	defer f.Close()

	err = defaultConfigTemplate.Execute(f, map[string]any{
		"logLevel":         v.GetString("logLevel"),
		"logMaxSize":       v.GetInt("logMaxSize"),
		"logMaxBackups":    v.GetInt("logMaxBackups"),
		"loopSleepSeconds": v.GetInt("loopSleepSeconds"),
		"qbtHost":          v.GetString("qbittorrent.host"),
		"qbtUsername":      v.GetString("qbittorrent.username"),
	})
	if err != nil {
		return errors.Wrap(err, "write config file")
	}

	log.Info().Str("path", path).Msg("Created default config file")
	return nil
}
