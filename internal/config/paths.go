// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	configFileName   = "config.toml"
	databaseFileName = "qbitrr.db"
	lockFileName     = "qbitrr.lock"
)

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		// Containers mount /config directly
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "qbitrr")
	}

	home, _ := os.UserHomeDir()
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "qbitrr")
		}
		return filepath.Join(home, "AppData", "Roaming", "qbitrr")
	}
	return filepath.Join(home, ".config", "qbitrr")
}

// LocateConfig picks the config file to use. With no explicit path a
// config.toml in the working directory wins over the OS default location.
func LocateConfig(configDirOrPath string) string {
	if configDirOrPath != "" {
		return resolveConfigPath(configDirOrPath)
	}
	if _, err := os.Stat(configFileName); err == nil {
		if abs, err := filepath.Abs(configFileName); err == nil {
			return abs
		}
		return configFileName
	}
	return filepath.Join(GetDefaultConfigDir(), configFileName)
}

// resolveConfigPath accepts either a directory or a file path.
func resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}
	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}
	return filepath.Join(configDirOrPath, configFileName)
}

// resolveDataDir prefers dataDir from the config or environment and falls
// back to the directory holding the config file.
func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the search ledger database
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, databaseFileName)
}

// GetLockPath returns the path of the file locked while a daemon runs.
func (c *AppConfig) GetLockPath() string {
	return filepath.Join(c.dataDir, lockFileName)
}

func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir overrides the resolved data directory (--data-dir).
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}
