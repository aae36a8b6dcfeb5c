// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads config.toml with viper, overlays QBITRR__ environment
// variables and keeps the log settings live while the daemon runs.
package config

import (
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/autobrr/qbitrr/internal/domain"
)

const envPrefix = "QBITRR__"

// envBindings lists every key that can be set from the environment. Secret
// keys also accept a <VAR>_FILE variable naming a file that holds the value.
var envBindings = []struct {
	key    string
	env    string
	secret bool
}{
	{key: "logLevel", env: "LOG_LEVEL"},
	{key: "logPath", env: "LOG_PATH"},
	{key: "logMaxSize", env: "LOG_MAX_SIZE"},
	{key: "logMaxBackups", env: "LOG_MAX_BACKUPS"},
	{key: "dataDir", env: "DATA_DIR"},
	{key: "metricsEnabled", env: "METRICS_ENABLED"},
	{key: "metricsHost", env: "METRICS_HOST"},
	{key: "metricsPort", env: "METRICS_PORT"},
	{key: "loopSleepSeconds", env: "LOOP_SLEEP_SECONDS"},
	{key: "requestTimeoutSeconds", env: "REQUEST_TIMEOUT_SECONDS"},
	{key: "failedCategory", env: "FAILED_CATEGORY"},
	{key: "recheckCategory", env: "RECHECK_CATEGORY"},
	{key: "qbittorrent.host", env: "QBITTORRENT_HOST"},
	{key: "qbittorrent.username", env: "QBITTORRENT_USERNAME"},
	{key: "qbittorrent.password", env: "QBITTORRENT_PASSWORD", secret: true},
	{key: "qbittorrent.basicPassword", env: "QBITTORRENT_BASIC_PASSWORD", secret: true},
}

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

// New reads the config at configDirOrPath, creating a commented default
// file first when none exists. An empty path searches the working directory
// and then the OS config directory.
func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	c := &AppConfig{
		viper:   viper.New(),
		version: "dev",
	}
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		c.version = versions[0]
	}

	setDefaults(c.viper)

	path := LocateConfig(configDirOrPath)
	if err := writeDefaultConfig(c.viper, path); err != nil {
		return nil, err
	}

	c.viper.SetConfigType("toml")
	c.viper.SetConfigFile(path)
	if err := c.viper.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if err := c.bindEnv(); err != nil {
		return nil, err
	}

	cfg, err := c.decode()
	if err != nil {
		return nil, err
	}
	c.Config = cfg

	c.resolveDataDir()
	c.watch()

	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "INFO")
	v.SetDefault("logPath", "")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)
	v.SetDefault("dataDir", "")

	v.SetDefault("metricsEnabled", false)
	v.SetDefault("metricsHost", "127.0.0.1")
	v.SetDefault("metricsPort", 9075)

	v.SetDefault("loopSleepSeconds", 5)
	v.SetDefault("noInternetSleepSeconds", 60)
	v.SetDefault("unreachableSleepSeconds", 300)
	v.SetDefault("genericDelaySleepSeconds", 30)
	v.SetDefault("requestTimeoutSeconds", 10)

	v.SetDefault("failedCategory", "failed")
	v.SetDefault("recheckCategory", "recheck")
	v.SetDefault("connectivityTargets", []string{"1.1.1.1:53", "8.8.8.8:53"})

	v.SetDefault("qbittorrent.host", "http://localhost:8080")
	v.SetDefault("qbittorrent.username", "admin")
	v.SetDefault("qbittorrent.password", "")
}

func (c *AppConfig) bindEnv() error {
	for _, b := range envBindings {
		env := envPrefix + b.env

		if b.secret {
			if file := os.Getenv(env + "_FILE"); file != "" {
				content, err := os.ReadFile(file)
				if err != nil {
					return errors.Wrapf(err, "read %s_FILE", env)
				}
				c.viper.Set(b.key, strings.TrimSpace(string(content)))
				continue
			}
		}

		if err := c.viper.BindEnv(b.key, env); err != nil {
			return errors.Wrapf(err, "bind %s", env)
		}
	}
	return nil
}

// decode unmarshals the current viper state into a fresh Config.
func (c *AppConfig) decode() (*domain.Config, error) {
	cfg := &domain.Config{}
	if err := c.viper.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.Version = c.version

	if err := normalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize tidies hand-written values and rejects settings no category
// could run with. Per category problems are left to the orchestrator so one
// bad table does not stop the others.
func normalize(cfg *domain.Config) error {
	cfg.FailedCategory = strings.TrimSpace(cfg.FailedCategory)
	cfg.RecheckCategory = strings.TrimSpace(cfg.RecheckCategory)
	if cfg.FailedCategory == "" || cfg.RecheckCategory == "" {
		return errors.New("failedCategory and recheckCategory must be set")
	}
	if cfg.FailedCategory == cfg.RecheckCategory {
		return errors.Errorf("failedCategory and recheckCategory are both %q", cfg.FailedCategory)
	}
	if cfg.LoopSleepSeconds <= 0 {
		return errors.Errorf("loopSleepSeconds must be positive, got %d", cfg.LoopSleepSeconds)
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		return errors.Errorf("requestTimeoutSeconds must be positive, got %d", cfg.RequestTimeoutSeconds)
	}

	targets := cfg.ConnectivityTargets[:0]
	for _, t := range cfg.ConnectivityTargets {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}
	cfg.ConnectivityTargets = targets

	for i := range cfg.Categories {
		cat := &cfg.Categories[i]
		cat.Name = strings.TrimSpace(cat.Name)
		cat.URI = strings.TrimSpace(cat.URI)
		cat.ArrType = domain.ArrType(strings.ToLower(strings.TrimSpace(string(cat.ArrType))))
	}
	return nil
}

// watch reloads the file on change. Only the log settings take effect live;
// categories are fixed once their loops start.
func (c *AppConfig) watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("Config file changed")

		next, err := c.decode()
		if err != nil {
			log.Error().Err(err).Msg("Ignoring invalid configuration change")
			return
		}

		c.Config.LogLevel = next.LogLevel
		c.Config.LogPath = next.LogPath
		c.Config.LogMaxSize = next.LogMaxSize
		c.Config.LogMaxBackups = next.LogMaxBackups
		c.ApplyLogConfig()

		c.notifyListeners(next)
	})
	c.viper.WatchConfig()
}

// RegisterReloadListener registers fn to receive every successfully
// reloaded configuration.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners(cfg *domain.Config) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, fn := range c.listeners {
		fn(cfg)
	}
}
