// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/qbitrr/internal/buildinfo"
	"github.com/autobrr/qbitrr/internal/config"
	"github.com/autobrr/qbitrr/internal/connectivity"
	"github.com/autobrr/qbitrr/internal/database"
	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/internal/metrics"
	"github.com/autobrr/qbitrr/internal/models"
	"github.com/autobrr/qbitrr/internal/qbittorrent"
	"github.com/autobrr/qbitrr/internal/services/orchestrator"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	configDir string
	dataDir   string
	logPath   string
}

func serveCommand() *cobra.Command {
	var opts serveOptions

	command := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}

	command.Flags().StringVar(&opts.configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/qbitrr/ or %APPDATA%\\qbitrr\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&opts.dataDir, "data-dir", "", "data directory for the search ledger and lock file (default is next to config file)")
	command.Flags().StringVar(&opts.logPath, "log-path", "", "log file path (default is stdout)")

	return command
}

// serve runs the daemon until ctx is cancelled or the metrics server fails.
func serve(ctx context.Context, opts serveOptions) error {
	cfg, err := config.New(opts.configDir, buildinfo.Version)
	if err != nil {
		return errors.Wrap(err, "failed to initialize configuration")
	}

	if opts.dataDir != "" {
		cfg.SetDataDir(opts.dataDir)
	}
	if opts.logPath != "" {
		cfg.Config.LogPath = opts.logPath
	}
	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting qbitrr")

	if err := os.MkdirAll(cfg.GetDataDir(), 0755); err != nil {
		return errors.Wrapf(err, "failed to create data directory %s", cfg.GetDataDir())
	}

	lock := flock.New(cfg.GetLockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "failed to acquire daemon lock")
	}
	if !locked {
		return errors.Errorf("another qbitrr instance is already running (lock %s)", cfg.GetLockPath())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Error().Err(err).Msg("Failed to release daemon lock")
		}
	}()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	defer db.Close()

	recorder := metrics.NewRecorder()

	client := qbittorrent.NewManager(cfg.Config.QBittorrent, time.Duration(cfg.Config.RequestTimeoutSeconds)*time.Second)
	defer client.Close()

	probe := connectivity.NewProbe(cfg.Config.ConnectivityTargets)
	defer probe.Close()

	orch := orchestrator.New(orchestrator.Deps{
		Config:       cfg.Config,
		Client:       client,
		Ledger:       models.NewSearchLedgerStore(db),
		Connectivity: probe,
		Metrics:      recorder,
		Logger:       log.Logger,
	})
	if err := orch.Setup(); err != nil {
		return err
	}

	cfg.RegisterReloadListener(func(conf *domain.Config) {
		log.Info().Str("logLevel", conf.LogLevel).Msg("Configuration reloaded; category changes apply after restart")
	})

	orch.Start(ctx)

	serverErr := make(chan error, 1)
	var metricsServer *metrics.Server
	if cfg.Config.MetricsEnabled {
		metricsServer = metrics.NewServer(recorder, cfg.Config.MetricsHost, cfg.Config.MetricsPort)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown requested")
	case err := <-serverErr:
		log.Error().Err(err).Msg("Metrics server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	if err := orch.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info().Msg("qbitrr stopped")
	return nil
}
