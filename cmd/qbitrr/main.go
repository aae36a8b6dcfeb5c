// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/autobrr/qbitrr/internal/arr"
	"github.com/autobrr/qbitrr/internal/buildinfo"
	"github.com/autobrr/qbitrr/internal/config"
	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/internal/services/orchestrator"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	rootCmd := &cobra.Command{
		Use:   "qbitrr",
		Short: "Keeps qBittorrent and Sonarr/Radarr in sync",
		Long: `qbitrr - watches the torrents of Sonarr and Radarr managed categories,
removes stalled or unwanted downloads, triggers imports and searches for missing entries.`,
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCommand(),
		versionCommand(),
		generateConfigCommand(),
		checkConfigCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of qbitrr",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(buildinfo.String())
		},
	}
}

func generateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the daemon.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/qbitrr/config.toml
- Windows: %APPDATA%\qbitrr\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.LocateConfig(configDir)

			if _, err := os.Stat(path); err == nil {
				cmd.Printf("Configuration file already exists at %s, leaving it untouched\n", path)
				return nil
			}

			if err := config.WriteDefaultConfig(path); err != nil {
				return errors.Wrap(err, "failed to create configuration file")
			}

			cmd.Printf("Configuration file created at %s\n", path)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")

	return command
}

// checkConfigCommand validates every category the way serve would. With
// --ping it also checks that each valid category's catalog answers.
func checkConfigCommand() *cobra.Command {
	var (
		configDir string
		ping      bool
	)

	command := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and report categories that would be skipped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return err
			}

			orch := orchestrator.New(orchestrator.Deps{
				Config: cfg.Config,
				Logger: zerolog.Nop(),
			})
			setupErr := orch.Setup()
			defer func() { _ = orch.Shutdown(cmd.Context()) }()

			skipped := orch.Skipped()
			names := make([]string, 0, len(skipped))
			for name := range skipped {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				cmd.Printf("category %q: %v\n", name, skipped[name])
			}

			if setupErr != nil {
				return setupErr
			}

			if ping {
				if err := pingCatalogs(cmd, cfg.Config, skipped); err != nil {
					return err
				}
			}
			if len(skipped) > 0 {
				return errors.Errorf("%d of %d categories are invalid", len(skipped), len(cfg.Config.Categories))
			}

			cmd.Printf("Configuration OK (%d categories)\n", len(cfg.Config.Categories))
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().BoolVar(&ping, "ping", false, "contact every valid category's Sonarr/Radarr instance")

	return command
}

func pingCatalogs(cmd *cobra.Command, cfg *domain.Config, skipped map[string]error) error {
	var failed int
	for _, cat := range cfg.Categories {
		if _, bad := skipped[cat.Name]; bad || !cat.Managed {
			continue
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.RequestTimeoutSeconds)*time.Second)
		err := arr.NewClient(cat.URI, cat.APIKey, cat.ArrType, cfg.RequestTimeoutSeconds).Ping(ctx)
		cancel()

		if err != nil {
			failed++
			cmd.Printf("category %q: %s at %s unreachable: %v\n", cat.Name, cat.ArrType, cat.URI, err)
			continue
		}
		cmd.Printf("category %q: %s at %s OK\n", cat.Name, cat.ArrType, cat.URI)
	}

	if failed > 0 {
		return errors.Errorf("%d catalog(s) unreachable", failed)
	}
	return nil
}
