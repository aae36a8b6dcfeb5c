// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogMaxSize = 50

// ApplyLogConfig points the global zerolog logger at stderr, plus a rotated
// log file when logPath is set.
func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Config.LogLevel)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	writer := consoleWriter(c.version)
	if c.Config.LogPath != "" {
		rotator, err := rotatingFile(c.Config.LogPath, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Failed to open log file, logging to stderr only")
		} else {
			writer = io.MultiWriter(writer, rotator)
		}
	}

	log.Logger = log.Logger.Output(writer).Level(lvl)
}

func rotatingFile(path string, maxSize, maxBackups int) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}

	if maxSize <= 0 {
		maxSize = defaultLogMaxSize
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: max(maxBackups, 0),
	}, nil
}

// consoleWriter is human readable for dev builds and JSON otherwise.
func consoleWriter(version string) io.Writer {
	if !isDevBuild(version) {
		return os.Stderr
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	w.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
	return w
}

// InitDefaultLogger is used by CLI entry points before a config is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(consoleWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}
