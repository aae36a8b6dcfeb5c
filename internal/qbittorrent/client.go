// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qbitrr/internal/domain"
)

// setFilePrio landed in WebAPI 2.2.0; older builds reject the call.
var filePriorityMinVersion = semver.MustParse("2.2.0")

// session is one authenticated WebAPI login. It remembers the API version the
// server last reported and when that report was taken.
type session struct {
	*qbt.Client

	host string
	now  func() time.Time

	mu           sync.RWMutex
	apiVersion   string
	filePriority bool
	healthy      bool
	checkedAt    time.Time
}

func newQbtClient(cfg domain.QBittorrentConfig, timeout time.Duration) *qbt.Client {
	qcfg := qbt.Config{
		Host:          cfg.Host,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       int(timeout / time.Second),
		TLSSkipVerify: cfg.TLSSkipVerify,
	}
	if cfg.BasicUsername != "" {
		qcfg.BasicUser = cfg.BasicUsername
		qcfg.BasicPass = cfg.BasicPassword
	}
	return qbt.NewClient(qcfg)
}

// openSession logs in and reads the WebAPI version. A failed login is an
// error; a failed version read leaves the session unhealthy so the manager
// retries it on the next use.
func openSession(ctx context.Context, cfg domain.QBittorrentConfig, timeout time.Duration) (*session, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := newQbtClient(cfg, timeout)
	if err := client.LoginCtx(ctx); err != nil {
		return nil, errors.Wrapf(err, "login to %s", cfg.Host)
	}

	s := &session{Client: client, host: cfg.Host, now: time.Now}
	if err := s.refresh(ctx); err != nil {
		log.Warn().Err(err).Str("host", cfg.Host).Msg("Logged in but could not read WebAPI version")
	}

	log.Debug().
		Str("host", cfg.Host).
		Str("webAPIVersion", s.version()).
		Bool("filePriority", s.SupportsFilePriority()).
		Msg("qBittorrent session opened")

	return s, nil
}

// refresh re-reads the WebAPI version and records the outcome as the
// session's health.
func (s *session) refresh(ctx context.Context) error {
	raw, err := s.Client.GetWebAPIVersionCtx(ctx)
	raw = strings.TrimSpace(raw)
	if err == nil && raw == "" {
		err = errors.New("empty WebAPI version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkedAt = s.now()
	s.healthy = err == nil
	if err != nil {
		return err
	}

	if raw != s.apiVersion {
		s.apiVersion = raw
		s.filePriority = supportsFilePriority(raw)
	}
	return nil
}

func supportsFilePriority(version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warn().Err(err).Str("webAPIVersion", version).Msg("Unparseable WebAPI version, file priorities disabled")
		return false
	}
	return !v.LessThan(filePriorityMinVersion)
}

// HealthCheck skips the round trip while the last good check is recent.
func (s *session) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	fresh := s.healthy && s.now().Sub(s.checkedAt) < minHealthCheckInterval
	s.mu.RUnlock()
	if fresh {
		return nil
	}

	if err := s.refresh(ctx); err != nil {
		return errors.Wrap(err, "health check")
	}
	return nil
}

func (s *session) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *session) SupportsFilePriority() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filePriority
}

func (s *session) version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiVersion
}
