// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qbitrr/internal/domain"
)

var ErrManagerClosed = errors.New("qBittorrent manager is closed")

// Backoff constants
const (
	healthCheckInterval    = 30 * time.Second
	healthCheckTimeout     = 10 * time.Second
	minHealthCheckInterval = 20 * time.Second

	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute

	// Login bans last much longer than connection blips.
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour

	fileCacheTTL = 30 * time.Second
)

// connection is the subset of the qBittorrent client the manager drives.
type connection interface {
	GetTorrentsCtx(ctx context.Context, o qbt.TorrentFilterOptions) ([]qbt.Torrent, error)
	GetFilesInformationCtx(ctx context.Context, hash string) (*qbt.TorrentFiles, error)
	PauseCtx(ctx context.Context, hashes []string) error
	ResumeCtx(ctx context.Context, hashes []string) error
	RecheckCtx(ctx context.Context, hashes []string) error
	DeleteTorrentsCtx(ctx context.Context, hashes []string, deleteFiles bool) error
	SetFilePriorityCtx(ctx context.Context, hash string, ids string, priority int) error
	SetCategoryCtx(ctx context.Context, hashes []string, category string) error
	HealthCheck(ctx context.Context) error
	IsHealthy() bool
	SupportsFilePriority() bool
}

type dialFunc func(ctx context.Context) (connection, error)

// failureInfo tracks failure state and backoff for the client
type failureInfo struct {
	nextRetry time.Time
	attempts  int
}

// Manager owns the single shared qBittorrent connection used by every category loop.
type Manager struct {
	host         string
	dial         dialFunc
	client       connection
	files        *ttlcache.Cache[string, []domain.TorrentFile]
	failure      *failureInfo
	mu           sync.RWMutex
	creationMu   sync.Mutex
	closed       bool
	healthTicker *time.Ticker
	stopHealth   chan struct{}
}

// NewManager creates a manager that connects lazily on first use.
func NewManager(cfg domain.QBittorrentConfig, timeout time.Duration) *Manager {
	m := newManager(cfg.Host, func(ctx context.Context) (connection, error) {
		return openSession(ctx, cfg, timeout)
	})

	go m.healthCheckLoop()

	return m
}

func newManager(host string, dial dialFunc) *Manager {
	return &Manager{
		host:         host,
		dial:         dial,
		files:        ttlcache.New(ttlcache.Options[string, []domain.TorrentFile]{}.SetDefaultTTL(fileCacheTTL)),
		healthTicker: time.NewTicker(healthCheckInterval),
		stopHealth:   make(chan struct{}),
	}
}

// getClient returns the connected client, creating it if needed.
func (m *Manager) getClient(ctx context.Context) (connection, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrManagerClosed
	}
	client := m.client
	m.mu.RUnlock()

	if client != nil {
		if client.IsHealthy() {
			return client, nil
		}

		if err := client.HealthCheck(ctx); err != nil {
			m.trackFailure(err)
			return nil, fmt.Errorf("%w: %w", domain.ErrClientUnreachable, err)
		}
		m.ResetFailureTracking()
		return client, nil
	}

	return m.createClient(ctx)
}

func (m *Manager) createClient(ctx context.Context) (connection, error) {
	m.creationMu.Lock()
	defer m.creationMu.Unlock()

	m.mu.RLock()
	inBackoff, nextRetry := m.isInBackoffLocked()
	existing := m.client
	m.mu.RUnlock()

	if existing != nil && existing.IsHealthy() {
		return existing, nil
	}

	if inBackoff {
		return nil, fmt.Errorf("%w: in backoff until %s", domain.ErrClientUnreachable, nextRetry.Format(time.RFC3339))
	}

	client, err := m.dial(ctx)
	if err != nil {
		m.trackFailure(err)
		return nil, fmt.Errorf("%w: %w", domain.ErrClientUnreachable, err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.ResetFailureTracking()

	log.Info().Str("host", m.host).Msg("Connected to qBittorrent")

	return client, nil
}

// Torrents lists the torrents of one category, oldest first.
func (m *Manager) Torrents(ctx context.Context, category string) ([]domain.Torrent, error) {
	client, err := m.getClient(ctx)
	if err != nil {
		return nil, err
	}

	torrents, err := client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{
		Category: category,
		Sort:     "added_on",
	})
	if err != nil {
		return nil, m.wrapError("get torrents", err)
	}

	result := make([]domain.Torrent, 0, len(torrents))
	for _, t := range torrents {
		// The category filter also matches subcategories.
		if t.Category != category {
			continue
		}
		result = append(result, domain.TorrentFromQbt(t))
	}

	return result, nil
}

// Files returns the file list of a torrent. Results are cached briefly.
func (m *Manager) Files(ctx context.Context, hash string) ([]domain.TorrentFile, error) {
	key := strings.ToLower(hash)
	if cached, ok := m.files.Get(key); ok {
		return cached, nil
	}

	client, err := m.getClient(ctx)
	if err != nil {
		return nil, err
	}

	files, err := client.GetFilesInformationCtx(ctx, hash)
	if err != nil {
		return nil, m.wrapError("get files", err)
	}
	if files == nil {
		return nil, nil
	}

	result := make([]domain.TorrentFile, 0, len(*files))
	for _, f := range *files {
		result = append(result, domain.TorrentFile{
			ID:       f.Index,
			Name:     f.Name,
			Priority: f.Priority,
		})
	}

	m.files.Set(key, result, ttlcache.DefaultTTL)

	return result, nil
}

func (m *Manager) Pause(ctx context.Context, hashes []string) error {
	return m.bulk(ctx, "pause", hashes, func(c connection) error { return c.PauseCtx(ctx, hashes) })
}

func (m *Manager) Resume(ctx context.Context, hashes []string) error {
	return m.bulk(ctx, "resume", hashes, func(c connection) error { return c.ResumeCtx(ctx, hashes) })
}

func (m *Manager) Recheck(ctx context.Context, hashes []string) error {
	return m.bulk(ctx, "recheck", hashes, func(c connection) error { return c.RecheckCtx(ctx, hashes) })
}

// Delete removes torrents from the client, including their data when deleteFiles is set.
func (m *Manager) Delete(ctx context.Context, hashes []string, deleteFiles bool) error {
	err := m.bulk(ctx, "delete", hashes, func(c connection) error { return c.DeleteTorrentsCtx(ctx, hashes, deleteFiles) })
	if err == nil {
		for _, hash := range hashes {
			m.files.Delete(strings.ToLower(hash))
		}
	}
	return err
}

// SetCategory moves torrents to category.
func (m *Manager) SetCategory(ctx context.Context, hashes []string, category string) error {
	return m.bulk(ctx, "set category", hashes, func(c connection) error { return c.SetCategoryCtx(ctx, hashes, category) })
}

func (m *Manager) bulk(ctx context.Context, action string, hashes []string, fn func(connection) error) error {
	if len(hashes) == 0 {
		return nil
	}

	client, err := m.getClient(ctx)
	if err != nil {
		return err
	}

	if err := fn(client); err != nil {
		return m.wrapError(action, err)
	}

	log.Debug().Str("action", action).Int("count", len(hashes)).Msg("Applied bulk action")
	return nil
}

// SupportsFilePriority reports whether the connected WebAPI can change file priorities.
func (m *Manager) SupportsFilePriority(ctx context.Context) bool {
	client, err := m.getClient(ctx)
	if err != nil {
		return false
	}
	return client.SupportsFilePriority()
}

// SetFilePriority updates the download priority for one or more files within a torrent.
func (m *Manager) SetFilePriority(ctx context.Context, hash string, ids []int, priority int) error {
	if len(ids) == 0 {
		return nil
	}

	client, err := m.getClient(ctx)
	if err != nil {
		return err
	}

	if !client.SupportsFilePriority() {
		return fmt.Errorf("qBittorrent instance does not support file priority changes (requires WebAPI %s+)", filePriorityMinVersion)
	}

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}

	if err := client.SetFilePriorityCtx(ctx, hash, strings.Join(parts, "|"), priority); err != nil {
		switch {
		case errors.Is(err, qbt.ErrInvalidPriority):
			return fmt.Errorf("invalid file priority or file indices: %w", err)
		case errors.Is(err, qbt.ErrTorrentMetdataNotDownloadedYet):
			return fmt.Errorf("torrent metadata is not yet available: %w", err)
		default:
			return m.wrapError("set file priority", err)
		}
	}

	m.files.Delete(strings.ToLower(hash))

	return nil
}

// wrapError marks connection level failures as client unreachability.
func (m *Manager) wrapError(action string, err error) error {
	if isConnectionError(err) {
		m.trackFailure(err)
		m.mu.Lock()
		m.client = nil
		m.mu.Unlock()
		return fmt.Errorf("%s: %w: %w", action, domain.ErrClientUnreachable, err)
	}
	return errors.Wrapf(err, "failed to %s", action)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errorStr := strings.ToLower(err.Error())
	return strings.Contains(errorStr, "connection refused") ||
		strings.Contains(errorStr, "no such host") ||
		strings.Contains(errorStr, "connection reset") ||
		strings.Contains(errorStr, "failed to connect") ||
		strings.Contains(errorStr, "forbidden")
}

// healthCheckLoop periodically checks the health of the client
func (m *Manager) healthCheckLoop() {
	for {
		select {
		case <-m.healthTicker.C:
			m.performHealthCheck()
		case <-m.stopHealth:
			return
		}
	}
}

func (m *Manager) performHealthCheck() {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client == nil || m.isInBackoff() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := client.HealthCheck(ctx); err != nil {
		log.Warn().Err(err).Str("host", m.host).Msg("Health check failed")
		m.trackFailure(err)
		return
	}

	m.ResetFailureTracking()
}

// Close stops the health check loop and releases resources
func (m *Manager) Close() error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.closed = true
	close(m.stopHealth)
	m.healthTicker.Stop()
	m.client = nil
	m.failure = nil

	m.mu.Unlock()

	m.files.Close()

	log.Info().Msg("qBittorrent manager closed")
	return nil
}

func (m *Manager) isInBackoff() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inBackoff, _ := m.isInBackoffLocked()
	return inBackoff
}

// isInBackoffLocked checks if the client is in backoff period (caller must hold lock)
func (m *Manager) isInBackoffLocked() (bool, time.Time) {
	if m.failure == nil {
		return false, time.Time{}
	}
	return time.Now().Before(m.failure.nextRetry), m.failure.nextRetry
}

// trackFailure records a failure and applies exponential backoff
func (m *Manager) trackFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failure == nil {
		m.failure = &failureInfo{}
	}
	m.failure.attempts++

	var backoffDuration time.Duration
	if isBanError(err) {
		backoffDuration = calculateBackoff(m.failure.attempts, banInitialBackoff, banMaxBackoff)
		log.Warn().Int("attempts", m.failure.attempts).Dur("backoffDuration", backoffDuration).Msg("IP ban detected, applying extended backoff")
	} else {
		backoffDuration = calculateBackoff(m.failure.attempts, initialBackoff, maxBackoff)
		log.Debug().Int("attempts", m.failure.attempts).Dur("backoffDuration", backoffDuration).Msg("Connection failure, applying backoff")
	}

	m.failure.nextRetry = time.Now().Add(backoffDuration)
}

// maxBackoffDoublings bounds the shift so the product cannot overflow.
const maxBackoffDoublings = 16

// calculateBackoff returns exponential backoff duration with limits
func calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts-1 > maxBackoffDoublings {
		return maxDuration
	}
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}

// ResetFailureTracking clears failure tracking after a successful connection
func (m *Manager) ResetFailureTracking() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failure != nil {
		m.failure = nil
		log.Debug().Str("host", m.host).Msg("Reset failure tracking after successful connection")
	}
}

// isBanError checks if the error indicates an IP ban
func isBanError(err error) bool {
	if err == nil {
		return false
	}

	errorStr := strings.ToLower(err.Error())

	return strings.Contains(errorStr, "ip is banned") ||
		strings.Contains(errorStr, "too many failed login attempts") ||
		strings.Contains(errorStr, "banned") ||
		strings.Contains(errorStr, "rate limit") ||
		strings.Contains(errorStr, "403") ||
		strings.Contains(errorStr, "forbidden")
}
