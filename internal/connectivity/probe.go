// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package connectivity answers "is the internet reachable" for the polling loops.
package connectivity

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qbitrr/internal/domain"
)

const (
	defaultDialTimeout = 2 * time.Second
	defaultResultTTL   = 5 * time.Second
	resultKey          = "online"
)

// DefaultTargets are dialled when no targets are configured.
var DefaultTargets = []string{"1.1.1.1:53", "8.8.8.8:53"}

type dialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Probe dials a list of well-known endpoints and caches the outcome briefly so
// every category loop can call Check once per cycle.
type Probe struct {
	targets     []string
	dialTimeout time.Duration
	dial        dialContextFunc
	results     *ttlcache.Cache[string, bool]
	mu          sync.Mutex
}

// Option configures a Probe.
type Option func(*Probe)

// WithDialTimeout sets the per-target dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Probe) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithResultTTL sets how long an outcome is reused.
func WithResultTTL(d time.Duration) Option {
	return func(p *Probe) {
		p.results = ttlcache.New(ttlcache.Options[string, bool]{}.SetDefaultTTL(d))
	}
}

func withDialer(dial dialContextFunc) Option {
	return func(p *Probe) {
		p.dial = dial
	}
}

// NewProbe creates a probe for targets in host:port form.
func NewProbe(targets []string, opts ...Option) *Probe {
	if len(targets) == 0 {
		targets = DefaultTargets
	}

	dialer := &net.Dialer{}
	p := &Probe{
		targets:     append([]string(nil), targets...),
		dialTimeout: defaultDialTimeout,
		dial:        dialer.DialContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.results == nil {
		p.results = ttlcache.New(ttlcache.Options[string, bool]{}.SetDefaultTTL(defaultResultTTL))
	}
	return p
}

// Online reports whether any target accepted a TCP connection.
func (p *Probe) Online(ctx context.Context) bool {
	// Serialise probes so concurrent loops share one result.
	p.mu.Lock()
	defer p.mu.Unlock()

	if online, ok := p.results.Get(resultKey); ok {
		return online
	}

	online := p.probe(ctx)
	p.results.Set(resultKey, online, ttlcache.DefaultTTL)

	if !online {
		log.Warn().Strs("targets", p.targets).Msg("No connectivity target reachable")
	}
	return online
}

// Check returns ErrNoInternet when no target is reachable.
func (p *Probe) Check(ctx context.Context) error {
	if p.Online(ctx) {
		return nil
	}
	return fmt.Errorf("probed %d targets: %w", len(p.targets), domain.ErrNoInternet)
}

func (p *Probe) probe(ctx context.Context) bool {
	for _, target := range p.targets {
		if ctx.Err() != nil {
			return false
		}

		dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
		conn, err := p.dial(dialCtx, "tcp", target)
		cancel()
		if err != nil {
			log.Trace().Err(err).Str("target", target).Msg("Connectivity target unreachable")
			continue
		}
		_ = conn.Close()
		return true
	}
	return false
}

// Close releases the result cache.
func (p *Probe) Close() {
	p.results.Close()
}
