// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package connectivity

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qbitrr/internal/domain"
)

func TestProbeOnlineWithListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewProbe([]string{ln.Addr().String()}, WithDialTimeout(time.Second))
	defer p.Close()

	assert.True(t, p.Online(t.Context()))
	assert.NoError(t, p.Check(t.Context()))
}

func TestProbeAnyTargetSucceeds(t *testing.T) {
	var dialled []string
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		dialled = append(dialled, address)
		if address == "good:53" {
			client, server := net.Pipe()
			server.Close()
			return client, nil
		}
		return nil, errors.New("connection refused")
	}

	p := NewProbe([]string{"bad:53", "good:53", "never:53"}, withDialer(dial))
	defer p.Close()

	assert.True(t, p.Online(t.Context()))
	assert.Equal(t, []string{"bad:53", "good:53"}, dialled)
}

func TestProbeOfflineReturnsSentinel(t *testing.T) {
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("network is unreachable")
	}

	p := NewProbe([]string{"a:53", "b:53"}, withDialer(dial))
	defer p.Close()

	err := p.Check(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoInternet)
}

func TestProbeCachesResult(t *testing.T) {
	var calls atomic.Int32
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		calls.Add(1)
		return nil, errors.New("refused")
	}

	p := NewProbe([]string{"a:53"}, withDialer(dial), WithResultTTL(time.Minute))
	defer p.Close()

	for range 5 {
		assert.False(t, p.Online(t.Context()))
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestProbeDefaultsTargets(t *testing.T) {
	p := NewProbe(nil)
	defer p.Close()

	assert.Equal(t, DefaultTargets, p.targets)
}
