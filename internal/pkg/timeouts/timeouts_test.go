// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package timeouts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRequestTimeout(t *testing.T) {
	t.Run("adds deadline", func(t *testing.T) {
		ctx, cancel := WithRequestTimeout(t.Context(), time.Second)
		defer cancel()

		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)
	})

	t.Run("keeps parent deadline", func(t *testing.T) {
		parent, parentCancel := context.WithTimeout(t.Context(), time.Hour)
		defer parentCancel()

		ctx, cancel := WithRequestTimeout(parent, time.Second)
		defer cancel()

		assert.Equal(t, parent, ctx)
	})

	t.Run("defaults non-positive timeout", func(t *testing.T) {
		ctx, cancel := WithRequestTimeout(t.Context(), 0)
		defer cancel()

		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(DefaultRequestTimeout), deadline, 100*time.Millisecond)
	})
}

func TestScaled(t *testing.T) {
	assert.Equal(t, 30*time.Second, Scaled(10*time.Second, 3))
	assert.Equal(t, DefaultRequestTimeout, Scaled(0, 0))
}
