// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cycle drives the polling loops: each iteration returns a Result that
// decides whether the loop continues, restarts or backs off.
package cycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/autobrr/qbitrr/internal/domain"
	"github.com/autobrr/qbitrr/internal/metrics"
)

// BackoffKind names why a loop is sleeping longer than usual.
type BackoffKind string

const (
	BackoffNone               BackoffKind = ""
	BackoffNoInternet         BackoffKind = "no-internet"
	BackoffClientUnreachable  BackoffKind = "client-unreachable"
	BackoffCatalogUnreachable BackoffKind = "catalog-unreachable"
	BackoffGenericDelay       BackoffKind = "generic-delay"
)

// Classify maps an error onto the backoff it should trigger.
func Classify(err error) BackoffKind {
	switch {
	case err == nil:
		return BackoffNone
	case errors.Is(err, domain.ErrNoInternet):
		return BackoffNoInternet
	case errors.Is(err, domain.ErrClientUnreachable):
		return BackoffClientUnreachable
	case errors.Is(err, domain.ErrCatalogUnreachable):
		return BackoffCatalogUnreachable
	default:
		return BackoffGenericDelay
	}
}

// Backoffs holds the sleep duration of each backoff kind.
type Backoffs struct {
	NoInternet   time.Duration
	Unreachable  time.Duration
	GenericDelay time.Duration
}

func DefaultBackoffs() Backoffs {
	return Backoffs{
		NoInternet:   60 * time.Second,
		Unreachable:  300 * time.Second,
		GenericDelay: 30 * time.Second,
	}
}

func (b Backoffs) Duration(kind BackoffKind) time.Duration {
	switch kind {
	case BackoffNoInternet:
		return b.NoInternet
	case BackoffClientUnreachable, BackoffCatalogUnreachable:
		return b.Unreachable
	case BackoffGenericDelay:
		return b.GenericDelay
	default:
		return 0
	}
}

// ResultKind tells the runner what to do after an iteration.
type ResultKind int

const (
	ResultContinue ResultKind = iota
	ResultRestartLoop
	ResultDelay
)

func (k ResultKind) String() string {
	switch k {
	case ResultContinue:
		return "continue"
	case ResultRestartLoop:
		return "restart"
	case ResultDelay:
		return "delay"
	default:
		return "unknown"
	}
}

// Result is returned by every loop iteration.
type Result struct {
	Kind    ResultKind
	Delay   time.Duration
	Backoff BackoffKind
	Reason  string
	Err     error
}

func Continue() Result {
	return Result{Kind: ResultContinue}
}

// RestartLoop starts the next iteration without the usual sleep.
func RestartLoop(reason string) Result {
	return Result{Kind: ResultRestartLoop, Reason: reason}
}

// Delay sleeps d before the next iteration. A zero d uses the kind's configured duration.
func Delay(d time.Duration, kind BackoffKind, reason string) Result {
	return Result{Kind: ResultDelay, Delay: d, Backoff: kind, Reason: reason}
}

// FromError backs off according to the error's kind.
func FromError(err error) Result {
	r := Delay(0, Classify(err), err.Error())
	r.Err = err
	return r
}

// DelayGate is armed when the torrent client or a catalog is unreachable so
// every loop sharing it backs off together.
type DelayGate struct {
	mu     sync.Mutex
	until  time.Time
	kind   BackoffKind
	reason string
}

// Arm extends the gate to until. An earlier deadline never shortens an armed gate.
func (g *DelayGate) Arm(until time.Time, kind BackoffKind, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.until) {
		g.until = until
		g.kind = kind
		g.reason = reason
	}
}

// Remaining returns how long the gate stays armed at now.
func (g *DelayGate) Remaining(now time.Time) (time.Duration, BackoffKind, string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !now.Before(g.until) {
		return 0, BackoffNone, "", false
	}
	return g.until.Sub(now), g.kind, g.reason, true
}

func (g *DelayGate) Reset() {
	g.mu.Lock()
	g.until = time.Time{}
	g.kind = BackoffNone
	g.reason = ""
	g.mu.Unlock()
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Func is one loop iteration.
type Func func(ctx context.Context) Result

// Runner repeats a Func until its context is cancelled.
type Runner struct {
	Category string
	Loop     string
	Interval time.Duration
	Backoffs Backoffs
	Gate     *DelayGate
	Metrics  *metrics.Recorder
	Logger   zerolog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run blocks until ctx is cancelled and returns its error.
func (r *Runner) Run(ctx context.Context, fn Func) error {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.Gate != nil {
			if remaining, kind, reason, armed := r.Gate.Remaining(now()); armed {
				r.Logger.Debug().
					Str("kind", string(kind)).
					Dur("remaining", remaining).
					Str("reason", reason).
					Msg("Shared backoff active, waiting")
				if err := sleep(ctx, remaining); err != nil {
					return err
				}
				continue
			}
		}

		start := now()
		res := fn(ctx)
		r.Metrics.Cycle(r.Category, r.Loop, now().Sub(start))

		if err := sleep(ctx, r.next(now(), res)); err != nil {
			return err
		}
	}
}

// next returns how long to sleep after res and arms the shared gate when needed.
func (r *Runner) next(now time.Time, res Result) time.Duration {
	switch res.Kind {
	case ResultRestartLoop:
		r.Logger.Debug().Str("reason", res.Reason).Msg("Restarting loop")
		return 0
	case ResultDelay:
		wait := res.Delay
		if wait <= 0 {
			wait = r.Backoffs.Duration(res.Backoff)
		}
		if wait <= 0 {
			wait = r.Interval
		}

		r.Metrics.Backoff(r.Category, r.Loop, string(res.Backoff))

		ev := r.Logger.Error()
		if res.Backoff == BackoffGenericDelay {
			ev = r.Logger.Warn()
		}
		ev.Err(res.Err).
			Str("kind", string(res.Backoff)).
			Dur("sleep", wait).
			Msg("Entering backoff: " + res.Reason)

		if r.Gate != nil && (res.Backoff == BackoffClientUnreachable || res.Backoff == BackoffCatalogUnreachable) {
			r.Gate.Arm(now.Add(wait), res.Backoff, res.Reason)
		}
		return wait
	default:
		return r.Interval
	}
}
