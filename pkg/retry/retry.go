// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry re-invokes failed operations on a capped exponential
// schedule. Only errors classified Transient by pkg/fault are retried;
// everything else surfaces immediately. Delays carry no jitter so retry
// behavior stays reproducible under test.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/docmill/docmill/pkg/fault"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of invocations, first try included.
	MaxAttempts int
	// Base is the first delay.
	Base time.Duration
	// Cap bounds every delay.
	Cap time.Duration
	// Multiplier grows the delay between attempts.
	Multiplier float64
}

// DefaultPolicy returns the standard schedule: 5 attempts with delays
// 2s, 4s, 8s, 16s capped at 60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        2 * time.Second,
		Cap:         60 * time.Second,
		Multiplier:  2,
	}
}

// normalize fills zero fields from the default policy.
func (p Policy) normalize() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Cap <= 0 {
		p.Cap = def.Cap
	}
	if p.Multiplier <= 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// schedule builds a fresh deterministic backoff sequence for one run.
func (p Policy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.RandomizationFactor = 0
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Cap
	b.Reset()
	return b
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Executor runs operations under a retry policy.
type Executor struct {
	policy Policy
	logger *slog.Logger
	sleep  SleepFunc
}

// New creates an executor. A zero policy field falls back to the default.
func New(policy Policy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		policy: policy.normalize(),
		logger: logger,
		sleep:  sleepWithContext,
	}
}

// SetSleep replaces the delay function. Tests install a recording sleeper
// to assert schedules without waiting.
func (e *Executor) SetSleep(fn SleepFunc) {
	if fn != nil {
		e.sleep = fn
	}
}

// Policy returns the normalized policy in effect.
func (e *Executor) Policy() Policy { return e.policy }

// Run invokes fn until it succeeds, a non-retryable error occurs, the
// attempt budget is exhausted, or ctx is cancelled. The error returned
// after exhaustion is the last error from fn, unwrapped and unchanged.
func (e *Executor) Run(ctx context.Context, op string, fn func(context.Context) error) error {
	sched := e.policy.schedule()

	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.Cancelled, "retry", op+" aborted", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				e.logger.Info("retry.recovered", "op", op, "attempt", attempt)
			}
			return nil
		}

		if !fault.Retryable(lastErr) {
			e.logger.Debug("retry.not_retryable",
				"op", op,
				"attempt", attempt,
				"kind", string(fault.KindOf(lastErr)),
				"err", lastErr,
			)
			return lastErr
		}

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := sched.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		e.logger.Warn("retry.attempt",
			"op", op,
			"attempt", attempt,
			"max_attempts", e.policy.MaxAttempts,
			"delay_ms", delay.Milliseconds(),
			"err", lastErr,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return fault.Wrap(fault.Cancelled, "retry", op+" aborted during backoff delay", err)
		}
	}

	e.logger.Error("retry.exhausted", "op", op, "attempts", e.policy.MaxAttempts, "err", lastErr)
	return lastErr
}

// RunValue is Run for operations that return a value alongside the error.
func RunValue[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Run(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
