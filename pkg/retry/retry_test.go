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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docmill/docmill/pkg/fault"
)

// recordingSleeper captures requested delays instead of waiting.
type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestExecutor(t *testing.T, policy Policy) (*Executor, *recordingSleeper) {
	t.Helper()
	e := New(policy, nil)
	rec := &recordingSleeper{}
	e.SetSleep(rec.sleep)
	return e, rec
}

// TestRunTransientRecovery verifies the canonical schedule: three transient
// failures then success yields four attempts with delays 2s, 4s, 8s.
func TestRunTransientRecovery(t *testing.T) {
	e, rec := newTestExecutor(t, Policy{})

	calls := 0
	err := e.Run(context.Background(), "llm.extract", func(context.Context) error {
		calls++
		if calls <= 3 {
			return fault.New(fault.Transient, "llm", "rate limited")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 4 {
		t.Errorf("attempts = %d, want 4", calls)
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", rec.delays, want)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, rec.delays[i], want[i])
		}
	}
}

// TestRunDelayCap verifies delays saturate at the cap.
func TestRunDelayCap(t *testing.T) {
	e, rec := newTestExecutor(t, Policy{MaxAttempts: 8, Base: 2 * time.Second, Cap: 60 * time.Second, Multiplier: 2})

	transient := fault.New(fault.Transient, "llm", "503")
	err := e.Run(context.Background(), "op", func(context.Context) error { return transient })
	if !errors.Is(err, transient) {
		t.Fatalf("exhaustion error = %v, want the last transient error", err)
	}

	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	if len(rec.delays) != len(want) {
		t.Fatalf("delays = %v, want 7 entries", rec.delays)
	}
	for i, w := range want {
		if rec.delays[i] != w*time.Second {
			t.Errorf("delay[%d] = %v, want %vs", i, rec.delays[i], w)
		}
	}
}

// TestRunClassification checks retry counts per error kind: every retryable
// kind gets re-invoked, every non-retryable kind fails on the first call.
func TestRunClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"typed transient", fault.New(fault.Transient, "llm", "x"), 3},
		{"rate limit message", errors.New("rate limit exceeded"), 3},
		{"timeout message", errors.New("request timed out"), 3},
		{"503 message", errors.New("upstream 503"), 3},
		{"connection refused", errors.New("dial tcp 1.2.3.4: connection refused"), 3},
		{"typed permanent", fault.New(fault.Permanent, "llm", "401 unauthorized"), 1},
		{"typed validation", fault.New(fault.Validation, "config", "bad model"), 1},
		{"typed circuit open", fault.New(fault.CircuitOpen, "llm", "breaker open"), 1},
		{"plain error", errors.New("invalid request payload"), 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestExecutor(t, Policy{MaxAttempts: 3})
			calls := 0
			err := e.Run(context.Background(), "op", func(context.Context) error {
				calls++
				return tc.err
			})
			if !errors.Is(err, tc.err) {
				t.Errorf("returned error %v does not wrap the original %v", err, tc.err)
			}
			if calls != tc.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

// TestRunPartialFailureThenSuccess asserts exactly one success call after k
// transient failures, for k below the budget.
func TestRunPartialFailureThenSuccess(t *testing.T) {
	for k := 0; k < 4; k++ {
		e, _ := newTestExecutor(t, Policy{MaxAttempts: 5})
		calls, successes := 0, 0
		err := e.Run(context.Background(), "op", func(context.Context) error {
			calls++
			if calls <= k {
				return fault.New(fault.Transient, "llm", "429")
			}
			successes++
			return nil
		})
		if err != nil {
			t.Fatalf("k=%d: Run: %v", k, err)
		}
		if successes != 1 || calls != k+1 {
			t.Errorf("k=%d: calls=%d successes=%d, want %d and 1", k, calls, successes, k+1)
		}
	}
}

// TestRunCancelledDuringDelay verifies cancellation during a backoff delay
// returns a typed Cancelled error.
func TestRunCancelledDuringDelay(t *testing.T) {
	e := New(Policy{MaxAttempts: 5}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	e.SetSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})

	calls := 0
	err := e.Run(ctx, "op", func(context.Context) error {
		calls++
		return fault.New(fault.Transient, "llm", "429")
	})
	if fault.KindOf(err) != fault.Cancelled {
		t.Errorf("err kind = %s, want cancelled", fault.KindOf(err))
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1: no attempt may follow cancellation", calls)
	}
}

// TestRunCancelledBeforeStart verifies a dead context never invokes fn.
func TestRunCancelledBeforeStart(t *testing.T) {
	e, _ := newTestExecutor(t, Policy{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := e.Run(ctx, "op", func(context.Context) error {
		calls++
		return nil
	})
	if fault.KindOf(err) != fault.Cancelled {
		t.Errorf("err kind = %s, want cancelled", fault.KindOf(err))
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

// TestRunValue checks the generic value variant propagates results.
func TestRunValue(t *testing.T) {
	e, _ := newTestExecutor(t, Policy{MaxAttempts: 3})

	calls := 0
	got, err := RunValue(context.Background(), e, "op", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", fault.New(fault.Transient, "llm", "503")
		}
		return "file-abc", nil
	})
	if err != nil {
		t.Fatalf("RunValue: %v", err)
	}
	if got != "file-abc" {
		t.Errorf("value = %q, want file-abc", got)
	}
}
