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

package estimator

import (
	"math"
	"testing"
)

// fixedCounter returns a constant token count per call, independent of the
// text. Keeps tests hermetic: no BPE dictionary download.
type fixedCounter struct {
	perText int
}

func (f fixedCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return f.perText
}

func newTestEstimator(t *testing.T, model string) *Estimator {
	t.Helper()
	return NewWithCounter(model, DefaultPricing(), fixedCounter{perText: 100}, nil)
}

// TestCostFromUsageHappyPath prices the reference usage from a structured
// extraction call: 2429 prompt tokens of which 2331 were cache hits, plus a
// 500 token reply on gpt-4.1-mini rates.
func TestCostFromUsageHappyPath(t *testing.T) {
	e := newTestEstimator(t, "gpt-4.1-mini")
	cost, err := e.CostFromUsage(Usage{PromptTokens: 2429, OutputTokens: 500, CachedTokens: 2331})
	if err != nil {
		t.Fatalf("CostFromUsage: %v", err)
	}

	// (2429-2331)*0.15/1e6 + 2331*0.075/1e6 + 500*0.60/1e6
	want := 0.000489525
	if math.Abs(cost.Total-want) > 1e-12 {
		t.Errorf("total = %.9f, want %.9f", cost.Total, want)
	}
	if math.Abs(cost.Total-0.00045) > 1e-4 {
		t.Errorf("total = %.9f, outside the expected ~0.00045 window", cost.Total)
	}
	if cost.Input <= 0 || cost.Cached <= 0 || cost.Output <= 0 {
		t.Errorf("breakdown has non-positive parts: %+v", cost)
	}
}

// TestCostCacheDiscountMonotonic verifies that for fixed prompt and output
// token counts, any positive cached count strictly reduces the total.
func TestCostCacheDiscountMonotonic(t *testing.T) {
	e := newTestEstimator(t, "gpt-4.1-mini")
	base, err := e.CostFromUsage(Usage{PromptTokens: 5000, OutputTokens: 800, CachedTokens: 0})
	if err != nil {
		t.Fatalf("CostFromUsage(base): %v", err)
	}

	prev := base.Total
	for _, cached := range []int{1, 100, 2500, 5000} {
		c, err := e.CostFromUsage(Usage{PromptTokens: 5000, OutputTokens: 800, CachedTokens: cached})
		if err != nil {
			t.Fatalf("CostFromUsage(cached=%d): %v", cached, err)
		}
		if c.Total >= base.Total {
			t.Errorf("cached=%d: total %.9f not below uncached %.9f", cached, c.Total, base.Total)
		}
		if c.Total >= prev && cached > 1 {
			t.Errorf("cached=%d: total %.9f did not decrease from %.9f", cached, c.Total, prev)
		}
		prev = c.Total
	}
}

// TestCostFromUsageRejectsExcessCached enforces cached <= prompt.
func TestCostFromUsageRejectsExcessCached(t *testing.T) {
	e := newTestEstimator(t, "gpt-4.1-mini")
	if _, err := e.CostFromUsage(Usage{PromptTokens: 10, OutputTokens: 1, CachedTokens: 11}); err == nil {
		t.Error("expected error when cached exceeds prompt")
	}
}

// TestCountMessagesOverhead checks the per-message framing arithmetic.
func TestCountMessagesOverhead(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "a"},
		{Role: "developer", Content: "b"},
		{Role: "user", Content: "c"},
	}
	got := CountMessages(fixedCounter{perText: 10}, msgs)
	want := 3*(3+10) + 3
	if got != want {
		t.Errorf("CountMessages = %d, want %d", got, want)
	}
	if got := CountMessages(fixedCounter{perText: 10}, nil); got != 3 {
		t.Errorf("CountMessages(nil) = %d, want 3", got)
	}
}

// TestEstimateFileHeuristics covers the three confidence grades of the PDF
// token heuristic.
func TestEstimateFileHeuristics(t *testing.T) {
	e := newTestEstimator(t, "gpt-4.1-mini")
	msgs := []Message{{Role: "user", Content: "extract"}}
	msgTokens := CountMessages(fixedCounter{perText: 100}, msgs)

	est, err := e.Estimate(msgs, []FileInfo{{PageCount: 2}})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Confidence != ConfidenceHigh {
		t.Errorf("page-count estimate confidence = %s, want high", est.Confidence)
	}
	if est.FileTokensLo != msgTokens+2*pdfTokensPerPageLo || est.FileTokensHi != msgTokens+2*pdfTokensPerPageHi {
		t.Errorf("range [%d,%d], want [%d,%d]", est.FileTokensLo, est.FileTokensHi,
			msgTokens+2*pdfTokensPerPageLo, msgTokens+2*pdfTokensPerPageHi)
	}

	est, err = e.Estimate(msgs, []FileInfo{{SizeBytes: 4096}})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Confidence != ConfidenceMedium {
		t.Errorf("size estimate confidence = %s, want medium", est.Confidence)
	}
	if est.PromptTokens != msgTokens+1024 {
		t.Errorf("size estimate prompt = %d, want %d", est.PromptTokens, msgTokens+1024)
	}

	est, err = e.Estimate(msgs, []FileInfo{{}})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Confidence != ConfidenceLow {
		t.Errorf("default estimate confidence = %s, want low", est.Confidence)
	}

	// Mixed files take the weakest confidence.
	est, err = e.Estimate(msgs, []FileInfo{{PageCount: 3}, {SizeBytes: 100}})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Confidence != ConfidenceMedium {
		t.Errorf("mixed estimate confidence = %s, want medium", est.Confidence)
	}
}

// TestEstimateUnknownModel surfaces a pricing gap as an error.
func TestEstimateUnknownModel(t *testing.T) {
	e := NewWithCounter("made-up-model-9", DefaultPricing(), fixedCounter{perText: 5}, nil)
	if _, err := e.Estimate([]Message{{Role: "user", Content: "x"}}, nil); err == nil {
		t.Error("expected pricing error for unknown model")
	}
}

// TestValidateTolerance checks the post-hoc accuracy report.
func TestValidateTolerance(t *testing.T) {
	e := newTestEstimator(t, "gpt-4.1-mini")

	acc := e.Validate(Estimate{PromptTokens: 1100}, Usage{PromptTokens: 1000})
	if !acc.WithinTolerance || math.Abs(acc.DeltaPct-10.0) > 1e-9 {
		t.Errorf("10%% drift: got %+v", acc)
	}

	acc = e.Validate(Estimate{PromptTokens: 1500}, Usage{PromptTokens: 1000})
	if acc.WithinTolerance {
		t.Errorf("50%% drift reported within tolerance: %+v", acc)
	}
}
