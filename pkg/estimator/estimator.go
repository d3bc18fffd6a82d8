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

// Package estimator provides pre-flight token counting and USD cost
// computation for LLM calls. It never performs network I/O: tokenizer
// dictionaries and the pricing table are resolved at construction.
package estimator

import (
	"fmt"
	"log/slog"
	"math"
)

// PDF token heuristics. A text-light page tokenizes near the low bound, a
// dense scanned page near the high bound.
const (
	pdfTokensPerPageLo = 85
	pdfTokensPerPageHi = 1100

	// defaultFileTokens is assumed when neither page count nor size is
	// known.
	defaultFileTokens = 1000

	// bytesPerToken approximates tokens from raw file size.
	bytesPerToken = 4

	// defaultOutputEstimate is the assumed completion size for structured
	// extraction replies.
	defaultOutputEstimate = 500

	// validateTolerancePct is the accepted prompt estimate drift.
	validateTolerancePct = 20.0
)

// Confidence grades an estimate.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// rank orders confidences for combining multiple file estimates.
func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// FileInfo describes an attached document for token estimation. Zero values
// mean unknown.
type FileInfo struct {
	PageCount int
	SizeBytes int64
}

// Usage is the token accounting returned by the provider after a call.
type Usage struct {
	PromptTokens int
	OutputTokens int
	CachedTokens int
}

// CostBreakdown is a USD cost split by token class.
type CostBreakdown struct {
	Input  float64
	Cached float64
	Output float64
	Total  float64
}

// Estimate is a pre-flight token and cost projection.
type Estimate struct {
	Model          string
	PromptTokens   int
	FileTokensLo   int
	FileTokensHi   int
	OutputEstimate int
	Cost           CostBreakdown
	Confidence     Confidence
}

// Accuracy reports how an estimate compared with actual usage.
type Accuracy struct {
	DeltaPct        float64
	WithinTolerance bool
}

// Estimator counts tokens and prices calls for one model.
type Estimator struct {
	model   string
	counter TokenCounter
	pricing *Pricing
	logger  *slog.Logger
}

// New builds an estimator for model using the given pricing table. A nil
// pricing table uses the built-in defaults.
func New(model string, pricing *Pricing, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Estimator{
		model:   model,
		counter: NewTokenCounter(model, logger),
		pricing: pricing,
		logger:  logger,
	}
}

// NewWithCounter builds an estimator with an injected token counter.
func NewWithCounter(model string, pricing *Pricing, counter TokenCounter, logger *slog.Logger) *Estimator {
	e := New(model, pricing, logger)
	if counter != nil {
		e.counter = counter
	}
	return e
}

// Model returns the model id this estimator prices.
func (e *Estimator) Model() string { return e.model }

// fileTokens estimates the token contribution of one attached file.
func fileTokens(f FileInfo) (lo, hi int, conf Confidence) {
	switch {
	case f.PageCount > 0:
		return pdfTokensPerPageLo * f.PageCount, pdfTokensPerPageHi * f.PageCount, ConfidenceHigh
	case f.SizeBytes > 0:
		n := int(f.SizeBytes / bytesPerToken)
		if n < 1 {
			n = 1
		}
		return n, n, ConfidenceMedium
	default:
		return defaultFileTokens, defaultFileTokens, ConfidenceLow
	}
}

// Estimate projects prompt tokens and cost for a call with the given
// messages and attached files. The projection assumes no provider-side
// cache hits, so it is an upper bound on input cost.
func (e *Estimator) Estimate(msgs []Message, files []FileInfo) (Estimate, error) {
	msgTokens := CountMessages(e.counter, msgs)

	totalLo, totalHi := 0, 0
	conf := ConfidenceHigh
	for _, f := range files {
		lo, hi, c := fileTokens(f)
		totalLo += lo
		totalHi += hi
		if c.rank() < conf.rank() {
			conf = c
		}
	}

	fileMid := (totalLo + totalHi) / 2
	prompt := msgTokens + fileMid

	price, ok := e.pricing.Resolve(e.model)
	if !ok {
		return Estimate{}, fmt.Errorf("no pricing for model %q", e.model)
	}

	cost := CostBreakdown{
		Input:  float64(prompt) * price.InputPerM / 1e6,
		Output: float64(defaultOutputEstimate) * price.OutputPerM / 1e6,
	}
	cost.Total = cost.Input + cost.Output

	return Estimate{
		Model:          e.model,
		PromptTokens:   prompt,
		FileTokensLo:   msgTokens + totalLo,
		FileTokensHi:   msgTokens + totalHi,
		OutputEstimate: defaultOutputEstimate,
		Cost:           cost,
		Confidence:     conf,
	}, nil
}

// CostFromUsage prices actual usage. Cached tokens are billed at the
// discounted rate and subtracted from the full-rate input tokens.
func (e *Estimator) CostFromUsage(usage Usage) (CostBreakdown, error) {
	if usage.CachedTokens > usage.PromptTokens {
		return CostBreakdown{}, fmt.Errorf("cached tokens %d exceed prompt tokens %d", usage.CachedTokens, usage.PromptTokens)
	}
	if usage.PromptTokens < 0 || usage.OutputTokens < 0 || usage.CachedTokens < 0 {
		return CostBreakdown{}, fmt.Errorf("negative token counts in usage")
	}
	price, ok := e.pricing.Resolve(e.model)
	if !ok {
		return CostBreakdown{}, fmt.Errorf("no pricing for model %q", e.model)
	}

	billedInput := usage.PromptTokens - usage.CachedTokens
	cost := CostBreakdown{
		Input:  float64(billedInput) * price.InputPerM / 1e6,
		Cached: float64(usage.CachedTokens) * price.CachedInputPerM / 1e6,
		Output: float64(usage.OutputTokens) * price.OutputPerM / 1e6,
	}
	cost.Total = cost.Input + cost.Cached + cost.Output
	return cost, nil
}

// Validate compares a pre-flight estimate with actual usage for accuracy
// tracking.
func (e *Estimator) Validate(est Estimate, actual Usage) Accuracy {
	if actual.PromptTokens == 0 {
		return Accuracy{DeltaPct: 0, WithinTolerance: est.PromptTokens == 0}
	}
	delta := float64(est.PromptTokens-actual.PromptTokens) / float64(actual.PromptTokens) * 100.0
	return Accuracy{
		DeltaPct:        delta,
		WithinTolerance: math.Abs(delta) <= validateTolerancePct,
	}
}
