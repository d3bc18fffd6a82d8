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

package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus export of the pipeline counters. Registered on the default
// registry; the CLI exposes them via promhttp when --metrics-addr is set.
var (
	promDocumentsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docmill_documents_processed_total",
		Help: "Documents that finished the pipeline, by outcome.",
	}, []string{"outcome"})

	promStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docmill_stage_duration_seconds",
		Help:    "Wall time per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stage"})

	promCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docmill_cost_usd_total",
		Help: "Accumulated LLM spend in USD.",
	})

	promLLMRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docmill_llm_retries_total",
		Help: "Retried LLM calls.",
	})
)

// CountDocument records a finished document by outcome.
func CountDocument(outcome string) {
	promDocumentsProcessed.WithLabelValues(outcome).Inc()
}

// ObserveStage records one stage execution.
func ObserveStage(stage string, seconds float64) {
	promStageDuration.WithLabelValues(stage).Observe(seconds)
}

// AddCost accumulates spend.
func AddCost(usd float64) {
	if usd > 0 {
		promCostUSD.Add(usd)
	}
}

// CountRetry records a retried LLM call.
func CountRetry() {
	promLLMRetries.Inc()
}
