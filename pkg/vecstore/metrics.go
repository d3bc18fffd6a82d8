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

package vecstore

import (
	"sync/atomic"
	"time"
)

// Storage pricing assumptions for the daily-cost estimate.
const (
	FreeTierGB    = 1.0
	PricePerGBDay = 0.10
)

// Metrics tracks per-store counters. All increments are atomic; the
// client is shared across pipeline workers.
type Metrics struct {
	uploadsOK       atomic.Int64
	uploadsFailed   atomic.Int64
	bytesUploaded   atomic.Int64
	searchCount     atomic.Int64
	searchLatencyNs atomic.Int64
	searchFailures  atomic.Int64
}

func (m *Metrics) uploadOK(bytes int64) {
	m.uploadsOK.Add(1)
	if bytes > 0 {
		m.bytesUploaded.Add(bytes)
	}
}

func (m *Metrics) uploadFailed() { m.uploadsFailed.Add(1) }

func (m *Metrics) searchOK(latency time.Duration) {
	m.searchCount.Add(1)
	m.searchLatencyNs.Add(latency.Nanoseconds())
}

func (m *Metrics) searchFailed() {
	m.searchCount.Add(1)
	m.searchFailures.Add(1)
}

// Snapshot is a point-in-time copy with derived rates.
type Snapshot struct {
	UploadsOK         int64         `json:"uploads_ok"`
	UploadsFailed     int64         `json:"uploads_failed"`
	BytesUploaded     int64         `json:"bytes_uploaded"`
	SearchCount       int64         `json:"search_count"`
	SearchFailures    int64         `json:"search_failures"`
	UploadSuccessRate float64       `json:"upload_success_rate"`
	AvgSearchLatency  time.Duration `json:"avg_search_latency"`
}

// Snapshot reads the counters and computes the derived values.
func (m *Metrics) Snapshot() Snapshot {
	ok := m.uploadsOK.Load()
	failed := m.uploadsFailed.Load()
	searches := m.searchCount.Load()

	s := Snapshot{
		UploadsOK:      ok,
		UploadsFailed:  failed,
		BytesUploaded:  m.bytesUploaded.Load(),
		SearchCount:    searches,
		SearchFailures: m.searchFailures.Load(),
	}
	if total := ok + failed; total > 0 {
		s.UploadSuccessRate = float64(ok) / float64(total)
	}
	if searches > 0 {
		s.AvgSearchLatency = time.Duration(m.searchLatencyNs.Load() / searches)
	}
	return s
}

// EstimatedDailyCost projects USD per day for the stored volume:
// max(0, gb - free tier) * price per GB-day.
func (m *Metrics) EstimatedDailyCost() float64 {
	gb := float64(m.bytesUploaded.Load()) / (1 << 30)
	billable := gb - FreeTierGB
	if billable < 0 {
		return 0
	}
	return billable * PricePerGBDay
}
