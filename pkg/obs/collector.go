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

// Package obs holds the process observability runtime: a time-series
// metrics collector, an alert manager with dedup, a component health
// registry, and log plumbing. Components receive these as explicit
// dependencies through Runtime; nothing here is a package-global.
package obs

import (
	"sync"
	"time"
)

// DefaultCollectorCapacity bounds the metrics ring buffer.
const DefaultCollectorCapacity = 10000

// Point is one recorded measurement.
type Point struct {
	Name   string
	Value  float64
	Unit   string
	Labels map[string]string
	At     time.Time
}

// Summary aggregates points of one metric over a window.
type Summary struct {
	Count int
	Sum   float64
	Avg   float64
	Min   float64
	Max   float64
}

// Collector is an append-only ring buffer of measurements. Old points are
// overwritten once capacity is reached.
type Collector struct {
	mu     sync.Mutex
	points []Point
	next   int
	filled bool
	now    func() time.Time
}

// NewCollector creates a collector with the given capacity. Non-positive
// capacities use the default.
func NewCollector(capacity int) *Collector {
	if capacity <= 0 {
		capacity = DefaultCollectorCapacity
	}
	return &Collector{
		points: make([]Point, capacity),
		now:    time.Now,
	}
}

// SetNow replaces the clock. Tests use it to place points in time.
func (c *Collector) SetNow(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Record appends a measurement.
func (c *Collector) Record(name string, value float64, unit string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points[c.next] = Point{Name: name, Value: value, Unit: unit, Labels: labels, At: c.now()}
	c.next++
	if c.next == len(c.points) {
		c.next = 0
		c.filled = true
	}
}

// Len returns the number of retained points.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filled {
		return len(c.points)
	}
	return c.next
}

// Aggregate summarizes all retained points of name recorded at or after
// since.
func (c *Collector) Aggregate(name string, since time.Time) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Summary
	limit := c.next
	if c.filled {
		limit = len(c.points)
	}
	for i := 0; i < limit; i++ {
		p := c.points[i]
		if p.Name != name || p.At.Before(since) {
			continue
		}
		if s.Count == 0 {
			s.Min = p.Value
			s.Max = p.Value
		} else {
			if p.Value < s.Min {
				s.Min = p.Value
			}
			if p.Value > s.Max {
				s.Max = p.Value
			}
		}
		s.Count++
		s.Sum += p.Value
	}
	if s.Count > 0 {
		s.Avg = s.Sum / float64(s.Count)
	}
	return s
}
