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
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// DefaultDedupWindow suppresses repeats of the same (component, message)
// pair.
const DefaultDedupWindow = 5 * time.Minute

// recentAlertCap bounds the in-memory tail kept for status output.
const recentAlertCap = 100

// Alert is one raised alert.
type Alert struct {
	Component string    `json:"component"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// AlertManager raises alerts, dedupes repeats, and appends each accepted
// alert to an optional sink (typically a rotating JSON log).
type AlertManager struct {
	mu         sync.Mutex
	window     time.Duration
	lastSeen   map[string]time.Time
	recent     []Alert
	suppressed int
	sink       io.Writer
	logger     *slog.Logger
	now        func() time.Time
}

// NewAlertManager creates a manager with the given dedup window.
// Non-positive windows use the default.
func NewAlertManager(window time.Duration, logger *slog.Logger) *AlertManager {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertManager{
		window:   window,
		lastSeen: make(map[string]time.Time),
		logger:   logger,
		now:      time.Now,
	}
}

// SetSink installs the alert log writer.
func (m *AlertManager) SetSink(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = w
}

// SetNow replaces the clock for tests.
func (m *AlertManager) SetNow(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Raise records an alert. Returns false when an identical alert fired
// within the dedup window.
func (m *AlertManager) Raise(component string, severity Severity, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := component + "\x00" + message
	if last, ok := m.lastSeen[key]; ok && now.Sub(last) < m.window {
		m.suppressed++
		return false
	}
	m.lastSeen[key] = now

	a := Alert{Component: component, Severity: severity, Message: message, At: now.UTC()}
	m.recent = append(m.recent, a)
	if len(m.recent) > recentAlertCap {
		m.recent = m.recent[len(m.recent)-recentAlertCap:]
	}

	m.logger.Warn("obs.alert",
		"component", component,
		"severity", string(severity),
		"message", message,
	)
	if m.sink != nil {
		if payload, err := json.Marshal(a); err == nil {
			_, _ = m.sink.Write(append(payload, '\n'))
		}
	}
	return true
}

// Recent returns up to n of the latest accepted alerts, newest last.
func (m *AlertManager) Recent(n int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.recent) {
		n = len(m.recent)
	}
	out := make([]Alert, n)
	copy(out, m.recent[len(m.recent)-n:])
	return out
}

// Flush logs final counters on shutdown.
func (m *AlertManager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Info("obs.alerts.flush",
		"raised", len(m.recent),
		"suppressed", m.suppressed,
	)
}

// CostAlerts turns cumulative run cost into threshold alerts. Thresholds
// are strictly ascending; each maps to an escalating severity and fires
// once per crossing.
type CostAlerts struct {
	mu      sync.Mutex
	total   float64
	t1      float64
	t2      float64
	t3      float64
	crossed [3]bool
	mgr     *AlertManager
}

// NewCostAlerts wires thresholds to an alert manager.
func NewCostAlerts(t1, t2, t3 float64, mgr *AlertManager) *CostAlerts {
	return &CostAlerts{t1: t1, t2: t2, t3: t3, mgr: mgr}
}

// Add accumulates one document's cost and fires any newly crossed
// thresholds. Returns the running total.
func (c *CostAlerts) Add(cost float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total += cost
	steps := []struct {
		limit    float64
		severity Severity
	}{
		{c.t1, SeverityWarning},
		{c.t2, SeverityError},
		{c.t3, SeverityCritical},
	}
	for i, step := range steps {
		if !c.crossed[i] && step.limit > 0 && c.total >= step.limit {
			c.crossed[i] = true
			c.mgr.Raise("cost", step.severity,
				"run cost crossed threshold "+formatUSD(step.limit)+" (total "+formatUSD(c.total)+")")
		}
	}
	return c.total
}

// Total returns the accumulated cost.
func (c *CostAlerts) Total() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func formatUSD(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', -1, 64)
}
