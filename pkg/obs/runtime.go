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
	"log/slog"
)

// Critical components: if one of these reports unhealthy the system is
// unhealthy, not merely degraded.
var criticalComponents = []string{"store", "llm"}

// Runtime bundles the observability singletons for one process. It is
// created once in main and passed into components explicitly; tests build
// their own.
type Runtime struct {
	Logger  *slog.Logger
	Metrics *Collector
	Alerts  *AlertManager
	Health  *HealthRegistry
	Cost    *CostAlerts
}

// NewRuntime assembles a runtime with default capacities. Cost thresholds
// of zero disable the corresponding alert.
func NewRuntime(logger *slog.Logger, costT1, costT2, costT3 float64) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	alerts := NewAlertManager(DefaultDedupWindow, logger)
	return &Runtime{
		Logger:  logger,
		Metrics: NewCollector(DefaultCollectorCapacity),
		Alerts:  alerts,
		Health:  NewHealthRegistry(criticalComponents...),
		Cost:    NewCostAlerts(costT1, costT2, costT3, alerts),
	}
}

// Shutdown flushes buffered alert state. Call once on process exit.
func (r *Runtime) Shutdown() {
	if r.Alerts != nil {
		r.Alerts.Flush()
	}
}
