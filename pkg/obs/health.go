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
	"sort"
	"sync"
	"time"
)

// SystemStatus is the derived process health.
type SystemStatus string

const (
	SystemHealthy   SystemStatus = "healthy"
	SystemDegraded  SystemStatus = "degraded"
	SystemUnhealthy SystemStatus = "unhealthy"
)

// ComponentHealth is the last reported state of one component.
type ComponentHealth struct {
	Healthy   bool      `json:"healthy"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthRegistry tracks component health. A failing critical component
// makes the system unhealthy; a failing non-critical one degrades it.
type HealthRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   map[string]bool
	now        func() time.Time
}

// NewHealthRegistry creates a registry with the named critical components.
func NewHealthRegistry(critical ...string) *HealthRegistry {
	crit := make(map[string]bool, len(critical))
	for _, c := range critical {
		crit[c] = true
	}
	return &HealthRegistry{
		components: make(map[string]ComponentHealth),
		critical:   crit,
		now:        time.Now,
	}
}

// Set reports the state of a component.
func (r *HealthRegistry) Set(component string, healthy bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[component] = ComponentHealth{
		Healthy:   healthy,
		Reason:    reason,
		CheckedAt: r.now().UTC(),
	}
}

// Get returns the last reported state of a component.
func (r *HealthRegistry) Get(component string) (ComponentHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.components[component]
	return h, ok
}

// Components returns a stable-order snapshot of all reported components.
func (r *HealthRegistry) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies the current component map.
func (r *HealthRegistry) Snapshot() map[string]ComponentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ComponentHealth, len(r.components))
	for k, v := range r.components {
		out[k] = v
	}
	return out
}

// System derives the process-wide status from component reports.
func (r *HealthRegistry) System() SystemStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := SystemHealthy
	for name, h := range r.components {
		if h.Healthy {
			continue
		}
		if r.critical[name] {
			return SystemUnhealthy
		}
		status = SystemDegraded
	}
	return status
}
