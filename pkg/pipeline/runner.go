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

package pipeline

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the batch pool size when none is configured.
const DefaultWorkers = 4

// BatchSummary tallies one batch run.
type BatchSummary struct {
	Total    int
	Counts   map[Outcome]int
	CostUSD  float64
	Failures []string
}

// ProgressFunc observes per-document completion. done counts finished
// documents including this one.
type ProgressFunc func(done, total int, path string, r Result)

// Runner fans a set of paths over a worker pool, each worker running the
// shared pipeline one document at a time. The store serializes duplicate
// races; workers never coordinate directly.
type Runner struct {
	pipeline *Pipeline
	workers  int
}

// NewRunner wraps a pipeline with a pool of the given size.
func NewRunner(p *Pipeline, workers int) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{pipeline: p, workers: workers}
}

// ProcessBatch runs every path and aggregates outcomes. Individual
// document failures never abort the batch; only context cancellation
// stops the pool early.
func (r *Runner) ProcessBatch(ctx context.Context, paths []string, progress ProgressFunc) BatchSummary {
	summary := BatchSummary{
		Total:  len(paths),
		Counts: make(map[Outcome]int),
	}
	var mu sync.Mutex
	done := 0

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := r.pipeline.Process(ctx, path)

			mu.Lock()
			done++
			summary.Counts[res.Outcome]++
			summary.CostUSD += res.CostUSD
			if res.Outcome == OutcomeFailed && res.Err != nil {
				summary.Failures = append(summary.Failures, path+": "+res.Err.Error())
			}
			n := done
			mu.Unlock()

			if progress != nil {
				progress(n, summary.Total, path, res)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(summary.Failures)
	return summary
}
