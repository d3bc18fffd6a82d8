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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/docmill/docmill/internal/errors"
	"github.com/docmill/docmill/internal/ui"
	"github.com/docmill/docmill/pkg/embcache"
	"github.com/docmill/docmill/pkg/obs"
	"github.com/docmill/docmill/pkg/store"
)

// StatusResult represents the library status for JSON output.
type StatusResult struct {
	Model        string                         `json:"model"`
	DBURL        string                         `json:"db_url"`
	Documents    map[string]int64               `json:"documents"`
	TotalCostUSD float64                        `json:"total_cost_usd"`
	BreakerState string                         `json:"breaker_state"`
	CacheStats   embcache.Stats                 `json:"cache_stats"`
	CacheHealth  string                         `json:"cache_health"`
	Health       map[string]obs.ComponentHealth `json:"health"`
	System       string                         `json:"system"`
	RecentAlerts []obs.Alert                    `json:"recent_alerts,omitempty"`
	Timestamp    time.Time                      `json:"timestamp"`
}

// runStatus executes the 'status' command: library statistics, spend,
// cache performance, and component health. Fully offline; no provider
// calls are made.
func runStatus(args []string, envFile string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: docmill status [options]

Description:
  Display the state of the document library: per-status document
  counts, accumulated extraction spend, embedding cache performance,
  circuit breaker state, and component health.

  This reads only the local database; the provider is not contacted.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Human-readable status
  docmill status

  # JSON for scripts
  docmill status --json | jq '.documents'

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, envFile, globals, false)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer a.close()

	counts, err := a.store.CountByStatus(ctx)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot read document counts", err.Error(),
			"The database may be locked or corrupted", err,
		), globals.JSON)
	}
	totalCost, err := a.store.TotalCost(ctx)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if err := a.store.HealthCheck(ctx); err != nil {
		a.runtime.Health.Set("store", false, err.Error())
	} else {
		a.runtime.Health.Set("store", true, "")
	}
	a.runtime.Health.Set("llm", a.llm.BreakerState() == "closed", "breaker "+a.llm.BreakerState())

	result := &StatusResult{
		Model:        a.cfg.LLMModel,
		DBURL:        a.cfg.DBURL,
		Documents:    map[string]int64{},
		TotalCostUSD: totalCost,
		BreakerState: a.llm.BreakerState(),
		CacheStats:   a.cache.Stats(),
		CacheHealth:  string(a.cache.Health(ctx)),
		Health:       a.runtime.Health.Snapshot(),
		System:       string(a.runtime.Health.System()),
		RecentAlerts: a.runtime.Alerts.Recent(5),
		Timestamp:    time.Now(),
	}
	for status, n := range counts {
		result.Documents[string(status)] = n
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}
	printStatus(result)
}

func printStatus(r *StatusResult) {
	ui.Header("docmill Library Status")
	fmt.Printf("%s       %s\n", ui.Label("Model:"), r.Model)
	fmt.Printf("%s    %s\n", ui.Label("Database:"), ui.DimText(r.DBURL))
	fmt.Println()

	ui.SubHeader("Documents:")
	fmt.Printf("  Completed:            %s\n", ui.CountText(int(r.Documents[string(store.StatusCompleted)])))
	fmt.Printf("  Vector upload failed: %s\n", ui.CountText(int(r.Documents[string(store.StatusVectorUploadFailed)])))
	fmt.Printf("  Failed:               %s\n", ui.CountText(int(r.Documents[string(store.StatusFailed)])))
	fmt.Printf("  Total spend:          $%.4f\n", r.TotalCostUSD)
	fmt.Println()

	ui.SubHeader("Embedding cache:")
	fmt.Printf("  Requests:      %s\n", ui.CountText(int(r.CacheStats.TotalRequests)))
	fmt.Printf("  Hit rate:      %.0f%% overall, %.0f%% memory\n",
		r.CacheStats.OverallHitRate*100, r.CacheStats.MemoryHitRate*100)
	fmt.Printf("  Remote calls:  %s\n", ui.CountText(int(r.CacheStats.RemoteCalls)))
	fmt.Printf("  Health:        %s\n", healthText(r.CacheHealth))
	fmt.Println()

	ui.SubHeader("Components:")
	fmt.Printf("  System:   %s\n", healthText(r.System))
	fmt.Printf("  Breaker:  %s\n", r.BreakerState)
	for name, h := range r.Health {
		mark := ui.Green("ok")
		if !h.Healthy {
			mark = ui.Yellow(h.Reason)
		}
		fmt.Printf("  %-9s %s\n", name+":", mark)
	}

	if len(r.RecentAlerts) > 0 {
		fmt.Println()
		ui.SubHeader("Recent alerts:")
		for _, al := range r.RecentAlerts {
			fmt.Printf("  [%s] %s: %s\n", al.Severity, al.Component, al.Message)
		}
	}
}

func healthText(level string) string {
	switch level {
	case "healthy":
		return ui.Green(level)
	case "warning", "degraded":
		return ui.Yellow(level)
	default:
		return ui.Red(level)
	}
}
