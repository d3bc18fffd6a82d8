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
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/docmill/docmill/internal/errors"
	"github.com/docmill/docmill/internal/ui"
	"github.com/docmill/docmill/pkg/pipeline"
)

// BatchResult is the batch summary for JSON output.
type BatchResult struct {
	Total      int            `json:"total"`
	Counts     map[string]int `json:"counts"`
	CostUSD    float64        `json:"cost_usd"`
	DurationMs int64          `json:"duration_ms"`
	Failures   []string       `json:"failures,omitempty"`
}

// runBatch executes the 'batch' command: every PDF under a directory
// through the pipeline on a worker pool.
func runBatch(args []string, envFile string, globals GlobalFlags) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	workers := fs.Int("workers", 0, "Worker pool size (default: BATCH_SIZE from config)")
	ceiling := fs.Float64("cost-ceiling", 0, "Per-document estimated cost ceiling in USD (0 disables)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address while the batch runs (e.g. :9090)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: docmill batch [options] <directory>

Description:
  Ingest every .pdf file under the directory (recursively) through the
  processing pipeline, several documents in parallel. Duplicate files
  are skipped by content hash, and one bad document never aborts the
  rest of the batch.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Ingest a directory with the configured pool size
  docmill batch ./inbox

  # Larger pool, and refuse documents estimated over 5 cents
  docmill batch ./inbox --workers 8 --cost-ceiling 0.05

  # Expose pipeline metrics while a long batch runs
  docmill batch ./archive --metrics-addr :9090

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	dir := fs.Arg(0)

	paths, err := collectPDFs(dir)
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Cannot scan input directory",
			dir+" could not be walked",
			"Check the path and directory permissions",
			err,
		), globals.JSON)
	}
	if len(paths) == 0 {
		ui.Warningf("No .pdf files found under %s", dir)
		return
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, envFile, globals, true)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer a.close()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server", "err", err)
			}
		}()
		defer srv.Close()
	}

	if *workers == 0 {
		*workers = a.cfg.BatchSize
	}

	var bar *progressbar.ProgressBar
	if !globals.Quiet {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("processing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	p := a.newPipeline(pipeline.Options{CostCeilingUSD: *ceiling})
	runner := pipeline.NewRunner(p, *workers)

	start := time.Now()
	summary := runner.ProcessBatch(ctx, paths, func(done, total int, path string, r pipeline.Result) {
		if bar != nil {
			_ = bar.Add(1)
		}
	})
	if bar != nil {
		_ = bar.Finish()
	}

	out := BatchResult{
		Total:      summary.Total,
		Counts:     map[string]int{},
		CostUSD:    summary.CostUSD,
		DurationMs: time.Since(start).Milliseconds(),
		Failures:   summary.Failures,
	}
	for outcome, n := range summary.Counts {
		out.Counts[string(outcome)] = n
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	} else {
		printBatchSummary(out)
	}

	if out.Counts[string(pipeline.OutcomeFailed)] > 0 {
		os.Exit(errors.ExitUsage)
	}
}

// collectPDFs walks dir and returns every .pdf path, sorted for a
// deterministic processing order.
func collectPDFs(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".pdf") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func printBatchSummary(out BatchResult) {
	ui.Header("Batch Summary")
	fmt.Printf("%s       %s\n", ui.Label("Total:"), ui.CountText(out.Total))
	fmt.Printf("  Completed:         %s\n", ui.CountText(out.Counts[string(pipeline.OutcomeCompleted)]))
	fmt.Printf("  Duplicates:        %s\n", ui.CountText(out.Counts[string(pipeline.OutcomeDuplicate)]))
	fmt.Printf("  Vector failed:     %s\n", ui.CountText(out.Counts[string(pipeline.OutcomeVectorUploadFailed)]))
	fmt.Printf("  Failed:            %s\n", ui.CountText(out.Counts[string(pipeline.OutcomeFailed)]))
	fmt.Printf("%s        $%.6f\n", ui.Label("Cost:"), out.CostUSD)
	fmt.Printf("%s    %dms\n", ui.Label("Duration:"), out.DurationMs)

	if len(out.Failures) > 0 {
		fmt.Println()
		ui.SubHeader("Failures:")
		for _, f := range out.Failures {
			fmt.Printf("  %s\n", ui.DimText(f))
		}
	}
}
