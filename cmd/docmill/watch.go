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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	flag "github.com/spf13/pflag"

	"github.com/docmill/docmill/internal/errors"
	"github.com/docmill/docmill/internal/ui"
	"github.com/docmill/docmill/pkg/pipeline"
)

// watchDebounce is the quiet period after the last write before a file
// is considered fully copied and ingested.
const watchDebounce = 2 * time.Second

// runWatch executes the 'watch' command: ingest .pdf files as they land
// in the directory, debounced so half-copied files are not picked up.
func runWatch(args []string, envFile string, globals GlobalFlags) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	ceiling := fs.Float64("cost-ceiling", 0, "Per-document estimated cost ceiling in USD (0 disables)")
	processExisting := fs.Bool("existing", false, "Also ingest files already present at startup")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: docmill watch [options] <directory>

Description:
  Watch the directory for new or rewritten .pdf files and run each one
  through the processing pipeline once it has been quiet for %s.
  Duplicates are skipped by content hash, so re-dropping a file is
  harmless. Runs until interrupted.

Options:
`, watchDebounce)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Ingest new files as they arrive
  docmill watch ./inbox

  # Catch up on existing files first, then keep watching
  docmill watch --existing ./inbox

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

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		errors.FatalError(errors.NewInputError(
			"Cannot watch directory",
			dir+" is not an accessible directory",
			"Check the path and directory permissions",
			err,
		), globals.JSON)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, envFile, globals, true)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer a.close()

	p := a.newPipeline(pipeline.Options{CostCeilingUSD: *ceiling})

	if *processExisting {
		paths, err := collectPDFs(dir)
		if err == nil && len(paths) > 0 {
			ui.Infof("Processing %d existing file(s)...", len(paths))
			runner := pipeline.NewRunner(p, a.cfg.BatchSize)
			summary := runner.ProcessBatch(ctx, paths, nil)
			ui.Infof("Caught up: %d completed, %d duplicates, %d failed",
				summary.Counts[pipeline.OutcomeCompleted],
				summary.Counts[pipeline.OutcomeDuplicate],
				summary.Counts[pipeline.OutcomeFailed])
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Cannot start file watcher", err.Error(),
			"The platform may limit inotify watches; raise the limit and retry", err,
		), globals.JSON)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		errors.FatalError(errors.NewPermissionError(
			"Cannot watch directory", dir+" could not be registered with the watcher",
			"Check directory permissions", err,
		), globals.JSON)
	}

	ui.Infof("Watching %s (debounce %s). Ctrl-C to stop.", dir, watchDebounce)

	// pending maps a path to its last write; a ticker flushes paths that
	// have been quiet for the debounce window.
	pending := map[string]time.Time{}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ui.Info("Stopping watcher.")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".pdf") {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.Warn("watch.error", "err", err)

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < watchDebounce {
					continue
				}
				delete(pending, path)
				res := p.Process(ctx, path)
				printProcessResult(path, ProcessResult{
					Outcome:    string(res.Outcome),
					DocID:      res.DocID,
					CostUSD:    res.CostUSD,
					DurationMs: res.Duration.Milliseconds(),
					Error:      errText(res.Err),
				}, globals)
			}
		}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
