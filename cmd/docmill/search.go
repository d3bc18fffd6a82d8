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
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/docmill/docmill/internal/errors"
	"github.com/docmill/docmill/internal/ui"
)

// SearchHit is one search result for JSON output, joined against the
// local document row when the file id is known.
type SearchHit struct {
	FileID   string  `json:"file_id"`
	Score    float64 `json:"score"`
	Snippet  string  `json:"snippet,omitempty"`
	DocID    int64   `json:"doc_id,omitempty"`
	Filename string  `json:"filename,omitempty"`
	DocType  string  `json:"doc_type,omitempty"`
	Summary  string  `json:"summary,omitempty"`
}

// runSearch executes the 'search' command against the vector store.
func runSearch(args []string, envFile string, globals GlobalFlags) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	topK := fs.Int("top-k", 0, "Maximum results (default: SEARCH_TOP_K from config)")
	threshold := fs.Float64("threshold", -1, "Minimum relevance score 0..1 (default: SEARCH_THRESHOLD from config)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: docmill search [options] <query...>

Description:
  Run a semantic search over the ingested document library. Hits are
  ranked by the vector store and joined against the local database so
  each result shows the original filename and extracted summary.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Find documents about a topic
  docmill search "electricity bill june"

  # Fewer, higher-confidence results
  docmill search --top-k 3 --threshold 0.5 "employment contract"

  # Machine-readable output
  docmill search --json "tax assessment" | jq '.[].filename'

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}
	query := strings.Join(fs.Args(), " ")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, envFile, globals, true)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer a.close()

	if *topK <= 0 {
		*topK = a.cfg.SearchTopK
	}
	if *threshold < 0 {
		*threshold = a.cfg.SearchThreshold
	}

	start := time.Now()
	results, err := a.vector.Search(ctx, a.storeID, query, *topK, *threshold)
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Search failed",
			"The vector store query did not complete",
			"Check connectivity and that documents have been ingested",
			err,
		), globals.JSON)
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hit := SearchHit{FileID: r.FileID, Score: r.Score, Snippet: r.Snippet}
		if doc, found := a.findByVectorFile(ctx, r.FileID); found {
			hit.DocID = doc.ID
			hit.Filename = doc.OriginalFilename
			if doc.DocType != nil {
				hit.DocType = *doc.DocType
			}
			if doc.Summary != nil {
				hit.Summary = *doc.Summary
			}
		}
		hits = append(hits, hit)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(hits)
		return
	}

	if len(hits) == 0 {
		ui.Infof("No results for %q.", query)
		return
	}
	ui.Header(fmt.Sprintf("Results for %q (%dms)", query, time.Since(start).Milliseconds()))
	for i, h := range hits {
		name := h.Filename
		if name == "" {
			name = h.FileID
		}
		fmt.Printf("%2d. %s  %s\n", i+1, ui.Cyan(name), ui.DimText(fmt.Sprintf("score %.3f", h.Score)))
		if h.DocType != "" {
			fmt.Printf("    %s %s\n", ui.Label("Type:"), h.DocType)
		}
		if h.Summary != "" {
			fmt.Printf("    %s\n", h.Summary)
		} else if h.Snippet != "" {
			fmt.Printf("    %s\n", ui.DimText(h.Snippet))
		}
	}
}
