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
	"github.com/docmill/docmill/pkg/contenthash"
	"github.com/docmill/docmill/pkg/estimator"
	"github.com/docmill/docmill/pkg/llm"
	"github.com/docmill/docmill/pkg/pipeline"
)

// ProcessResult is the single-document outcome for JSON output.
type ProcessResult struct {
	Outcome    string  `json:"outcome"`
	DocID      int64   `json:"doc_id,omitempty"`
	SHA256     string  `json:"sha256,omitempty"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMs int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// runProcess executes the 'process' command: one document through the
// full pipeline, or a cost estimate only with --dry-run.
func runProcess(args []string, envFile string, globals GlobalFlags) {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "Estimate tokens and cost without calling the API")
	ceiling := fs.Float64("cost-ceiling", 0, "Fail if the estimated cost exceeds this USD amount (0 disables)")
	timeout := fs.Duration("timeout", 10*time.Minute, "End-to-end deadline for this document")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: docmill process [options] <file.pdf>

Description:
  Ingest a single PDF: hash it, skip it if an identical document is
  already stored, upload it, extract structured metadata with the
  configured model, store the result, and attach the file to the
  vector store for semantic search.

  A failure between the upload and the database commit rolls back the
  remote upload, so a failed run leaves nothing behind to pay for.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Ingest one document
  docmill process invoice.pdf

  # Preview token usage and cost, no API calls
  docmill process --dry-run invoice.pdf

  # Refuse documents projected to cost more than one cent
  docmill process --cost-ceiling 0.01 contract.pdf

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	path := fs.Arg(0)

	if _, err := os.Stat(path); err != nil {
		errors.FatalError(errors.NewInputError(
			"Cannot read input file",
			path+" does not exist or is not readable",
			"Check the path and file permissions",
			err,
		), globals.JSON)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, envFile, globals, !*dryRun)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer a.close()

	if *dryRun {
		runDryRun(a, path, *ceiling, globals)
		return
	}

	p := a.newPipeline(pipeline.Options{
		CostCeilingUSD: *ceiling,
		JobTimeout:     *timeout,
	})
	res := p.Process(ctx, path)

	out := ProcessResult{
		Outcome:    string(res.Outcome),
		DocID:      res.DocID,
		SHA256:     res.Digest.Hex,
		CostUSD:    res.CostUSD,
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	} else {
		printProcessResult(path, out, globals)
	}

	if res.Outcome == pipeline.OutcomeFailed {
		os.Exit(errors.ExitCode(res.Err))
	}
}

// runDryRun prints the preflight estimate without touching the network.
func runDryRun(a *app, path string, ceiling float64, globals GlobalFlags) {
	digest, size, err := contenthash.HashFile(path)
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Cannot hash input file", err.Error(),
			"Check that the file is readable and not empty", err,
		), globals.JSON)
	}

	est, err := a.est.Estimate([]estimator.Message{
		{Role: "system", Content: llm.SystemPrompt},
		{Role: "developer", Content: llm.DeveloperPrompt},
		{Role: "user", Content: llm.DefaultUserPrompt},
	}, []estimator.FileInfo{{SizeBytes: size}})
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"sha256":          digest.Hex,
			"file_size_bytes": size,
			"prompt_tokens":   est.PromptTokens,
			"file_tokens_lo":  est.FileTokensLo,
			"file_tokens_hi":  est.FileTokensHi,
			"output_estimate": est.OutputEstimate,
			"est_cost_usd":    est.Cost.Total,
			"confidence":      string(est.Confidence),
		})
	} else {
		ui.Header("Dry Run: " + path)
		fmt.Printf("%s        %s\n", ui.Label("SHA-256:"), ui.DimText(digest.Hex))
		fmt.Printf("%s      %d bytes\n", ui.Label("File size:"), size)
		fmt.Printf("%s  %d prompt, %d-%d file, ~%d output\n", ui.Label("Token estimate:"),
			est.PromptTokens, est.FileTokensLo, est.FileTokensHi, est.OutputEstimate)
		fmt.Printf("%s $%.6f (%s confidence)\n", ui.Label("Estimated cost:"),
			est.Cost.Total, est.Confidence)
	}

	if ceiling > 0 && est.Cost.Total > ceiling {
		ui.Warningf("Estimate $%.6f exceeds the ceiling $%.6f; a real run would be refused.",
			est.Cost.Total, ceiling)
		os.Exit(errors.ExitUsage)
	}
}

func printProcessResult(path string, out ProcessResult, globals GlobalFlags) {
	switch pipeline.Outcome(out.Outcome) {
	case pipeline.OutcomeCompleted:
		ui.Successf("%s processed (doc %d, $%.6f, %dms)", path, out.DocID, out.CostUSD, out.DurationMs)
	case pipeline.OutcomeDuplicate:
		ui.Infof("%s already stored as doc %d, skipped", path, out.DocID)
	case pipeline.OutcomeVectorUploadFailed:
		ui.Warningf("%s processed (doc %d) but vector attach failed; search will miss it", path, out.DocID)
		if !globals.Quiet {
			ui.Info("Reprocess the file once the vector store recovers.")
		}
	default:
		ui.Errorf("%s failed: %s", path, out.Error)
	}
}
