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

// Package main implements the docmill CLI for ingesting PDF documents,
// extracting structured metadata with an LLM, and searching the library.
//
// Usage:
//
//	docmill init                      Write .env.example and pricing file
//	docmill process <file.pdf>        Ingest a single document
//	docmill batch <dir>               Ingest a directory of documents
//	docmill watch <dir>               Ingest new files as they appear
//	docmill search <query>            Semantic search over the library
//	docmill status [--json]           Show library and pipeline status
//	docmill config show|validate      Inspect configuration
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/docmill/docmill/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags holds the global CLI flags that apply to all commands.
type GlobalFlags struct {
	JSON    bool // Output in JSON format (for applicable commands)
	NoColor bool // Disable color output
	Verbose int  // Verbosity level: 0=normal, 1=-v (info), 2=-vv (debug)
	Quiet   bool // Suppress non-essential output (progress, info messages)
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		envFile     = flag.StringP("env-file", "e", "", "Path to .env file (default: ./.env)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output (progress, info messages)")
	)

	// Stop parsing at the first non-flag argument (the command name) so
	// subcommand flags like "batch --workers 8" reach their own flag sets.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `docmill - document ingestion and metadata extraction

docmill hashes PDF documents, skips duplicates, extracts structured
metadata through an LLM with strict schema output, stores the results
in SQLite, and registers each document with a vector store for
semantic search. External side effects are wrapped in compensating
transactions so a failed ingest leaves no orphaned uploads.

Usage:
  docmill <command> [options]

Commands:
  init          Write .env.example and docmill.pricing.yaml templates
  process       Ingest a single PDF document
  batch         Ingest every PDF in a directory
  watch         Watch a directory and ingest new files as they settle
  search        Semantic search over the document library
  status        Show library statistics and pipeline health
  config        Show or validate the resolved configuration

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output (progress, info messages)
  -e, --env-file    Path to .env file (default: ./.env)
  -V, --version     Show version and exit

Examples:
  docmill init                        Write configuration templates
  docmill process invoice.pdf         Ingest one document
  docmill process --dry-run big.pdf   Estimate cost without calling the API
  docmill batch ./inbox               Ingest a directory
  docmill batch ./inbox --workers 8   Ingest with a larger worker pool
  docmill watch ./inbox               Keep ingesting as files arrive
  docmill search "electricity bill"   Find documents semantically
  docmill status --json               Library status for scripts

Getting Started:
  1. Write templates:        docmill init
  2. Set LLM_API_KEY:        edit .env
  3. Ingest a document:      docmill process invoice.pdf
  4. Check the library:      docmill status

Environment Variables:
  LLM_API_KEY      Provider API key (required)
  LLM_MODEL        Extraction model (default: gpt-4.1-mini)
  DB_URL           SQLite URL (default: sqlite://docmill.db)
  BATCH_SIZE       Parallel workers for batch (default: 4)

For detailed command help: docmill <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("docmill version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}

	if *quiet && *verbose > 0 {
		fmt.Fprintf(os.Stderr, "Error: cannot use --quiet and --verbose together\n")
		os.Exit(1)
	}

	// JSON mode auto-enables quiet so progress bars cannot corrupt output.
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
	}

	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "process":
		runProcess(cmdArgs, *envFile, globals)
	case "batch":
		runBatch(cmdArgs, *envFile, globals)
	case "watch":
		runWatch(cmdArgs, *envFile, globals)
	case "search":
		runSearch(cmdArgs, *envFile, globals)
	case "status":
		runStatus(cmdArgs, *envFile, globals)
	case "config":
		runConfigCmd(cmdArgs, *envFile, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
