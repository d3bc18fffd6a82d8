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

	flag "github.com/spf13/pflag"

	"github.com/docmill/docmill/internal/errors"
	"github.com/docmill/docmill/internal/ui"
	"github.com/docmill/docmill/pkg/config"
)

const envExample = `# docmill configuration. Copy to .env and fill in the key.

# Provider API key (required)
LLM_API_KEY=

# Extraction model: gpt-4.1-mini | gpt-4.1 | gpt-4o-mini | gpt-4o | o4-mini
LLM_MODEL=gpt-4.1-mini
LLM_BASE_URL=https://api.openai.com/v1

# SQLite database location
DB_URL=sqlite://docmill.db

# Request behaviour
API_TIMEOUT_SECONDS=120
MAX_RETRIES=5
RATE_LIMIT_RPM=60
BATCH_SIZE=4

# Cumulative spend alert thresholds, USD, strictly ascending
COST_ALERT_T1=1
COST_ALERT_T2=5
COST_ALERT_T3=25

# Logging: debug|info|warning|error, json|text; LOG_DIR enables file logs
LOG_LEVEL=info
LOG_FORMAT=text
LOG_DIR=

# Vector store and search
VECTOR_STORE_NAME=docmill-library
VECTOR_CACHE_TTL_DAYS=30
SEARCH_TOP_K=10
SEARCH_THRESHOLD=0

# Embeddings
EMBEDDING_MODEL=text-embedding-3-small
EMBEDDING_DIMENSION=1536

# Optional per-million USD price overrides for the selected model
#PROMPT_PRICE_PER_M=
#OUTPUT_PRICE_PER_M=
#CACHED_PRICE_PER_M=
`

const pricingExample = `# docmill pricing table, USD per million tokens.
# Searched upward from the working directory; overrides the built-in
# defaults when present. "match" lists model ids or prefix* patterns.

gpt-4.1-mini:
  input_per_M: 0.15
  cached_input_per_M: 0.075
  output_per_M: 0.60
  match: ["gpt-4.1-mini", "gpt-4.1-mini-*"]

gpt-4.1:
  input_per_M: 2.00
  cached_input_per_M: 0.50
  output_per_M: 8.00
  match: ["gpt-4.1", "gpt-4.1-2*"]

gpt-4o-mini:
  input_per_M: 0.15
  cached_input_per_M: 0.075
  output_per_M: 0.60
  match: ["gpt-4o-mini", "gpt-4o-mini-*"]

gpt-4o:
  input_per_M: 2.50
  cached_input_per_M: 1.25
  output_per_M: 10.00
  match: ["gpt-4o", "gpt-4o-2*"]

o4-mini:
  input_per_M: 1.10
  cached_input_per_M: 0.275
  output_per_M: 4.40
  match: ["o4-mini", "o4-mini-*"]

text-embedding-3-small:
  input_per_M: 0.02
  cached_input_per_M: 0.01
`

// runInit executes the 'init' command: write configuration templates
// into the working directory without clobbering existing files.
func runInit(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.BoolP("force", "f", false, "Overwrite existing template files")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: docmill init [options]

Description:
  Write .env.example and %s into the current
  directory. Copy .env.example to .env, set LLM_API_KEY, and you are
  ready to ingest.

Options:
`, config.PricingFileName)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	writeTemplate(".env.example", envExample, *force, globals)
	writeTemplate(config.PricingFileName, pricingExample, *force, globals)

	ui.Info("")
	ui.Info("Next steps:")
	ui.Info("  1. cp .env.example .env")
	ui.Info("  2. Set LLM_API_KEY in .env")
	ui.Info("  3. docmill process <file.pdf>")
}

func writeTemplate(name, content string, force bool, globals GlobalFlags) {
	if _, err := os.Stat(name); err == nil && !force {
		ui.Warningf("%s already exists, skipping (use --force to overwrite)", name)
		return
	}
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		errors.FatalError(errors.NewPermissionError(
			"Cannot write "+name,
			"The current directory is not writable",
			"Run from a writable directory or fix permissions",
			err,
		), globals.JSON)
	}
	ui.Successf("Wrote %s", name)
}
