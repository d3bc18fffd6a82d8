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

// runConfigCmd executes 'config show' and 'config validate'. Secrets are
// always redacted in output.
func runConfigCmd(args []string, envFile string, globals GlobalFlags) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: docmill config <show|validate>

Description:
  show      Print the resolved configuration with the API key redacted.
  validate  Load and validate the configuration, then report the result.

Examples:
  docmill config show
  docmill config validate
  docmill -e prod.env config validate

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	sub := "show"
	if fs.NArg() > 0 {
		sub = fs.Arg(0)
	}

	switch sub {
	case "show":
		cfg, err := config.Load(envFile)
		if err != nil {
			errors.FatalError(errors.NewConfigError(
				"Invalid configuration", err.Error(),
				"Fix the reported variable and rerun 'docmill config validate'", err,
			), globals.JSON)
		}
		fmt.Print(cfg.String())

	case "validate":
		if _, err := config.Load(envFile); err != nil {
			errors.FatalError(errors.NewConfigError(
				"Invalid configuration", err.Error(),
				"Fix the reported variable and rerun 'docmill config validate'", err,
			), globals.JSON)
		}
		ui.Success("Configuration is valid.")

	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", sub)
		fs.Usage()
		os.Exit(1)
	}
}
