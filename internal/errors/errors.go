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

// Package errors provides user-facing CLI errors: a title, detail, and a
// concrete suggestion, printed styled or as JSON, with process exit codes
// derived from the fault taxonomy.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/docmill/docmill/internal/ui"
	"github.com/docmill/docmill/pkg/fault"
)

// Exit codes. Scripts branch on these: 1 is a local problem the user can
// fix, 2 a downstream outage worth retrying later, 3 an interrupt.
const (
	ExitUsage      = 1
	ExitDownstream = 2
	ExitCancelled  = 3
)

// Category tags a UserError for JSON output and exit-code mapping.
type Category string

const (
	CategoryConfig     Category = "config"
	CategoryValidation Category = "validation"
	CategoryInput      Category = "input"
	CategoryPermission Category = "permission"
	CategoryNetwork    Category = "network"
	CategoryDatabase   Category = "database"
	CategoryInternal   Category = "internal"
)

// UserError is an error dressed for the terminal.
type UserError struct {
	Category   Category `json:"category"`
	Title      string   `json:"error"`
	Detail     string   `json:"detail,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
	Cause      error    `json:"-"`
}

func (e *UserError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Title, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Title, e.Detail)
}

func (e *UserError) Unwrap() error { return e.Cause }

func newUserError(cat Category, title, detail, suggestion string, cause error) *UserError {
	return &UserError{Category: cat, Title: title, Detail: detail, Suggestion: suggestion, Cause: cause}
}

// NewConfigError reports a configuration problem.
func NewConfigError(title, detail, suggestion string, cause error) *UserError {
	return newUserError(CategoryConfig, title, detail, suggestion, cause)
}

// NewValidationError reports rejected input values.
func NewValidationError(title, detail, suggestion string, cause error) *UserError {
	return newUserError(CategoryValidation, title, detail, suggestion, cause)
}

// NewInputError reports a missing or unreadable input file.
func NewInputError(title, detail, suggestion string, cause error) *UserError {
	return newUserError(CategoryInput, title, detail, suggestion, cause)
}

// NewPermissionError reports denied filesystem or API access.
func NewPermissionError(title, detail, suggestion string, cause error) *UserError {
	return newUserError(CategoryPermission, title, detail, suggestion, cause)
}

// NewNetworkError reports an unreachable or failing remote service.
func NewNetworkError(title, detail, suggestion string, cause error) *UserError {
	return newUserError(CategoryNetwork, title, detail, suggestion, cause)
}

// NewDatabaseError reports a storage-layer failure.
func NewDatabaseError(title, detail, suggestion string, cause error) *UserError {
	return newUserError(CategoryDatabase, title, detail, suggestion, cause)
}

// NewInternalError reports a bug or an unclassified failure.
func NewInternalError(title, detail, suggestion string, cause error) *UserError {
	return newUserError(CategoryInternal, title, detail, suggestion, cause)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch fault.KindOf(err) {
	case fault.Cancelled:
		return ExitCancelled
	case fault.Transient, fault.CircuitOpen:
		return ExitDownstream
	}
	var ue *UserError
	if errors.As(err, &ue) && ue.Category == CategoryNetwork {
		return ExitDownstream
	}
	return ExitUsage
}

// FatalError prints err and exits. Plain errors are wrapped into a
// generic internal UserError first so the output shape is uniform.
func FatalError(err error, jsonOutput bool) {
	var ue *UserError
	if !errors.As(err, &ue) {
		ue = fromFault(err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		_ = enc.Encode(ue)
	} else {
		ui.Error(ue.Title)
		if ue.Detail != "" {
			fmt.Fprintf(os.Stderr, "  %s\n", ue.Detail)
		}
		if ue.Cause != nil {
			fmt.Fprintf(os.Stderr, "  %s\n", ui.DimText(ue.Cause.Error()))
		}
		if ue.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "\n  %s %s\n", ui.Yellow("hint:"), ue.Suggestion)
		}
	}
	os.Exit(ExitCode(err))
}

// fromFault dresses a taxonomy error in user-facing terms.
func fromFault(err error) *UserError {
	switch fault.KindOf(err) {
	case fault.Validation:
		return NewValidationError("Invalid input", err.Error(),
			"Check the command arguments and configuration values", err)
	case fault.Cancelled:
		return newUserError(CategoryInternal, "Interrupted", err.Error(), "", err)
	case fault.CircuitOpen:
		return NewNetworkError("Service unavailable", err.Error(),
			"The provider is failing repeatedly; wait for the cooldown and retry", err)
	case fault.Transient:
		return NewNetworkError("Temporary failure", err.Error(),
			"Retry the command; the condition is expected to clear", err)
	case fault.Permanent:
		return NewNetworkError("Request rejected", err.Error(),
			"Check the API key and model configuration", err)
	default:
		return NewInternalError("Unexpected error", err.Error(),
			"Rerun with --verbose for details", err)
	}
}
