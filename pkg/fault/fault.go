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

// Package fault defines the error taxonomy shared by the processing core.
// Every error that crosses a component boundary carries a Kind so that the
// retry executor, the pipeline, and the health registry can act on it
// without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	// Validation marks config or schema failures. Fatal at startup,
	// fail-soft per document.
	Validation Kind = "validation"

	// DuplicateHash marks a unique-hash collision in the document store.
	// Surfaces as a duplicate outcome, not a failure.
	DuplicateHash Kind = "duplicate_hash"

	// Transient marks retryable remote failures: 429, 5xx, network,
	// timeout.
	Transient Kind = "transient"

	// Permanent marks non-retryable remote failures: 4xx, auth, bad
	// request.
	Permanent Kind = "permanent"

	// CircuitOpen marks a fail-fast rejection by the LLM circuit breaker.
	CircuitOpen Kind = "circuit_open"

	// CompensationNeeded marks an error raised inside a compensating
	// transaction scope after external side-effects were registered.
	CompensationNeeded Kind = "compensation_needed"

	// Cancelled marks a deadline or shutdown abort.
	Cancelled Kind = "cancelled"

	// Internal marks an invariant breach inside the core.
	Internal Kind = "internal"
)

// Error is a classified error. Component names the subsystem that produced
// it ("llm", "vecstore", "store", ...), Msg is a short human-readable
// summary, and Err is the wrapped cause (may be nil).
type Error struct {
	Kind      Kind
	Component string
	Msg       string
	Status    int // HTTP status when the cause was a remote response, else 0
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Component, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Component, e.Msg)
	}
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, component, msg string) *Error {
	return &Error{Kind: kind, Component: component, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, component, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around a cause. A nil cause returns nil so
// call sites can wrap unconditionally.
func Wrap(kind Kind, component, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Msg: msg, Err: err}
}

// WithStatus attaches the originating HTTP status code.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
