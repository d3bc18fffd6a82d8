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

// Package saga wraps a sequence of external side-effects plus a local
// commit in a compensating-transaction scope. When the scope exits with an
// error, registered compensations run in reverse registration order and the
// original error is always the one surfaced: compensation failures are
// recorded in the audit, never raised.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docmill/docmill/pkg/fault"
)

// Status values for a completed scope.
const (
	StatusSuccess            = "success"
	StatusFailed             = "failed"
	StatusCompensated        = "compensated"
	StatusCompensationFailed = "compensation_failed"
)

// Handler statuses recorded per compensation.
const (
	HandlerSuccess = "success"
	HandlerFailed  = "failed"
)

// Meta carries caller-supplied context stamped onto the audit record.
type Meta struct {
	Stage  string
	DocRef string
}

// HandlerAudit records one compensation run.
type HandlerAudit struct {
	Name   string    `json:"name"`
	RanAt  time.Time `json:"ran_at"`
	Status string    `json:"status"`
	Err    string    `json:"err,omitempty"`
}

// Audit is the full record of one scope. Exactly one of CommittedAt and
// RolledBackAt is set once the scope has exited.
type Audit struct {
	ScopeID      string         `json:"scope_id"`
	Stage        string         `json:"stage,omitempty"`
	DocRef       string         `json:"doc_ref,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CommittedAt  *time.Time     `json:"committed_at,omitempty"`
	RolledBackAt *time.Time     `json:"rolled_back_at,omitempty"`
	Status       string         `json:"status"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	Error        string         `json:"error,omitempty"`
	Handlers     []HandlerAudit `json:"handlers,omitempty"`
}

// Handler is one registered compensation.
type Handler struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Scope collects compensations while the wrapped block runs.
type Scope struct {
	handlers []Handler
}

// OnRollback registers a compensation to run if the scope fails. Handlers
// run LIFO.
func (s *Scope) OnRollback(name string, fn func(ctx context.Context) error) {
	s.handlers = append(s.handlers, Handler{Name: name, Fn: fn})
}

// Register adds a prebuilt handler.
func (s *Scope) Register(h Handler) {
	if h.Fn != nil {
		s.handlers = append(s.handlers, h)
	}
}

// Pending returns the number of registered compensations.
func (s *Scope) Pending() int { return len(s.handlers) }

// Execute runs fn inside a fresh scope. On a nil return the scope commits
// and registered compensations are discarded. On error (or panic, which is
// re-raised) compensations run LIFO with a cancellation-proof context and
// the original error is returned. The returned Audit is complete in every
// case.
func Execute(ctx context.Context, logger *slog.Logger, meta Meta, fn func(*Scope) error) (Audit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scope := &Scope{}
	audit := Audit{
		ScopeID:   uuid.NewString(),
		Stage:     meta.Stage,
		DocRef:    meta.DocRef,
		StartedAt: time.Now().UTC(),
	}

	logger.Debug("saga.scope.start", "scope_id", audit.ScopeID, "stage", meta.Stage, "doc", meta.DocRef)

	panicked := true
	var blockErr error
	func() {
		defer func() {
			if panicked {
				// Re-raised below after compensations; capture for audit.
				if r := recover(); r != nil {
					blockErr = fmt.Errorf("panic in scope: %v", r)
					rollback(ctx, logger, scope, &audit, blockErr)
					panic(r)
				}
			}
		}()
		blockErr = fn(scope)
		panicked = false
	}()

	if blockErr == nil {
		now := time.Now().UTC()
		audit.CommittedAt = &now
		audit.Status = StatusSuccess
		logger.Debug("saga.scope.committed", "scope_id", audit.ScopeID, "handlers_discarded", scope.Pending())
		return audit, nil
	}

	rollback(ctx, logger, scope, &audit, blockErr)
	return audit, blockErr
}

// rollback runs compensations LIFO and fills the rollback side of the
// audit. Compensations use a context that survives cancellation of the
// parent: external cleanup must proceed even when the job was aborted.
func rollback(ctx context.Context, logger *slog.Logger, scope *Scope, audit *Audit, cause error) {
	now := time.Now().UTC()
	audit.RolledBackAt = &now
	audit.Error = cause.Error()
	audit.ErrorKind = string(fault.KindOf(cause))

	cleanupCtx := context.WithoutCancel(ctx)

	anyFailed := false
	for i := len(scope.handlers) - 1; i >= 0; i-- {
		h := scope.handlers[i]
		ha := HandlerAudit{Name: h.Name, RanAt: time.Now().UTC(), Status: HandlerSuccess}
		if err := h.Fn(cleanupCtx); err != nil {
			anyFailed = true
			ha.Status = HandlerFailed
			ha.Err = err.Error()
			logger.Error("saga.compensation.failed", "scope_id", audit.ScopeID, "handler", h.Name, "err", err)
		} else {
			logger.Info("saga.compensation.ran", "scope_id", audit.ScopeID, "handler", h.Name)
		}
		audit.Handlers = append(audit.Handlers, ha)
	}

	switch {
	case anyFailed:
		audit.Status = StatusCompensationFailed
	case len(scope.handlers) > 0:
		audit.Status = StatusCompensated
	default:
		audit.Status = StatusFailed
	}

	logger.Warn("saga.scope.rolled_back",
		"scope_id", audit.ScopeID,
		"stage", audit.Stage,
		"status", audit.Status,
		"handlers", len(scope.handlers),
		"error_kind", audit.ErrorKind,
		"err", cause,
	)
}
