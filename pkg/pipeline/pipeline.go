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

// Package pipeline orchestrates document processing: hash, dedup,
// preflight cost, upload, extract, price, persist, and vector attach, in
// that order. The external-effect stages run inside a compensating
// transaction scope so a failure anywhere between upload and commit
// leaves no orphaned remote resources, and a committed row never lacks
// its remote file.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/docmill/docmill/pkg/estimator"
	"github.com/docmill/docmill/pkg/fault"
	"github.com/docmill/docmill/pkg/llm"
	"github.com/docmill/docmill/pkg/obs"
	"github.com/docmill/docmill/pkg/retry"
	"github.com/docmill/docmill/pkg/saga"
	"github.com/docmill/docmill/pkg/store"
)

const component = "pipeline"

// ErrSkip short-circuits the remaining stages as a success. The dedup
// stage returns it after setting the duplicate outcome.
var ErrSkip = errors.New("pipeline: skip remaining stages")

// LLMClient is the provider surface the pipeline consumes.
type LLMClient interface {
	Upload(ctx context.Context, filename string, r io.Reader, purpose, idempotencyToken string) (string, error)
	DeleteFile(ctx context.Context, fileID string) error
	Extract(ctx context.Context, req llm.ExtractRequest) (*llm.Extraction, error)
}

// VectorClient is the vector store surface the pipeline consumes.
type VectorClient interface {
	AttachFile(ctx context.Context, storeID, fileID string, sizeBytes int64) (string, error)
	DetachFile(ctx context.Context, storeID, fileID string) error
}

// Embeddings is the optional best-effort embedding hook run after attach.
type Embeddings interface {
	GetBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configure a Pipeline beyond its collaborators.
type Options struct {
	// Model is the extraction model id.
	Model string
	// UserPrompt is the per-document user message. Empty means the
	// package default.
	UserPrompt string
	// CostCeilingUSD fails a document whose preflight estimate exceeds
	// it. Zero disables the ceiling.
	CostCeilingUSD float64
	// JobTimeout bounds one document end to end. Zero means no deadline.
	JobTimeout time.Duration
	// AuditDir receives saga audit log lines; empty disables the file.
	AuditDir string
}

// Stage is one pipeline step. Execute may return nil (continue), ErrSkip
// (stop as success), or an error (stop as failure; classified by kind).
type Stage interface {
	Name() string
	Execute(ctx context.Context, pc *Context) error
}

// stageFunc adapts a named function to Stage.
type stageFunc struct {
	name string
	run  func(ctx context.Context, pc *Context) error
}

func (s stageFunc) Name() string                                   { return s.name }
func (s stageFunc) Execute(ctx context.Context, pc *Context) error { return s.run(ctx, pc) }

// Pipeline processes one document at a time; a batch runs several
// pipelines' worth of workers over shared collaborators.
type Pipeline struct {
	store   *store.Store
	llm     LLMClient
	vector  VectorClient
	storeID string
	est     *estimator.Estimator
	retry   *retry.Executor
	runtime *obs.Runtime
	embed   Embeddings
	opts    Options
	logger  *slog.Logger

	pre  []Stage // hash, dedup_check, preflight_cost
	main []Stage // upload_file, extract, cost_compute, persist (saga scope)
	post []Stage // attach_vector
}

// New assembles the stage sequence. embed may be nil.
func New(st *store.Store, llmClient LLMClient, vector VectorClient, storeID string,
	est *estimator.Estimator, retryExec *retry.Executor, runtime *obs.Runtime,
	embed Embeddings, opts Options) *Pipeline {

	logger := slog.Default()
	if runtime != nil && runtime.Logger != nil {
		logger = runtime.Logger
	}
	p := &Pipeline{
		store:   st,
		llm:     llmClient,
		vector:  vector,
		storeID: storeID,
		est:     est,
		retry:   retryExec,
		runtime: runtime,
		embed:   embed,
		opts:    opts,
		logger:  logger,
	}
	p.pre = []Stage{
		stageFunc{"hash", p.stageHash},
		stageFunc{"dedup_check", p.stageDedupCheck},
		stageFunc{"preflight_cost", p.stagePreflightCost},
	}
	p.main = []Stage{
		stageFunc{"upload_file", p.stageUploadFile},
		stageFunc{"extract", p.stageExtract},
		stageFunc{"cost_compute", p.stageCostCompute},
		stageFunc{"persist", p.stagePersist},
	}
	p.post = []Stage{
		stageFunc{"attach_vector", p.stageAttachVector},
	}
	return p
}

// Process runs the full stage sequence for path. It never panics across
// the boundary and always returns a terminal Result; Err is set only for
// failed outcomes.
func (p *Pipeline) Process(ctx context.Context, path string) Result {
	if p.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.JobTimeout)
		defer cancel()
	}

	pc := NewContext(path)
	p.logger.Info("pipeline.start", "path", path)

	result := p.run(ctx, pc)
	result.Digest = pc.Digest
	result.Duration = pc.Duration()
	if pc.Doc != nil {
		result.DocID = pc.Doc.ID
	}
	result.CostUSD = pc.Cost.Total

	obs.CountDocument(string(result.Outcome))
	if p.runtime != nil {
		p.runtime.Metrics.Record("pipeline.duration", result.Duration.Seconds(), "s",
			map[string]string{"outcome": string(result.Outcome)})
	}
	p.logger.Info("pipeline.done",
		"path", path,
		"outcome", string(result.Outcome),
		"doc_id", result.DocID,
		"duration_ms", result.Duration.Milliseconds(),
		"cost_usd", result.CostUSD,
	)
	return result
}

func (p *Pipeline) run(ctx context.Context, pc *Context) Result {
	if err := p.runStages(ctx, pc, p.pre); err != nil {
		if errors.Is(err, ErrSkip) {
			return Result{Outcome: OutcomeDuplicate}
		}
		return p.fail(ctx, pc, err)
	}

	// External effects plus the commit run under one compensation scope:
	// any error in this span deletes the uploaded provider file (and a
	// prior vector file on reprocessing) before surfacing.
	audit, err := saga.Execute(ctx, p.logger, saga.Meta{Stage: "persist", DocRef: pc.Digest.Hex},
		func(scope *saga.Scope) error {
			pc.Scope = scope
			defer func() { pc.Scope = nil }()
			return p.runStages(ctx, pc, p.main)
		})
	pc.Audits = append(pc.Audits, audit)
	saga.AppendAuditLog(p.opts.AuditDir, audit)
	if err != nil {
		if errors.Is(err, ErrSkip) {
			return Result{Outcome: OutcomeDuplicate}
		}
		return p.fail(ctx, pc, err)
	}

	// Vector attach is best effort: a failure demotes the status but the
	// extraction work is kept.
	if err := p.runStages(ctx, pc, p.post); err != nil {
		p.logger.Warn("pipeline.vector_attach_failed", "path", pc.Path, "err", err)
		if p.runtime != nil {
			p.runtime.Alerts.Raise(component, obs.SeverityWarning,
				"vector attach failed: "+err.Error())
		}
		if markErr := p.store.MarkFailed(ctx, pc.Doc.ID, store.StatusVectorUploadFailed, err.Error()); markErr != nil {
			p.logger.Error("pipeline.mark_vector_failed", "err", markErr)
		}
		return Result{Outcome: OutcomeVectorUploadFailed}
	}
	return Result{Outcome: OutcomeCompleted}
}

// runStages executes stages in order, checking cancellation at each
// boundary so a deadline aborts before the next I/O.
func (p *Pipeline) runStages(ctx context.Context, pc *Context, stages []Stage) error {
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.Cancelled, component, "aborted before "+st.Name(), err)
		}
		start := time.Now()
		err := st.Execute(ctx, pc)
		obs.ObserveStage(st.Name(), time.Since(start).Seconds())
		if err != nil {
			if !errors.Is(err, ErrSkip) {
				p.logger.Debug("pipeline.stage.error", "stage", st.Name(), "kind", string(fault.KindOf(err)), "err", err)
			}
			return err
		}
	}
	return nil
}

// fail records the terminal failure. If the hash is known a failure row
// is written (or the existing row marked) so the batch summary and later
// review can see the document; compensation has already removed any
// external resources.
func (p *Pipeline) fail(ctx context.Context, pc *Context, cause error) Result {
	kind := fault.KindOf(cause)
	if p.runtime != nil {
		severity := obs.SeverityError
		if kind == fault.Internal {
			severity = obs.SeverityCritical
		}
		p.runtime.Alerts.Raise(component, severity, "document failed: "+cause.Error())
		if kind == fault.CircuitOpen {
			p.runtime.Health.Set("llm", false, "circuit breaker open")
		}
	}

	p.recordFailureRow(ctx, pc, cause)
	return Result{Outcome: OutcomeFailed, Err: cause}
}

func (p *Pipeline) recordFailureRow(ctx context.Context, pc *Context, cause error) {
	if pc.Digest.IsZero() || pc.Size <= 0 {
		return
	}
	// Cancellation may have killed the parent context; the bookkeeping
	// write still needs to land.
	dbCtx := context.WithoutCancel(ctx)

	if pc.Existing != nil {
		if err := p.store.MarkFailed(dbCtx, pc.Existing.ID, store.StatusFailed, cause.Error()); err != nil {
			p.logger.Error("pipeline.record_failure", "err", err)
		}
		pc.Doc = pc.Existing
		return
	}

	msg := store.TruncateErrorMessage(cause.Error())
	doc := &store.Document{
		SHA256Hex:        pc.Digest.Hex,
		SHA256B64URL:     pc.Digest.B64URL,
		OriginalFilename: pc.Filename(),
		FileSizeBytes:    pc.Size,
		ErrorMessage:     &msg,
		Status:           store.StatusFailed,
	}
	if pc.Extraction != nil {
		doc.RawResponse = []byte(pc.Extraction.Raw)
	}
	inserted, err := p.store.Insert(dbCtx, doc)
	if err != nil {
		if !fault.IsKind(err, fault.DuplicateHash) {
			p.logger.Error("pipeline.record_failure", "err", err)
		}
		return
	}
	pc.Doc = inserted
}
