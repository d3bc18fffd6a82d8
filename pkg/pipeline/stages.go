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

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/docmill/docmill/pkg/contenthash"
	"github.com/docmill/docmill/pkg/estimator"
	"github.com/docmill/docmill/pkg/fault"
	"github.com/docmill/docmill/pkg/llm"
	"github.com/docmill/docmill/pkg/obs"
	"github.com/docmill/docmill/pkg/retry"
	"github.com/docmill/docmill/pkg/saga"
	"github.com/docmill/docmill/pkg/store"
)

// stageHash computes the dedup digest.
func (p *Pipeline) stageHash(_ context.Context, pc *Context) error {
	digest, size, err := contenthash.HashFile(pc.Path)
	if err != nil {
		if errors.Is(err, contenthash.ErrEmptyFile) {
			return fault.Wrap(fault.Validation, component, "empty input file", err)
		}
		return fault.Wrap(fault.Permanent, component, "hash input file", err)
	}
	pc.Digest = digest
	pc.Size = size
	return nil
}

// stageDedupCheck consults the store. A live completed row makes this job
// a duplicate; a live non-completed row is a reprocess of a previously
// failed document.
func (p *Pipeline) stageDedupCheck(ctx context.Context, pc *Context) error {
	existing, err := p.store.FindByHash(ctx, pc.Digest.Hex)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if existing.Status == store.StatusCompleted {
		pc.Doc = existing
		p.logger.Info("pipeline.duplicate", "path", pc.Path, "doc_id", existing.ID)
		return ErrSkip
	}
	pc.Existing = existing
	p.logger.Info("pipeline.reprocess", "path", pc.Path, "doc_id", existing.ID, "prior_status", string(existing.Status))
	return nil
}

// stagePreflightCost projects tokens and spend before any remote call and
// enforces the optional per-document ceiling.
func (p *Pipeline) stagePreflightCost(_ context.Context, pc *Context) error {
	msgs := []estimator.Message{
		{Role: "system", Content: llm.SystemPrompt},
		{Role: "developer", Content: llm.DeveloperPrompt},
		{Role: "user", Content: p.userPrompt()},
	}
	est, err := p.est.Estimate(msgs, []estimator.FileInfo{{SizeBytes: pc.Size}})
	if err != nil {
		return fault.Wrap(fault.Internal, component, "preflight estimate", err)
	}
	pc.Estimate = est

	if ceiling := p.opts.CostCeilingUSD; ceiling > 0 && est.Cost.Total > ceiling {
		return fault.Newf(fault.Validation, component,
			"estimated cost $%.6f exceeds ceiling $%.6f", est.Cost.Total, ceiling)
	}
	p.logger.Debug("pipeline.preflight",
		"path", pc.Path,
		"prompt_tokens", est.PromptTokens,
		"est_cost_usd", est.Cost.Total,
		"confidence", string(est.Confidence),
	)
	return nil
}

// stageUploadFile stores the document with the provider and registers its
// deletion as compensation. The idempotency token is derived from the
// content hash so a crashed-and-rerun upload resolves to one resource.
func (p *Pipeline) stageUploadFile(ctx context.Context, pc *Context) error {
	data, err := pc.Bytes()
	if err != nil {
		return fault.Wrap(fault.Permanent, component, "read input file", err)
	}

	fileID, err := retry.RunValue(ctx, p.retry, "llm.upload", func(ctx context.Context) (string, error) {
		return p.llm.Upload(ctx, pc.Filename(), bytes.NewReader(data), "user_data", pc.Digest.Hex)
	})
	if err != nil {
		return err
	}
	pc.LLMFileID = fileID
	pc.Scope.Register(saga.CleanupLLMUpload(p.llm, fileID))

	// A reprocessed row may still hold a vector file from the earlier
	// run; a rollback here must clear that too, after the upload.
	if pc.Existing != nil && pc.Existing.VectorStoreFileID != nil && *pc.Existing.VectorStoreFileID != "" {
		pc.Scope.Register(saga.CleanupVectorFile(p.vector, p.storeID, *pc.Existing.VectorStoreFileID))
	}
	return nil
}

// stageExtract calls the structured-output endpoint under retry and
// decodes the reply. Schema findings are recorded, not fatal.
func (p *Pipeline) stageExtract(ctx context.Context, pc *Context) error {
	ext, err := retry.RunValue(ctx, p.retry, "llm.extract", func(ctx context.Context) (*llm.Extraction, error) {
		return p.llm.Extract(ctx, llm.ExtractRequest{
			Model:  p.opts.Model,
			User:   p.userPrompt(),
			FileID: pc.LLMFileID,
		})
	})
	if err != nil {
		return err
	}
	pc.Extraction = ext

	md, problems, err := llm.ParseMetadata(ext.Text)
	if err != nil {
		// Undecodable payload despite strict mode: a provider bug, and
		// nothing downstream can use the result.
		return fault.Wrap(fault.Permanent, component, "unparseable extraction", err)
	}
	pc.Metadata = md
	pc.ValidationProblems = problems
	if len(problems) > 0 {
		p.logger.Warn("pipeline.validation_findings", "path", pc.Path, "count", len(problems))
	}
	return nil
}

// stageCostCompute prices the actual usage and feeds the spend counters.
func (p *Pipeline) stageCostCompute(_ context.Context, pc *Context) error {
	cost, err := p.est.CostFromUsage(pc.Extraction.Usage)
	if err != nil {
		return fault.Wrap(fault.Internal, component, "price usage", err)
	}
	pc.Cost = cost

	acc := p.est.Validate(pc.Estimate, pc.Extraction.Usage)
	p.logger.Debug("pipeline.cost",
		"path", pc.Path,
		"cost_usd", cost.Total,
		"estimate_delta_pct", acc.DeltaPct,
		"within_tolerance", acc.WithinTolerance,
	)

	obs.AddCost(cost.Total)
	if p.runtime != nil {
		p.runtime.Metrics.Record("llm.cost_usd", cost.Total, "usd", nil)
		p.runtime.Cost.Add(cost.Total)
	}
	return nil
}

// stagePersist assembles the final row and commits it inside the ambient
// compensation scope. The commit is the point of no return: after it the
// registered cleanups are discarded.
func (p *Pipeline) stagePersist(ctx context.Context, pc *Context) error {
	doc := p.buildDocument(pc)

	tx, err := p.store.BeginTxx(ctx)
	if err != nil {
		return err
	}

	if pc.Existing != nil {
		doc.ID = pc.Existing.ID
		doc.CreatedAt = pc.Existing.CreatedAt
		err = p.store.UpdateTx(ctx, tx, doc)
	} else {
		_, err = p.store.InsertTx(ctx, tx, doc)
	}
	if err != nil {
		_ = tx.Rollback()
		if fault.IsKind(err, fault.DuplicateHash) {
			// A racing worker committed the same hash first; this job
			// resolves as duplicate and the scope cleans up our upload.
			return p.resolveRace(ctx, pc, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Internal, component, "commit document", err)
	}
	pc.Doc = doc
	return nil
}

// resolveRace handles the losing side of a concurrent duplicate insert.
func (p *Pipeline) resolveRace(ctx context.Context, pc *Context, cause error) error {
	winner, findErr := p.store.FindByHash(ctx, pc.Digest.Hex)
	if findErr == nil && winner != nil {
		pc.Doc = winner
		pc.Existing = winner
	}
	p.logger.Info("pipeline.duplicate_race", "path", pc.Path, "err", cause)
	// The upload compensation must still run, so surface the duplicate
	// through the scope; run() maps it back to a duplicate outcome.
	return errors.Join(ErrSkip, cause)
}

func (p *Pipeline) buildDocument(pc *Context) *store.Document {
	now := time.Now().UTC()
	durationMs := pc.Duration().Milliseconds()
	usage := pc.Extraction.Usage
	prompt := int64(usage.PromptTokens)
	output := int64(usage.OutputTokens)
	cached := int64(usage.CachedTokens)
	cost := pc.Cost.Total
	fileID := pc.LLMFileID
	model := p.opts.Model

	doc := &store.Document{
		SHA256Hex:        pc.Digest.Hex,
		SHA256B64URL:     pc.Digest.B64URL,
		OriginalFilename: pc.Filename(),
		FileSizeBytes:    pc.Size,
		LLMFileID:        &fileID,
		ProcessedAt:      &now,
		DurationMs:       &durationMs,
		ModelUsed:        &model,
		PromptTokens:     &prompt,
		CompletionTokens: &output,
		CachedTokens:     &cached,
		CostUSD:          &cost,
		ValidationErrors: pc.ValidationProblems,
		RequiresReview:   len(pc.ValidationProblems) > 0,
		RawResponse:      []byte(pc.Extraction.Raw),
		Status:           store.StatusCompleted,
	}

	md := pc.Metadata
	if md == nil {
		return doc
	}
	doc.DocType = optStr(md.DocType)
	doc.DocSubtype = optStr(md.DocSubtype)
	doc.Confidence = &md.Confidence
	doc.Issuer = optStr(md.Issuer)
	doc.Recipient = optStr(md.Recipient)
	doc.PrimaryDate = optStr(md.PrimaryDate)
	doc.SecondaryDate = optStr(md.SecondaryDate)
	doc.TotalAmount = md.TotalAmount
	doc.Currency = optStr(md.Currency)
	doc.Summary = optStr(md.Summary)
	doc.ActionItems = md.ActionItems
	doc.Deadlines = md.Deadlines
	doc.Urgency = optStr(md.Urgency)
	doc.Tags = dedupeTags(md.Tags)
	doc.OCRExcerpt = optStr(md.OCRExcerpt)
	doc.Language = optStr(md.Language)
	doc.PageCount = md.PageCount
	doc.ExtractionQuality = optStr(md.ExtractionQuality)
	return doc
}

// stageAttachVector registers the provider file with the vector store and
// best-effort embeds the summary for local semantic lookup.
func (p *Pipeline) stageAttachVector(ctx context.Context, pc *Context) error {
	vsfID, err := retry.RunValue(ctx, p.retry, "vecstore.attach", func(ctx context.Context) (string, error) {
		return p.vector.AttachFile(ctx, p.storeID, pc.LLMFileID, pc.Size)
	})
	if err != nil {
		return err
	}
	pc.VectorStoreFileID = vsfID
	if err := p.store.SetVectorFileID(ctx, pc.Doc.ID, vsfID); err != nil {
		// The attach succeeded but the row does not reference it, which
		// would orphan the vector file. Detach to restore the invariant.
		_ = p.vector.DetachFile(context.WithoutCancel(ctx), p.storeID, vsfID)
		return err
	}

	if p.embed != nil && pc.Metadata != nil && pc.Metadata.Summary != "" {
		if _, err := p.embed.GetBatch(ctx, []string{pc.Metadata.Summary}); err != nil {
			p.logger.Warn("pipeline.embed_failed", "path", pc.Path, "err", err)
		}
	}
	return nil
}

func (p *Pipeline) userPrompt() string {
	if p.opts.UserPrompt != "" {
		return p.opts.UserPrompt
	}
	return llm.DefaultUserPrompt
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// dedupeTags keeps first occurrences, preserving order.
func dedupeTags(tags []string) []string {
	if len(tags) < 2 {
		return tags
	}
	seen := make(map[string]bool, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
