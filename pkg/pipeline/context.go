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
	"os"
	"path/filepath"
	"time"

	"github.com/docmill/docmill/pkg/contenthash"
	"github.com/docmill/docmill/pkg/estimator"
	"github.com/docmill/docmill/pkg/llm"
	"github.com/docmill/docmill/pkg/saga"
	"github.com/docmill/docmill/pkg/store"
)

// Context carries one document job through the stages. It is owned by a
// single worker; nothing here needs locking.
type Context struct {
	// Path is the input file.
	Path string
	// Digest and Size are populated by the hash stage.
	Digest contenthash.Digest
	Size   int64

	// Existing is the live row found by dedup, nil for a first ingest.
	Existing *store.Document
	// Doc is the draft row being assembled.
	Doc *store.Document

	// LLMFileID and VectorStoreFileID track external resources as they
	// are created, for compensation and for the final row.
	LLMFileID         string
	VectorStoreFileID string

	// Estimate is the preflight projection; Extraction the provider reply.
	Estimate   estimator.Estimate
	Extraction *llm.Extraction
	Metadata   *llm.Metadata
	// ValidationProblems are fail-soft schema findings from the extract
	// stage.
	ValidationProblems []string

	// Cost is the priced actual usage, set by the cost stage.
	Cost estimator.CostBreakdown

	// Scope is the active compensation scope while the external-effect
	// stages run, nil outside that span.
	Scope *saga.Scope
	// Audits collects the compensation audits of this job.
	Audits []saga.Audit

	StartedAt time.Time

	bytes []byte
}

// NewContext starts a job context for path.
func NewContext(path string) *Context {
	return &Context{Path: path, StartedAt: time.Now()}
}

// Bytes lazily reads the file once and reuses the buffer for upload and
// any later consumer.
func (c *Context) Bytes() ([]byte, error) {
	if c.bytes != nil {
		return c.bytes, nil
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, err
	}
	c.bytes = data
	return data, nil
}

// Filename is the original file name recorded on the row.
func (c *Context) Filename() string { return filepath.Base(c.Path) }

// Duration is the wall time since the job started.
func (c *Context) Duration() time.Duration { return time.Since(c.StartedAt) }

// Outcome is the terminal state of one processed document.
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeDuplicate          Outcome = "duplicate"
	OutcomeFailed             Outcome = "failed"
	OutcomeVectorUploadFailed Outcome = "vector_upload_failed"
)

// Result summarizes one pipeline run.
type Result struct {
	Outcome  Outcome
	DocID    int64
	Digest   contenthash.Digest
	CostUSD  float64
	Duration time.Duration
	// Err is set for OutcomeFailed.
	Err error
}
