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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/pkg/estimator"
	"github.com/docmill/docmill/pkg/llm"
	"github.com/docmill/docmill/pkg/obs"
	"github.com/docmill/docmill/pkg/retry"
	"github.com/docmill/docmill/pkg/store"
	"github.com/docmill/docmill/pkg/vecstore"
)

const testModel = "gpt-4.1-mini"

// validMetadata is the canonical stub extraction payload.
const validMetadata = `{
	"doc_type": "invoice", "doc_subtype": "utility", "confidence": 0.93,
	"issuer": "ACME Power", "recipient": "Jo Doe",
	"primary_date": "2025-06-01", "secondary_date": "2025-06-15",
	"total_amount": 120.5, "currency": "EUR",
	"summary": "June electricity invoice.",
	"action_items": ["pay by 2025-06-15"], "deadlines": ["2025-06-15"],
	"urgency": "normal", "tags": ["utility", "invoice"],
	"ocr_excerpt": "ACME Power invoice", "language": "en",
	"page_count": 2, "extraction_quality": "high"
}`

// providerStub emulates the LLM and vector store endpoints well enough
// for the pipeline: file lifecycle, structured extraction, attachment
// with polling, and deletion bookkeeping.
type providerStub struct {
	mu           sync.Mutex
	nextFile     int
	files        map[string]bool
	deletedFiles []string

	extractCalls   int
	extractFailN   int // first N extract calls fail
	extractStatus  int // HTTP status used for those failures
	uploadCalls    int

	attachCalls int
	attachState string // terminal poll state; default completed
	pollCalls   int
}

func newProviderStub() *providerStub {
	return &providerStub{files: map[string]bool{}, attachState: vecstore.FileStatusCompleted}
}

func (s *providerStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/files":
			s.uploadCalls++
			s.nextFile++
			id := fmt.Sprintf("file-%d", s.nextFile)
			s.files[id] = true
			fmt.Fprintf(w, `{"id": %q}`, id)

		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/files/"):
			id := strings.TrimPrefix(r.URL.Path, "/files/")
			delete(s.files, id)
			s.deletedFiles = append(s.deletedFiles, id)
			fmt.Fprint(w, `{"deleted": true}`)

		case r.Method == http.MethodPost && r.URL.Path == "/responses":
			s.extractCalls++
			if s.extractCalls <= s.extractFailN {
				w.WriteHeader(s.extractStatus)
				fmt.Fprint(w, `{"error": {"message": "stub failure"}}`)
				return
			}
			text, _ := json.Marshal(validMetadata)
			fmt.Fprintf(w, `{
				"output": [{"content": [{"type": "output_text", "text": %s}]}],
				"usage": {
					"prompt_tokens": 2429, "output_tokens": 500,
					"prompt_tokens_details": {"cached_tokens": 2331}
				}
			}`, text)

		case r.Method == http.MethodPost && r.URL.Path == "/v1/vector_stores/vs-test/files":
			s.attachCalls++
			fmt.Fprint(w, `{"id": "vsf-1", "status": "queued"}`)

		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/vector_stores/vs-test/files/"):
			s.pollCalls++
			fmt.Fprintf(w, `{"status": %q}`, s.attachState)

		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/vector_stores/vs-test/files/"):
			fmt.Fprint(w, `{"deleted": true}`)

		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	})
}

// liveFiles returns ids still held by the stub provider.
func (s *providerStub) liveFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.files {
		out = append(out, id)
	}
	return out
}

type fixture struct {
	pipeline *Pipeline
	store    *store.Store
	stub     *providerStub
	delays   *[]time.Duration
}

func newFixture(t *testing.T, stub *providerStub, opts Options) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)

	st, err := store.Open("sqlite://:memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	llmClient := llm.NewClient(srv.URL, "key", llm.Options{Logger: logger})
	vecClient := vecstore.NewClient(srv.URL, "key", vecstore.Options{Logger: logger, CacheDir: t.TempDir()})
	vecClient.SetPollSchedule(time.Millisecond, time.Millisecond,
		func(context.Context, time.Duration) error { return nil })

	var delays []time.Duration
	exec := retry.New(retry.DefaultPolicy(), logger)
	exec.SetSleep(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})

	runtime := obs.NewRuntime(logger, 1, 5, 25)
	est := estimator.New(testModel, nil, logger)
	if opts.Model == "" {
		opts.Model = testModel
	}

	p := New(st, llmClient, vecClient, "vs-test", est, exec, runtime, nil, opts)
	return &fixture{pipeline: p, store: st, stub: stub, delays: &delays}
}

// writePDF drops a small fake document into a temp dir.
func writePDF(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.7\n"+content), 0o644))
	return path
}

func TestHappyPath(t *testing.T) {
	stub := newProviderStub()
	f := newFixture(t, stub, Options{})
	path := writePDF(t, "invoice.pdf", "june invoice body")

	res := f.pipeline.Process(context.Background(), path)
	require.NoError(t, res.Err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	doc, err := f.store.GetByID(context.Background(), res.DocID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, doc.Status)
	require.NotNil(t, doc.VectorStoreFileID)
	assert.Equal(t, "vsf-1", *doc.VectorStoreFileID)
	require.NotNil(t, doc.LLMFileID)
	assert.Equal(t, "file-1", *doc.LLMFileID)

	// (2429-2331)*0.15/1e6 + 2331*0.075/1e6 + 500*0.60/1e6
	require.NotNil(t, doc.CostUSD)
	assert.InDelta(t, 0.000489525, *doc.CostUSD, 1e-9)
	assert.InDelta(t, 0.00045, *doc.CostUSD, 1e-4)

	require.NotNil(t, doc.DocType)
	assert.Equal(t, "invoice", *doc.DocType)
	require.NotNil(t, doc.PageCount)
	assert.Equal(t, int64(2), *doc.PageCount)
	require.NotNil(t, doc.CachedTokens)
	assert.Equal(t, int64(2331), *doc.CachedTokens)
	assert.False(t, doc.RequiresReview)
	assert.NotEmpty(t, doc.RawResponse)
}

func TestDuplicateSecondRun(t *testing.T) {
	stub := newProviderStub()
	f := newFixture(t, stub, Options{})
	path := writePDF(t, "invoice.pdf", "same bytes")

	first := f.pipeline.Process(context.Background(), path)
	require.Equal(t, OutcomeCompleted, first.Outcome)

	second := f.pipeline.Process(context.Background(), path)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.DocID, second.DocID)

	// No second extraction or upload happened.
	assert.Equal(t, 1, stub.extractCalls)
	assert.Equal(t, 1, stub.uploadCalls)

	count, err := f.store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count[store.StatusCompleted])
}

func TestTransientFailureRetries(t *testing.T) {
	stub := newProviderStub()
	stub.extractFailN = 3
	stub.extractStatus = http.StatusTooManyRequests
	f := newFixture(t, stub, Options{})
	path := writePDF(t, "retry.pdf", "retry body")

	res := f.pipeline.Process(context.Background(), path)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	// Three rate-limit failures, then success: four attempts with the
	// deterministic schedule 2s, 4s, 8s.
	assert.Equal(t, 4, stub.extractCalls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, *f.delays)
}

func TestPermanentFailureNoRetryNoOrphan(t *testing.T) {
	stub := newProviderStub()
	stub.extractFailN = 1000
	stub.extractStatus = http.StatusUnauthorized
	f := newFixture(t, stub, Options{})
	path := writePDF(t, "denied.pdf", "denied body")

	res := f.pipeline.Process(context.Background(), path)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Error(t, res.Err)

	// No retries for a 401, and compensation removed the upload.
	assert.Equal(t, 1, stub.extractCalls)
	assert.Empty(t, *f.delays)
	assert.Empty(t, stub.liveFiles())
	assert.Equal(t, []string{"file-1"}, stub.deletedFiles)

	// The failure is recorded on a row for review.
	doc, err := f.store.FindByHash(context.Background(), res.Digest.Hex)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, store.StatusFailed, doc.Status)
	assert.Nil(t, doc.LLMFileID)
}

func TestPersistFailureCompensates(t *testing.T) {
	stub := newProviderStub()
	f := newFixture(t, stub, Options{})
	path := writePDF(t, "boom.pdf", "boom body")

	// Simulate a commit-time storage failure for this filename only.
	_, err := f.store.DB().Exec(`
		CREATE TRIGGER fail_boom BEFORE INSERT ON documents
		WHEN NEW.original_filename = 'boom.pdf'
		BEGIN SELECT RAISE(ABORT, 'simulated storage failure'); END`)
	require.NoError(t, err)

	res := f.pipeline.Process(context.Background(), path)
	require.Equal(t, OutcomeFailed, res.Outcome)

	// The uploaded provider file was compensated away and no completed
	// row exists: no orphaned external resource on either side.
	assert.Empty(t, stub.liveFiles())
	counts, err := f.store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[store.StatusCompleted])
}

func TestVectorFailureIsNonFatal(t *testing.T) {
	stub := newProviderStub()
	stub.attachState = vecstore.FileStatusFailed
	f := newFixture(t, stub, Options{})
	path := writePDF(t, "vector.pdf", "vector body")

	res := f.pipeline.Process(context.Background(), path)
	assert.Equal(t, OutcomeVectorUploadFailed, res.Outcome)
	require.NotZero(t, res.DocID)

	doc, err := f.store.GetByID(context.Background(), res.DocID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusVectorUploadFailed, doc.Status)
	assert.Nil(t, doc.VectorStoreFileID)
	// Extraction results survive the demotion.
	require.NotNil(t, doc.DocType)
	assert.Equal(t, "invoice", *doc.DocType)
	require.NotNil(t, doc.CostUSD)
}

func TestCostCeilingStopsBeforeUpload(t *testing.T) {
	stub := newProviderStub()
	f := newFixture(t, stub, Options{CostCeilingUSD: 0.00000001})
	path := writePDF(t, "pricey.pdf", strings.Repeat("x", 4096))

	res := f.pipeline.Process(context.Background(), path)
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Zero(t, stub.uploadCalls)
	assert.Zero(t, stub.extractCalls)
}

func TestEmptyFileFails(t *testing.T) {
	stub := newProviderStub()
	f := newFixture(t, stub, Options{})
	path := filepath.Join(t.TempDir(), "empty.pdf")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	res := f.pipeline.Process(context.Background(), path)
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Zero(t, stub.uploadCalls)
}

func TestReprocessAfterFailureCompletes(t *testing.T) {
	stub := newProviderStub()
	stub.extractFailN = 1
	stub.extractStatus = http.StatusUnauthorized
	f := newFixture(t, stub, Options{})
	path := writePDF(t, "flaky.pdf", "flaky body")

	first := f.pipeline.Process(context.Background(), path)
	require.Equal(t, OutcomeFailed, first.Outcome)

	// The permanent condition cleared; reprocessing upgrades the failed
	// row in place instead of inserting a second one.
	second := f.pipeline.Process(context.Background(), path)
	require.Equal(t, OutcomeCompleted, second.Outcome)

	counts, err := f.store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[store.StatusCompleted])
	assert.Zero(t, counts[store.StatusFailed])
}

func TestBatchSummary(t *testing.T) {
	stub := newProviderStub()
	f := newFixture(t, stub, Options{})

	dir := t.TempDir()
	var paths []string
	for i := 0; i < 4; i++ {
		p := filepath.Join(dir, fmt.Sprintf("doc-%d.pdf", i))
		require.NoError(t, os.WriteFile(p, []byte(fmt.Sprintf("%%PDF-1.7 body %d", i)), 0o644))
		paths = append(paths, p)
	}
	// A duplicate of doc-0 under another name.
	dup := filepath.Join(dir, "copy.pdf")
	require.NoError(t, os.WriteFile(dup, []byte("%PDF-1.7 body 0"), 0o644))
	paths = append(paths, dup)

	var progressCalls int
	var mu sync.Mutex
	runner := NewRunner(f.pipeline, 1)
	summary := runner.ProcessBatch(context.Background(), paths, func(done, total int, _ string, _ Result) {
		mu.Lock()
		progressCalls++
		mu.Unlock()
	})

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 4, summary.Counts[OutcomeCompleted])
	assert.Equal(t, 1, summary.Counts[OutcomeDuplicate])
	assert.Equal(t, 5, progressCalls)
	assert.Greater(t, summary.CostUSD, 0.0)
}

func TestCancellationAbortsBetweenStages(t *testing.T) {
	stub := newProviderStub()
	f := newFixture(t, stub, Options{})
	path := writePDF(t, "cancel.pdf", "cancel body")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.pipeline.Process(ctx, path)
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Zero(t, stub.uploadCalls)
}
