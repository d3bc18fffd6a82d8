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

// Package vecstore is the typed client for the remote vector store: store
// creation, file attachment with poll-to-ready, hybrid semantic search,
// and detachment for compensation. Per-store metrics are kept in-process.
package vecstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docmill/docmill/pkg/fault"
)

const component = "vecstore"

// Attachment poll schedule: exponential from 1s, capped, bounded overall.
const (
	DefaultPollBase   = 1 * time.Second
	DefaultPollCap    = 10 * time.Second
	DefaultPollBudget = 5 * time.Minute
	pollMultiplier    = 1.5
	DefaultSearchTopK = 10
)

// StoreIDCacheFile caches the resolved store id next to the working
// directory so EnsureStore stays idempotent across runs.
const StoreIDCacheFile = ".docmill_vs_id"

// File attachment states reported by the remote store.
const (
	FileStatusQueued     = "queued"
	FileStatusInProgress = "in_progress"
	FileStatusCompleted  = "completed"
	FileStatusFailed     = "failed"
)

// Options configure a Client.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// APIVersion selects the endpoint revision; the search response shape
	// has shifted between provider versions. Default "v1".
	APIVersion string
	// CacheDir holds the store-id cache file. Default: working directory.
	CacheDir string
	// PollBudget bounds the total wait for one attachment. Zero means the
	// default.
	PollBudget time.Duration
}

// SearchResult is one hybrid-ranked hit.
type SearchResult struct {
	FileID  string  `json:"file_id"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Client talks to the remote vector store.
type Client struct {
	baseURL    string
	apiKey     string
	apiVersion string
	cacheDir   string
	pollBase   time.Duration
	pollCap    time.Duration
	pollBudget time.Duration
	httpc      *http.Client
	logger     *slog.Logger
	metrics    *Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient builds a vector store client.
func NewClient(baseURL, apiKey string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	version := opts.APIVersion
	if version == "" {
		version = "v1"
	}
	budget := opts.PollBudget
	if budget <= 0 {
		budget = DefaultPollBudget
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiVersion: version,
		cacheDir:   opts.CacheDir,
		pollBase:   DefaultPollBase,
		pollCap:    DefaultPollCap,
		pollBudget: budget,
		httpc:      httpc,
		logger:     logger,
		metrics:    &Metrics{},
		sleep:      sleepWithContext,
	}
}

// Metrics returns the per-store counters.
func (c *Client) Metrics() *Metrics { return c.metrics }

// SetPollSchedule overrides the poll timing. Tests only.
func (c *Client) SetPollSchedule(base, cap time.Duration, sleep func(context.Context, time.Duration) error) {
	if base > 0 {
		c.pollBase = base
	}
	if cap > 0 {
		c.pollCap = cap
	}
	if sleep != nil {
		c.sleep = sleep
	}
}

// EnsureStore resolves the id of the named store, creating it when
// absent. The id is cached on disk so repeated runs skip the listing.
func (c *Client) EnsureStore(ctx context.Context, name string, expiresAfterDays int) (string, error) {
	if id := c.readCachedID(); id != "" {
		return id, nil
	}

	var listed struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, "/vector_stores", nil, &listed); err != nil {
		return "", err
	}
	for _, s := range listed.Data {
		if s.Name == name {
			c.writeCachedID(s.ID)
			return s.ID, nil
		}
	}

	body := map[string]any{"name": name}
	if expiresAfterDays > 0 {
		body["expires_after"] = map[string]any{"anchor": "last_active_at", "days": expiresAfterDays}
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/vector_stores", body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fault.New(fault.Permanent, component, "create store response carries no id")
	}
	c.logger.Info("vecstore.created", "name", name, "store_id", created.ID)
	c.writeCachedID(created.ID)
	return created.ID, nil
}

// AttachFile registers an uploaded provider file with the store and polls
// until ingestion completes. The returned id identifies the store-file
// association, which compensation uses to detach.
func (c *Client) AttachFile(ctx context.Context, storeID, fileID string, sizeBytes int64) (string, error) {
	var attached struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err := c.call(ctx, http.MethodPost, "/vector_stores/"+storeID+"/files",
		map[string]any{"file_id": fileID}, &attached)
	if err != nil {
		c.metrics.uploadFailed()
		return "", err
	}
	if attached.ID == "" {
		c.metrics.uploadFailed()
		return "", fault.New(fault.Permanent, component, "attach response carries no id")
	}

	if err := c.waitForFile(ctx, storeID, attached.ID, attached.Status); err != nil {
		c.metrics.uploadFailed()
		return "", err
	}
	c.metrics.uploadOK(sizeBytes)
	c.logger.Debug("vecstore.attached", "store_id", storeID, "file_id", fileID, "vsf_id", attached.ID)
	return attached.ID, nil
}

// waitForFile polls the attachment until it reaches a terminal state or
// the poll budget runs out.
func (c *Client) waitForFile(ctx context.Context, storeID, vsfID, status string) error {
	deadline := time.Now().Add(c.pollBudget)
	delay := c.pollBase

	for {
		switch status {
		case FileStatusCompleted:
			return nil
		case FileStatusFailed:
			return fault.Newf(fault.Permanent, component, "ingestion failed for file %s", vsfID)
		case FileStatusQueued, FileStatusInProgress, "":
			// keep polling
		default:
			return fault.Newf(fault.Permanent, component, "unknown file status %q", status)
		}

		if time.Now().After(deadline) {
			return fault.Newf(fault.Transient, component, "file %s not ready within %s", vsfID, c.pollBudget)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return fault.Wrap(fault.Cancelled, component, "poll aborted", err)
		}
		delay = time.Duration(float64(delay) * pollMultiplier)
		if delay > c.pollCap {
			delay = c.pollCap
		}

		var polled struct {
			Status string `json:"status"`
		}
		if err := c.call(ctx, http.MethodGet, "/vector_stores/"+storeID+"/files/"+vsfID, nil, &polled); err != nil {
			return err
		}
		status = polled.Status
	}
}

// Search runs a hybrid semantic + keyword query. Results below threshold
// are dropped client-side.
func (c *Client) Search(ctx context.Context, storeID, query string, topK int, threshold float64) ([]SearchResult, error) {
	if topK <= 0 {
		topK = DefaultSearchTopK
	}
	start := time.Now()
	var resp struct {
		Data []SearchResult `json:"data"`
	}
	err := c.call(ctx, http.MethodPost, "/vector_stores/"+storeID+"/search",
		map[string]any{"query": query, "top_k": topK}, &resp)
	if err != nil {
		c.metrics.searchFailed()
		return nil, err
	}
	c.metrics.searchOK(time.Since(start))

	results := resp.Data[:0]
	for _, r := range resp.Data {
		if r.Score >= threshold {
			results = append(results, r)
		}
	}
	return results, nil
}

// DetachFile removes a file from the store. A 404 counts as success so
// compensation stays idempotent.
func (c *Client) DetachFile(ctx context.Context, storeID, fileID string) error {
	err := c.call(ctx, http.MethodDelete, "/vector_stores/"+storeID+"/files/"+fileID, nil, nil)
	if fe, ok := fault.As(err); ok && fe.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// call performs one JSON round trip against the versioned API.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fault.Wrap(fault.Internal, component, "encode request", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+c.apiVersion+path, reader)
	if err != nil {
		return fault.Wrap(fault.Internal, component, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fault.Wrap(fault.Cancelled, component, method+" "+path, ctx.Err())
		}
		return fault.Wrap(fault.Transient, component, method+" "+path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Wrap(fault.Transient, component, "read response body", err)
	}
	if kind := fault.FromHTTPStatus(resp.StatusCode); kind != "" {
		return fault.Newf(kind, component, "store returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(payload))).WithStatus(resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fault.Wrap(fault.Permanent, component, "decode response body", err)
		}
	}
	return nil
}

// readCachedID loads the cached store id; empty when missing or stale.
func (c *Client) readCachedID() string {
	data, err := os.ReadFile(c.cachePath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *Client) writeCachedID(id string) {
	// Best effort: a missing cache only costs one extra listing next run.
	_ = os.WriteFile(c.cachePath(), []byte(id+"\n"), 0o644)
}

func (c *Client) cachePath() string {
	if c.cacheDir == "" {
		return StoreIDCacheFile
	}
	return filepath.Join(c.cacheDir, StoreIDCacheFile)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
