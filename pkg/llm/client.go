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

// Package llm is the typed client for the LLM provider: file upload,
// structured-output metadata extraction, and file deletion. All remote
// calls pass through a shared circuit breaker and a client-side request
// rate limiter; error responses are mapped onto the pkg/fault taxonomy so
// the retry executor can classify them without inspecting HTTP details.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/docmill/docmill/pkg/estimator"
	"github.com/docmill/docmill/pkg/fault"
)

const component = "llm"

// Circuit breaker defaults: trip after 10 consecutive failures, probe
// again after 60 seconds.
const (
	DefaultFailureThreshold = 10
	DefaultCooldown         = 60 * time.Second
)

// Options configure a Client beyond the required fields.
type Options struct {
	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Zero means the default.
	FailureThreshold uint32
	// Cooldown is the open-state duration before a half-open probe. Zero
	// means the default.
	Cooldown time.Duration
	// RatePerMinute bounds outbound request frequency. Zero disables the
	// client-side limiter.
	RatePerMinute int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Client talks to the provider's files and responses endpoints.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rateLimiter
	logger  *slog.Logger
}

// NewClient builds a client for the provider at baseURL.
func NewClient(baseURL, apiKey string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	threshold := opts.FailureThreshold
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	cooldown := opts.Cooldown
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   httpc,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm.breaker.transition", "from", from.String(), "to", to.String())
		},
	})
	if opts.RatePerMinute > 0 {
		c.limiter = newRateLimiter(opts.RatePerMinute)
	}
	return c
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// Usage is the provider token accounting for one extraction.
type Usage = estimator.Usage

// Extraction is a parsed structured-output response.
type Extraction struct {
	// Text is the structured-output payload: the first content item of the
	// first output message.
	Text string
	// Usage carries prompt, output, and provider-cached token counts.
	Usage Usage
	// Raw is the full response body for the document's raw_response column.
	Raw json.RawMessage
}

// ExtractRequest describes one structured-output call. System and
// Developer default to the pinned package prompts when empty; keeping
// their bytes identical across calls maximizes provider-side prompt
// caching.
type ExtractRequest struct {
	Model     string
	System    string
	Developer string
	User      string
	FileID    string
	Schema    json.RawMessage
}

// Upload stores a file with the provider and returns its id. The
// idempotency token makes a retried upload resolve to the same resource
// server-side; an empty token gets a fresh one.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader, purpose, idempotencyToken string) (string, error) {
	if idempotencyToken == "" {
		idempotencyToken = uuid.NewString()
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", purpose); err != nil {
		return "", fault.Wrap(fault.Internal, component, "encode upload form", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fault.Wrap(fault.Internal, component, "encode upload form", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fault.Wrap(fault.Internal, component, "buffer upload body", err)
	}
	if err := mw.Close(); err != nil {
		return "", fault.Wrap(fault.Internal, component, "finalize upload form", err)
	}

	var out struct {
		ID string `json:"id"`
	}
	headers := map[string]string{
		"Content-Type":    mw.FormDataContentType(),
		"Idempotency-Key": idempotencyToken,
	}
	if err := c.call(ctx, http.MethodPost, "/files", body.Bytes(), headers, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fault.New(fault.Permanent, component, "upload response carries no file id")
	}
	c.logger.Debug("llm.upload", "file", filename, "file_id", out.ID)
	return out.ID, nil
}

// DeleteFile removes an uploaded file. Used directly and as a saga
// compensation. A 404 counts as success: the resource is already gone.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	err := c.call(ctx, http.MethodDelete, "/files/"+fileID, nil, nil, nil)
	if fe, ok := fault.As(err); ok && fe.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// Extract runs a structured-output call against the responses endpoint.
func (c *Client) Extract(ctx context.Context, req ExtractRequest) (*Extraction, error) {
	if req.System == "" {
		req.System = SystemPrompt
	}
	if req.Developer == "" {
		req.Developer = DeveloperPrompt
	}
	if len(req.Schema) == 0 {
		req.Schema = DefaultSchema()
	}

	payload, err := json.Marshal(buildResponsesRequest(req))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, component, "encode extract request", err)
	}

	var raw json.RawMessage
	if err := c.call(ctx, http.MethodPost, "/responses", payload, nil, &raw); err != nil {
		return nil, err
	}
	return parseExtraction(raw)
}

// responses wire shapes, per the provider contract.

type contentPart struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

type inputMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type responsesRequest struct {
	Model string         `json:"model"`
	Input []inputMessage `json:"input"`
	Text  struct {
		Format struct {
			Type   string          `json:"type"`
			Name   string          `json:"name"`
			Schema json.RawMessage `json:"schema"`
			Strict bool            `json:"strict"`
		} `json:"format"`
	} `json:"text"`
}

func buildResponsesRequest(req ExtractRequest) responsesRequest {
	out := responsesRequest{
		Model: req.Model,
		Input: []inputMessage{
			{Role: "system", Content: []contentPart{{Type: "input_text", Text: req.System}}},
			{Role: "developer", Content: []contentPart{{Type: "input_text", Text: req.Developer}}},
			{Role: "user", Content: []contentPart{
				{Type: "input_file", FileID: req.FileID},
				{Type: "input_text", Text: req.User},
			}},
		},
	}
	out.Text.Format.Type = "json_schema"
	out.Text.Format.Name = "document_metadata"
	out.Text.Format.Schema = req.Schema
	out.Text.Format.Strict = true
	return out
}

// parseExtraction pulls the structured text and the usage block out of a
// raw responses-endpoint body.
func parseExtraction(raw json.RawMessage) (*Extraction, error) {
	var resp struct {
		Output []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			PromptTokens        int `json:"prompt_tokens"`
			OutputTokens        int `json:"output_tokens"`
			PromptTokensDetails struct {
				CachedTokens int `json:"cached_tokens"`
			} `json:"prompt_tokens_details"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(fault.Permanent, component, "decode extract response", err)
	}
	if len(resp.Output) == 0 || len(resp.Output[0].Content) == 0 {
		return nil, fault.New(fault.Permanent, component, "extract response carries no output content")
	}
	return &Extraction{
		Text: resp.Output[0].Content[0].Text,
		Usage: Usage{
			PromptTokens: resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CachedTokens: resp.Usage.PromptTokensDetails.CachedTokens,
		},
		Raw: raw,
	}, nil
}

// call performs one HTTP round trip through the rate limiter and the
// circuit breaker and decodes a JSON response into out (when non-nil).
func (c *Client) call(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fault.Wrap(fault.Cancelled, component, "rate limiter wait aborted", err)
		}
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.roundTrip(ctx, method, path, body, headers)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fault.Wrap(fault.CircuitOpen, component, "circuit breaker open", err)
		}
		return err
	}

	if out != nil {
		if err := json.Unmarshal(result.([]byte), out); err != nil {
			return fault.Wrap(fault.Permanent, component, "decode response body", err)
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, component, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil && headers["Content-Type"] == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Cancelled, component, method+" "+path, ctx.Err())
		}
		return nil, fault.Wrap(fault.Transient, component, method+" "+path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, component, "read response body", err)
	}
	if kind := fault.FromHTTPStatus(resp.StatusCode); kind != "" {
		return nil, remoteError(kind, resp.StatusCode, payload)
	}
	return payload, nil
}

// remoteError builds a classified error from a non-2xx provider response.
func remoteError(kind fault.Kind, status int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := http.StatusText(status)
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	return fault.Newf(kind, component, "provider returned %d: %s", status, msg).WithStatus(status)
}

// rateLimiter spaces requests so at most rpm leave per minute. Simpler
// than a token bucket: extraction calls are long relative to the interval,
// so pacing is all the provider quota needs.
type rateLimiter struct {
	interval time.Duration
	next     chan time.Time
}

func newRateLimiter(rpm int) *rateLimiter {
	l := &rateLimiter{
		interval: time.Minute / time.Duration(rpm),
		next:     make(chan time.Time, 1),
	}
	l.next <- time.Time{}
	return l
}

// Wait blocks until the next request slot or ctx cancellation.
func (l *rateLimiter) Wait(ctx context.Context) error {
	select {
	case at := <-l.next:
		defer func() { l.next <- time.Now().Add(l.interval) }()
		if wait := time.Until(at); wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
