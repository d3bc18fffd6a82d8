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

package embcache

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docmill/docmill/pkg/fault"
)

// RemoteEmbedder is the third tier: the provider's embeddings endpoint.
type RemoteEmbedder struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewRemoteEmbedder builds the remote tier client. httpc may be nil.
func NewRemoteEmbedder(baseURL, apiKey string, httpc *http.Client) *RemoteEmbedder {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   httpc,
	}
}

// Embed requests embeddings for inputs in one call and returns the
// vectors in input order plus the billed token count.
func (r *RemoteEmbedder) Embed(ctx context.Context, model string, inputs []string) ([][]float32, int, error) {
	payload, err := json.Marshal(map[string]any{"model": model, "input": inputs})
	if err != nil {
		return nil, 0, fault.Wrap(fault.Internal, component, "encode embeddings request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fault.Wrap(fault.Internal, component, "build embeddings request", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, fault.Wrap(fault.Cancelled, component, "embeddings call", ctx.Err())
		}
		return nil, 0, fault.Wrap(fault.Transient, component, "embeddings call", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fault.Wrap(fault.Transient, component, "read embeddings response", err)
	}
	if kind := fault.FromHTTPStatus(resp.StatusCode); kind != "" {
		return nil, 0, fault.Newf(kind, component, "embeddings endpoint returned %d", resp.StatusCode).
			WithStatus(resp.StatusCode)
	}

	var decoded struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, 0, fault.Wrap(fault.Permanent, component, "decode embeddings response", err)
	}

	out := make([][]float32, len(inputs))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, 0, fault.Newf(fault.Permanent, component, "embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, vec := range out {
		if vec == nil {
			return nil, 0, fault.Newf(fault.Permanent, component, "no embedding returned for input %d", i)
		}
	}
	return out, decoded.Usage.TotalTokens, nil
}
