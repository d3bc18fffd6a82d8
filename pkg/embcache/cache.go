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

// Package embcache is a three-tier embedding cache: an in-process LRU, a
// durable SQLite table, and the remote embeddings API as last resort.
// Lookups probe the tiers in order; a remote result is written back
// through tiers 2 and 1 so the next lookup stays local.
package embcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/docmill/docmill/pkg/fault"
)

const component = "embcache"

// Defaults.
const (
	DefaultMemoryEntries = 1000
	DefaultTTL           = 30 * 24 * time.Hour
	DefaultBatchSize     = 100
	// DefaultSizeCapBytes bounds the durable tier before compaction.
	DefaultSizeCapBytes = 256 << 20
	// healthyHitRate is the overall hit-rate floor for "healthy".
	healthyHitRate = 0.80
)

// Embedder is the remote tier: one call embeds a batch of inputs.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, int, error)
}

// Options configure a Cache.
type Options struct {
	MemoryEntries int
	TTL           time.Duration
	BatchSize     int
	SizeCapBytes  int64
	Logger        *slog.Logger
}

// Stats are the exported cache counters.
type Stats struct {
	MemoryHits     int64   `json:"memory_hits"`
	PersistentHits int64   `json:"persistent_hits"`
	RemoteCalls    int64   `json:"remote_calls"`
	TotalRequests  int64   `json:"total_requests"`
	MemoryHitRate  float64 `json:"memory_hit_rate"`
	OverallHitRate float64 `json:"overall_hit_rate"`
	TokensTotal    int64   `json:"tokens_total"`
}

// HealthLevel grades the cache.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthCritical HealthLevel = "critical"
)

// Cache is the three-tier embedding cache. Safe for concurrent use: the
// LRU serializes both reads and writes (a read reorders), and the stats
// share one mutex.
type Cache struct {
	model     string
	memory    *lru.Cache[string, []float32]
	durable   *DurableTier
	remote    Embedder
	ttl       time.Duration
	batchSize int
	logger    *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New builds the cache. db access goes through the durable tier created
// by NewDurableTier; remote may be nil for offline tests, in which case
// misses fail.
func New(model string, durable *DurableTier, remote Embedder, opts Options) (*Cache, error) {
	if opts.MemoryEntries <= 0 {
		opts.MemoryEntries = DefaultMemoryEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.BatchSize <= 0 || opts.BatchSize > DefaultBatchSize {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	mem, err := lru.New[string, []float32](opts.MemoryEntries)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, component, "build memory tier", err)
	}
	if durable != nil {
		durable.ttl = opts.TTL
		if opts.SizeCapBytes > 0 {
			durable.sizeCap = opts.SizeCapBytes
		}
	}
	return &Cache{
		model:     model,
		memory:    mem,
		durable:   durable,
		remote:    remote,
		ttl:       opts.TTL,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
	}, nil
}

// Key derives the cache key: SHA-256 over model, a NUL separator, and the
// normalized text.
func Key(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeText(text)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText collapses whitespace runs, trims, and lowercases so
// trivially different renderings of the same content share an embedding.
func NormalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Get returns the embedding for text, probing memory, then the durable
// table, then the remote API.
func (c *Cache) Get(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.GetBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// GetBatch resolves embeddings for texts, answering whatever it can from
// the local tiers and batching the remainder into remote calls of at most
// the configured batch size. The result is index-aligned with texts.
func (c *Cache) GetBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		key := Key(c.model, text)
		if vec, ok := c.memory.Get(key); ok {
			c.count(func(s *Stats) { s.TotalRequests++; s.MemoryHits++ })
			out[i] = vec
			continue
		}
		if c.durable != nil {
			vec, ok, err := c.durable.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			if ok {
				c.count(func(s *Stats) { s.TotalRequests++; s.PersistentHits++ })
				c.memory.Add(key, vec)
				out[i] = vec
				continue
			}
		}
		c.count(func(s *Stats) { s.TotalRequests++ })
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missIdx) == 0 {
		return out, nil
	}
	if c.remote == nil {
		return nil, fault.Newf(fault.Internal, component, "%d embeddings missing and no remote tier configured", len(missIdx))
	}

	for start := 0; start < len(missTexts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		batch := missTexts[start:end]

		vecs, tokens, err := c.remote.Embed(ctx, c.model, batch)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, fault.Newf(fault.Permanent, component,
				"remote returned %d vectors for %d inputs", len(vecs), len(batch))
		}
		c.count(func(s *Stats) { s.RemoteCalls++; s.TokensTotal += int64(tokens) })

		for j, vec := range vecs {
			idx := missIdx[start+j]
			key := Key(c.model, texts[idx])
			// Write-through: durable first so a crash between the two
			// writes never leaves the durable tier behind the LRU.
			if c.durable != nil {
				if err := c.durable.Put(ctx, key, c.model, vec, tokens/len(batch)); err != nil {
					c.logger.Warn("embcache.durable.put_failed", "err", err)
				}
			}
			c.memory.Add(key, vec)
			out[idx] = vec
		}
	}
	return out, nil
}

// Sweep evicts expired rows and compacts the durable tier below its size
// cap. Invoked on demand from the monitor, not on a timer.
func (c *Cache) Sweep(ctx context.Context) error {
	if c.durable == nil {
		return nil
	}
	return c.durable.Sweep(ctx)
}

// Stats returns a snapshot with derived rates.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	if s.TotalRequests > 0 {
		s.MemoryHitRate = float64(s.MemoryHits) / float64(s.TotalRequests)
		s.OverallHitRate = float64(s.MemoryHits+s.PersistentHits) / float64(s.TotalRequests)
	}
	return s
}

// Health grades the cache: both thresholds breached is critical, one is
// warning. An idle cache is healthy.
func (c *Cache) Health(ctx context.Context) HealthLevel {
	s := c.Stats()
	lowHitRate := s.TotalRequests > 0 && s.OverallHitRate < healthyHitRate

	overCap := false
	if c.durable != nil {
		if size, err := c.durable.SizeBytes(ctx); err == nil {
			overCap = size > c.durable.sizeCap
		}
	}

	switch {
	case lowHitRate && overCap:
		return HealthCritical
	case lowHitRate || overCap:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

func (c *Cache) count(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}
