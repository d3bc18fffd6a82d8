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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/pkg/store"
)

// fakeEmbedder returns deterministic vectors and records calls.
type fakeEmbedder struct {
	calls   int
	batches [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string, inputs []string) ([][]float32, int, error) {
	f.calls++
	f.batches = append(f.batches, inputs)
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		out[i] = []float32{float32(len(text)), 1, 2}
	}
	return out, 7 * len(inputs), nil
}

func newTestCache(t *testing.T, remote Embedder, opts Options) (*Cache, *DurableTier) {
	t.Helper()
	s, err := store.Open("sqlite://:memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tier := NewDurableTier(s.DB())
	c, err := New("text-embedding-3-small", tier, remote, opts)
	require.NoError(t, err)
	return c, tier
}

func TestKeyNormalization(t *testing.T) {
	a := Key("m", "Hello   World")
	b := Key("m", " hello world ")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Key("other-model", "Hello World"))
	assert.Len(t, a, 64)
}

func TestTierPromotion(t *testing.T) {
	ctx := context.Background()
	remote := &fakeEmbedder{}
	c, tier := newTestCache(t, remote, Options{})

	// First lookup misses everything and calls the remote tier.
	vec, err := c.Get(ctx, "invoice from acme")
	require.NoError(t, err)
	require.NotEmpty(t, vec)
	assert.Equal(t, 1, remote.calls)

	// Second lookup is a memory hit.
	_, err = c.Get(ctx, "invoice from acme")
	require.NoError(t, err)
	assert.Equal(t, 1, remote.calls)

	// With a fresh memory tier the durable table still answers.
	c2, err := New("text-embedding-3-small", tier, remote, Options{})
	require.NoError(t, err)
	_, err = c2.Get(ctx, "invoice from acme")
	require.NoError(t, err)
	assert.Equal(t, 1, remote.calls)
	assert.Equal(t, int64(1), c2.Stats().PersistentHits)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.RemoteCalls)
	assert.Equal(t, int64(2), stats.TotalRequests)
}

func TestBatchSplitsRemoteCalls(t *testing.T) {
	remote := &fakeEmbedder{}
	c, _ := newTestCache(t, remote, Options{BatchSize: 2})

	texts := []string{"one", "two", "three", "four", "five"}
	vecs, err := c.GetBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for _, v := range vecs {
		assert.NotEmpty(t, v)
	}
	// 5 misses at batch size 2: calls of 2, 2, 1.
	assert.Equal(t, 3, remote.calls)
	assert.Len(t, remote.batches[0], 2)
	assert.Len(t, remote.batches[2], 1)
}

func TestTTLExpiryReadsAsMiss(t *testing.T) {
	ctx := context.Background()
	remote := &fakeEmbedder{}
	c, tier := newTestCache(t, remote, Options{TTL: 24 * time.Hour})

	_, err := c.Get(ctx, "stale text")
	require.NoError(t, err)
	require.Equal(t, 1, remote.calls)

	// Age the clock past the TTL; a fresh memory tier must fall through
	// the durable tier to the remote again.
	tier.SetNow(func() time.Time { return time.Now().Add(48 * time.Hour) })
	c2, err := New("text-embedding-3-small", tier, remote, Options{TTL: 24 * time.Hour})
	require.NoError(t, err)
	_, err = c2.Get(ctx, "stale text")
	require.NoError(t, err)
	assert.Equal(t, 2, remote.calls)
}

func TestSweepExpiresAndCompacts(t *testing.T) {
	ctx := context.Background()
	remote := &fakeEmbedder{}
	c, tier := newTestCache(t, remote, Options{TTL: 24 * time.Hour})

	_, err := c.GetBatch(ctx, []string{"aaa", "bbb", "ccc"})
	require.NoError(t, err)
	n, err := tier.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	tier.SetNow(func() time.Time { return time.Now().Add(48 * time.Hour) })
	require.NoError(t, c.Sweep(ctx))

	n, err = tier.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepSizeCompaction(t *testing.T) {
	ctx := context.Background()
	remote := &fakeEmbedder{}
	// Cap of 16 bytes holds one 3-float vector (12 bytes) but not two.
	c, tier := newTestCache(t, remote, Options{SizeCapBytes: 16})

	_, err := c.GetBatch(ctx, []string{"first", "second"})
	require.NoError(t, err)

	require.NoError(t, c.Sweep(ctx))
	size, err := tier.SizeBytes(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, size, int64(16))
}

func TestStatsAndHealth(t *testing.T) {
	ctx := context.Background()
	remote := &fakeEmbedder{}
	c, _ := newTestCache(t, remote, Options{})

	// All misses: hit rate 0 means warning.
	_, err := c.GetBatch(ctx, []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, HealthWarning, c.Health(ctx))

	// Re-reading the same texts drives the hit rate above the floor.
	for i := 0; i < 5; i++ {
		_, err = c.GetBatch(ctx, []string{"x", "y", "z"})
		require.NoError(t, err)
	}
	stats := c.Stats()
	assert.Greater(t, stats.OverallHitRate, 0.8)
	assert.Equal(t, HealthHealthy, c.Health(ctx))
	assert.Equal(t, int64(21), stats.TokensTotal)
}

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out := decodeVector(encodeVector(in))
	assert.Equal(t, in, out)
}
