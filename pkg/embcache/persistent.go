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
	"database/sql"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/docmill/docmill/pkg/fault"
)

// DurableTier is the SQLite-backed second tier. It shares the document
// store's database file; the embedding_records table is created by the
// store migrations.
type DurableTier struct {
	db      *sqlx.DB
	ttl     time.Duration
	sizeCap int64
	now     func() time.Time
}

// NewDurableTier wraps an open database handle. TTL and size cap are
// stamped on by the Cache that owns the tier.
func NewDurableTier(db *sqlx.DB) *DurableTier {
	return &DurableTier{
		db:      db,
		ttl:     DefaultTTL,
		sizeCap: DefaultSizeCapBytes,
		now:     time.Now,
	}
}

// SetNow overrides the clock. Tests only.
func (d *DurableTier) SetNow(now func() time.Time) { d.now = now }

// Get loads a live embedding by key. An expired row reads as a miss;
// a hit refreshes last_accessed_at.
func (d *DurableTier) Get(ctx context.Context, key string) ([]float32, bool, error) {
	var row struct {
		Vector    []byte    `db:"vector"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := d.db.GetContext(ctx, &row,
		`SELECT vector, created_at FROM embedding_records WHERE cache_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fault.Wrap(fault.Internal, component, "read embedding record", err)
	}

	now := d.now().UTC()
	if now.Sub(row.CreatedAt) > d.ttl {
		// Lazy expiry; the sweep removes the row for good.
		return nil, false, nil
	}

	if _, err := d.db.ExecContext(ctx,
		`UPDATE embedding_records SET last_accessed_at = ? WHERE cache_key = ?`, now, key); err != nil {
		return nil, false, fault.Wrap(fault.Internal, component, "touch embedding record", err)
	}
	return decodeVector(row.Vector), true, nil
}

// Put upserts one embedding.
func (d *DurableTier) Put(ctx context.Context, key, model string, vec []float32, tokenCount int) error {
	now := d.now().UTC()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO embedding_records (cache_key, model, dimension, vector, token_count, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			token_count = excluded.token_count,
			last_accessed_at = excluded.last_accessed_at`,
		key, model, len(vec), encodeVector(vec), tokenCount, now, now)
	if err != nil {
		return fault.Wrap(fault.Internal, component, "write embedding record", err)
	}
	return nil
}

// Count returns the number of stored records.
func (d *DurableTier) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM embedding_records`); err != nil {
		return 0, fault.Wrap(fault.Internal, component, "count embedding records", err)
	}
	return n, nil
}

// SizeBytes approximates the tier footprint by summing vector blob sizes.
func (d *DurableTier) SizeBytes(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.GetContext(ctx, &n,
		`SELECT COALESCE(SUM(LENGTH(vector)), 0) FROM embedding_records`); err != nil {
		return 0, fault.Wrap(fault.Internal, component, "size embedding records", err)
	}
	return n, nil
}

// Sweep removes expired rows, then evicts by ascending last_accessed_at
// until the tier fits its size cap again.
func (d *DurableTier) Sweep(ctx context.Context) error {
	cutoff := d.now().UTC().Add(-d.ttl)
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM embedding_records WHERE created_at < ?`, cutoff); err != nil {
		return fault.Wrap(fault.Internal, component, "expire embedding records", err)
	}

	for {
		size, err := d.SizeBytes(ctx)
		if err != nil {
			return err
		}
		if size <= d.sizeCap {
			return nil
		}
		// Evict the coldest slice and re-measure.
		res, err := d.db.ExecContext(ctx, `
			DELETE FROM embedding_records WHERE cache_key IN (
				SELECT cache_key FROM embedding_records
				ORDER BY last_accessed_at ASC LIMIT 100
			)`)
		if err != nil {
			return fault.Wrap(fault.Internal, component, "compact embedding records", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
	}
}

// Vectors are stored as little-endian float32 blobs: fixed width, no
// JSON overhead, and loadable without reflection.

func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
