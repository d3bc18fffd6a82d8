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

package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/pkg/fault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://:memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// testDoc builds a minimal valid pending row. The hash is derived from
// the seed so tests can mint distinct documents.
func testDoc(seed byte) *Document {
	hex := strings.Repeat(string([]byte{'a' + seed%6}), 64)
	return &Document{
		SHA256Hex:        hex,
		SHA256B64URL:     strings.Repeat("A", 43),
		OriginalFilename: "doc.pdf",
		FileSizeBytes:    1024,
		Status:           StatusPending,
	}
}

func ptr[T any](v T) *T { return &v }

func TestOpenMemoryMigrates(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.HealthCheck(context.Background()))

	counts, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestInsertAndFindByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.Insert(ctx, testDoc(0))
	require.NoError(t, err)
	require.NotZero(t, inserted.ID)
	require.False(t, inserted.CreatedAt.IsZero())

	found, err := s.FindByHash(ctx, inserted.SHA256Hex)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, inserted.ID, found.ID)
	require.Equal(t, StatusPending, found.Status)

	missing, err := s.FindByHash(ctx, strings.Repeat("f", 64))
	require.NoError(t, err)
	require.Nil(t, missing)
}

// A second live row with the same hash must be rejected by the partial
// unique index and surface as a duplicate-hash fault.
func TestInsertDuplicateHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, testDoc(0))
	require.NoError(t, err)

	_, err = s.Insert(ctx, testDoc(0))
	require.Error(t, err)
	require.True(t, fault.IsKind(err, fault.DuplicateHash), "got kind %s", fault.KindOf(err))
}

func TestInsertValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := testDoc(0)
	bad.SHA256Hex = "short"
	_, err := s.Insert(ctx, bad)
	require.True(t, fault.IsKind(err, fault.Validation))

	bad = testDoc(1)
	bad.FileSizeBytes = 0
	_, err = s.Insert(ctx, bad)
	require.True(t, fault.IsKind(err, fault.Validation))

	bad = testDoc(2)
	bad.PromptTokens = ptr(int64(100))
	bad.CachedTokens = ptr(int64(200))
	_, err = s.Insert(ctx, bad)
	require.True(t, fault.IsKind(err, fault.Validation))

	// Completed rows need the provider file id and a recorded cost.
	bad = testDoc(3)
	bad.Status = StatusCompleted
	_, err = s.Insert(ctx, bad)
	require.True(t, fault.IsKind(err, fault.Validation))
}

func TestUpdateRewritesLiveRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, err := s.Insert(ctx, testDoc(0))
	require.NoError(t, err)

	doc.Status = StatusCompleted
	doc.LLMFileID = ptr("file-abc")
	doc.CostUSD = ptr(0.000489525)
	doc.DocType = ptr("invoice")
	doc.Tags = StringList{"finance", "2026"}
	require.NoError(t, s.Update(ctx, doc))

	got, err := s.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, "file-abc", *got.LLMFileID)
	require.InDelta(t, 0.000489525, *got.CostUSD, 1e-12)
	require.Equal(t, StringList{"finance", "2026"}, got.Tags)
}

func TestSoftDeletedRowsAreImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, err := s.Insert(ctx, testDoc(0))
	require.NoError(t, err)
	require.NoError(t, s.SoftDelete(ctx, doc.ID))

	doc.OriginalFilename = "renamed.pdf"
	require.ErrorIs(t, s.Update(ctx, doc), ErrNotFound)
	require.ErrorIs(t, s.MarkFailed(ctx, doc.ID, StatusFailed, "late"), ErrNotFound)
	require.ErrorIs(t, s.SoftDelete(ctx, doc.ID), ErrNotFound)

	_, err = s.GetByID(ctx, doc.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

// Tombstoning frees the hash for a future ingest while the old row
// stays in the table.
func TestSoftDeleteFreesHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Insert(ctx, testDoc(0))
	require.NoError(t, err)
	require.NoError(t, s.SoftDelete(ctx, first.ID))

	second, err := s.Insert(ctx, testDoc(0))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	found, err := s.FindByHash(ctx, second.SHA256Hex)
	require.NoError(t, err)
	require.Equal(t, second.ID, found.ID)
}

func TestMarkFailedTruncatesMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, err := s.Insert(ctx, testDoc(0))
	require.NoError(t, err)

	long := strings.Repeat("x", MaxErrorMessageLen+500)
	require.NoError(t, s.MarkFailed(ctx, doc.ID, StatusFailed, long))

	got, err := s.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Len(t, *got.ErrorMessage, MaxErrorMessageLen)

	require.True(t, fault.IsKind(s.MarkFailed(ctx, doc.ID, Status("bogus"), "x"), fault.Validation))
}

func TestSetVectorFileIDAndFindByFileID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDoc(0)
	doc.LLMFileID = ptr("file-up-1")
	inserted, err := s.Insert(ctx, doc)
	require.NoError(t, err)

	require.NoError(t, s.SetVectorFileID(ctx, inserted.ID, "vsf-9"))

	byUpload, err := s.FindByFileID(ctx, "file-up-1")
	require.NoError(t, err)
	require.Equal(t, inserted.ID, byUpload.ID)

	byVector, err := s.FindByFileID(ctx, "vsf-9")
	require.NoError(t, err)
	require.Equal(t, inserted.ID, byVector.ID)

	none, err := s.FindByFileID(ctx, "file-unknown")
	require.NoError(t, err)
	require.Nil(t, none)

	require.ErrorIs(t, s.SetVectorFileID(ctx, 9999, "vsf-x"), ErrNotFound)
}

func TestCountByStatusAndTotalCost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, st := range []Status{StatusCompleted, StatusCompleted, StatusFailed, StatusDuplicate} {
		doc := testDoc(byte(i))
		doc.Status = st
		if st == StatusCompleted {
			doc.LLMFileID = ptr("file-ok")
			doc.CostUSD = ptr(0.0005)
		}
		_, err := s.Insert(ctx, doc)
		require.NoError(t, err)
	}

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[StatusCompleted])
	require.Equal(t, int64(1), counts[StatusFailed])
	require.Equal(t, int64(1), counts[StatusDuplicate])

	total, err := s.TotalCost(ctx)
	require.NoError(t, err)
	require.InDelta(t, 0.001, total, 1e-9)
}

func TestListByStatusMostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		doc, err := s.Insert(ctx, testDoc(byte(i)))
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}

	docs, err := s.ListByStatus(ctx, StatusPending, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, ids[2], docs[0].ID)
	require.Equal(t, ids[1], docs[1].ID)
}

func TestValidTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusDuplicate},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusVectorUploadFailed},
		{StatusFailed, StatusProcessing},
		{StatusVectorUploadFailed, StatusCompleted},
		{StatusCompleted, StatusCompleted},
	}
	for _, tc := range allowed {
		require.True(t, ValidTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	denied := [][2]Status{
		{StatusCompleted, StatusFailed},
		{StatusDuplicate, StatusProcessing},
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusPending},
	}
	for _, tc := range denied {
		require.False(t, ValidTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
}
