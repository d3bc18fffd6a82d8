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

package vecstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/pkg/fault"
)

// noSleep replaces real waits during attachment polling.
func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "key", Options{CacheDir: t.TempDir()})
	c.SetPollSchedule(time.Millisecond, time.Millisecond, noSleep)
	return c, srv
}

func TestEnsureStoreFindsExisting(t *testing.T) {
	created := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/vector_stores":
			fmt.Fprint(w, `{"data": [{"id": "vs-1", "name": "docmill-library"}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/vector_stores":
			created++
			fmt.Fprint(w, `{"id": "vs-new"}`)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	id, err := c.EnsureStore(context.Background(), "docmill-library", 0)
	require.NoError(t, err)
	assert.Equal(t, "vs-1", id)
	assert.Zero(t, created)

	// Second resolution comes from the cache file, no further listing.
	id2, err := c.EnsureStore(context.Background(), "docmill-library", 0)
	require.NoError(t, err)
	assert.Equal(t, "vs-1", id2)
}

func TestEnsureStoreCreatesWhenAbsent(t *testing.T) {
	var createBody map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{"data": []}`)
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&createBody))
			fmt.Fprint(w, `{"id": "vs-new"}`)
		}
	}))

	id, err := c.EnsureStore(context.Background(), "docmill-library", 14)
	require.NoError(t, err)
	assert.Equal(t, "vs-new", id)
	assert.Equal(t, "docmill-library", createBody["name"])
	require.Contains(t, createBody, "expires_after")
}

func TestAttachFilePollsToCompleted(t *testing.T) {
	polls := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			fmt.Fprint(w, `{"id": "vsf-1", "status": "queued"}`)
		case r.Method == http.MethodGet:
			polls++
			status := FileStatusInProgress
			if polls >= 2 {
				status = FileStatusCompleted
			}
			fmt.Fprintf(w, `{"status": %q}`, status)
		}
	}))

	vsfID, err := c.AttachFile(context.Background(), "vs-1", "file-abc", 2048)
	require.NoError(t, err)
	assert.Equal(t, "vsf-1", vsfID)
	assert.Equal(t, 2, polls)

	snap := c.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.UploadsOK)
	assert.Equal(t, int64(2048), snap.BytesUploaded)
	assert.Equal(t, 1.0, snap.UploadSuccessRate)
}

func TestAttachFileFailedState(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"id": "vsf-1", "status": "queued"}`)
			return
		}
		fmt.Fprint(w, `{"status": "failed"}`)
	}))

	_, err := c.AttachFile(context.Background(), "vs-1", "file-abc", 100)
	require.Error(t, err)
	assert.Equal(t, fault.Permanent, fault.KindOf(err))
	assert.Equal(t, int64(1), c.Metrics().Snapshot().UploadsFailed)
}

func TestSearchFiltersByThreshold(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/vector_stores/vs-1/search", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(5), body["top_k"])
		fmt.Fprint(w, `{"data": [
			{"file_id": "f1", "score": 0.9, "snippet": "alpha"},
			{"file_id": "f2", "score": 0.4, "snippet": "beta"}
		]}`)
	}))

	results, err := c.Search(context.Background(), "vs-1", "alpha", 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "f1", results[0].FileID)
	assert.Equal(t, int64(1), c.Metrics().Snapshot().SearchCount)
}

func TestDetachFileToleratesMissing(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	require.NoError(t, c.DetachFile(context.Background(), "vs-1", "file-gone"))
}

func TestEstimatedDailyCost(t *testing.T) {
	m := &Metrics{}
	assert.Zero(t, m.EstimatedDailyCost())

	// 3 GiB stored: 2 GiB over the free tier at $0.10/GB/day.
	m.uploadOK(3 << 30)
	assert.InDelta(t, 0.20, m.EstimatedDailyCost(), 1e-9)
}
