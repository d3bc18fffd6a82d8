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

package contenthash

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/bits"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// TestHashReaderChunkIndependence verifies the digest is a pure function of
// the bytes regardless of how they are chunked during streaming.
func TestHashReaderChunkIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, 3*DefaultChunkSize+12345)
	rng.Read(data)

	want, _, err := HashReader(bytes.NewReader(data), DefaultChunkSize)
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}

	for _, chunk := range []int{1, 7, 512, 4096, 1 << 16, len(data), len(data) * 2} {
		got, size, err := HashReader(bytes.NewReader(data), chunk)
		if err != nil {
			t.Fatalf("HashReader(chunk=%d): %v", chunk, err)
		}
		if size != int64(len(data)) {
			t.Errorf("chunk=%d: size = %d, want %d", chunk, size, len(data))
		}
		if got != want {
			t.Errorf("chunk=%d: digest %s differs from %s", chunk, got.Hex, want.Hex)
		}
	}
}

// TestHashBytesDistinct runs an empirical collision check over random pairs.
func TestHashBytesDistinct(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	seen := make(map[string]bool, 2000)
	for i := 0; i < 1000; i++ {
		a := make([]byte, 16+rng.Intn(256))
		b := make([]byte, 16+rng.Intn(256))
		rng.Read(a)
		rng.Read(b)
		if bytes.Equal(a, b) {
			continue
		}
		da, err := HashBytes(a)
		if err != nil {
			t.Fatalf("HashBytes(a): %v", err)
		}
		db, err := HashBytes(b)
		if err != nil {
			t.Fatalf("HashBytes(b): %v", err)
		}
		if da.Hex == db.Hex {
			t.Fatalf("collision on pair %d: %s", i, da.Hex)
		}
		seen[da.Hex] = true
		seen[db.Hex] = true
	}
	if len(seen) < 1000 {
		t.Errorf("expected ~2000 distinct digests, got %d", len(seen))
	}
}

// TestHashAvalanche flips a single input bit and requires a large share of
// the digest bits to change.
func TestHashAvalanche(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	data := make([]byte, 1024)
	rng.Read(data)

	base, err := HashBytes(data)
	if err != nil {
		t.Fatalf("HashBytes: %v", err)
	}
	baseSum, _ := hex.DecodeString(base.Hex)

	for trial := 0; trial < 50; trial++ {
		flipped := make([]byte, len(data))
		copy(flipped, data)
		bit := rng.Intn(len(data) * 8)
		flipped[bit/8] ^= 1 << (bit % 8)

		d, err := HashBytes(flipped)
		if err != nil {
			t.Fatalf("HashBytes(flipped): %v", err)
		}
		sum, _ := hex.DecodeString(d.Hex)

		diff := 0
		for i := range baseSum {
			diff += bits.OnesCount8(baseSum[i] ^ sum[i])
		}
		if diff < 85 {
			t.Errorf("trial %d: only %d/256 digest bits changed after one input bit flip", trial, diff)
		}
	}
}

// TestHashEncodings checks the shape of both encodings and that they encode
// the same digest.
func TestHashEncodings(t *testing.T) {
	d, err := HashBytes([]byte("docmill"))
	if err != nil {
		t.Fatalf("HashBytes: %v", err)
	}
	if len(d.Hex) != 64 {
		t.Errorf("hex length = %d, want 64", len(d.Hex))
	}
	if len(d.B64URL) != 44 {
		t.Errorf("base64url length = %d, want 44", len(d.B64URL))
	}
	for _, c := range d.Hex {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("hex digest contains %q", c)
		}
	}
}

// TestHashFile exercises the file path, including the empty-file error.
func TestHashFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "doc.pdf")
	content := []byte("%PDF-1.4 test content")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	d, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	fromBytes, _ := HashBytes(content)
	if d != fromBytes {
		t.Errorf("HashFile digest %s != HashBytes digest %s", d.Hex, fromBytes.Hex)
	}

	empty := filepath.Join(dir, "empty.pdf")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write empty fixture: %v", err)
	}
	if _, _, err := HashFile(empty); !errors.Is(err, ErrEmptyFile) {
		t.Errorf("HashFile(empty) err = %v, want ErrEmptyFile", err)
	}

	if _, _, err := HashFile(filepath.Join(dir, "missing.pdf")); err == nil {
		t.Error("HashFile(missing) succeeded, want error")
	}
}
