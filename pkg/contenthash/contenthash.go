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

// Package contenthash computes content-addressed digests for incoming
// documents. The digest is the dedup key for the whole pipeline, so both
// encodings are derived from a single SHA-256 pass.
package contenthash

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize is the read size used when streaming files from disk.
const DefaultChunkSize = 1 << 20 // 1 MiB

// ErrEmptyFile is returned when the input has zero bytes. Empty documents
// carry no content to deduplicate or extract.
var ErrEmptyFile = errors.New("file is empty")

// Digest holds two encodings of one SHA-256 digest. Hex is the 64-char
// lowercase form used as the unique key in the document store; B64URL is
// the 44-char URL-safe form used in external resource attributes.
type Digest struct {
	Hex    string
	B64URL string
}

// String returns the hex encoding.
func (d Digest) String() string { return d.Hex }

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool { return d.Hex == "" }

func digestFromSum(sum [sha256.Size]byte) Digest {
	return Digest{
		Hex:    hex.EncodeToString(sum[:]),
		B64URL: base64.URLEncoding.EncodeToString(sum[:]),
	}
}

// HashBytes hashes an in-memory buffer. Returns ErrEmptyFile for empty
// input.
func HashBytes(b []byte) (Digest, error) {
	if len(b) == 0 {
		return Digest{}, ErrEmptyFile
	}
	return digestFromSum(sha256.Sum256(b)), nil
}

// HashReader streams r through SHA-256 in chunkSize reads and returns the
// digest plus the total byte count. The digest is a pure function of the
// bytes: the chunk size never changes the result. A non-positive chunkSize
// falls back to DefaultChunkSize.
func HashReader(r io.Reader, chunkSize int) (Digest, int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	h := sha256.New()
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Digest{}, total, fmt.Errorf("read content: %w", err)
		}
	}
	if total == 0 {
		return Digest{}, 0, ErrEmptyFile
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return digestFromSum(sum), total, nil
}

// HashFile streams the file at path and returns its digest and size.
func HashFile(path string) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d, size, err := HashReader(f, DefaultChunkSize)
	if err != nil {
		if errors.Is(err, ErrEmptyFile) {
			return Digest{}, 0, fmt.Errorf("%s: %w", path, ErrEmptyFile)
		}
		return Digest{}, size, fmt.Errorf("hash %s: %w", path, err)
	}
	return d, size, nil
}
