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

package saga

import (
	"context"
	"fmt"
)

// FileDeleter removes an uploaded file from the LLM provider.
type FileDeleter interface {
	DeleteFile(ctx context.Context, fileID string) error
}

// VectorDetacher removes a file from a vector store.
type VectorDetacher interface {
	DetachFile(ctx context.Context, storeID, fileID string) error
}

// CleanupLLMUpload builds a compensation that deletes a provider file.
func CleanupLLMUpload(d FileDeleter, fileID string) Handler {
	return Handler{
		Name: fmt.Sprintf("cleanup_llm_upload(%s)", fileID),
		Fn: func(ctx context.Context) error {
			return d.DeleteFile(ctx, fileID)
		},
	}
}

// CleanupVectorFile builds a compensation that detaches a file from a
// vector store.
func CleanupVectorFile(d VectorDetacher, storeID, fileID string) Handler {
	return Handler{
		Name: fmt.Sprintf("cleanup_vector_store(%s,%s)", storeID, fileID),
		Fn: func(ctx context.Context) error {
			return d.DetachFile(ctx, storeID, fileID)
		},
	}
}

// CleanupMulti bundles several cleanups into one handler that runs them
// LIFO. The first failure is returned after all cleanups have run.
func CleanupMulti(name string, handlers ...Handler) Handler {
	return Handler{
		Name: name,
		Fn: func(ctx context.Context) error {
			var firstErr error
			for i := len(handlers) - 1; i >= 0; i-- {
				if handlers[i].Fn == nil {
					continue
				}
				if err := handlers[i].Fn(ctx); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", handlers[i].Name, err)
				}
			}
			return firstErr
		},
	}
}
