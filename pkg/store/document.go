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
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Status of a document row.
type Status string

const (
	StatusPending            Status = "pending"
	StatusProcessing         Status = "processing"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusDuplicate          Status = "duplicate"
	StatusVectorUploadFailed Status = "vector_upload_failed"
)

// knownStatuses guards against typos reaching the database.
var knownStatuses = map[Status]bool{
	StatusPending:            true,
	StatusProcessing:         true,
	StatusCompleted:          true,
	StatusFailed:             true,
	StatusDuplicate:          true,
	StatusVectorUploadFailed: true,
}

// Known reports whether s is a recognized status value.
func (s Status) Known() bool { return knownStatuses[s] }

// ValidTransition reports whether a row may move from one status to
// another. Terminal statuses only re-enter processing (reprocessing a
// previously failed document).
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed || to == StatusDuplicate
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed ||
			to == StatusDuplicate || to == StatusVectorUploadFailed
	case StatusFailed, StatusVectorUploadFailed:
		return to == StatusProcessing || to == StatusCompleted
	default:
		return false
	}
}

// MaxOCRExcerptLen bounds the stored text excerpt.
const MaxOCRExcerptLen = 500

// MaxErrorMessageLen bounds the recorded failure message.
const MaxErrorMessageLen = 1000

// StringList stores a JSON array of strings in a TEXT column.
type StringList []string

// Value implements driver.Valuer. A nil list encodes as "[]".
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("encode string list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// Document is the durable row for one ingested file. Pointer fields are
// nullable columns.
type Document struct {
	ID           int64  `db:"id"`
	SHA256Hex    string `db:"sha256_hex"`
	SHA256B64URL string `db:"sha256_b64url"`

	OriginalFilename string `db:"original_filename"`
	FileSizeBytes    int64  `db:"file_size_bytes"`
	PageCount        *int64 `db:"page_count"`

	DocType    *string  `db:"doc_type"`
	DocSubtype *string  `db:"doc_subtype"`
	Confidence *float64 `db:"confidence"`

	Issuer        *string    `db:"issuer"`
	Recipient     *string    `db:"recipient"`
	PrimaryDate   *string    `db:"primary_date"`
	SecondaryDate *string    `db:"secondary_date"`
	TotalAmount   *float64   `db:"total_amount"`
	Currency      *string    `db:"currency"`
	Summary       *string    `db:"summary"`
	ActionItems   StringList `db:"action_items"`
	Deadlines     StringList `db:"deadlines"`
	Urgency       *string    `db:"urgency"`
	Tags          StringList `db:"tags"`

	OCRExcerpt *string `db:"ocr_excerpt"`
	Language   *string `db:"language"`

	LLMFileID         *string `db:"llm_file_id"`
	VectorStoreFileID *string `db:"vector_store_file_id"`

	ProcessedAt      *time.Time `db:"processed_at"`
	DurationMs       *int64     `db:"duration_ms"`
	ModelUsed        *string    `db:"model_used"`
	PromptTokens     *int64     `db:"prompt_tokens"`
	CompletionTokens *int64     `db:"completion_tokens"`
	CachedTokens     *int64     `db:"cached_tokens"`
	CostUSD          *float64   `db:"cost_usd"`

	ExtractionQuality *string    `db:"extraction_quality"`
	ValidationErrors  StringList `db:"validation_errors"`
	RequiresReview    bool       `db:"requires_review"`

	RawResponse  types.JSONText `db:"raw_response"`
	ErrorMessage *string        `db:"error_message"`

	Status    Status     `db:"status"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
}

// Deleted reports whether the row is soft-deleted.
func (d *Document) Deleted() bool { return d.DeletedAt != nil }

// validate enforces the row invariants ahead of any write:
// size positive, known status, cached <= prompt, and a completed row
// carries both the provider file id and a cost.
func (d *Document) validate() error {
	if d.SHA256Hex == "" || len(d.SHA256Hex) != 64 {
		return fmt.Errorf("sha256_hex must be 64 chars, got %d", len(d.SHA256Hex))
	}
	if d.FileSizeBytes <= 0 {
		return fmt.Errorf("file_size_bytes must be positive, got %d", d.FileSizeBytes)
	}
	if d.PageCount != nil && *d.PageCount <= 0 {
		return fmt.Errorf("page_count must be positive or null, got %d", *d.PageCount)
	}
	if !d.Status.Known() {
		return fmt.Errorf("unknown status %q", d.Status)
	}
	if d.PromptTokens != nil && d.CachedTokens != nil && *d.CachedTokens > *d.PromptTokens {
		return fmt.Errorf("cached_tokens %d exceed prompt_tokens %d", *d.CachedTokens, *d.PromptTokens)
	}
	if d.Status == StatusCompleted {
		if d.LLMFileID == nil || *d.LLMFileID == "" {
			return fmt.Errorf("completed document requires llm_file_id")
		}
		if d.CostUSD == nil {
			return fmt.Errorf("completed document requires cost_usd")
		}
	}
	if d.OCRExcerpt != nil && len(*d.OCRExcerpt) > MaxOCRExcerptLen {
		trimmed := (*d.OCRExcerpt)[:MaxOCRExcerptLen]
		d.OCRExcerpt = &trimmed
	}
	return nil
}

// TruncateErrorMessage bounds msg to the stored limit.
func TruncateErrorMessage(msg string) string {
	if len(msg) > MaxErrorMessageLen {
		return msg[:MaxErrorMessageLen]
	}
	return msg
}
