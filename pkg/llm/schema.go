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

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SystemPrompt and DeveloperPrompt are pinned package-wide. Their bytes
// must stay identical across calls: the provider caches the stable prompt
// prefix and bills cached tokens at a discount, so any drift here costs
// real money.
const (
	SystemPrompt = "You are a document analysis engine. You receive one PDF document " +
		"and return its metadata as JSON conforming exactly to the provided schema. " +
		"Extract only what the document states; never invent values. Use null for " +
		"fields the document does not support."

	DeveloperPrompt = "Rules: dates use ISO 8601 (YYYY-MM-DD). Currency uses ISO 4217 " +
		"codes. confidence is your certainty in doc_type classification, 0 to 1. " +
		"ocr_excerpt is the first 500 characters of recognizable text. language is " +
		"the ISO 639-1 code of the dominant language. summary is at most three " +
		"sentences. action_items and deadlines list concrete obligations found in " +
		"the document; tags are lowercase topic keywords."

	// DefaultUserPrompt carries the per-document request next to the file
	// attachment.
	DefaultUserPrompt = "Extract the metadata of the attached document."
)

// Urgency levels the extraction may assign.
var urgencyLevels = map[string]bool{"low": true, "normal": true, "high": true, "critical": true}

// Quality grades the extraction may assign to itself.
var qualityGrades = map[string]bool{"high": true, "medium": true, "low": true}

// Metadata is the decoded structured-output payload.
type Metadata struct {
	DocType           string   `json:"doc_type"`
	DocSubtype        string   `json:"doc_subtype"`
	Confidence        float64  `json:"confidence"`
	Issuer            string   `json:"issuer"`
	Recipient         string   `json:"recipient"`
	PrimaryDate       string   `json:"primary_date"`
	SecondaryDate     string   `json:"secondary_date"`
	TotalAmount       *float64 `json:"total_amount"`
	Currency          string   `json:"currency"`
	Summary           string   `json:"summary"`
	ActionItems       []string `json:"action_items"`
	Deadlines         []string `json:"deadlines"`
	Urgency           string   `json:"urgency"`
	Tags              []string `json:"tags"`
	OCRExcerpt        string   `json:"ocr_excerpt"`
	Language          string   `json:"language"`
	PageCount         *int64   `json:"page_count"`
	ExtractionQuality string   `json:"extraction_quality"`
}

// defaultSchema is the strict structured-output schema for Metadata.
// Pinned here; callers may override per request when the provider schema
// evolves independently of a release.
var defaultSchema = []byte(`{
  "type": "object",
  "additionalProperties": false,
  "required": [
    "doc_type", "doc_subtype", "confidence", "issuer", "recipient",
    "primary_date", "secondary_date", "total_amount", "currency", "summary",
    "action_items", "deadlines", "urgency", "tags", "ocr_excerpt",
    "language", "page_count", "extraction_quality"
  ],
  "properties": {
    "doc_type": {"type": "string"},
    "doc_subtype": {"type": ["string", "null"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "issuer": {"type": ["string", "null"]},
    "recipient": {"type": ["string", "null"]},
    "primary_date": {"type": ["string", "null"]},
    "secondary_date": {"type": ["string", "null"]},
    "total_amount": {"type": ["number", "null"]},
    "currency": {"type": ["string", "null"]},
    "summary": {"type": "string"},
    "action_items": {"type": "array", "items": {"type": "string"}},
    "deadlines": {"type": "array", "items": {"type": "string"}},
    "urgency": {"type": "string", "enum": ["low", "normal", "high", "critical"]},
    "tags": {"type": "array", "items": {"type": "string"}},
    "ocr_excerpt": {"type": "string", "maxLength": 500},
    "language": {"type": ["string", "null"]},
    "page_count": {"type": ["integer", "null"]},
    "extraction_quality": {"type": "string", "enum": ["high", "medium", "low"]}
  }
}`)

// DefaultSchema returns a copy of the pinned extraction schema.
func DefaultSchema() json.RawMessage {
	out := make([]byte, len(defaultSchema))
	copy(out, defaultSchema)
	return out
}

// ParseMetadata decodes the structured-output text and validates it.
// Validation problems do not fail the call: they come back as a list for
// the document's validation_errors column, and the caller marks the row
// for review. Only undecodable JSON is an error.
func ParseMetadata(text string) (*Metadata, []string, error) {
	var md Metadata
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&md); err != nil {
		return nil, nil, fmt.Errorf("decode extraction payload: %w", err)
	}
	return &md, validateMetadata(&md), nil
}

// validateMetadata returns human-readable problems with an otherwise
// well-formed extraction.
func validateMetadata(md *Metadata) []string {
	var problems []string
	if strings.TrimSpace(md.DocType) == "" {
		problems = append(problems, "doc_type is empty")
	}
	if md.Confidence < 0 || md.Confidence > 1 {
		problems = append(problems, fmt.Sprintf("confidence %g outside [0,1]", md.Confidence))
	}
	if md.Urgency != "" && !urgencyLevels[md.Urgency] {
		problems = append(problems, fmt.Sprintf("unknown urgency %q", md.Urgency))
	}
	if md.ExtractionQuality != "" && !qualityGrades[md.ExtractionQuality] {
		problems = append(problems, fmt.Sprintf("unknown extraction_quality %q", md.ExtractionQuality))
	}
	if md.Currency != "" && len(md.Currency) != 3 {
		problems = append(problems, fmt.Sprintf("currency %q is not an ISO 4217 code", md.Currency))
	}
	if md.Language != "" && len(md.Language) != 2 {
		problems = append(problems, fmt.Sprintf("language %q is not an ISO 639-1 code", md.Language))
	}
	if len(md.OCRExcerpt) > 500 {
		problems = append(problems, fmt.Sprintf("ocr_excerpt length %d exceeds 500", len(md.OCRExcerpt)))
	}
	if md.PageCount != nil && *md.PageCount <= 0 {
		problems = append(problems, fmt.Sprintf("page_count %d is not positive", *md.PageCount))
	}
	for _, d := range md.PrimaryDates() {
		if d != "" && !isISODate(d) {
			problems = append(problems, fmt.Sprintf("date %q is not ISO 8601", d))
		}
	}
	return problems
}

// PrimaryDates lists the date-valued fields for validation.
func (md *Metadata) PrimaryDates() []string {
	return []string{md.PrimaryDate, md.SecondaryDate}
}

// isISODate accepts YYYY-MM-DD.
func isISODate(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	for i, r := range s {
		if i == 4 || i == 7 {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
