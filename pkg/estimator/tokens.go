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

package estimator

import (
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Message is one prompt message in a three-role conversation.
type Message struct {
	Role    string
	Content string
}

// Per-message framing overhead observed for chat-format prompts: three
// tokens wrap each message, three more prime the reply.
const (
	perMessageOverhead = 3
	replyPrimer        = 3
)

// TokenCounter counts tokens for a given text.
type TokenCounter interface {
	Count(text string) int
}

// encodingRule maps a model-id prefix to a tiktoken encoding name. Checked
// in order after the exact-match table.
type encodingRule struct {
	prefix   string
	encoding string
}

var exactEncodings = map[string]string{
	"gpt-4.1-mini":           "o200k_base",
	"gpt-4.1":                "o200k_base",
	"gpt-4o-mini":            "o200k_base",
	"gpt-4o":                 "o200k_base",
	"o4-mini":                "o200k_base",
	"text-embedding-3-small": "cl100k_base",
	"text-embedding-3-large": "cl100k_base",
}

var prefixEncodings = []encodingRule{
	{prefix: "gpt-4.1", encoding: "o200k_base"},
	{prefix: "gpt-4o", encoding: "o200k_base"},
	{prefix: "o4", encoding: "o200k_base"},
	{prefix: "gpt-4", encoding: "cl100k_base"},
	{prefix: "gpt-3.5", encoding: "cl100k_base"},
	{prefix: "text-embedding", encoding: "cl100k_base"},
}

const fallbackEncoding = "cl100k_base"

// tiktokenCounter counts with a resolved BPE encoding.
type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// approxCounter estimates ~4 characters per token. Used when the encoding
// dictionary cannot be loaded; estimates stay conservative rather than
// failing the pipeline.
type approxCounter struct{}

func (approxCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// encodingNameFor resolves the tiktoken encoding for a model id: exact
// table first, then prefix rules, then the fallback.
func encodingNameFor(model string) string {
	if name, ok := exactEncodings[model]; ok {
		return name
	}
	for _, r := range prefixEncodings {
		if strings.HasPrefix(model, r.prefix) {
			return r.encoding
		}
	}
	return fallbackEncoding
}

// NewTokenCounter builds a counter for the model. Unknown models use the
// fallback encoding; an unloadable encoding degrades to the character
// approximation with a single warning.
func NewTokenCounter(model string, logger *slog.Logger) TokenCounter {
	if logger == nil {
		logger = slog.Default()
	}
	name := encodingNameFor(model)
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		logger.Warn("estimator.encoding.unavailable", "model", model, "encoding", name, "err", err)
		return approxCounter{}
	}
	return &tiktokenCounter{enc: enc}
}

// CountMessages counts the tokens of a chat prompt including framing
// overhead.
func CountMessages(tc TokenCounter, msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + tc.Count(m.Content)
	}
	return total + replyPrimer
}
