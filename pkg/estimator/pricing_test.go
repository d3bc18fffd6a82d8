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
	"math"
	"testing"
)

// TestParsePricing decodes a table and applies the cached-rate default.
func TestParsePricing(t *testing.T) {
	yaml := `
gpt-4.1-mini:
  input_per_M: 0.15
  cached_input_per_M: 0.075
  output_per_M: 0.60
  match: ["gpt-4.1-mini", "gpt-4.1-mini-*"]
house-model:
  input_per_M: 1.0
  output_per_M: 2.0
`
	p, err := ParsePricing([]byte(yaml))
	if err != nil {
		t.Fatalf("ParsePricing: %v", err)
	}

	price, ok := p.Resolve("gpt-4.1-mini")
	if !ok {
		t.Fatal("gpt-4.1-mini not resolved")
	}
	if price.InputPerM != 0.15 || price.CachedInputPerM != 0.075 || price.OutputPerM != 0.60 {
		t.Errorf("unexpected price %+v", price)
	}

	// cached_input_per_M omitted: defaults to half the input rate.
	price, ok = p.Resolve("house-model")
	if !ok {
		t.Fatal("house-model not resolved")
	}
	if math.Abs(price.CachedInputPerM-0.5) > 1e-12 {
		t.Errorf("cached default = %v, want 0.5", price.CachedInputPerM)
	}
}

// TestResolvePatterns covers exact, prefix and suffix matching order.
func TestResolvePatterns(t *testing.T) {
	p := &Pricing{}
	p.add("exact", Price{InputPerM: 1, OutputPerM: 1}, []string{"gpt-4.1-mini"})
	p.add("prefix", Price{InputPerM: 2, OutputPerM: 2}, []string{"gpt-4.1-*"})
	p.add("suffix", Price{InputPerM: 3, OutputPerM: 3}, []string{"*-preview"})

	price, ok := p.Resolve("gpt-4.1-mini")
	if !ok || price.InputPerM != 1 {
		t.Errorf("exact match lost to pattern: %+v ok=%v", price, ok)
	}

	price, ok = p.Resolve("gpt-4.1-2026-01-01")
	if !ok || price.InputPerM != 2 {
		t.Errorf("prefix match failed: %+v ok=%v", price, ok)
	}

	price, ok = p.Resolve("experimental-preview")
	if !ok || price.InputPerM != 3 {
		t.Errorf("suffix match failed: %+v ok=%v", price, ok)
	}

	if _, ok := p.Resolve("unrelated"); ok {
		t.Error("unrelated model should not resolve")
	}
}

// TestOverride checks that environment price overrides replace exact rules
// and outrank patterns.
func TestOverride(t *testing.T) {
	p := DefaultPricing()
	p.Override("gpt-4.1-mini", Price{InputPerM: 9.9, OutputPerM: 8.8})

	price, ok := p.Resolve("gpt-4.1-mini")
	if !ok {
		t.Fatal("override not resolvable")
	}
	if price.InputPerM != 9.9 || price.OutputPerM != 8.8 {
		t.Errorf("override not applied: %+v", price)
	}
	if math.Abs(price.CachedInputPerM-4.95) > 1e-12 {
		t.Errorf("override cached default = %v, want 4.95", price.CachedInputPerM)
	}
}

// TestParsePricingRejectsBadTables covers empty and negative-rate tables.
func TestParsePricingRejectsBadTables(t *testing.T) {
	if _, err := ParsePricing([]byte("")); err == nil {
		t.Error("empty table accepted")
	}
	if _, err := ParsePricing([]byte("m:\n  input_per_M: -1\n  output_per_M: 1\n")); err == nil {
		t.Error("negative rate accepted")
	}
	if _, err := ParsePricing([]byte("m:\n  input_per_M: 0\n  output_per_M: 0\n")); err == nil {
		t.Error("zero-rate entry accepted")
	}
}
