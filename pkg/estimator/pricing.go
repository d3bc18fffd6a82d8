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
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Price holds per-million-token USD rates for one model family.
type Price struct {
	InputPerM       float64 `yaml:"input_per_M"`
	CachedInputPerM float64 `yaml:"cached_input_per_M"`
	OutputPerM      float64 `yaml:"output_per_M"`
}

// priceEntry is the on-disk shape of one pricing table entry.
type priceEntry struct {
	Price `yaml:",inline"`
	// Match lists the model ids this entry covers: exact ids, "prefix*"
	// patterns, or "*suffix" patterns. When empty the entry key itself is
	// the exact match.
	Match []string `yaml:"match"`
}

// rule is one resolved matching rule.
type rule struct {
	key     string
	pattern string
	price   Price
}

// Pricing resolves model ids to prices. Loaded once at startup; immutable
// afterwards except for explicit Override calls made during configuration.
type Pricing struct {
	rules []rule
}

// DefaultPricing returns the built-in table covering the supported model
// allow-list. Rates are USD per million tokens.
func DefaultPricing() *Pricing {
	p := &Pricing{}
	p.add("gpt-4.1-mini", Price{InputPerM: 0.15, CachedInputPerM: 0.075, OutputPerM: 0.60}, []string{"gpt-4.1-mini", "gpt-4.1-mini-*"})
	p.add("gpt-4.1", Price{InputPerM: 2.00, CachedInputPerM: 0.50, OutputPerM: 8.00}, []string{"gpt-4.1", "gpt-4.1-2*"})
	p.add("gpt-4o-mini", Price{InputPerM: 0.15, CachedInputPerM: 0.075, OutputPerM: 0.60}, []string{"gpt-4o-mini", "gpt-4o-mini-*"})
	p.add("gpt-4o", Price{InputPerM: 2.50, CachedInputPerM: 1.25, OutputPerM: 10.00}, []string{"gpt-4o", "gpt-4o-2*"})
	p.add("o4-mini", Price{InputPerM: 1.10, CachedInputPerM: 0.275, OutputPerM: 4.40}, []string{"o4-mini", "o4-mini-*"})
	p.add("text-embedding-3-small", Price{InputPerM: 0.02, CachedInputPerM: 0.01, OutputPerM: 0}, []string{"text-embedding-3-small"})
	p.add("text-embedding-3-large", Price{InputPerM: 0.13, CachedInputPerM: 0.065, OutputPerM: 0}, []string{"text-embedding-3-large"})
	return p
}

// LoadPricingFile reads a YAML pricing table. Entries missing
// cached_input_per_M default to half the input rate.
func LoadPricingFile(path string) (*Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", path, err)
	}
	p, err := ParsePricing(data)
	if err != nil {
		return nil, fmt.Errorf("parse pricing file %s: %w", path, err)
	}
	return p, nil
}

// ParsePricing decodes a YAML pricing table.
func ParsePricing(data []byte) (*Pricing, error) {
	var raw map[string]priceEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode pricing yaml: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("pricing table is empty")
	}

	// Sorted keys keep pattern resolution deterministic across loads.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := &Pricing{}
	for _, key := range keys {
		entry := raw[key]
		if entry.InputPerM < 0 || entry.OutputPerM < 0 || entry.CachedInputPerM < 0 {
			return nil, fmt.Errorf("pricing entry %q: negative rate", key)
		}
		if entry.InputPerM == 0 && entry.OutputPerM == 0 {
			return nil, fmt.Errorf("pricing entry %q: no rates set", key)
		}
		p.add(key, entry.Price, entry.Match)
	}
	return p, nil
}

func (p *Pricing) add(key string, price Price, match []string) {
	if price.CachedInputPerM == 0 && price.InputPerM > 0 {
		price.CachedInputPerM = price.InputPerM / 2
	}
	if len(match) == 0 {
		match = []string{key}
	}
	for _, m := range match {
		p.rules = append(p.rules, rule{key: key, pattern: m, price: price})
	}
}

// Override replaces (or installs) the rates for an exact model id. Used to
// apply environment price overrides onto the loaded table.
func (p *Pricing) Override(model string, price Price) {
	if price.CachedInputPerM == 0 && price.InputPerM > 0 {
		price.CachedInputPerM = price.InputPerM / 2
	}
	for i, r := range p.rules {
		if r.pattern == model {
			p.rules[i].price = price
			return
		}
	}
	// Exact overrides outrank later pattern matches.
	p.rules = append([]rule{{key: model, pattern: model, price: price}}, p.rules...)
}

// Resolve returns the price for a model id. Exact matches win over
// patterns; patterns are tried in table order.
func (p *Pricing) Resolve(model string) (Price, bool) {
	for _, r := range p.rules {
		if r.pattern == model {
			return r.price, true
		}
	}
	for _, r := range p.rules {
		if strings.HasSuffix(r.pattern, "*") && strings.HasPrefix(model, strings.TrimSuffix(r.pattern, "*")) {
			return r.price, true
		}
		if strings.HasPrefix(r.pattern, "*") && strings.HasSuffix(model, strings.TrimPrefix(r.pattern, "*")) {
			return r.price, true
		}
	}
	return Price{}, false
}
