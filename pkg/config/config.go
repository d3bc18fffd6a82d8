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

// Package config resolves the process configuration from the environment,
// optionally seeded from a .env file. Values are validated once at load
// and immutable afterwards; every component receives the parts it needs
// at construction.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/docmill/docmill/pkg/estimator"
)

// AllowedModels is the extraction model allow-list. Ids outside this list
// are rejected at load so a typo cannot silently route spend to an
// unpriced model.
var AllowedModels = []string{
	"gpt-4.1-mini",
	"gpt-4.1",
	"gpt-4o-mini",
	"gpt-4o",
	"o4-mini",
}

// PricingFileName is searched upward from the working directory.
const PricingFileName = "docmill.pricing.yaml"

// Config is the resolved, validated process configuration.
type Config struct {
	LLMAPIKey  string `validate:"required,min=20"`
	LLMModel   string `validate:"required"`
	LLMBaseURL string `validate:"required,url"`

	DBURL string `validate:"required"`

	APITimeoutSeconds int `validate:"min=30,max=600"`
	MaxRetries        int `validate:"min=1,max=10"`
	RateLimitRPM      int `validate:"min=1,max=500"`
	BatchSize         int `validate:"min=1,max=100"`

	// Per-million USD price overrides; zero means "use the table".
	PromptPricePerM float64 `validate:"min=0"`
	OutputPricePerM float64 `validate:"min=0"`
	CachedPricePerM float64 `validate:"min=0"`

	CostAlertT1 float64 `validate:"min=0"`
	CostAlertT2 float64 `validate:"min=0"`
	CostAlertT3 float64 `validate:"min=0"`

	LogLevel  string `validate:"oneof=debug info warning error"`
	LogFormat string `validate:"oneof=json text"`
	LogDir    string

	VectorStoreName    string  `validate:"required"`
	VectorCacheTTLDays int     `validate:"min=1"`
	SearchTopK         int     `validate:"min=1,max=100"`
	SearchThreshold    float64 `validate:"min=0,max=1"`

	EmbeddingModel     string `validate:"required"`
	EmbeddingDimension int    `validate:"min=1"`

	// Pricing is the resolved table: defaults, then the pricing file if
	// present, then env overrides for the selected model.
	Pricing *estimator.Pricing `validate:"-"`
}

// Load resolves configuration: .env file (best effort), then environment,
// then defaults, then validation. envFile may be empty to use "./.env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	// Missing .env is normal; the environment may already be populated.
	_ = godotenv.Load(envFile)

	cfg := &Config{
		LLMAPIKey:       os.Getenv("LLM_API_KEY"),
		LLMModel:        getEnv("LLM_MODEL", "gpt-4.1-mini"),
		LLMBaseURL:      getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		DBURL:           getEnv("DB_URL", "sqlite://docmill.db"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		LogDir:          getEnv("LOG_DIR", ""),
		VectorStoreName: getEnv("VECTOR_STORE_NAME", "docmill-library"),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
	}

	var err error
	if cfg.APITimeoutSeconds, err = getInt("API_TIMEOUT_SECONDS", 120); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = getInt("MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPM, err = getInt("RATE_LIMIT_RPM", 60); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getInt("BATCH_SIZE", 4); err != nil {
		return nil, err
	}
	if cfg.VectorCacheTTLDays, err = getInt("VECTOR_CACHE_TTL_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.SearchTopK, err = getInt("SEARCH_TOP_K", 10); err != nil {
		return nil, err
	}
	if cfg.EmbeddingDimension, err = getInt("EMBEDDING_DIMENSION", 1536); err != nil {
		return nil, err
	}
	if cfg.SearchThreshold, err = getFloat("SEARCH_THRESHOLD", 0); err != nil {
		return nil, err
	}
	if cfg.PromptPricePerM, err = getFloat("PROMPT_PRICE_PER_M", 0); err != nil {
		return nil, err
	}
	if cfg.OutputPricePerM, err = getFloat("OUTPUT_PRICE_PER_M", 0); err != nil {
		return nil, err
	}
	if cfg.CachedPricePerM, err = getFloat("CACHED_PRICE_PER_M", 0); err != nil {
		return nil, err
	}
	if cfg.CostAlertT1, err = getFloat("COST_ALERT_T1", 1); err != nil {
		return nil, err
	}
	if cfg.CostAlertT2, err = getFloat("COST_ALERT_T2", 5); err != nil {
		return nil, err
	}
	if cfg.CostAlertT3, err = getFloat("COST_ALERT_T3", 25); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.loadPricing(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks bounds, enums, the model allow-list, and threshold
// ordering.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s fails %q validation", envName(fe.StructField()), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}

	if !modelAllowed(c.LLMModel) {
		return fmt.Errorf("config: LLM_MODEL %q is not in the allow-list %v", c.LLMModel, AllowedModels)
	}
	if !(c.CostAlertT1 < c.CostAlertT2 && c.CostAlertT2 < c.CostAlertT3) {
		return fmt.Errorf("config: COST_ALERT thresholds must be strictly ascending, got %v < %v < %v",
			c.CostAlertT1, c.CostAlertT2, c.CostAlertT3)
	}
	return nil
}

// loadPricing builds the pricing table: defaults, pricing file if found
// walking up from the working directory, then env overrides applied to the
// selected extraction model.
func (c *Config) loadPricing() error {
	pricing := estimator.DefaultPricing()
	if path, ok := findUpward(PricingFileName); ok {
		loaded, err := estimator.LoadPricingFile(path)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		pricing = loaded
	}

	if c.PromptPricePerM > 0 || c.OutputPricePerM > 0 {
		price, _ := pricing.Resolve(c.LLMModel)
		if c.PromptPricePerM > 0 {
			price.InputPerM = c.PromptPricePerM
			price.CachedInputPerM = 0 // re-derived as half unless overridden
		}
		if c.OutputPricePerM > 0 {
			price.OutputPerM = c.OutputPricePerM
		}
		if c.CachedPricePerM > 0 {
			price.CachedInputPerM = c.CachedPricePerM
		}
		pricing.Override(c.LLMModel, price)
	} else if c.CachedPricePerM > 0 {
		price, _ := pricing.Resolve(c.LLMModel)
		price.CachedInputPerM = c.CachedPricePerM
		pricing.Override(c.LLMModel, price)
	}

	c.Pricing = pricing
	return nil
}

// String renders the configuration for display with the secret redacted.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "LLM_API_KEY=%s\n", redact(c.LLMAPIKey))
	fmt.Fprintf(&b, "LLM_MODEL=%s\n", c.LLMModel)
	fmt.Fprintf(&b, "LLM_BASE_URL=%s\n", c.LLMBaseURL)
	fmt.Fprintf(&b, "DB_URL=%s\n", c.DBURL)
	fmt.Fprintf(&b, "API_TIMEOUT_SECONDS=%d\n", c.APITimeoutSeconds)
	fmt.Fprintf(&b, "MAX_RETRIES=%d\n", c.MaxRetries)
	fmt.Fprintf(&b, "RATE_LIMIT_RPM=%d\n", c.RateLimitRPM)
	fmt.Fprintf(&b, "BATCH_SIZE=%d\n", c.BatchSize)
	fmt.Fprintf(&b, "COST_ALERT_T1=%g\nCOST_ALERT_T2=%g\nCOST_ALERT_T3=%g\n", c.CostAlertT1, c.CostAlertT2, c.CostAlertT3)
	fmt.Fprintf(&b, "LOG_LEVEL=%s\nLOG_FORMAT=%s\n", c.LogLevel, c.LogFormat)
	fmt.Fprintf(&b, "VECTOR_STORE_NAME=%s\n", c.VectorStoreName)
	fmt.Fprintf(&b, "VECTOR_CACHE_TTL_DAYS=%d\n", c.VectorCacheTTLDays)
	fmt.Fprintf(&b, "SEARCH_TOP_K=%d\nSEARCH_THRESHOLD=%g\n", c.SearchTopK, c.SearchThreshold)
	fmt.Fprintf(&b, "EMBEDDING_MODEL=%s\nEMBEDDING_DIMENSION=%d\n", c.EmbeddingModel, c.EmbeddingDimension)
	return b.String()
}

func redact(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func modelAllowed(model string) bool {
	for _, m := range AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, v)
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a number, got %q", key, v)
	}
	return f, nil
}

// envName maps a struct field back to its environment key for error text.
func envName(field string) string {
	known := map[string]string{
		"LLMAPIKey":          "LLM_API_KEY",
		"LLMModel":           "LLM_MODEL",
		"LLMBaseURL":         "LLM_BASE_URL",
		"DBURL":              "DB_URL",
		"APITimeoutSeconds":  "API_TIMEOUT_SECONDS",
		"MaxRetries":         "MAX_RETRIES",
		"RateLimitRPM":       "RATE_LIMIT_RPM",
		"BatchSize":          "BATCH_SIZE",
		"PromptPricePerM":    "PROMPT_PRICE_PER_M",
		"OutputPricePerM":    "OUTPUT_PRICE_PER_M",
		"CachedPricePerM":    "CACHED_PRICE_PER_M",
		"CostAlertT1":        "COST_ALERT_T1",
		"CostAlertT2":        "COST_ALERT_T2",
		"CostAlertT3":        "COST_ALERT_T3",
		"LogLevel":           "LOG_LEVEL",
		"LogFormat":          "LOG_FORMAT",
		"VectorStoreName":    "VECTOR_STORE_NAME",
		"VectorCacheTTLDays": "VECTOR_CACHE_TTL_DAYS",
		"SearchTopK":         "SEARCH_TOP_K",
		"SearchThreshold":    "SEARCH_THRESHOLD",
		"EmbeddingModel":     "EMBEDDING_MODEL",
		"EmbeddingDimension": "EMBEDDING_DIMENSION",
	}
	if name, ok := known[field]; ok {
		return name
	}
	return field
}

// findUpward searches for name in the working directory and its parents.
func findUpward(name string) (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
