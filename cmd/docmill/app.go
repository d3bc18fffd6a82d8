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

package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docmill/docmill/internal/errors"
	"github.com/docmill/docmill/pkg/config"
	"github.com/docmill/docmill/pkg/embcache"
	"github.com/docmill/docmill/pkg/estimator"
	"github.com/docmill/docmill/pkg/llm"
	"github.com/docmill/docmill/pkg/obs"
	"github.com/docmill/docmill/pkg/pipeline"
	"github.com/docmill/docmill/pkg/retry"
	"github.com/docmill/docmill/pkg/store"
	"github.com/docmill/docmill/pkg/vecstore"
)

// app bundles the wired components behind one construction path so every
// command sees the same stack.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	runtime *obs.Runtime
	store   *store.Store
	llm     *llm.Client
	vector  *vecstore.Client
	storeID string
	cache   *embcache.Cache
	est     *estimator.Estimator
	retry   *retry.Executor

	logCloser io.Closer
}

// newApp loads configuration and wires the full processing stack. When
// needVector is false the vector store is constructed but not resolved
// remotely, so offline commands keep working.
func newApp(ctx context.Context, envFile string, globals GlobalFlags, needVector bool) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, errors.NewConfigError(
			"Invalid configuration",
			err.Error(),
			"Check your .env file and environment; run 'docmill config validate' to see all values",
			err,
		)
	}

	a := &app{cfg: cfg}
	if err := a.buildLogger(globals); err != nil {
		return nil, err
	}
	a.runtime = obs.NewRuntime(a.logger, cfg.CostAlertT1, cfg.CostAlertT2, cfg.CostAlertT3)

	a.store, err = store.Open(cfg.DBURL, a.logger)
	if err != nil {
		return nil, errors.NewDatabaseError(
			"Cannot open document database",
			"The database at "+cfg.DBURL+" could not be opened or migrated",
			"Check DB_URL and that the directory is writable",
			err,
		)
	}

	timeout := time.Duration(cfg.APITimeoutSeconds) * time.Second
	httpc := &http.Client{Timeout: timeout}

	a.llm = llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, llm.Options{
		HTTPClient:    httpc,
		RatePerMinute: cfg.RateLimitRPM,
		Logger:        a.logger,
	})
	a.vector = vecstore.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, vecstore.Options{
		HTTPClient: httpc,
		Logger:     a.logger,
	})
	if needVector {
		a.storeID, err = a.vector.EnsureStore(ctx, cfg.VectorStoreName, cfg.VectorCacheTTLDays)
		if err != nil {
			return nil, errors.NewNetworkError(
				"Cannot resolve vector store",
				"The store named "+cfg.VectorStoreName+" could not be listed or created",
				"Check LLM_BASE_URL and LLM_API_KEY, then retry",
				err,
			)
		}
	}

	a.cache, err = embcache.New(cfg.EmbeddingModel,
		embcache.NewDurableTier(a.store.DB()),
		embcache.NewRemoteEmbedder(cfg.LLMBaseURL, cfg.LLMAPIKey, httpc),
		embcache.Options{
			TTL:    time.Duration(cfg.VectorCacheTTLDays) * 24 * time.Hour,
			Logger: a.logger,
		})
	if err != nil {
		return nil, err
	}

	a.est = estimator.New(cfg.LLMModel, cfg.Pricing, a.logger)
	a.retry = retry.New(retry.Policy{MaxAttempts: cfg.MaxRetries}, a.logger)
	return a, nil
}

// buildLogger routes structured logs to stderr, or to a rotating file
// under LOG_DIR when configured. Quiet mode raises the stderr threshold.
func (a *app) buildLogger(globals GlobalFlags) error {
	level := a.cfg.LogLevel
	if globals.Verbose >= 2 {
		level = "debug"
	} else if globals.Verbose == 1 && level != "debug" {
		level = "info"
	}
	if globals.Quiet && globals.Verbose == 0 {
		level = "error"
	}

	var w io.Writer = os.Stderr
	if a.cfg.LogDir != "" {
		rw, err := obs.NewRotatingWriter(
			filepath.Join(a.cfg.LogDir, "docmill.log"),
			obs.DefaultLogMaxBytes, obs.DefaultLogMaxFiles)
		if err != nil {
			return errors.NewPermissionError(
				"Cannot open log file",
				"LOG_DIR "+a.cfg.LogDir+" is not writable",
				"Create the directory or unset LOG_DIR to log to stderr",
				err,
			)
		}
		w = rw
		a.logCloser = rw
	}
	a.logger = obs.BuildLogger(level, a.cfg.LogFormat, w)
	return nil
}

// newPipeline builds the processing pipeline over the app's components.
func (a *app) newPipeline(opts pipeline.Options) *pipeline.Pipeline {
	if opts.Model == "" {
		opts.Model = a.cfg.LLMModel
	}
	if opts.AuditDir == "" {
		opts.AuditDir = a.cfg.LogDir
	}
	return pipeline.New(a.store, a.llm, a.vector, a.storeID,
		a.est, a.retry, a.runtime, a.cache, opts)
}

// findByVectorFile joins a search hit back to its local row. Best
// effort: a missing row just leaves the hit unannotated.
func (a *app) findByVectorFile(ctx context.Context, fileID string) (*store.Document, bool) {
	doc, err := a.store.FindByFileID(ctx, fileID)
	if err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

// close releases the database and flushes observability state.
func (a *app) close() {
	if a.runtime != nil {
		a.runtime.Shutdown()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// signalContext cancels on SIGINT or SIGTERM so in-flight documents roll
// back cleanly instead of being killed mid-saga.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
