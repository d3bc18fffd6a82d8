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

// Package store persists document rows in SQLite behind a small typed
// API. Uniqueness of the content hash is enforced by a partial unique
// index over live rows, so the database itself rejects duplicate
// ingests no matter how races interleave.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/docmill/docmill/pkg/fault"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const component = "store"

// ErrNotFound reports that no live row matched the lookup.
var ErrNotFound = errors.New("store: document not found")

// Store wraps the SQLite handle and its prepared semantics.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the database named by dbURL, creates parent
// directories for file-backed paths, applies pending migrations and
// returns the ready store. Supported forms: "sqlite:///abs/path.db",
// "sqlite://relative.db", ":memory:", or a bare filesystem path.
func Open(dbURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn, memory, err := buildDSN(dbURL)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, component, "open database", err)
	}
	if memory {
		// Every new connection to :memory: is a fresh database, so the
		// pool must stay at a single connection.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("store.open", "url", dbURL, "memory", memory)
	return s, nil
}

func buildDSN(dbURL string) (dsn string, memory bool, err error) {
	path := strings.TrimPrefix(dbURL, "sqlite://")
	if path == "" {
		return "", false, fault.New(fault.Validation, component, "database URL is empty")
	}
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		return ":memory:?_busy_timeout=5000&_foreign_keys=on&_loc=UTC", true, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", false, fault.Wrap(fault.Internal, component, "create database directory", err)
		}
	}
	return "file:" + path + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_loc=UTC", false, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fault.Wrap(fault.Internal, component, "set migration dialect", err)
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return fault.Wrap(fault.Internal, component, "apply migrations", err)
	}
	return nil
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for components that share the database
// file, such as the embedding cache.
func (s *Store) DB() *sqlx.DB { return s.db }

// BeginTxx starts a transaction for multi-statement persist scopes.
func (s *Store) BeginTxx(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, component, "begin transaction", err)
	}
	return tx, nil
}

// SetNow overrides the clock. Tests only.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// HealthCheck verifies the database answers queries.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.GetContext(ctx, &one, `SELECT 1`); err != nil {
		return fault.Wrap(fault.Internal, component, "health check", err)
	}
	return nil
}

const insertDocumentSQL = `
INSERT INTO documents (
    sha256_hex, sha256_b64url, original_filename, file_size_bytes, page_count,
    doc_type, doc_subtype, confidence, issuer, recipient,
    primary_date, secondary_date, total_amount, currency, summary,
    action_items, deadlines, urgency, tags, ocr_excerpt, language,
    llm_file_id, vector_store_file_id, processed_at, duration_ms, model_used,
    prompt_tokens, completion_tokens, cached_tokens, cost_usd,
    extraction_quality, validation_errors, requires_review, raw_response,
    error_message, status, created_at, updated_at, deleted_at
) VALUES (
    :sha256_hex, :sha256_b64url, :original_filename, :file_size_bytes, :page_count,
    :doc_type, :doc_subtype, :confidence, :issuer, :recipient,
    :primary_date, :secondary_date, :total_amount, :currency, :summary,
    :action_items, :deadlines, :urgency, :tags, :ocr_excerpt, :language,
    :llm_file_id, :vector_store_file_id, :processed_at, :duration_ms, :model_used,
    :prompt_tokens, :completion_tokens, :cached_tokens, :cost_usd,
    :extraction_quality, :validation_errors, :requires_review, :raw_response,
    :error_message, :status, :created_at, :updated_at, :deleted_at
)`

// Insert stores a new document row and returns it with the assigned id.
// A live row with the same hash yields a duplicate-hash fault.
func (s *Store) Insert(ctx context.Context, doc *Document) (*Document, error) {
	return s.insert(ctx, s.db, doc)
}

// InsertTx is Insert inside an existing transaction.
func (s *Store) InsertTx(ctx context.Context, tx *sqlx.Tx, doc *Document) (*Document, error) {
	return s.insert(ctx, tx, doc)
}

func (s *Store) insert(ctx context.Context, ext sqlx.ExtContext, doc *Document) (*Document, error) {
	if err := doc.validate(); err != nil {
		return nil, fault.Wrap(fault.Validation, component, "invalid document", err)
	}
	now := s.now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	res, err := sqlx.NamedExecContext(ctx, ext, insertDocumentSQL, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fault.Wrap(fault.DuplicateHash, component,
				fmt.Sprintf("document with hash %s already stored", short(doc.SHA256Hex)), err)
		}
		return nil, fault.Wrap(fault.Internal, component, "insert document", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, component, "read inserted id", err)
	}
	doc.ID = id
	s.logger.Debug("store.insert", "id", id, "hash", short(doc.SHA256Hex), "status", doc.Status)
	return doc, nil
}

const updateDocumentSQL = `
UPDATE documents SET
    original_filename = :original_filename,
    file_size_bytes = :file_size_bytes,
    page_count = :page_count,
    doc_type = :doc_type,
    doc_subtype = :doc_subtype,
    confidence = :confidence,
    issuer = :issuer,
    recipient = :recipient,
    primary_date = :primary_date,
    secondary_date = :secondary_date,
    total_amount = :total_amount,
    currency = :currency,
    summary = :summary,
    action_items = :action_items,
    deadlines = :deadlines,
    urgency = :urgency,
    tags = :tags,
    ocr_excerpt = :ocr_excerpt,
    language = :language,
    llm_file_id = :llm_file_id,
    vector_store_file_id = :vector_store_file_id,
    processed_at = :processed_at,
    duration_ms = :duration_ms,
    model_used = :model_used,
    prompt_tokens = :prompt_tokens,
    completion_tokens = :completion_tokens,
    cached_tokens = :cached_tokens,
    cost_usd = :cost_usd,
    extraction_quality = :extraction_quality,
    validation_errors = :validation_errors,
    requires_review = :requires_review,
    raw_response = :raw_response,
    error_message = :error_message,
    status = :status,
    updated_at = :updated_at
WHERE id = :id AND deleted_at IS NULL`

// Update rewrites a live row. Soft-deleted rows are immutable.
func (s *Store) Update(ctx context.Context, doc *Document) error {
	return s.update(ctx, s.db, doc)
}

// UpdateTx is Update inside an existing transaction.
func (s *Store) UpdateTx(ctx context.Context, tx *sqlx.Tx, doc *Document) error {
	return s.update(ctx, tx, doc)
}

func (s *Store) update(ctx context.Context, ext sqlx.ExtContext, doc *Document) error {
	if err := doc.validate(); err != nil {
		return fault.Wrap(fault.Validation, component, "invalid document", err)
	}
	doc.UpdatedAt = s.now().UTC()
	res, err := sqlx.NamedExecContext(ctx, ext, updateDocumentSQL, doc)
	if err != nil {
		return fault.Wrap(fault.Internal, component, "update document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.Internal, component, "read affected rows", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByHash returns the live row for the hex digest, or nil when no
// such document exists.
func (s *Store) FindByHash(ctx context.Context, sha256Hex string) (*Document, error) {
	var doc Document
	err := s.db.GetContext(ctx, &doc,
		`SELECT * FROM documents WHERE sha256_hex = ? AND deleted_at IS NULL`, sha256Hex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, component, "find by hash", err)
	}
	return &doc, nil
}

// FindByFileID returns the live row holding the provider file id, in
// either the upload or the vector-store column, or nil when no row
// references it. Search hits come back keyed by file id.
func (s *Store) FindByFileID(ctx context.Context, fileID string) (*Document, error) {
	var doc Document
	err := s.db.GetContext(ctx, &doc,
		`SELECT * FROM documents
		 WHERE (llm_file_id = ? OR vector_store_file_id = ?) AND deleted_at IS NULL`,
		fileID, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, component, "find by file id", err)
	}
	return &doc, nil
}

// GetByID returns the live row with the given id.
func (s *Store) GetByID(ctx context.Context, id int64) (*Document, error) {
	var doc Document
	err := s.db.GetContext(ctx, &doc,
		`SELECT * FROM documents WHERE id = ? AND deleted_at IS NULL`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, component, "get by id", err)
	}
	return &doc, nil
}

// ListByStatus returns up to limit live rows in most-recent-first
// order. A non-positive limit defaults to 50.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	var docs []Document
	err := s.db.SelectContext(ctx, &docs,
		`SELECT * FROM documents WHERE status = ? AND deleted_at IS NULL ORDER BY id DESC LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, component, "list by status", err)
	}
	return docs, nil
}

// CountByStatus tallies live rows per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows := []struct {
		Status Status `db:"status"`
		N      int64  `db:"n"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM documents WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, component, "count by status", err)
	}
	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// TotalCost sums recorded extraction spend over live rows.
func (s *Store) TotalCost(ctx context.Context) (float64, error) {
	var total float64
	err := s.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM documents WHERE deleted_at IS NULL`)
	if err != nil {
		return 0, fault.Wrap(fault.Internal, component, "total cost", err)
	}
	return total, nil
}

// SetVectorFileID records the vector-store file id on a live row.
func (s *Store) SetVectorFileID(ctx context.Context, id int64, fileID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET vector_store_file_id = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		fileID, s.now().UTC(), id)
	if err != nil {
		return fault.Wrap(fault.Internal, component, "set vector file id", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed moves a live row to a failure status and records the
// message, truncated to the stored bound.
func (s *Store) MarkFailed(ctx context.Context, id int64, status Status, msg string) error {
	if !status.Known() {
		return fault.Newf(fault.Validation, component, "unknown status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		status, TruncateErrorMessage(msg), s.now().UTC(), id)
	if err != nil {
		return fault.Wrap(fault.Internal, component, "mark failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete tombstones a live row. The hash becomes reusable for a
// future ingest while history stays queryable.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return fault.Wrap(fault.Internal, component, "soft delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("store.soft_delete", "id", id)
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func short(hex string) string {
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}
