// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

// Package pgstore provides PostgreSQL-backed implementations of the sync
// engine's version-record and client-state stores, built on pgx. Pessimistic
// reservations are persisted as a reservation flag on the version row so they
// survive across pooled connections.
package pgstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InitSchema creates the sync schema and its tables if they do not exist.
// Idempotent; call once at startup.
func InitSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS sync`); err != nil {
			return fmt.Errorf("create sync schema: %w", err)
		}

		createVersionRecordSQL :=
			/*language=postgresql*/ `
CREATE TABLE IF NOT EXISTS sync.version_record (
	resource_name  TEXT NOT NULL,
	item_id        TEXT NOT NULL,
	target_item_id TEXT NOT NULL,
	last_modified  BIGINT NOT NULL,
	action         TEXT NOT NULL,
	reserved       BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (resource_name, item_id)
)
`
		if _, err := tx.Exec(ctx, createVersionRecordSQL); err != nil {
			return fmt.Errorf("create version_record table: %w", err)
		}

		createModifiedIndexSQL := `
CREATE INDEX IF NOT EXISTS idx_version_record_modified
	ON sync.version_record (resource_name, last_modified)`
		if _, err := tx.Exec(ctx, createModifiedIndexSQL); err != nil {
			return fmt.Errorf("create version_record index: %w", err)
		}

		createClientStateSQL :=
			/*language=postgresql*/ `
CREATE TABLE IF NOT EXISTS sync.client_state (
	storage_id           TEXT PRIMARY KEY,
	last_upload_time     BIGINT NOT NULL DEFAULT 0,
	last_download_time   BIGINT NOT NULL DEFAULT 0,
	last_upload_response JSONB
)
`
		if _, err := tx.Exec(ctx, createClientStateSQL); err != nil {
			return fmt.Errorf("create client_state table: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("initialize sync schema: %w", err)
	}
	logger.Debug("Sync schema initialized")
	return nil
}
