// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hifive/hifive-sync-server-sub000/syncserver"
)

// ClientStore persists per-client sync state in sync.client_state.
type ClientStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ syncserver.ClientStateStore = (*ClientStore)(nil)

// NewClientStore creates a client state store over an existing pool.
func NewClientStore(pool *pgxpool.Pool, logger *slog.Logger) *ClientStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientStore{pool: pool, logger: logger}
}

func (s *ClientStore) Get(ctx context.Context, storageID string) (*syncserver.ClientSyncState, error) {
	state := &syncserver.ClientSyncState{StorageID: storageID}
	err := s.pool.QueryRow(ctx, `
		SELECT last_upload_time, last_download_time, COALESCE(last_upload_response, 'null'::jsonb)
		FROM sync.client_state
		WHERE storage_id = @storage_id`,
		pgx.NamedArgs{"storage_id": storageID},
	).Scan(&state.LastUploadTime, &state.LastDownloadTime, &state.LastUploadResponse)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, syncserver.ErrClientNotFound
		}
		return nil, fmt.Errorf("query client state %q: %w", storageID, err)
	}
	if string(state.LastUploadResponse) == "null" {
		state.LastUploadResponse = nil
	}
	return state, nil
}

func (s *ClientStore) GetOrCreate(ctx context.Context, storageID string) (*syncserver.ClientSyncState, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync.client_state (storage_id)
		VALUES (@storage_id)
		ON CONFLICT (storage_id) DO NOTHING`,
		pgx.NamedArgs{"storage_id": storageID},
	)
	if err != nil {
		return nil, fmt.Errorf("ensure client state %q: %w", storageID, err)
	}
	return s.Get(ctx, storageID)
}

// AdvanceUploadTime advances the watermark with one conditional UPDATE, so
// exactly one of any set of concurrent submissions claiming the same upload
// time wins. The self-join returns the pre-advance row for rollback; the
// stored response of the previous batch is cleared in the same statement.
func (s *ClientStore) AdvanceUploadTime(ctx context.Context, storageID string, uploadTime int64) (bool, *syncserver.ClientSyncState, error) {
	prev := &syncserver.ClientSyncState{StorageID: storageID}
	err := s.pool.QueryRow(ctx, `
		UPDATE sync.client_state AS cur
		SET last_upload_time = @upload_time, last_upload_response = NULL
		FROM (
			SELECT storage_id, last_upload_time, last_download_time,
				COALESCE(last_upload_response, 'null'::jsonb) AS last_upload_response
			FROM sync.client_state
			WHERE storage_id = @storage_id
			FOR UPDATE
		) old
		WHERE cur.storage_id = old.storage_id AND old.last_upload_time < @upload_time
		RETURNING old.last_upload_time, old.last_download_time, old.last_upload_response`,
		pgx.NamedArgs{"storage_id": storageID, "upload_time": uploadTime},
	).Scan(&prev.LastUploadTime, &prev.LastDownloadTime, &prev.LastUploadResponse)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the advance, or the state row is missing entirely; Get
			// tells the two apart.
			state, gerr := s.Get(ctx, storageID)
			if gerr != nil {
				return false, nil, gerr
			}
			return false, state, nil
		}
		return false, nil, fmt.Errorf("advance upload watermark %q: %w", storageID, err)
	}
	if string(prev.LastUploadResponse) == "null" {
		prev.LastUploadResponse = nil
	}
	return true, prev, nil
}

func (s *ClientStore) Save(ctx context.Context, state *syncserver.ClientSyncState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync.client_state
			(storage_id, last_upload_time, last_download_time, last_upload_response)
		VALUES (@storage_id, @last_upload_time, @last_download_time, @last_upload_response)
		ON CONFLICT (storage_id) DO UPDATE SET
			last_upload_time = EXCLUDED.last_upload_time,
			last_download_time = EXCLUDED.last_download_time,
			last_upload_response = EXCLUDED.last_upload_response`,
		pgx.NamedArgs{
			"storage_id":           state.StorageID,
			"last_upload_time":     state.LastUploadTime,
			"last_download_time":   state.LastDownloadTime,
			"last_upload_response": state.LastUploadResponse,
		},
	)
	if err != nil {
		return fmt.Errorf("save client state %q: %w", state.StorageID, err)
	}
	return nil
}
