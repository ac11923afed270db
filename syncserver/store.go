// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import "context"

// VersionStore persists one VersionRecord per ResourceItemID. Implementations
// must treat records as append-or-mutate only: tombstones are never hard
// deleted. All mutating operations on one record are expected to be atomic.
type VersionStore interface {
	// Get returns the current record, or ErrRecordNotFound.
	Get(ctx context.Context, id ResourceItemID) (*VersionRecord, error)

	// GetForUpdate acquires an exclusive reservation on the record and returns
	// it. It blocks (subject to ctx) while another caller holds the
	// reservation. The caller must Release the id when done.
	GetForUpdate(ctx context.Context, id ResourceItemID) (*VersionRecord, error)

	// Create persists a new record, failing with ErrDuplicateRecord if one
	// already exists for the id.
	Create(ctx context.Context, rec *VersionRecord) (*VersionRecord, error)

	// Save overwrites an existing record, failing with ErrRecordNotFound if
	// the record was never created.
	Save(ctx context.Context, rec *VersionRecord) (*VersionRecord, error)

	// Release drops the reservation acquired by GetForUpdate. Releasing an
	// unreserved record is a no-op.
	Release(ctx context.Context, id ResourceItemID) error

	// FindModifiedSince returns records of the resource whose LastModified is
	// strictly greater than since, sorted by item id. An empty itemIDs slice
	// means the whole resource; otherwise results are limited to those ids.
	FindModifiedSince(ctx context.Context, resourceName string, itemIDs []string, since int64) ([]*VersionRecord, error)
}

// ClientStateStore persists per-client watermark state keyed by storage id.
type ClientStateStore interface {
	// Get returns the state for storageID, or ErrClientNotFound.
	Get(ctx context.Context, storageID string) (*ClientSyncState, error)

	// GetOrCreate returns the state for storageID, creating a zero-valued one
	// on first contact.
	GetOrCreate(ctx context.Context, storageID string) (*ClientSyncState, error)

	// AdvanceUploadTime atomically advances the upload watermark to uploadTime
	// if it is still strictly greater than the stored value, clearing the
	// stored response of the previous batch in the same operation. Exactly one
	// of any set of concurrent callers with the same uploadTime wins. On a win
	// it returns the state as stored before the advance (for rollback);
	// otherwise the state as currently stored. The state must already exist.
	AdvanceUploadTime(ctx context.Context, storageID string, uploadTime int64) (bool, *ClientSyncState, error)

	// Save overwrites the state.
	Save(ctx context.Context, state *ClientSyncState) error
}
