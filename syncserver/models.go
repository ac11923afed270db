// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import "encoding/json"

// Core entity models owned by the sync engine. Resource adapters never see or
// mutate these; they deal only in target item ids and payloads.

// VersionRecord is the per-item version row. One exists per ResourceItemID.
// LastModified is a unix-millisecond logical version that only increases for a
// given id. A record with Action DELETE is a tombstone: the item is logically
// absent but the record persists so late-syncing clients learn of the removal.
type VersionRecord struct {
	ID           ResourceItemID
	TargetItemID string // adapter/storage-internal id, may differ from ID.ItemID
	LastModified int64
	Action       SyncAction
	Reserved     bool // held for an in-flight update/read
}

// Clone returns a copy so stores can hand out records without aliasing.
func (r *VersionRecord) Clone() *VersionRecord {
	cl := *r
	return &cl
}

// ClientSyncState is the per-client watermark row, keyed by storage id.
// Created on first contact, never deleted. LastUploadResponse holds the
// response of the most recent successful upload so resends can be served
// verbatim without re-executing any item.
type ClientSyncState struct {
	StorageID          string
	LastUploadTime     int64
	LastDownloadTime   int64
	LastUploadResponse json.RawMessage
}

// ConflictRecord is the result of a failed reconciliation: the version record
// as currently held by the server plus the current server item, if resolvable.
type ConflictRecord struct {
	Type   ConflictType
	Record *VersionRecord
	Item   json.RawMessage
}
