// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import "encoding/json"

// ItemResult is the outcome of one batch item operation. Conflicts are
// ordinary results here; only fatal failures travel as errors.
type ItemResult struct {
	ID       ResourceItemID
	Record   *VersionRecord
	Item     json.RawMessage
	Conflict *ConflictRecord
}

// Conflicted reports whether the item ended in a conflict instead of applying.
func (r *ItemResult) Conflicted() bool {
	return r.Conflict != nil && r.Conflict.Type != ConflictNone
}

// resultApplied builds a success result for an applied item.
func resultApplied(rec *VersionRecord, item json.RawMessage) *ItemResult {
	return &ItemResult{ID: rec.ID, Record: rec, Item: item}
}

// resultConflict builds a conflict result carrying the server's current
// record and item. The record may be nil when the version store has no row
// for the id (adapter-detected duplicates against unsynchronized data).
func resultConflict(id ResourceItemID, typ ConflictType, rec *VersionRecord, serverItem json.RawMessage) *ItemResult {
	return &ItemResult{
		ID: id,
		Conflict: &ConflictRecord{
			Type:   typ,
			Record: rec,
			Item:   serverItem,
		},
	}
}

// toSyncedItem converts an applied result to its response entry.
func (r *ItemResult) toSyncedItem() SyncedItem {
	it := SyncedItem{
		ResourceName:   r.ID.ResourceName,
		ResourceItemID: r.ID.ItemID,
	}
	if r.Record != nil {
		it.LastModified = r.Record.LastModified
		it.Action = r.Record.Action
	}
	if r.Record == nil || r.Record.Action != ActionDelete {
		it.Item = r.Item
	}
	return it
}

// toConflictItem converts a conflict result to its response entry.
func (r *ItemResult) toConflictItem() ConflictItem {
	ci := ConflictItem{
		ResourceItemID: r.ID.ItemID,
		ServerItem:     r.Conflict.Item,
	}
	if r.Conflict.Record != nil {
		ci.ServerLastModified = r.Conflict.Record.LastModified
		ci.ServerAction = r.Conflict.Record.Action
	} else if r.Conflict.Type == ConflictDuplicateID {
		// Adapter-detected duplicate against data that was never synced:
		// there is no version record to report an action from, so the entry
		// is marked as the duplicate itself.
		ci.ServerAction = ActionDuplicate
	}
	return ci
}
