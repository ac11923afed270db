// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// resendPollInterval is how often a submission that lost the watermark
// advance re-checks for the winning submission's stored response.
const resendPollInterval = 25 * time.Millisecond

// batchState is shared by all item operations of one batch: the sync time
// computed once before any item executes (the same-batch exemption and every
// written LastModified use it uniformly), the set of ids pre-reserved by the
// RESERVE ordering mode, and the record snapshot taken by the LOCK mode.
type batchState struct {
	syncTime int64
	reserved map[ResourceItemID]struct{}
	snapshot map[ResourceItemID]*VersionRecord
}

func newBatchState(syncTime int64) *batchState {
	return &batchState{syncTime: syncTime, reserved: make(map[ResourceItemID]struct{})}
}

func (b *batchState) isReserved(id ResourceItemID) bool {
	_, ok := b.reserved[id]
	return ok
}

// snapshotGet returns the batch's snapshotted record for an id, if the batch
// took a snapshot and the record existed when it was taken.
func (b *batchState) snapshotGet(id ResourceItemID) (*VersionRecord, bool) {
	if b.snapshot == nil {
		return nil, false
	}
	rec, ok := b.snapshot[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// snapshotPut refreshes the snapshot after a write so later items of the same
// batch observe it (the same-batch exemption depends on that). No-op when the
// batch runs without a snapshot.
func (b *batchState) snapshotPut(rec *VersionRecord) {
	if b.snapshot == nil {
		return
	}
	b.snapshot[rec.ID] = rec.Clone()
}

// processUpload runs the upload state machine: duplicate-submission
// resolution, atomic watermark advance, ordering/locking, sequential per-item
// dispatch, conflict aggregation, and commit.
func (s *Synchronizer) processUpload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	state, err := s.clients.GetOrCreate(ctx, req.StorageID)
	if err != nil {
		return nil, fmt.Errorf("load client state %q: %w", req.StorageID, err)
	}

	// Serialize submissions on the upload watermark. Only the caller that wins
	// the compare-and-swap advance executes the batch; every other submission
	// of the same logical upload resolves to the stored response, so each
	// mutation runs exactly once no matter how often the batch is resent.
	var prev *ClientSyncState
	for {
		if req.LastUploadTime < state.LastUploadTime {
			// Strictly below the watermark: a resend of an earlier batch.
			return s.storedResponse(req, state)
		}
		if req.LastUploadTime == state.LastUploadTime {
			if len(state.LastUploadResponse) > 0 {
				return s.storedResponse(req, state)
			}
			// The same batch is in flight on a concurrent submission. Wait
			// for its stored response, or for its rollback.
			if err := sleepWithContext(ctx, resendPollInterval); err != nil {
				return nil, err
			}
			if state, err = s.clients.GetOrCreate(ctx, req.StorageID); err != nil {
				return nil, fmt.Errorf("load client state %q: %w", req.StorageID, err)
			}
			continue
		}

		var won bool
		won, state, err = s.clients.AdvanceUploadTime(ctx, req.StorageID, req.LastUploadTime)
		if err != nil {
			return nil, fmt.Errorf("advance upload watermark %q: %w", req.StorageID, err)
		}
		if won {
			prev = state
			break
		}
		// Lost the advance to a concurrent submission; re-evaluate against
		// the state that beat us.
	}

	state = &ClientSyncState{
		StorageID:        req.StorageID,
		LastUploadTime:   req.LastUploadTime,
		LastDownloadTime: prev.LastDownloadTime,
	}
	restoreWatermark := func() {
		if err := s.clients.Save(ctx, prev); err != nil {
			s.logger.Error("Failed to restore upload watermark",
				"storage_id", req.StorageID, "watermark", prev.LastUploadTime, "error", err)
		}
	}

	bs := newBatchState(s.nextSyncTime())
	items := append([]BatchItem(nil), req.Items...)
	if s.config.UploadOrder != OrderNone {
		sortBatchItems(items)
	}

	switch s.config.UploadOrder {
	case OrderLock:
		s.snapshotRecords(ctx, bs, items)
	case OrderReserve:
		release, err := s.reserveBatch(ctx, bs, items)
		if err != nil {
			restoreWatermark()
			return nil, err
		}
		defer release()
	}

	agg := newConflictAggregator(s.config.ContinueOnConflict)
	var applied []SyncedItem
	for _, item := range items {
		res, ok := s.resources.lookup(item.ResourceName)
		if !ok {
			restoreWatermark()
			return nil, fmt.Errorf("%w: %q", ErrNoSuchResource, item.ResourceName)
		}
		result, err := res.apply(ctx, bs, item)
		if err != nil {
			restoreWatermark()
			return nil, fmt.Errorf("apply %s %s: %w", item.Action, item.Key(), err)
		}
		if result.Conflicted() {
			if stop := agg.add(result); stop {
				break
			}
			continue
		}
		applied = append(applied, result.toSyncedItem())
	}

	if agg.blocking {
		// A conflict type with continue-on-conflict disabled aborts the batch:
		// the watermark must not advance so the corrected retry is processed
		// as a new upload.
		restoreWatermark()
		return &UploadResponse{
			ConflictType: agg.primaryType(),
			Conflicts:    agg.grouped(),
		}, nil
	}

	resp := &UploadResponse{
		NewWatermark: bs.syncTime,
		Items:        applied,
		ConflictType: agg.primaryType(),
		Conflicts:    agg.grouped(),
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		restoreWatermark()
		return nil, fmt.Errorf("encode upload response: %w", err)
	}
	state.LastUploadResponse = raw
	if err := s.clients.Save(ctx, state); err != nil {
		restoreWatermark()
		return nil, fmt.Errorf("persist upload response %q: %w", req.StorageID, err)
	}

	s.logger.Info("Upload batch processed",
		"storage_id", req.StorageID, "items", len(req.Items),
		"applied", len(applied), "conflicts", agg.size(), "sync_time", bs.syncTime)
	return resp, nil
}

// storedResponse serves a duplicate submission from the response stored by
// the execution that already ran, without re-executing any item.
func (s *Synchronizer) storedResponse(req *UploadRequest, state *ClientSyncState) (*UploadResponse, error) {
	if len(state.LastUploadResponse) == 0 {
		return nil, fmt.Errorf("%w: upload time %d not newer than %d and no stored response",
			ErrBadPayload, req.LastUploadTime, state.LastUploadTime)
	}
	s.logger.Info("Duplicate upload detected, serving stored response",
		"storage_id", req.StorageID, "claimed", req.LastUploadTime, "watermark", state.LastUploadTime)
	var resp UploadResponse
	if err := json.Unmarshal(state.LastUploadResponse, &resp); err != nil {
		return nil, fmt.Errorf("%w: stored response corrupt for %q: %v", ErrInternalInconsistency, req.StorageID, err)
	}
	return &resp, nil
}

// snapshotRecords pre-reads every referenced version record in sorted order
// before any mutation begins (LOCK mode) and seeds the batch snapshot that
// per-item operations read from, so the whole batch sees record state as of
// its start and skips interleaved re-reads. A true point-in-time snapshot
// additionally requires a store where the batch runs in one transaction;
// over a non-transactional store this still fixes the read order.
func (s *Synchronizer) snapshotRecords(ctx context.Context, bs *batchState, items []BatchItem) {
	bs.snapshot = make(map[ResourceItemID]*VersionRecord)
	for _, id := range uniqueSortedKeys(items) {
		rec, err := s.versions.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrRecordNotFound) {
				s.logger.Warn("Pre-read failed", "id", id.String(), "error", err)
			}
			continue
		}
		bs.snapshot[id] = rec
		s.logger.Debug("Pre-read version record", "id", id.String(), "last_modified", rec.LastModified)
	}
}

// sleepWithContext sleeps for d unless ctx ends first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserveBatch pessimistically reserves every referenced version record in
// global sorted order before any item executes (RESERVE mode). Because all
// concurrent batches acquire in the same order, two batches can never
// hold-and-wait on each other's items in reverse.
func (s *Synchronizer) reserveBatch(ctx context.Context, bs *batchState, items []BatchItem) (func(), error) {
	var reserved []ResourceItemID
	release := func() {
		for _, id := range reserved {
			if err := s.versions.Release(ctx, id); err != nil {
				s.logger.Warn("Failed to release batch reservation", "id", id.String(), "error", err)
			}
		}
	}
	for _, id := range uniqueSortedKeys(items) {
		if _, err := s.versions.GetForUpdate(ctx, id); err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				// No record yet (creates); nothing to reserve.
				continue
			}
			release()
			return nil, fmt.Errorf("reserve %s: %w", id, err)
		}
		reserved = append(reserved, id)
		bs.reserved[id] = struct{}{}
	}
	return release, nil
}

// conflictAggregator groups conflicts by type, then resource name, merging
// duplicate entries for the same item id. DUPLICATE_ID outranks UPDATED: the
// response always reports the higher-priority type's conflicts.
type conflictAggregator struct {
	continueOn map[ConflictType]bool
	byType     map[ConflictType]map[string]map[string]ConflictItem
	blocking   bool
}

func newConflictAggregator(continueOn map[ConflictType]bool) *conflictAggregator {
	return &conflictAggregator{
		continueOn: continueOn,
		byType:     make(map[ConflictType]map[string]map[string]ConflictItem),
	}
}

// add records a conflict and reports whether processing must stop.
func (a *conflictAggregator) add(result *ItemResult) bool {
	typ := result.Conflict.Type
	byResource, ok := a.byType[typ]
	if !ok {
		byResource = make(map[string]map[string]ConflictItem)
		a.byType[typ] = byResource
	}
	byItem, ok := byResource[result.ID.ResourceName]
	if !ok {
		byItem = make(map[string]ConflictItem)
		byResource[result.ID.ResourceName] = byItem
	}
	if _, exists := byItem[result.ID.ItemID]; !exists {
		byItem[result.ID.ItemID] = result.toConflictItem()
	}
	if !a.continueOn[typ] {
		a.blocking = true
		return true
	}
	return false
}

// primaryType returns the highest-priority conflict type seen, or empty.
func (a *conflictAggregator) primaryType() ConflictType {
	if _, ok := a.byType[ConflictDuplicateID]; ok {
		return ConflictDuplicateID
	}
	if _, ok := a.byType[ConflictUpdated]; ok {
		return ConflictUpdated
	}
	return ""
}

// grouped returns the primary type's conflicts keyed by resource name, items
// sorted by id for deterministic responses.
func (a *conflictAggregator) grouped() map[string][]ConflictItem {
	typ := a.primaryType()
	if typ == "" {
		return nil
	}
	out := make(map[string][]ConflictItem, len(a.byType[typ]))
	for resource, byItem := range a.byType[typ] {
		ids := make([]string, 0, len(byItem))
		for id := range byItem {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		entries := make([]ConflictItem, 0, len(ids))
		for _, id := range ids {
			entries = append(entries, byItem[id])
		}
		out[resource] = entries
	}
	return out
}

func (a *conflictAggregator) size() int {
	n := 0
	for _, byResource := range a.byType {
		for _, byItem := range byResource {
			n += len(byItem)
		}
	}
	return n
}
