// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// SyncResource combines version-record lookups, conflict checks, and raw
// adapter calls into atomic per-item operations for one business resource.
// Resource-specific behavior is supplied by the adapter and the configured
// lock strategy and conflict resolver, not by subclassing.
type SyncResource struct {
	name     string
	adapter  ResourceAdapter
	store    VersionStore
	locks    LockStrategy
	resolver ConflictResolver
	logger   *slog.Logger
}

func newSyncResource(name string, adapter ResourceAdapter, store VersionStore,
	lockMode LockMode, resolver ConflictResolver, logger *slog.Logger) (*SyncResource, error) {
	if adapter == nil {
		return nil, fmt.Errorf("resource %q has no adapter", name)
	}
	locks, err := newLockStrategy(lockMode, store)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %w", name, err)
	}
	return &SyncResource{
		name:     name,
		adapter:  adapter,
		store:    store,
		locks:    locks,
		resolver: resolver,
		logger:   logger,
	}, nil
}

// apply dispatches one batch item to the operation its action requests.
func (r *SyncResource) apply(ctx context.Context, bs *batchState, item BatchItem) (*ItemResult, error) {
	switch item.Action {
	case ActionCreate:
		return r.create(ctx, bs, item)
	case ActionUpdate:
		return r.update(ctx, bs, item)
	case ActionDelete:
		return r.delete(ctx, bs, item)
	default:
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownAction, item.Action, item.Key())
	}
}

// create stores a new item and its version record. An adapter-detected
// logical-key duplicate becomes a DUPLICATE_ID conflict result; a version
// record that already exists for a freshly-created item means the version
// store and adapter have diverged, which is fatal.
func (r *SyncResource) create(ctx context.Context, bs *batchState, item BatchItem) (*ItemResult, error) {
	targetID, err := r.adapter.RawCreate(ctx, item.Payload)
	if err != nil {
		var dup *DuplicateKeyError
		if errors.As(err, &dup) {
			rec, gerr := r.store.Get(ctx, item.Key())
			if gerr != nil && !errors.Is(gerr, ErrRecordNotFound) {
				return nil, fmt.Errorf("get record for duplicate %s: %w", item.Key(), gerr)
			}
			r.logger.Debug("Duplicate id on create", "id", item.Key().String(), "existing_target", dup.TargetItemID)
			return resultConflict(item.Key(), ConflictDuplicateID, rec, dup.Item), nil
		}
		return nil, fmt.Errorf("raw create %s: %w", item.Key(), err)
	}

	rec := &VersionRecord{
		ID:           item.Key(),
		TargetItemID: targetID,
		LastModified: bs.syncTime,
		Action:       ActionCreate,
	}
	created, err := r.store.Create(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			return nil, fmt.Errorf("%w: version record exists for newly created %s", ErrInternalInconsistency, item.Key())
		}
		return nil, fmt.Errorf("create version record %s: %w", item.Key(), err)
	}
	bs.snapshotPut(created)
	return resultApplied(created, item.Payload), nil
}

// update fetches the current record under the resource's lock strategy,
// checks the claimed base version, resolves conflicts, and applies the write.
func (r *SyncResource) update(ctx context.Context, bs *batchState, item BatchItem) (*ItemResult, error) {
	rec, release, err := r.fetchForUpdate(ctx, bs, item.Key())
	if err != nil {
		return nil, err
	}
	defer release()

	payload := item.Payload
	if conflicted, serverItem, resolved, err := r.reconcile(ctx, bs, item, rec); err != nil {
		return nil, err
	} else if conflicted {
		return resultConflict(item.Key(), ConflictUpdated, rec, serverItem), nil
	} else if resolved != nil {
		payload = resolved
	}

	if err := r.adapter.RawUpdate(ctx, rec.TargetItemID, payload); err != nil {
		return nil, fmt.Errorf("raw update %s: %w", item.Key(), err)
	}
	rec.LastModified = bs.syncTime
	rec.Action = ActionUpdate
	saved, err := r.store.Save(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("save version record %s: %w", item.Key(), err)
	}
	bs.snapshotPut(saved)
	return resultApplied(saved, payload), nil
}

// delete shares update's conflict handling; on success the version record
// becomes a tombstone and is retained for download consistency.
func (r *SyncResource) delete(ctx context.Context, bs *batchState, item BatchItem) (*ItemResult, error) {
	rec, release, err := r.fetchForUpdate(ctx, bs, item.Key())
	if err != nil {
		return nil, err
	}
	defer release()

	if conflicted, serverItem, _, err := r.reconcile(ctx, bs, item, rec); err != nil {
		return nil, err
	} else if conflicted {
		return resultConflict(item.Key(), ConflictUpdated, rec, serverItem), nil
	}

	deleted, err := r.adapter.RawDelete(ctx, rec.TargetItemID)
	if err != nil && !errors.Is(err, ErrItemNotFound) {
		return nil, fmt.Errorf("raw delete %s: %w", item.Key(), err)
	}
	rec.LastModified = bs.syncTime
	rec.Action = ActionDelete
	saved, err := r.store.Save(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("save tombstone %s: %w", item.Key(), err)
	}
	bs.snapshotPut(saved)
	return resultApplied(saved, deleted), nil
}

// fetchForUpdate acquires the lock strategy's hold (unless the batch already
// reserved the id) and returns the current record plus a release func. When
// the batch carries a record snapshot (LOCK mode) the snapshot is the source
// of truth for records it holds; only ids absent from it hit the store.
func (r *SyncResource) fetchForUpdate(ctx context.Context, bs *batchState, id ResourceItemID) (*VersionRecord, func(), error) {
	release := func() {}
	if !bs.isReserved(id) {
		if err := r.locks.Lock(ctx, id); err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return nil, nil, fmt.Errorf("%w: %s has no version record", ErrNotFound, id)
			}
			return nil, nil, fmt.Errorf("lock %s: %w", id, err)
		}
		release = func() {
			if err := r.locks.Release(ctx, id); err != nil {
				r.logger.Warn("Failed to release lock", "id", id.String(), "error", err)
			}
		}
	}

	if rec, ok := bs.snapshotGet(id); ok {
		return rec, release, nil
	}

	rec, err := r.store.Get(ctx, id)
	if err != nil {
		release()
		if errors.Is(err, ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("%w: %s has no version record", ErrNotFound, id)
		}
		return nil, nil, fmt.Errorf("get version record %s: %w", id, err)
	}
	return rec, release, nil
}

// reconcile evaluates the claimed base version against the current record.
// A server write stamped with the current batch's sync time was made earlier
// in this same batch and is never a conflict, even though it postdates the
// claim. Returns (conflicted, serverItem, resolvedPayload, fatalErr).
func (r *SyncResource) reconcile(ctx context.Context, bs *batchState, item BatchItem, rec *VersionRecord) (bool, json.RawMessage, json.RawMessage, error) {
	if r.locks.CanUpdate(item, rec) || rec.LastModified == bs.syncTime {
		return false, nil, nil, nil
	}

	serverItem := r.currentItem(ctx, rec)
	resolved, err := r.resolver.Resolve(ctx, item, item.Payload, rec, serverItem)
	if err != nil {
		if errors.Is(err, ErrUnresolvable) {
			r.logger.Debug("Unresolvable conflict",
				"id", item.Key().String(), "claim", item.LastModified, "server", rec.LastModified)
			return true, serverItem, nil, nil
		}
		return false, nil, nil, fmt.Errorf("%w: resolver failed for %s: %v", ErrInternalInconsistency, item.Key(), err)
	}
	return false, nil, resolved, nil
}

// currentItem reads the server's current value for conflict reporting and
// resolution. Tombstoned or unreadable items yield nil.
func (r *SyncResource) currentItem(ctx context.Context, rec *VersionRecord) json.RawMessage {
	if rec.Action == ActionDelete {
		return nil
	}
	item, err := r.adapter.RawRead(ctx, rec.TargetItemID)
	if err != nil {
		if !errors.Is(err, ErrItemNotFound) {
			r.logger.Warn("Failed to read server item for conflict", "id", rec.ID.String(), "error", err)
		}
		return nil
	}
	return item
}

// Read returns the current record and item for an id. Tombstoned items return
// the record with a nil item. Fails with ErrNotFound when no version record
// exists.
func (r *SyncResource) Read(ctx context.Context, itemID string) (*VersionRecord, json.RawMessage, error) {
	rec, err := r.store.Get(ctx, ResourceItemID{ResourceName: r.name, ItemID: itemID})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, r.name, itemID)
		}
		return nil, nil, fmt.Errorf("get version record %s/%s: %w", r.name, itemID, err)
	}
	if rec.Action == ActionDelete {
		return rec, nil, nil
	}
	item, err := r.adapter.RawRead(ctx, rec.TargetItemID)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil, nil, fmt.Errorf("%w: record without adapter data for %s/%s", ErrInternalInconsistency, r.name, itemID)
		}
		return nil, nil, fmt.Errorf("raw read %s/%s: %w", r.name, itemID, err)
	}
	return rec, item, nil
}

// ReadMany returns the records modified since the given time, with their
// items. An empty itemIDs slice covers the whole resource; an empty result is
// valid. With forUpdate, every matching record is reserved in sorted order
// first and re-read under the reservations for a consistent snapshot.
func (r *SyncResource) ReadMany(ctx context.Context, itemIDs []string, since int64, forUpdate bool) ([]*ItemResult, error) {
	if forUpdate {
		release, err := r.reserveModified(ctx, itemIDs, since)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	recs, err := r.store.FindModifiedSince(ctx, r.name, itemIDs, since)
	if err != nil {
		return nil, fmt.Errorf("find modified %s: %w", r.name, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	targetIDs := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.Action != ActionDelete {
			targetIDs = append(targetIDs, rec.TargetItemID)
		}
	}
	items := map[string]json.RawMessage{}
	if len(targetIDs) > 0 {
		items, err = r.adapter.RawReadMany(ctx, targetIDs)
		if err != nil {
			return nil, fmt.Errorf("raw read many %s: %w", r.name, err)
		}
	}

	results := make([]*ItemResult, 0, len(recs))
	for _, rec := range recs {
		if rec.Action == ActionDelete {
			results = append(results, resultApplied(rec, nil))
			continue
		}
		item, ok := items[rec.TargetItemID]
		if !ok {
			return nil, fmt.Errorf("%w: record without adapter data for %s", ErrInternalInconsistency, rec.ID)
		}
		results = append(results, resultApplied(rec, item))
	}
	return results, nil
}

// reserveModified reserves every record modified since the given time, in
// sorted id order so concurrent callers cannot hold-and-wait in reverse.
func (r *SyncResource) reserveModified(ctx context.Context, itemIDs []string, since int64) (func(), error) {
	recs, err := r.store.FindModifiedSince(ctx, r.name, itemIDs, since)
	if err != nil {
		return nil, fmt.Errorf("find modified %s: %w", r.name, err)
	}
	ids := make([]ResourceItemID, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	reserved := make([]ResourceItemID, 0, len(ids))
	release := func() {
		for _, id := range reserved {
			if err := r.store.Release(ctx, id); err != nil {
				r.logger.Warn("Failed to release read reservation", "id", id.String(), "error", err)
			}
		}
	}
	for _, id := range ids {
		if _, err := r.store.GetForUpdate(ctx, id); err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			release()
			return nil, fmt.Errorf("reserve %s: %w", id, err)
		}
		reserved = append(reserved, id)
	}
	return release, nil
}
