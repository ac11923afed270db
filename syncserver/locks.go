// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"fmt"
)

// LockStrategy controls how a resource guards per-item read-modify-write
// cycles. Optimistic detects collisions at write time by version comparison;
// pessimistic holds a row reservation for the duration of the operation.
type LockStrategy interface {
	// Lock acquires whatever hold the strategy needs for the item.
	Lock(ctx context.Context, id ResourceItemID) error

	// CanUpdate reports whether the claimed base version permits a write
	// against the current record.
	CanUpdate(claim BatchItem, record *VersionRecord) bool

	// Release drops the hold acquired by Lock. No-op when nothing is held.
	Release(ctx context.Context, id ResourceItemID) error
}

// newLockStrategy builds the strategy for a lock mode. Pessimistic locking
// reserves rows through the version store.
func newLockStrategy(mode LockMode, store VersionStore) (LockStrategy, error) {
	switch mode {
	case "", LockOptimistic:
		return optimisticLock{}, nil
	case LockPessimistic:
		return &pessimisticLock{store: store}, nil
	default:
		return nil, fmt.Errorf("unknown lock mode %q", mode)
	}
}

// optimisticLock takes no physical hold. A write is permitted while the claim
// is at least as new as the record; anything older is a conflict candidate.
type optimisticLock struct{}

func (optimisticLock) Lock(context.Context, ResourceItemID) error { return nil }

func (optimisticLock) CanUpdate(claim BatchItem, record *VersionRecord) bool {
	return claim.LastModified >= record.LastModified
}

func (optimisticLock) Release(context.Context, ResourceItemID) error { return nil }

// pessimisticLock reserves the version record row, blocking concurrent
// reservation of the same id until released. While the reservation is held a
// write is always permitted.
type pessimisticLock struct {
	store VersionStore
}

func (l *pessimisticLock) Lock(ctx context.Context, id ResourceItemID) error {
	_, err := l.store.GetForUpdate(ctx, id)
	return err
}

func (*pessimisticLock) CanUpdate(BatchItem, *VersionRecord) bool { return true }

func (l *pessimisticLock) Release(ctx context.Context, id ResourceItemID) error {
	return l.store.Release(ctx, id)
}
