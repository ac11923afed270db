// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
)

// ResourceAdapter is the SPI implemented once per business resource. It
// performs raw storage operations on business items and knows nothing about
// version records, watermarks, or conflicts. Adapters are responsible for
// their own concurrency control over the business data itself.
type ResourceAdapter interface {
	// RawCreate stores a new item and returns the storage-internal target item
	// id. If the item collides with an existing logical key it returns a
	// *DuplicateKeyError carrying the existing item.
	RawCreate(ctx context.Context, payload json.RawMessage) (string, error)

	// RawRead returns the item for a target id, or ErrItemNotFound.
	RawRead(ctx context.Context, targetItemID string) (json.RawMessage, error)

	// RawReadMany returns the items found for the given target ids, keyed by
	// target id. Missing ids are simply absent from the result.
	RawReadMany(ctx context.Context, targetItemIDs []string) (map[string]json.RawMessage, error)

	// RawUpdate overwrites the item for a target id.
	RawUpdate(ctx context.Context, targetItemID string, item json.RawMessage) error

	// RawDelete removes the item and returns its last value.
	RawDelete(ctx context.Context, targetItemID string) (json.RawMessage, error)
}

// DuplicateKeyError reports an adapter-detected logical-key collision on
// create, carrying the existing item so it can be surfaced as a DUPLICATE_ID
// conflict instead of failing the whole batch.
type DuplicateKeyError struct {
	TargetItemID string
	Item         json.RawMessage
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key for existing item %s", e.TargetItemID)
}
