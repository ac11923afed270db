// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated sync identity through contexts.
package auth

import (
	"context"
)

type contextKey string

const storageIDKey contextKey = "storage_id"

// SetStorageID sets the storage ID in the context
func SetStorageID(ctx context.Context, storageID string) context.Context {
	return context.WithValue(ctx, storageIDKey, storageID)
}

// GetStorageID retrieves the storage ID from the context
func GetStorageID(ctx context.Context) (string, bool) {
	storageID, ok := ctx.Value(storageIDKey).(string)
	return storageID, ok
}
