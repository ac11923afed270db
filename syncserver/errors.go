// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"errors"
	"fmt"
)

// Error sentinels for the sync core. Conflicts are not errors at the batch
// layer; they travel as ConflictRecord values. These sentinels cover the fatal
// and client-error taxonomy only.
var (
	// ErrBadPayload marks a malformed request or item payload.
	ErrBadPayload = errors.New("bad_payload")

	// ErrNoSuchResource marks an item referencing an unregistered resource name.
	ErrNoSuchResource = errors.New("no_such_resource")

	// ErrUnknownAction marks an item carrying an unsupported action.
	ErrUnknownAction = errors.New("unknown_action")

	// ErrNotFound marks an update/delete/read of an item with no version record.
	ErrNotFound = errors.New("not_found")

	// ErrInternalInconsistency marks version-store/adapter state divergence.
	// Fatal and not retried automatically.
	ErrInternalInconsistency = errors.New("internal_inconsistency")

	// ErrRecordNotFound is returned by VersionStore lookups with no match.
	ErrRecordNotFound = errors.New("version record not found")

	// ErrDuplicateRecord is returned by VersionStore.Create when a record
	// already exists for the id.
	ErrDuplicateRecord = errors.New("version record already exists")

	// ErrClientNotFound is returned by ClientStateStore.Get for unknown clients.
	ErrClientNotFound = errors.New("client sync state not found")

	// ErrUnresolvable is returned by conflict resolvers that decline to resolve.
	ErrUnresolvable = errors.New("conflict cannot be resolved")

	// ErrItemNotFound is returned by resource adapters for missing items.
	ErrItemNotFound = errors.New("resource item not found")
)

// SyncConflictError wraps a conflicted upload response so transport code can
// map it to the appropriate wire-level failure while the batch internals stay
// value-based.
type SyncConflictError struct {
	Response *UploadResponse
}

func (e *SyncConflictError) Error() string {
	n := 0
	for _, entries := range e.Response.Conflicts {
		n += len(entries)
	}
	return fmt.Sprintf("upload rejected with %d %s conflict(s)", n, e.Response.ConflictType)
}
