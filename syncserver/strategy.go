// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
)

// ConflictResolver decides what happens when a client's claimed base version
// is stale. It is invoked only when the server record is newer than the claim
// and the server's last write did not happen inside the current batch.
// Returning ErrUnresolvable turns the item into an UPDATED conflict; returning
// an item applies that item as the resolution.
type ConflictResolver interface {
	Resolve(ctx context.Context, claim BatchItem, clientItem json.RawMessage,
		record *VersionRecord, serverItem json.RawMessage) (json.RawMessage, error)
}

// Compile-time checks that the baseline resolvers satisfy ConflictResolver.
var (
	_ ConflictResolver = (*RejectAndReport)(nil)
	_ ConflictResolver = (*ForceOverride)(nil)
)

// RejectAndReport always refuses to resolve, forcing the client to re-fetch
// the server state and retry. This is the default strategy.
type RejectAndReport struct{}

func (*RejectAndReport) Resolve(_ context.Context, _ BatchItem, _ json.RawMessage,
	_ *VersionRecord, _ json.RawMessage) (json.RawMessage, error) {
	return nil, ErrUnresolvable
}

// ForceOverride always adopts the client's item, discarding server changes.
type ForceOverride struct{}

func (*ForceOverride) Resolve(_ context.Context, _ BatchItem, clientItem json.RawMessage,
	_ *VersionRecord, _ json.RawMessage) (json.RawMessage, error) {
	return clientItem, nil
}
