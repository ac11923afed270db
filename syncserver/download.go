// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"fmt"
)

// processDownload serves every record modified after the client's claimed
// download watermark, tombstones included. Downloads never conflict. The new
// watermark is the download epoch minus the buffer window: an upload still in
// flight when the epoch was computed will be re-delivered on the next cycle
// instead of being missed, so clients must tolerate idempotent re-delivery.
func (s *Synchronizer) processDownload(ctx context.Context, req *DownloadRequest) (*DownloadResponse, error) {
	state, err := s.clients.GetOrCreate(ctx, req.StorageID)
	if err != nil {
		return nil, fmt.Errorf("load client state %q: %w", req.StorageID, err)
	}

	// Computed once, before any read, so every query sees the same epoch.
	epoch := s.clock.nowMillis() - s.config.DownloadBufferWindow.Milliseconds()
	since := req.LastDownloadTime
	forUpdate := s.config.DownloadMode == DownloadReadLock

	var items []SyncedItem
	for _, q := range req.Queries {
		res, ok := s.resources.lookup(q.ResourceName)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchResource, q.ResourceName)
		}
		results, err := res.ReadMany(ctx, q.ItemIDs, since, forUpdate)
		if err != nil {
			return nil, fmt.Errorf("download %q: %w", q.ResourceName, err)
		}
		for _, result := range results {
			items = append(items, result.toSyncedItem())
		}
	}

	state.LastDownloadTime = epoch
	if err := s.clients.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("persist download watermark %q: %w", req.StorageID, err)
	}

	s.logger.Info("Download processed",
		"storage_id", req.StorageID, "queries", len(req.Queries),
		"items", len(items), "since", since, "watermark", epoch)
	return &DownloadResponse{
		NewWatermark: epoch,
		Items:        items,
	}, nil
}
