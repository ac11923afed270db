// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"fmt"
	"strings"
)

// validateUploadRequest checks the request envelope and every item. Items are
// normalized in place (resource name casing, action casing) so the rest of
// the pipeline sees canonical values.
func (s *Synchronizer) validateUploadRequest(req *UploadRequest) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrBadPayload)
	}
	if strings.TrimSpace(req.StorageID) == "" {
		return fmt.Errorf("%w: storage_id is required", ErrBadPayload)
	}
	if req.LastUploadTime <= 0 {
		return fmt.Errorf("%w: last_upload_time must be positive", ErrBadPayload)
	}
	if s.config.MaxBatchSize > 0 && len(req.Items) > s.config.MaxBatchSize {
		return fmt.Errorf("%w: batch too large: items=%d limit=%d", ErrBadPayload, len(req.Items), s.config.MaxBatchSize)
	}
	for i := range req.Items {
		if err := s.validateItem(&req.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) validateItem(item *BatchItem) error {
	item.ResourceName = normalizeResourceName(item.ResourceName)
	item.Action = SyncAction(strings.ToUpper(strings.TrimSpace(string(item.Action))))

	if !isValidResourceName(item.ResourceName) {
		return fmt.Errorf("%w: invalid resource name %q", ErrBadPayload, item.ResourceName)
	}
	if strings.TrimSpace(item.ResourceItemID) == "" {
		return fmt.Errorf("%w: resource_item_id is required", ErrBadPayload)
	}
	if item.LastModified < 0 {
		return fmt.Errorf("%w: negative last_modified for %s", ErrBadPayload, item.Key())
	}

	switch item.Action {
	case ActionCreate, ActionUpdate:
		if len(item.Payload) == 0 {
			return fmt.Errorf("%w: payload required for %s on %s", ErrBadPayload, item.Action, item.Key())
		}
		var obj map[string]any
		if err := json.Unmarshal(item.Payload, &obj); err != nil || obj == nil {
			return fmt.Errorf("%w: payload must be a JSON object for %s", ErrBadPayload, item.Key())
		}
		if s.config.MaxPayloadBytes > 0 && len(item.Payload) > s.config.MaxPayloadBytes {
			return fmt.Errorf("%w: payload too large for %s: %d > %d",
				ErrBadPayload, item.Key(), len(item.Payload), s.config.MaxPayloadBytes)
		}
	case ActionDelete:
		if len(item.Payload) != 0 {
			return fmt.Errorf("%w: DELETE must not include payload for %s", ErrBadPayload, item.Key())
		}
	default:
		return fmt.Errorf("%w: %q on %s", ErrUnknownAction, item.Action, item.Key())
	}
	return nil
}

func (s *Synchronizer) validateDownloadRequest(req *DownloadRequest) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrBadPayload)
	}
	if strings.TrimSpace(req.StorageID) == "" {
		return fmt.Errorf("%w: storage_id is required", ErrBadPayload)
	}
	if req.LastDownloadTime < 0 {
		return fmt.Errorf("%w: negative last_download_time", ErrBadPayload)
	}
	for i := range req.Queries {
		req.Queries[i].ResourceName = normalizeResourceName(req.Queries[i].ResourceName)
		if !isValidResourceName(req.Queries[i].ResourceName) {
			return fmt.Errorf("%w: invalid resource name %q", ErrBadPayload, req.Queries[i].ResourceName)
		}
	}
	return nil
}

// isValidResourceName checks that a resource name matches ^[a-z0-9_]+$
func isValidResourceName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}
