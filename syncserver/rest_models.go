// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import "encoding/json"

// REST/JSON models for the sync API. The transport layer resolves identity
// and information-source priority before these structs are constructed; the
// core only ever sees fully-formed typed requests.

// BatchItem is a single requested mutation inside an upload batch, or a scope
// entry inside a download request. LastModified is the version the client
// believes is current (the claimed base version).
type BatchItem struct {
	ResourceName   string          `json:"resource_name"`
	ResourceItemID string          `json:"resource_item_id"`
	LastModified   int64           `json:"last_modified"`
	Action         SyncAction      `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Key returns the composite item key.
func (b BatchItem) Key() ResourceItemID {
	return ResourceItemID{ResourceName: b.ResourceName, ItemID: b.ResourceItemID}
}

// UploadRequest is a batch upload from one client. LastUploadTime is the
// client's claimed upload watermark, used for duplicate-submission detection.
type UploadRequest struct {
	StorageID      string      `json:"storage_id"`
	LastUploadTime int64       `json:"last_upload_time"`
	Items          []BatchItem `json:"items"`
}

// SyncedItem is a per-item success entry in an upload or download response.
type SyncedItem struct {
	ResourceName   string          `json:"resource_name"`
	ResourceItemID string          `json:"resource_item_id"`
	LastModified   int64           `json:"last_modified"`
	Action         SyncAction      `json:"action"`
	Item           json.RawMessage `json:"item,omitempty"`
}

// ConflictItem is one conflicting item as reported to the client: the
// server's current version and value.
type ConflictItem struct {
	ResourceItemID     string          `json:"resource_item_id"`
	ServerLastModified int64           `json:"server_last_modified"`
	ServerAction       SyncAction      `json:"server_action"`
	ServerItem         json.RawMessage `json:"server_item,omitempty"`
}

// UploadResponse is the server response to an upload. On success NewWatermark
// carries the batch sync time and Items the applied results. When conflicts
// occurred, ConflictType and Conflicts (grouped by resource name) report the
// highest-priority conflict type seen in the batch.
type UploadResponse struct {
	NewWatermark int64                     `json:"new_watermark,omitempty"`
	Items        []SyncedItem              `json:"items,omitempty"`
	ConflictType ConflictType              `json:"conflict_type,omitempty"`
	Conflicts    map[string][]ConflictItem `json:"conflicts,omitempty"`
}

// DownloadQuery scopes one resource inside a download request. An empty
// ItemIDs slice asks for every modified item of the resource.
type DownloadQuery struct {
	ResourceName string   `json:"resource_name"`
	ItemIDs      []string `json:"item_ids,omitempty"`
}

// DownloadRequest asks for all changes visible since the client's claimed
// download watermark.
type DownloadRequest struct {
	StorageID        string          `json:"storage_id"`
	LastDownloadTime int64           `json:"last_download_time"`
	Queries          []DownloadQuery `json:"queries"`
}

// DownloadResponse carries the modified items (tombstones included) and the
// client's next download watermark, already buffered by the configured window.
type DownloadResponse struct {
	NewWatermark int64        `json:"new_watermark"`
	Items        []SyncedItem `json:"items"`
}

// ErrorResponse is the standardized HTTP error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse reports service health and registered resources.
type StatusResponse struct {
	Status    string   `json:"status"`
	AppName   string   `json:"app_name"`
	Resources []string `json:"resources"`
}
