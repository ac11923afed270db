// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

// SyncAction is the logical action recorded for a resource item version.
// ActionNone is the zero wire value: clients may send it on items they never
// versioned, but the server never records it. ActionDuplicate marks a
// DUPLICATE_ID conflict entry whose item has no version record to report an
// action from.
type SyncAction string

const (
	ActionNone      SyncAction = "NONE"
	ActionCreate    SyncAction = "CREATE"
	ActionUpdate    SyncAction = "UPDATE"
	ActionDelete    SyncAction = "DELETE"
	ActionDuplicate SyncAction = "DUPLICATE"
)

// ConflictType classifies a failed reconciliation.
type ConflictType string

const (
	ConflictNone        ConflictType = "NONE"
	ConflictDuplicateID ConflictType = "DUPLICATE_ID"
	ConflictUpdated     ConflictType = "UPDATED"
)

// UploadOrderMode selects how batch items are ordered and locked before execution.
type UploadOrderMode string

const (
	OrderNone          UploadOrderMode = "NONE"
	OrderSort          UploadOrderMode = "SORT"
	OrderLock          UploadOrderMode = "LOCK"
	OrderReserve       UploadOrderMode = "RESERVE"
	OrderAvoidDeadlock UploadOrderMode = "AVOID_DEADLOCK"
)

// DownloadMode selects the read consistency mode for downloads.
type DownloadMode string

const (
	DownloadNone     DownloadMode = "NONE"
	DownloadReadLock DownloadMode = "READ_LOCK"
)

// LockMode selects the per-resource lock strategy.
type LockMode string

const (
	LockOptimistic  LockMode = "OPTIMISTIC"
	LockPessimistic LockMode = "PESSIMISTIC"
)

// Error reason constants surfaced in HTTP error responses
const (
	ReasonBadPayload     = "bad_payload"
	ReasonNoSuchResource = "no_such_resource"
	ReasonUnknownAction  = "unknown_action"
	ReasonNotFound       = "not_found"
	ReasonBatchTooLarge  = "batch_too_large"
	ReasonConflict       = "conflict"
	ReasonInternalError  = "internal_error"
)
