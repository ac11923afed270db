// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"fmt"
	"time"
)

// RegisteredResource declares one business resource at service construction:
// its adapter plus optional per-resource lock mode and conflict resolver.
type RegisteredResource struct {
	Name     string
	Adapter  ResourceAdapter
	LockMode LockMode         // default LockOptimistic
	Resolver ConflictResolver // default ServiceConfig.DefaultResolver
}

// ServiceConfig holds configuration for the synchronizer.
type ServiceConfig struct {
	AppName string // application name for status reporting

	// UploadOrder selects item ordering/locking for upload batches.
	// RESERVE acquires all referenced reservations in global sorted order
	// before executing any item and is the deadlock-avoidance mode.
	UploadOrder UploadOrderMode

	// DownloadMode selects the read consistency mode for downloads.
	DownloadMode DownloadMode

	// DownloadBufferWindow is subtracted from the download epoch so uploads
	// in flight while the epoch is computed are re-delivered on the next
	// cycle instead of being missed. Clients must tolerate re-delivery.
	DownloadBufferWindow time.Duration

	// ContinueOnConflict controls, per conflict type, whether batch
	// processing keeps going after a conflict of that type (gathering all of
	// them) or stops at the first one.
	ContinueOnConflict map[ConflictType]bool

	// DefaultResolver applies to resources registered without their own.
	DefaultResolver ConflictResolver

	Resources []RegisteredResource

	MaxBatchSize    int // maximum items per upload batch (0 = unlimited)
	MaxPayloadBytes int // maximum payload size per item in bytes (0 = unlimited)
}

// DefaultServiceConfig returns the stock configuration: sorted uploads,
// unlocked downloads with a 500ms buffer window, continue-on-conflict for
// both conflict types, and the reject-and-report resolver.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		AppName:              "hifive-sync-server",
		UploadOrder:          OrderSort,
		DownloadMode:         DownloadNone,
		DownloadBufferWindow: 500 * time.Millisecond,
		ContinueOnConflict: map[ConflictType]bool{
			ConflictDuplicateID: true,
			ConflictUpdated:     true,
		},
		DefaultResolver: &RejectAndReport{},
	}
}

// validate normalizes zero values and rejects unknown modes.
func (c *ServiceConfig) validate() error {
	if c.UploadOrder == "" {
		c.UploadOrder = OrderSort
	}
	switch c.UploadOrder {
	case OrderNone, OrderSort, OrderLock, OrderReserve, OrderAvoidDeadlock:
	default:
		return fmt.Errorf("unknown upload order mode %q", c.UploadOrder)
	}

	if c.DownloadMode == "" {
		c.DownloadMode = DownloadNone
	}
	switch c.DownloadMode {
	case DownloadNone, DownloadReadLock:
	default:
		return fmt.Errorf("unknown download mode %q", c.DownloadMode)
	}

	if c.DownloadBufferWindow < 0 {
		return fmt.Errorf("negative download buffer window %v", c.DownloadBufferWindow)
	}
	if c.ContinueOnConflict == nil {
		c.ContinueOnConflict = map[ConflictType]bool{
			ConflictDuplicateID: true,
			ConflictUpdated:     true,
		}
	}
	if c.DefaultResolver == nil {
		c.DefaultResolver = &RejectAndReport{}
	}
	return nil
}
