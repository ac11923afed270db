// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Synchronizer is the top-level sync facade: the upload and download entry
// points, the sync-time source, and the resource registry.
type Synchronizer struct {
	versions  VersionStore
	clients   ClientStateStore
	config    *ServiceConfig
	logger    *slog.Logger
	resources *registry
	clock     *syncClock

	mu     sync.RWMutex
	closed bool
}

// NewSynchronizer creates the facade over the given stores and registers the
// resources declared in the config.
func NewSynchronizer(versions VersionStore, clients ClientStateStore, config *ServiceConfig, logger *slog.Logger) (*Synchronizer, error) {
	if versions == nil || clients == nil {
		return nil, errors.New("version store and client state store are required")
	}
	if config == nil {
		config = DefaultServiceConfig()
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid service config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Synchronizer{
		versions:  versions,
		clients:   clients,
		config:    config,
		logger:    logger,
		resources: newRegistry(),
		clock:     newSyncClock(time.Now),
	}
	for _, res := range config.Resources {
		if err := s.Register(res); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds a business resource to the registry. Resources registered
// without a resolver inherit the config default; without a lock mode they are
// optimistic.
func (s *Synchronizer) Register(res RegisteredResource) error {
	resolver := res.Resolver
	if resolver == nil {
		resolver = s.config.DefaultResolver
	}
	sr, err := newSyncResource(res.Name, res.Adapter, s.versions, res.LockMode, resolver, s.logger)
	if err != nil {
		return err
	}
	if err := s.resources.register(sr); err != nil {
		return err
	}
	s.logger.Debug("Registered resource", "name", sr.name, "lock_mode", res.LockMode)
	return nil
}

// Resource returns the registered resource by name.
func (s *Synchronizer) Resource(name string) (*SyncResource, bool) {
	return s.resources.lookup(name)
}

// ResourceNames returns the registered resource names in sorted order.
func (s *Synchronizer) ResourceNames() []string {
	return s.resources.names()
}

// Upload processes a batch upload. Conflicts that abort the batch are raised
// as a *SyncConflictError so transport code can map them to a wire-level
// failure; non-blocking conflicts ride along on the success response.
func (s *Synchronizer) Upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := s.validateUploadRequest(req); err != nil {
		return nil, err
	}

	resp, err := s.processUpload(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.NewWatermark == 0 && resp.ConflictType != "" {
		return nil, &SyncConflictError{Response: resp}
	}
	return resp, nil
}

// Download processes a download request and advances the client's download
// watermark to now minus the configured buffer window.
func (s *Synchronizer) Download(ctx context.Context, req *DownloadRequest) (*DownloadResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := s.validateDownloadRequest(req); err != nil {
		return nil, err
	}
	return s.processDownload(ctx, req)
}

// Close shuts the facade down. Safe to call multiple times.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.logger.Debug("Shutting down synchronizer")
	s.closed = true
	return nil
}

func (s *Synchronizer) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("synchronizer has been closed")
	}
	return nil
}

// nextSyncTime returns the batch sync timestamp: strictly increasing across
// batches even when the wall clock stalls within one millisecond.
func (s *Synchronizer) nextSyncTime() int64 {
	return s.clock.next()
}

// syncClock produces monotonic unix-millisecond sync timestamps.
type syncClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func newSyncClock(now func() time.Time) *syncClock {
	return &syncClock{now: now}
}

func (c *syncClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UnixMilli()
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return t
}

// nowMillis returns the current wall-clock millis without advancing the
// monotonic counter.
func (c *syncClock) nowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().UnixMilli()
}
