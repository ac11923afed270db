// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

// Package memstore provides in-memory implementations of the sync engine's
// version-record and client-state stores. Reservations block through a
// per-record semaphore, so pessimistic locking and RESERVE-mode batches
// behave the same way they do against the SQL-backed store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/hifive/hifive-sync-server-sub000/syncserver"
)

type recordEntry struct {
	rec syncserver.VersionRecord
	sem chan struct{} // reservation: holds one token while reserved
}

// VersionStore keeps version records in process memory.
type VersionStore struct {
	mu      sync.Mutex
	records map[syncserver.ResourceItemID]*recordEntry
}

var _ syncserver.VersionStore = (*VersionStore)(nil)

// NewVersionStore creates an empty version store.
func NewVersionStore() *VersionStore {
	return &VersionStore{records: make(map[syncserver.ResourceItemID]*recordEntry)}
}

func (s *VersionStore) Get(_ context.Context, id syncserver.ResourceItemID) (*syncserver.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	if !ok {
		return nil, syncserver.ErrRecordNotFound
	}
	return e.rec.Clone(), nil
}

func (s *VersionStore) GetForUpdate(ctx context.Context, id syncserver.ResourceItemID) (*syncserver.VersionRecord, error) {
	s.mu.Lock()
	e, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, syncserver.ErrRecordNotFound
	}
	sem := e.sem
	s.mu.Unlock()

	// Block until the current holder releases, or the caller gives up.
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.rec.Reserved = true
	return e.rec.Clone(), nil
}

func (s *VersionStore) Create(_ context.Context, rec *syncserver.VersionRecord) (*syncserver.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return nil, syncserver.ErrDuplicateRecord
	}
	e := &recordEntry{rec: *rec.Clone(), sem: make(chan struct{}, 1)}
	e.rec.Reserved = false
	s.records[rec.ID] = e
	return e.rec.Clone(), nil
}

func (s *VersionStore) Save(_ context.Context, rec *syncserver.VersionRecord) (*syncserver.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[rec.ID]
	if !ok {
		return nil, syncserver.ErrRecordNotFound
	}
	reserved := e.rec.Reserved
	e.rec = *rec.Clone()
	e.rec.Reserved = reserved
	return e.rec.Clone(), nil
}

func (s *VersionStore) Release(_ context.Context, id syncserver.ResourceItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	if !ok {
		return syncserver.ErrRecordNotFound
	}
	if e.rec.Reserved {
		e.rec.Reserved = false
		select {
		case <-e.sem:
		default:
		}
	}
	return nil
}

func (s *VersionStore) FindModifiedSince(_ context.Context, resourceName string, itemIDs []string, since int64) ([]*syncserver.VersionRecord, error) {
	var wanted map[string]struct{}
	if len(itemIDs) > 0 {
		wanted = make(map[string]struct{}, len(itemIDs))
		for _, id := range itemIDs {
			wanted[id] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*syncserver.VersionRecord
	for id, e := range s.records {
		if id.ResourceName != resourceName || e.rec.LastModified <= since {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[id.ItemID]; !ok {
				continue
			}
		}
		out = append(out, e.rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.ItemID < out[j].ID.ItemID })
	return out, nil
}

// ClientStore keeps per-client sync state in process memory.
type ClientStore struct {
	mu      sync.Mutex
	clients map[string]*syncserver.ClientSyncState
}

var _ syncserver.ClientStateStore = (*ClientStore)(nil)

// NewClientStore creates an empty client state store.
func NewClientStore() *ClientStore {
	return &ClientStore{clients: make(map[string]*syncserver.ClientSyncState)}
}

func (s *ClientStore) Get(_ context.Context, storageID string) (*syncserver.ClientSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[storageID]
	if !ok {
		return nil, syncserver.ErrClientNotFound
	}
	cl := *st
	return &cl, nil
}

func (s *ClientStore) GetOrCreate(_ context.Context, storageID string) (*syncserver.ClientSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[storageID]
	if !ok {
		st = &syncserver.ClientSyncState{StorageID: storageID}
		s.clients[storageID] = st
	}
	cl := *st
	return &cl, nil
}

// AdvanceUploadTime compare-and-swaps the upload watermark under the store
// mutex; the previous batch's stored response is cleared in the same step so
// a concurrent duplicate cannot mistake it for this batch's outcome.
func (s *ClientStore) AdvanceUploadTime(_ context.Context, storageID string, uploadTime int64) (bool, *syncserver.ClientSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[storageID]
	if !ok {
		return false, nil, syncserver.ErrClientNotFound
	}
	if st.LastUploadTime >= uploadTime {
		cl := *st
		return false, &cl, nil
	}
	prev := *st
	st.LastUploadTime = uploadTime
	st.LastUploadResponse = nil
	return true, &prev, nil
}

func (s *ClientStore) Save(_ context.Context, state *syncserver.ClientSyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl := *state
	s.clients[state.StorageID] = &cl
	return nil
}
