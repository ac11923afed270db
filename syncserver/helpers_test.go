// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeVersionStore is an in-memory VersionStore with real blocking
// reservations, so lock-ordering behavior can be exercised in-process.
type fakeVersionStore struct {
	mu      sync.Mutex
	records map[ResourceItemID]*fakeRecordEntry

	getCalls          int
	getForUpdateCalls int
}

type fakeRecordEntry struct {
	rec VersionRecord
	sem chan struct{}
}

func newFakeVersionStore() *fakeVersionStore {
	return &fakeVersionStore{records: make(map[ResourceItemID]*fakeRecordEntry)}
}

func (s *fakeVersionStore) Get(_ context.Context, id ResourceItemID) (*VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	e, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return e.rec.Clone(), nil
}

func (s *fakeVersionStore) GetForUpdate(ctx context.Context, id ResourceItemID) (*VersionRecord, error) {
	s.mu.Lock()
	s.getForUpdateCalls++
	e, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrRecordNotFound
	}
	sem := e.sem
	s.mu.Unlock()

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

func (s *fakeVersionStore) Create(_ context.Context, rec *VersionRecord) (*VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return nil, ErrDuplicateRecord
	}
	e := &fakeRecordEntry{rec: *rec.Clone(), sem: make(chan struct{}, 1)}
	e.rec.Reserved = false
	s.records[rec.ID] = e
	return e.rec.Clone(), nil
}

func (s *fakeVersionStore) Save(_ context.Context, rec *VersionRecord) (*VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[rec.ID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	reserved := e.rec.Reserved
	e.rec = *rec.Clone()
	e.rec.Reserved = reserved
	return e.rec.Clone(), nil
}

func (s *fakeVersionStore) Release(_ context.Context, id ResourceItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
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

func (s *fakeVersionStore) FindModifiedSince(_ context.Context, resourceName string, itemIDs []string, since int64) ([]*VersionRecord, error) {
	var wanted map[string]struct{}
	if len(itemIDs) > 0 {
		wanted = make(map[string]struct{}, len(itemIDs))
		for _, id := range itemIDs {
			wanted[id] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*VersionRecord
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

func (s *fakeVersionStore) getCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

// fakeClientStore is an in-memory ClientStateStore.
type fakeClientStore struct {
	mu      sync.Mutex
	clients map[string]*ClientSyncState
}

func newFakeClientStore() *fakeClientStore {
	return &fakeClientStore{clients: make(map[string]*ClientSyncState)}
}

func (s *fakeClientStore) Get(_ context.Context, storageID string) (*ClientSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[storageID]
	if !ok {
		return nil, ErrClientNotFound
	}
	cl := *st
	return &cl, nil
}

func (s *fakeClientStore) GetOrCreate(_ context.Context, storageID string) (*ClientSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[storageID]
	if !ok {
		st = &ClientSyncState{StorageID: storageID}
		s.clients[storageID] = st
	}
	cl := *st
	return &cl, nil
}

func (s *fakeClientStore) AdvanceUploadTime(_ context.Context, storageID string, uploadTime int64) (bool, *ClientSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[storageID]
	if !ok {
		return false, nil, ErrClientNotFound
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

func (s *fakeClientStore) Save(_ context.Context, state *ClientSyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl := *state
	s.clients[state.StorageID] = &cl
	return nil
}

// fakeAdapter stores payloads in memory and detects logical-key duplicates on
// the payload's "id" field, mirroring how a real adapter with a unique
// business key behaves.
type fakeAdapter struct {
	mu      sync.Mutex
	items   map[string]json.RawMessage // target id -> payload
	keys    map[string]string          // logical key -> target id
	targets map[string]string          // target id -> logical key
	nextID  int
	creates int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		items:   make(map[string]json.RawMessage),
		keys:    make(map[string]string),
		targets: make(map[string]string),
	}
}

func (a *fakeAdapter) logicalKey(payload json.RawMessage) string {
	var doc struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload, &doc)
	return doc.ID
}

func (a *fakeAdapter) RawCreate(_ context.Context, payload json.RawMessage) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates++
	key := a.logicalKey(payload)
	if key != "" {
		if existing, ok := a.keys[key]; ok {
			return "", &DuplicateKeyError{TargetItemID: existing, Item: a.items[existing]}
		}
	}
	a.nextID++
	target := fmt.Sprintf("t%d", a.nextID)
	a.items[target] = append(json.RawMessage(nil), payload...)
	if key != "" {
		a.keys[key] = target
		a.targets[target] = key
	}
	return target, nil
}

func (a *fakeAdapter) RawRead(_ context.Context, targetItemID string) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.items[targetItemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	return item, nil
}

func (a *fakeAdapter) RawReadMany(_ context.Context, targetItemIDs []string) (map[string]json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]json.RawMessage, len(targetItemIDs))
	for _, id := range targetItemIDs {
		if item, ok := a.items[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

func (a *fakeAdapter) RawUpdate(_ context.Context, targetItemID string, item json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.items[targetItemID]; !ok {
		return ErrItemNotFound
	}
	a.items[targetItemID] = append(json.RawMessage(nil), item...)
	return nil
}

func (a *fakeAdapter) RawDelete(_ context.Context, targetItemID string) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.items[targetItemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	delete(a.items, targetItemID)
	if key, ok := a.targets[targetItemID]; ok {
		delete(a.keys, key)
		delete(a.targets, targetItemID)
	}
	return item, nil
}

// drop removes an item behind the sync engine's back.
func (a *fakeAdapter) drop(targetItemID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.items, targetItemID)
}

func (a *fakeAdapter) createCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creates
}

func (a *fakeAdapter) hasKey(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.keys[key]
	return ok
}

type testFixture struct {
	sync    *Synchronizer
	adapter *fakeAdapter
	store   *fakeVersionStore
	clients *fakeClientStore
}

// newTestFixture builds a synchronizer over the in-memory fakes with a "todo"
// resource registered.
func newTestFixture(t *testing.T, cfg *ServiceConfig) *testFixture {
	t.Helper()
	store := newFakeVersionStore()
	clients := newFakeClientStore()
	adapter := newFakeAdapter()

	s, err := NewSynchronizer(store, clients, cfg, slog.Default())
	require.NoError(t, err)
	require.NoError(t, s.Register(RegisteredResource{Name: "todo", Adapter: adapter}))
	t.Cleanup(func() { _ = s.Close() })

	return &testFixture{sync: s, adapter: adapter, store: store, clients: clients}
}

// freezeClock pins the wall clock at the given unix-millisecond instant. The
// monotonic sync clock keeps advancing by one per batch while frozen.
func (f *testFixture) freezeClock(millis int64) {
	f.sync.clock.mu.Lock()
	defer f.sync.clock.mu.Unlock()
	f.sync.clock.now = func() time.Time { return time.UnixMilli(millis) }
}

func pl(key string, n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"n":%d}`, key, n))
}

func createItem(id, key string, n int) BatchItem {
	return BatchItem{ResourceName: "todo", ResourceItemID: id, Action: ActionCreate, Payload: pl(key, n)}
}

func updateItem(id string, claim int64, key string, n int) BatchItem {
	return BatchItem{ResourceName: "todo", ResourceItemID: id, LastModified: claim, Action: ActionUpdate, Payload: pl(key, n)}
}

func deleteItem(id string, claim int64) BatchItem {
	return BatchItem{ResourceName: "todo", ResourceItemID: id, LastModified: claim, Action: ActionDelete}
}

func uploadReq(storageID string, uploadTime int64, items ...BatchItem) *UploadRequest {
	return &UploadRequest{StorageID: storageID, LastUploadTime: uploadTime, Items: items}
}

func todoID(itemID string) ResourceItemID {
	return ResourceItemID{ResourceName: "todo", ItemID: itemID}
}
