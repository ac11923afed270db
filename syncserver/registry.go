// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// registry maps resource names to their configured SyncResource. Resources
// are registered explicitly at startup; there is no runtime discovery.
type registry struct {
	mu        sync.RWMutex
	resources map[string]*SyncResource
}

func newRegistry() *registry {
	return &registry{resources: make(map[string]*SyncResource)}
}

// normalizeResourceName lowercases and trims a resource name so lookups are
// insensitive to request casing.
func normalizeResourceName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *registry) register(res *SyncResource) error {
	name := normalizeResourceName(res.name)
	if name == "" {
		return fmt.Errorf("resource name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[name]; ok {
		return fmt.Errorf("resource %q already registered", name)
	}
	res.name = name
	r.resources[name] = res
	return nil
}

func (r *registry) lookup(name string) (*SyncResource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[normalizeResourceName(name)]
	return res, ok
}

// names returns the registered resource names in sorted order.
func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.resources))
	for name := range r.resources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
