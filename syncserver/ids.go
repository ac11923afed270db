// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import "sort"

// ResourceItemID is the immutable composite key of a synchronized item:
// the resource name that owns the item plus the client-visible item identifier.
type ResourceItemID struct {
	ResourceName string
	ItemID       string
}

// Less orders ids lexicographically on (resource name, item id). All batch
// ordering modes rely on this order being total and deterministic so that
// concurrent batches acquire reservations in the same global order.
func (a ResourceItemID) Less(b ResourceItemID) bool {
	if a.ResourceName != b.ResourceName {
		return a.ResourceName < b.ResourceName
	}
	return a.ItemID < b.ItemID
}

func (a ResourceItemID) String() string {
	return a.ResourceName + "/" + a.ItemID
}

// sortBatchItems orders items by ResourceItemID, keeping request order for
// items with equal ids so same-batch sequences stay in client order.
func sortBatchItems(items []BatchItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Key().Less(items[j].Key())
	})
}

// uniqueSortedKeys returns the distinct item keys in sorted order.
func uniqueSortedKeys(items []BatchItem) []ResourceItemID {
	seen := make(map[ResourceItemID]struct{}, len(items))
	keys := make([]ResourceItemID, 0, len(items))
	for _, it := range items {
		k := it.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
