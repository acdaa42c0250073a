package bridge

import (
	"sort"

	"github.com/knoxhq/kbridge/pkg/knowledge"
)

// Delta is the partition of item ids produced by comparing the current
// manifest against the stored hashes. The four buckets are pairwise
// disjoint and their union covers manifest ids plus stored ids.
type Delta struct {
	Added     []string `json:"added"`
	Updated   []string `json:"updated"`
	Deleted   []string `json:"deleted"`
	Unchanged []string `json:"unchanged"`
}

// Empty reports whether the delta contains no changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// ChangedCount returns the number of items requiring processing.
func (d Delta) ChangedCount() int {
	return len(d.Added) + len(d.Updated) + len(d.Deleted)
}

// ComputeDelta classifies every id present in the manifest or in the
// stored hash set. O(n) in the combined size of the two inputs.
func ComputeDelta(manifest []knowledge.ManifestEntry, stored map[string]string) Delta {
	var d Delta
	seen := make(map[string]struct{}, len(manifest))

	for _, entry := range manifest {
		seen[entry.ID] = struct{}{}
		storedHash, ok := stored[entry.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, entry.ID)
		case storedHash != entry.Hash:
			d.Updated = append(d.Updated, entry.ID)
		default:
			d.Unchanged = append(d.Unchanged, entry.ID)
		}
	}

	for id := range stored {
		if _, ok := seen[id]; !ok {
			d.Deleted = append(d.Deleted, id)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Updated)
	sort.Strings(d.Deleted)
	sort.Strings(d.Unchanged)
	return d
}
