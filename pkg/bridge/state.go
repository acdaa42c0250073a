package bridge

import (
	"time"
)

// Stats summarizes one sync cycle.
type Stats struct {
	Added      int   `json:"added"`
	Updated    int   `json:"updated"`
	Deleted    int   `json:"deleted"`
	Unchanged  int   `json:"unchanged"`
	Failed     int   `json:"failed"`
	Conflicts  int   `json:"conflicts"`
	DurationMs int64 `json:"duration_ms"`
}

// SyncState is the durable per-tenant record the bridge keeps between
// cycles. It is owned exclusively by the sync manager for its tenant
// and never shared across tenants.
type SyncState struct {
	TenantID              string            `json:"tenant_id"`
	LastSyncAt            time.Time         `json:"last_sync_at"`
	LastKnowledgeRevision string            `json:"last_knowledge_revision"`
	KnowledgeHashes       map[string]string `json:"knowledge_hashes"`
	PointerMapping        map[string]string `json:"pointer_mapping"` // pointer id -> item id
	LastRunStats          Stats             `json:"last_run_stats"`
}

// NewSyncState returns the empty state used on first sync for a tenant.
func NewSyncState(tenantID string) *SyncState {
	return &SyncState{
		TenantID:        tenantID,
		KnowledgeHashes: make(map[string]string),
		PointerMapping:  make(map[string]string),
	}
}

// Clone returns a deep copy. Checkpoints hold clones so a later rollback
// restores exactly the pre-cycle maps.
func (s *SyncState) Clone() *SyncState {
	c := *s
	c.KnowledgeHashes = make(map[string]string, len(s.KnowledgeHashes))
	for k, v := range s.KnowledgeHashes {
		c.KnowledgeHashes[k] = v
	}
	c.PointerMapping = make(map[string]string, len(s.PointerMapping))
	for k, v := range s.PointerMapping {
		c.PointerMapping[k] = v
	}
	return &c
}

// PointersFor returns the pointer ids currently mapped to an item.
func (s *SyncState) PointersFor(itemID string) []string {
	var ids []string
	for pointerID, mappedItem := range s.PointerMapping {
		if mappedItem == itemID {
			ids = append(ids, pointerID)
		}
	}
	return ids
}

// Checkpoint is an immutable snapshot of a tenant's sync state taken
// before a cycle mutates anything.
type Checkpoint struct {
	ID       string     `json:"id"`
	TenantID string     `json:"tenant_id"`
	TakenAt  time.Time  `json:"taken_at"`
	State    *SyncState `json:"state"`
}
