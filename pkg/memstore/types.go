package memstore

import "time"

// Layer is the retrieval scope of a pointer in the memory store. The
// ordering mirrors retrieval precedence: project memories shadow team,
// team shadows org, org shadows company.
type Layer string

const (
	LayerCompany Layer = "company"
	LayerOrg     Layer = "org"
	LayerTeam    Layer = "team"
	LayerProject Layer = "project"
)

// Precedence returns the retrieval precedence of the layer, higher
// meaning more specific.
func (l Layer) Precedence() int {
	switch l {
	case LayerProject:
		return 3
	case LayerTeam:
		return 2
	case LayerOrg:
		return 1
	default:
		return 0
	}
}

// Pointer is a compact, retrievable summary of a knowledge item
// materialized into the memory store. Pointers are created, updated and
// deleted only by the sync bridge.
type Pointer struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	SourceItemID string    `json:"source_item_id"`
	Content      string    `json:"content"`
	ContentHash  string    `json:"content_hash"`
	Layer        Layer     `json:"layer"`
	Orphaned     bool      `json:"orphaned"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
