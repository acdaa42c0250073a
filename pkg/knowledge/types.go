package knowledge

import "time"

// ItemType classifies a knowledge item
type ItemType string

const (
	ItemTypeDecisionRecord ItemType = "decision-record"
	ItemTypePolicy         ItemType = "policy"
	ItemTypePattern        ItemType = "pattern"
	ItemTypeSpec           ItemType = "spec"
)

// Layer is the organizational scope of a knowledge item
type Layer string

const (
	LayerCompany Layer = "company"
	LayerOrg     Layer = "org"
	LayerTeam    Layer = "team"
	LayerProject Layer = "project"
)

// Status represents the lifecycle state of a knowledge item
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusSuperseded Status = "superseded"
)

// ConstraintSeverity orders constraints by how strongly they bind
type ConstraintSeverity string

const (
	SeverityBlocking ConstraintSeverity = "blocking"
	SeverityWarning  ConstraintSeverity = "warning"
	SeverityInfo     ConstraintSeverity = "info"
)

// Constraint is a rule derived from a knowledge item
type Constraint struct {
	Text     string             `json:"text"`
	Severity ConstraintSeverity `json:"severity"`
}

// Item is a governed unit of organizational knowledge. Items are owned
// by the knowledge repository and are read-only from the bridge side.
type Item struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Type        ItemType     `json:"type"`
	Layer       Layer        `json:"layer"`
	Title       string       `json:"title"`
	Summary     string       `json:"summary"`
	Content     string       `json:"content"`
	ContentHash string       `json:"content_hash,omitempty"`
	Status      Status       `json:"status"`
	Constraints []Constraint `json:"constraints,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ManifestEntry is the lightweight view of an item used for delta
// computation; fetching full content is deferred until an item is known
// to need processing.
type ManifestEntry struct {
	ID     string   `json:"id"`
	Hash   string   `json:"hash"`
	Layer  Layer    `json:"layer"`
	Type   ItemType `json:"type"`
	Status Status   `json:"status"`
}

// ValidType reports whether t is a known item type.
func ValidType(t ItemType) bool {
	switch t {
	case ItemTypeDecisionRecord, ItemTypePolicy, ItemTypePattern, ItemTypeSpec:
		return true
	}
	return false
}

// ValidLayer reports whether l is a known layer.
func ValidLayer(l Layer) bool {
	switch l {
	case LayerCompany, LayerOrg, LayerTeam, LayerProject:
		return true
	}
	return false
}

// Retired reports whether the item has left active service.
func (s Status) Retired() bool {
	return s == StatusDeprecated || s == StatusSuperseded
}
