package bridge

import (
	"fmt"
	"sort"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/knoxhq/kbridge/pkg/knowledge"
	"github.com/knoxhq/kbridge/pkg/memstore"
)

// maxRenderedConstraints caps how many blocking constraints a pointer
// carries; retrieval favors compact payloads over completeness.
const maxRenderedConstraints = 3

var typeTags = map[knowledge.ItemType]string{
	knowledge.ItemTypeDecisionRecord: "[ADR]",
	knowledge.ItemTypePolicy:         "[POLICY]",
	knowledge.ItemTypePattern:        "[PATTERN]",
	knowledge.ItemTypeSpec:           "[SPEC]",
}

// RenderContent produces the pointer payload for an item. Rendering is
// pure: the same item always yields the same content.
func RenderContent(item *knowledge.Item) string {
	tag, ok := typeTags[item.Type]
	if !ok {
		tag = "[KNOWLEDGE]"
	}

	var b strings.Builder
	b.WriteString(tag)
	b.WriteString(" ")
	b.WriteString(item.Title)
	if item.Summary != "" {
		b.WriteString(": ")
		b.WriteString(item.Summary)
	}

	if blocking := blockingConstraints(item); len(blocking) > 0 {
		b.WriteString(" [constraints: ")
		b.WriteString(strings.Join(blocking, "; "))
		b.WriteString("]")
	}

	if item.Status.Retired() {
		fmt.Fprintf(&b, " [status: %s]", item.Status)
	}

	fmt.Fprintf(&b, " (ref: %s)", item.ID)
	return b.String()
}

// blockingConstraints returns up to maxRenderedConstraints blocking
// constraint texts in a deterministic order.
func blockingConstraints(item *knowledge.Item) []string {
	var texts []string
	for _, c := range item.Constraints {
		if c.Severity == knowledge.SeverityBlocking {
			texts = append(texts, c.Text)
		}
	}
	sort.Strings(texts)
	if len(texts) > maxRenderedConstraints {
		texts = texts[:maxRenderedConstraints]
	}
	return texts
}

// MapLayer maps a knowledge layer to its memory store counterpart. The
// mapping is structural so the store's retrieval precedence ordering is
// preserved.
func MapLayer(l knowledge.Layer) memstore.Layer {
	switch l {
	case knowledge.LayerCompany:
		return memstore.LayerCompany
	case knowledge.LayerOrg:
		return memstore.LayerOrg
	case knowledge.LayerTeam:
		return memstore.LayerTeam
	case knowledge.LayerProject:
		return memstore.LayerProject
	default:
		return memstore.LayerCompany
	}
}

// NewPointerID generates a pointer id.
func NewPointerID() (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate pointer id: %w", err)
	}
	return "ptr_" + id, nil
}

// BuildPointer materializes a pointer for an item, reusing pointerID
// when the item already has one mapped. The pointer's content hash is
// the item's content hash so consistency can be checked without
// refetching the item body.
func BuildPointer(item *knowledge.Item, pointerID string, now time.Time) (*memstore.Pointer, error) {
	if pointerID == "" {
		id, err := NewPointerID()
		if err != nil {
			return nil, err
		}
		pointerID = id
	}
	return &memstore.Pointer{
		ID:           pointerID,
		TenantID:     item.TenantID,
		SourceItemID: item.ID,
		Content:      RenderContent(item),
		ContentHash:  item.ContentHash,
		Layer:        MapLayer(item.Layer),
		UpdatedAt:    now,
	}, nil
}
