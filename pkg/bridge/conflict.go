package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/knoxhq/kbridge/pkg/knowledge"
	"github.com/knoxhq/kbridge/pkg/memstore"
)

// ConflictType enumerates the inconsistencies the detector recognizes
// between a knowledge item and its pointer.
type ConflictType string

const (
	ConflictHashMismatch     ConflictType = "hash_mismatch"
	ConflictOrphanedPointer  ConflictType = "orphaned_pointer"
	ConflictDuplicatePointer ConflictType = "duplicate_pointer"
	ConflictLayerMismatch    ConflictType = "layer_mismatch"
	ConflictStatusChange     ConflictType = "status_change"
)

// Resolution is the repair action applied to a conflict.
type Resolution string

const (
	ResolutionUpdateMemory Resolution = "update_memory"
	ResolutionDeleteMemory Resolution = "delete_memory"
)

// Conflict is a detected inconsistency between a knowledge item and its
// pointer memory.
type Conflict struct {
	Type        ConflictType `json:"type"`
	KnowledgeID string       `json:"knowledge_id"`
	PointerID   string       `json:"pointer_id"`
	Suggested   Resolution   `json:"suggested"`
	// Flagged marks resolutions that deserve operator attention, such
	// as pointers regenerated because their item was retired.
	Flagged bool `json:"flagged,omitempty"`
	// PolicySensitive marks conflicts on policy items; these are always
	// offered to the governance engine before resolution.
	PolicySensitive bool      `json:"policy_sensitive,omitempty"`
	DetectedAt      time.Time `json:"detected_at"`
}

// DefaultResolution returns the built-in repair action for a conflict
// type.
func DefaultResolution(t ConflictType) Resolution {
	switch t {
	case ConflictOrphanedPointer, ConflictDuplicatePointer:
		return ResolutionDeleteMemory
	default:
		return ResolutionUpdateMemory
	}
}

// ResolutionConfig overrides the default resolution per conflict type.
// Unlisted types fall back to DefaultResolution.
type ResolutionConfig map[ConflictType]Resolution

func (c ResolutionConfig) resolutionFor(t ConflictType) Resolution {
	if c != nil {
		if r, ok := c[t]; ok {
			return r
		}
	}
	return DefaultResolution(t)
}

// DetectConflicts validates every mapped pointer against the manifest
// snapshot produced by the current cycle. It reads pointers through the
// provider so the check covers what is actually stored, not what the
// bridge believes it stored.
func DetectConflicts(
	ctx context.Context,
	tenantID string,
	manifest map[string]knowledge.ManifestEntry,
	state *SyncState,
	provider memstore.Provider,
) ([]Conflict, error) {
	now := time.Now().UTC()
	var conflicts []Conflict

	// Deterministic iteration order keeps logs and tests stable.
	pointerIDs := make([]string, 0, len(state.PointerMapping))
	for pointerID := range state.PointerMapping {
		pointerIDs = append(pointerIDs, pointerID)
	}
	sort.Strings(pointerIDs)

	byItem := make(map[string][]*memstore.Pointer)

	for _, pointerID := range pointerIDs {
		itemID := state.PointerMapping[pointerID]
		entry, itemExists := manifest[itemID]

		ptr, err := provider.GetPointer(ctx, tenantID, pointerID)
		if errors.Is(err, memstore.ErrNotFound) {
			if !itemExists {
				// Stale mapping for a gone item; resolving as orphaned
				// clears the mapping entry.
				conflicts = append(conflicts, Conflict{
					Type:        ConflictOrphanedPointer,
					KnowledgeID: itemID,
					PointerID:   pointerID,
					Suggested:   ResolutionDeleteMemory,
					DetectedAt:  now,
				})
				continue
			}
			// Mapped but missing from the store: regenerate.
			conflicts = append(conflicts, Conflict{
				Type:            ConflictHashMismatch,
				KnowledgeID:     itemID,
				PointerID:       pointerID,
				Suggested:       ResolutionUpdateMemory,
				PolicySensitive: entry.Type == knowledge.ItemTypePolicy,
				DetectedAt:      now,
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read pointer %s: %w", pointerID, err)
		}
		if ptr.TenantID != "" && ptr.TenantID != tenantID {
			return nil, newError(CodeTenantIsolationViolation, "detect_conflicts", tenantID,
				fmt.Errorf("pointer %s belongs to tenant %q", pointerID, ptr.TenantID))
		}

		if !itemExists {
			conflicts = append(conflicts, Conflict{
				Type:        ConflictOrphanedPointer,
				KnowledgeID: itemID,
				PointerID:   pointerID,
				Suggested:   ResolutionDeleteMemory,
				DetectedAt:  now,
			})
			continue
		}

		byItem[itemID] = append(byItem[itemID], ptr)
		sensitive := entry.Type == knowledge.ItemTypePolicy

		switch {
		case entry.Status.Retired() && ptr.ContentHash != entry.Hash:
			conflicts = append(conflicts, Conflict{
				Type:            ConflictStatusChange,
				KnowledgeID:     itemID,
				PointerID:       pointerID,
				Suggested:       ResolutionUpdateMemory,
				Flagged:         true,
				PolicySensitive: sensitive,
				DetectedAt:      now,
			})
		case ptr.ContentHash != entry.Hash:
			conflicts = append(conflicts, Conflict{
				Type:            ConflictHashMismatch,
				KnowledgeID:     itemID,
				PointerID:       pointerID,
				Suggested:       ResolutionUpdateMemory,
				PolicySensitive: sensitive,
				DetectedAt:      now,
			})
		case ptr.Layer != MapLayer(entry.Layer):
			conflicts = append(conflicts, Conflict{
				Type:            ConflictLayerMismatch,
				KnowledgeID:     itemID,
				PointerID:       pointerID,
				Suggested:       ResolutionUpdateMemory,
				PolicySensitive: sensitive,
				DetectedAt:      now,
			})
		}
	}

	// Duplicate pointers: several mapping entries referencing one item.
	// Keep the newest; exact timestamp ties break on the greatest
	// pointer id so resolution stays deterministic.
	itemIDs := make([]string, 0, len(byItem))
	for itemID := range byItem {
		itemIDs = append(itemIDs, itemID)
	}
	sort.Strings(itemIDs)

	for _, itemID := range itemIDs {
		pointers := byItem[itemID]
		if len(pointers) < 2 {
			continue
		}
		sort.Slice(pointers, func(i, j int) bool {
			if !pointers[i].UpdatedAt.Equal(pointers[j].UpdatedAt) {
				return pointers[i].UpdatedAt.After(pointers[j].UpdatedAt)
			}
			return pointers[i].ID > pointers[j].ID
		})
		for _, loser := range pointers[1:] {
			conflicts = append(conflicts, Conflict{
				Type:        ConflictDuplicatePointer,
				KnowledgeID: itemID,
				PointerID:   loser.ID,
				Suggested:   ResolutionDeleteMemory,
				DetectedAt:  now,
			})
		}
	}

	return conflicts, nil
}

// Resolver applies resolutions, consulting the governance engine for
// status-change and policy-sensitive conflicts.
type Resolver struct {
	repo       knowledge.Repository
	provider   memstore.Provider
	governance GovernanceEngine
	config     ResolutionConfig
	logger     zerolog.Logger
}

// NewResolver creates a resolver. A nil governance engine falls back to
// the permissive default; a nil config uses the default strategy table.
func NewResolver(repo knowledge.Repository, provider memstore.Provider, governance GovernanceEngine, config ResolutionConfig, logger zerolog.Logger) *Resolver {
	if governance == nil {
		governance = NewPermissiveEngine(logger)
	}
	return &Resolver{
		repo:       repo,
		provider:   provider,
		governance: governance,
		config:     config,
		logger:     logger.With().Str("component", "conflict-resolver").Logger(),
	}
}

// Resolve repairs one conflict, mutating state to match. It returns
// false when governance blocked the resolution; the conflict is then
// surfaced unresolved.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, conflict Conflict, state *SyncState) (bool, error) {
	resolution := r.config.resolutionFor(conflict.Type)

	if conflict.Type == ConflictStatusChange || conflict.PolicySensitive {
		decision, err := r.governance.EvaluateConflictPolicy(ctx, tenantID, conflict)
		if err != nil {
			return false, fmt.Errorf("governance evaluation failed: %w", err)
		}
		if !decision.Allow {
			r.logger.Warn().
				Str("tenant", tenantID).
				Str("conflict", string(conflict.Type)).
				Str("item", conflict.KnowledgeID).
				Str("reason", decision.Reason).
				Msg("Resolution blocked by governance")
			return false, nil
		}
		if decision.Override != "" {
			resolution = decision.Override
		}
	}

	switch resolution {
	case ResolutionUpdateMemory:
		return true, r.updateMemory(ctx, tenantID, conflict, state)
	case ResolutionDeleteMemory:
		return true, r.deleteMemory(ctx, tenantID, conflict, state)
	default:
		return false, fmt.Errorf("unknown resolution %q for conflict %s", resolution, conflict.Type)
	}
}

// updateMemory regenerates the pointer from the current item. When the
// item vanished between detection and resolution the pointer is deleted
// instead.
func (r *Resolver) updateMemory(ctx context.Context, tenantID string, conflict Conflict, state *SyncState) error {
	item, err := r.repo.GetItem(ctx, tenantID, conflict.KnowledgeID)
	if errors.Is(err, knowledge.ErrNotFound) {
		return r.deleteMemory(ctx, tenantID, conflict, state)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch item %s: %w", conflict.KnowledgeID, err)
	}
	if item.TenantID != tenantID {
		return newError(CodeTenantIsolationViolation, "resolve", tenantID,
			fmt.Errorf("item %s belongs to tenant %q", item.ID, item.TenantID))
	}

	ptr, err := BuildPointer(item, conflict.PointerID, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := r.provider.UpsertPointer(ctx, tenantID, ptr); err != nil {
		return fmt.Errorf("failed to regenerate pointer %s: %w", ptr.ID, err)
	}

	state.PointerMapping[ptr.ID] = item.ID
	state.KnowledgeHashes[item.ID] = item.ContentHash
	return nil
}

func (r *Resolver) deleteMemory(ctx context.Context, tenantID string, conflict Conflict, state *SyncState) error {
	if err := r.provider.DeletePointer(ctx, tenantID, conflict.PointerID); err != nil {
		return fmt.Errorf("failed to delete pointer %s: %w", conflict.PointerID, err)
	}
	delete(state.PointerMapping, conflict.PointerID)
	return nil
}
