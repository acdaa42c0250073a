package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoxhq/kbridge/pkg/knowledge"
	"github.com/knoxhq/kbridge/pkg/memstore"
)

func manifestFor(items ...*knowledge.Item) map[string]knowledge.ManifestEntry {
	m := make(map[string]knowledge.ManifestEntry, len(items))
	for _, item := range items {
		m[item.ID] = knowledge.ManifestEntry{
			ID:     item.ID,
			Hash:   item.ContentHash,
			Layer:  item.Layer,
			Type:   item.Type,
			Status: item.Status,
		}
	}
	return m
}

func storePointer(t *testing.T, provider *fakeProvider, state *SyncState, item *knowledge.Item, pointerID string) *memstore.Pointer {
	t.Helper()
	ptr, err := BuildPointer(item, pointerID, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, provider.UpsertPointer(context.Background(), item.TenantID, ptr))
	state.PointerMapping[ptr.ID] = item.ID
	state.KnowledgeHashes[item.ID] = item.ContentHash
	return ptr
}

func TestDetectConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("consistent state yields none", func(t *testing.T) {
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		item.ContentHash = knowledge.ContentHash(item)
		storePointer(t, provider, state, item, "ptr_a")

		conflicts, err := DetectConflicts(ctx, "acme", manifestFor(item), state, provider)
		require.NoError(t, err)
		assert.Empty(t, conflicts)
	})

	t.Run("hash mismatch", func(t *testing.T) {
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		item.ContentHash = knowledge.ContentHash(item)
		storePointer(t, provider, state, item, "ptr_a")

		// Knowledge changed out-of-band.
		item.Content = "revised body"
		item.ContentHash = knowledge.ContentHash(item)

		conflicts, err := DetectConflicts(ctx, "acme", manifestFor(item), state, provider)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, ConflictHashMismatch, conflicts[0].Type)
		assert.Equal(t, ResolutionUpdateMemory, conflicts[0].Suggested)
		assert.False(t, conflicts[0].Flagged)
	})

	t.Run("status change wins over hash mismatch", func(t *testing.T) {
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		item.ContentHash = knowledge.ContentHash(item)
		storePointer(t, provider, state, item, "ptr_a")

		item.Status = knowledge.StatusDeprecated
		item.ContentHash = knowledge.ContentHash(item)

		conflicts, err := DetectConflicts(ctx, "acme", manifestFor(item), state, provider)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, ConflictStatusChange, conflicts[0].Type)
		assert.True(t, conflicts[0].Flagged)
	})

	t.Run("orphaned pointer", func(t *testing.T) {
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		item.ContentHash = knowledge.ContentHash(item)
		storePointer(t, provider, state, item, "ptr_a")

		// Item no longer in the manifest.
		conflicts, err := DetectConflicts(ctx, "acme", map[string]knowledge.ManifestEntry{}, state, provider)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, ConflictOrphanedPointer, conflicts[0].Type)
		assert.Equal(t, ResolutionDeleteMemory, conflicts[0].Suggested)
	})

	t.Run("missing pointer regenerates", func(t *testing.T) {
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		item.ContentHash = knowledge.ContentHash(item)
		state.PointerMapping["ptr_gone"] = item.ID
		state.KnowledgeHashes[item.ID] = item.ContentHash

		conflicts, err := DetectConflicts(ctx, "acme", manifestFor(item), state, provider)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, ConflictHashMismatch, conflicts[0].Type)
		assert.Equal(t, ResolutionUpdateMemory, conflicts[0].Suggested)
	})

	t.Run("layer mismatch", func(t *testing.T) {
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		item.ContentHash = knowledge.ContentHash(item)
		storePointer(t, provider, state, item, "ptr_a")

		item.Layer = knowledge.LayerProject

		conflicts, err := DetectConflicts(ctx, "acme", manifestFor(item), state, provider)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, ConflictLayerMismatch, conflicts[0].Type)
	})

	t.Run("duplicate pointers keep newest", func(t *testing.T) {
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		item.ContentHash = knowledge.ContentHash(item)

		older, err := BuildPointer(item, "ptr_old", time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		newer, err := BuildPointer(item, "ptr_new", time.Now().UTC())
		require.NoError(t, err)
		require.NoError(t, provider.UpsertPointer(ctx, "acme", older))
		require.NoError(t, provider.UpsertPointer(ctx, "acme", newer))
		state.PointerMapping["ptr_old"] = item.ID
		state.PointerMapping["ptr_new"] = item.ID
		state.KnowledgeHashes[item.ID] = item.ContentHash

		conflicts, err := DetectConflicts(ctx, "acme", manifestFor(item), state, provider)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, ConflictDuplicatePointer, conflicts[0].Type)
		assert.Equal(t, "ptr_old", conflicts[0].PointerID, "the older pointer loses")
	})

	t.Run("duplicate tie breaks on pointer id", func(t *testing.T) {
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		item.ContentHash = knowledge.ContentHash(item)

		at := time.Now().UTC().Truncate(time.Second)
		a, err := BuildPointer(item, "ptr_a", at)
		require.NoError(t, err)
		b, err := BuildPointer(item, "ptr_b", at)
		require.NoError(t, err)
		require.NoError(t, provider.UpsertPointer(ctx, "acme", a))
		require.NoError(t, provider.UpsertPointer(ctx, "acme", b))
		state.PointerMapping["ptr_a"] = item.ID
		state.PointerMapping["ptr_b"] = item.ID
		state.KnowledgeHashes[item.ID] = item.ContentHash

		conflicts, err := DetectConflicts(ctx, "acme", manifestFor(item), state, provider)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, "ptr_a", conflicts[0].PointerID, "greatest id wins the tie")
	})

	t.Run("foreign pointer is an isolation violation", func(t *testing.T) {
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		item.ContentHash = knowledge.ContentHash(item)
		ptr := storePointer(t, provider, state, item, "ptr_a")

		provider.mu.Lock()
		provider.pointers["acme"][ptr.ID].TenantID = "globex"
		provider.mu.Unlock()

		_, err := DetectConflicts(ctx, "acme", manifestFor(item), state, provider)
		require.Error(t, err)
		assert.Equal(t, CodeTenantIsolationViolation, CodeOf(err))
	})
}

// blockingEngine denies everything, recording what it saw.
type blockingEngine struct {
	evaluated []Conflict
	events    []Event
}

func (e *blockingEngine) EvaluateConflictPolicy(ctx context.Context, tenantID string, conflict Conflict) (Decision, error) {
	e.evaluated = append(e.evaluated, conflict)
	return Decision{Allow: false, Reason: "change freeze"}, nil
}

func (e *blockingEngine) EmitEvent(event Event) {
	e.events = append(e.events, event)
}

func TestResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("update regenerates from current item", func(t *testing.T) {
		repo := newFakeRepo()
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "old", "old")
		repo.put(item)
		storePointer(t, provider, state, item, "ptr_a")

		item = testItem("acme", "adr-001", "Title", "new", "new")
		repo.put(item)

		r := NewResolver(repo, provider, nil, nil, zerolog.Nop())
		applied, err := r.Resolve(ctx, "acme", Conflict{
			Type:        ConflictHashMismatch,
			KnowledgeID: "adr-001",
			PointerID:   "ptr_a",
		}, state)
		require.NoError(t, err)
		assert.True(t, applied)

		ptr, err := provider.GetPointer(ctx, "acme", "ptr_a")
		require.NoError(t, err)
		assert.Contains(t, ptr.Content, "new")
		assert.Equal(t, item.ContentHash, state.KnowledgeHashes["adr-001"])
	})

	t.Run("update falls back to delete when item vanished", func(t *testing.T) {
		repo := newFakeRepo()
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		storePointer(t, provider, state, item, "ptr_a")

		r := NewResolver(repo, provider, nil, nil, zerolog.Nop())
		applied, err := r.Resolve(ctx, "acme", Conflict{
			Type:        ConflictHashMismatch,
			KnowledgeID: "adr-001",
			PointerID:   "ptr_a",
		}, state)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Zero(t, provider.count("acme"))
		assert.NotContains(t, state.PointerMapping, "ptr_a")
	})

	t.Run("delete removes pointer and mapping", func(t *testing.T) {
		repo := newFakeRepo()
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		storePointer(t, provider, state, item, "ptr_a")

		r := NewResolver(repo, provider, nil, nil, zerolog.Nop())
		applied, err := r.Resolve(ctx, "acme", Conflict{
			Type:        ConflictOrphanedPointer,
			KnowledgeID: "adr-001",
			PointerID:   "ptr_a",
		}, state)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Zero(t, provider.count("acme"))
	})

	t.Run("governance blocks status change", func(t *testing.T) {
		repo := newFakeRepo()
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		repo.put(item)
		storePointer(t, provider, state, item, "ptr_a")

		engine := &blockingEngine{}
		r := NewResolver(repo, provider, engine, nil, zerolog.Nop())
		applied, err := r.Resolve(ctx, "acme", Conflict{
			Type:        ConflictStatusChange,
			KnowledgeID: "adr-001",
			PointerID:   "ptr_a",
		}, state)
		require.NoError(t, err)
		assert.False(t, applied)
		require.Len(t, engine.evaluated, 1)
		assert.Equal(t, 1, provider.count("acme"), "blocked resolution leaves the pointer alone")
	})

	t.Run("governance consulted for policy-sensitive conflicts", func(t *testing.T) {
		repo := newFakeRepo()
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "pol-001", "Policy", "s", "b")
		item.Type = knowledge.ItemTypePolicy
		repo.put(item)
		storePointer(t, provider, state, item, "ptr_a")

		engine := &blockingEngine{}
		r := NewResolver(repo, provider, engine, nil, zerolog.Nop())
		applied, err := r.Resolve(ctx, "acme", Conflict{
			Type:            ConflictHashMismatch,
			KnowledgeID:     "pol-001",
			PointerID:       "ptr_a",
			PolicySensitive: true,
		}, state)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Len(t, engine.evaluated, 1)
	})

	t.Run("resolution config overrides default", func(t *testing.T) {
		repo := newFakeRepo()
		provider := newFakeProvider()
		state := NewSyncState("acme")
		item := testItem("acme", "adr-001", "Title", "s", "b")
		repo.put(item)
		storePointer(t, provider, state, item, "ptr_a")

		cfg := ResolutionConfig{ConflictHashMismatch: ResolutionDeleteMemory}
		r := NewResolver(repo, provider, nil, cfg, zerolog.Nop())
		applied, err := r.Resolve(ctx, "acme", Conflict{
			Type:        ConflictHashMismatch,
			KnowledgeID: "adr-001",
			PointerID:   "ptr_a",
		}, state)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Zero(t, provider.count("acme"))
	})
}

func TestDefaultResolution(t *testing.T) {
	assert.Equal(t, ResolutionUpdateMemory, DefaultResolution(ConflictHashMismatch))
	assert.Equal(t, ResolutionUpdateMemory, DefaultResolution(ConflictLayerMismatch))
	assert.Equal(t, ResolutionUpdateMemory, DefaultResolution(ConflictStatusChange))
	assert.Equal(t, ResolutionDeleteMemory, DefaultResolution(ConflictOrphanedPointer))
	assert.Equal(t, ResolutionDeleteMemory, DefaultResolution(ConflictDuplicatePointer))
}
