package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoxhq/kbridge/pkg/knowledge"
	"github.com/knoxhq/kbridge/pkg/memstore"
)

func TestFullSyncFirstRun(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	repo.put(testItem("acme", "adr-001", "Use Postgres", "Postgres for relational data", "We standardize on Postgres."))
	repo.put(testItem("acme", "adr-002", "Use Go", "Go for services", "All new services are written in Go."))

	ctx := WithTenant(context.Background(), "acme")
	result, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, CycleCompleted, result.State)
	assert.Equal(t, 2, result.Stats.Added)
	assert.Zero(t, result.Stats.Failed)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, 2, provider.count("acme"))

	ptrs, err := provider.ListPointers(ctx, "acme")
	require.NoError(t, err)
	for _, ptr := range ptrs {
		assert.Equal(t, "acme", ptr.TenantID)
		assert.False(t, ptr.Orphaned)
		assert.Contains(t, ptr.Content, fmt.Sprintf("(ref: %s)", ptr.SourceItemID))
	}

	status, err := m.GetStatus(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, status.LastSyncAt.IsZero())
	assert.NotEmpty(t, status.LastKnowledgeRevision)
	assert.Equal(t, 2, status.Stats.Added)
}

func TestFullSyncIdempotent(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	repo.put(testItem("acme", "adr-001", "Use Postgres", "Postgres for relational data", "body"))
	ctx := WithTenant(context.Background(), "acme")

	first, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, first.Stats.Added)
	writesAfterFirst := provider.writes()

	second, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, CycleCompleted, second.State)
	assert.Zero(t, second.Stats.Added)
	assert.Zero(t, second.Stats.Updated)
	assert.Zero(t, second.Stats.Deleted)
	assert.Equal(t, 1, second.Stats.Unchanged)
	assert.Equal(t, writesAfterFirst, provider.writes(), "unchanged items must not be rewritten")
	assert.Equal(t, 1, provider.count("acme"))
}

func TestFullSyncUpdateReusesPointerID(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	repo.put(testItem("acme", "adr-001", "Use Postgres", "old summary", "old body"))
	ctx := WithTenant(context.Background(), "acme")

	_, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)
	before, err := provider.ListPointers(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, before, 1)

	repo.put(testItem("acme", "adr-001", "Use Postgres", "new summary", "new body"))
	result, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Updated)

	after, err := provider.ListPointers(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID, "update must reuse the existing pointer id")
	assert.Contains(t, after[0].Content, "new summary")
	assert.NotEqual(t, before[0].ContentHash, after[0].ContentHash)
}

func TestFullSyncDeletionRemovesPointer(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	repo.put(testItem("acme", "adr-001", "Keep", "stays", "body"))
	repo.put(testItem("acme", "adr-002", "Drop", "goes away", "body"))
	ctx := WithTenant(context.Background(), "acme")

	_, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, provider.count("acme"))

	repo.remove("acme", "adr-002")
	result, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Stats.Deleted)
	// The removed item's pointer is orphan-marked during processing and
	// swept by the conflict pass in the same cycle.
	var found bool
	for _, c := range result.Conflicts {
		if c.Type == ConflictOrphanedPointer && c.KnowledgeID == "adr-002" {
			found = true
		}
	}
	assert.True(t, found, "expected an orphaned_pointer conflict for the removed item")
	assert.Equal(t, 1, provider.count("acme"))

	state, err := persister.Load(ctx, "acme")
	require.NoError(t, err)
	assert.NotContains(t, state.KnowledgeHashes, "adr-002")
	assert.Empty(t, state.PointersFor("adr-002"))
}

func TestFullSyncPartialFailure(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	for i := 1; i <= 5; i++ {
		repo.put(testItem("acme", fmt.Sprintf("adr-%03d", i), "Title", "summary", "body"))
	}
	provider.failItems["adr-003"] = errors.New("memstore write refused")

	ctx := WithTenant(context.Background(), "acme")
	result, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err, "item-level failures must not surface as cycle errors")

	assert.Equal(t, CyclePartialFailure, result.State)
	assert.Equal(t, 4, result.Stats.Added)
	assert.Equal(t, 1, result.Stats.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "adr-003", result.Failures[0].ItemID)
	assert.Equal(t, 4, provider.count("acme"))

	// The failed run must not advance the durable cursor.
	status, err := m.GetStatus(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, status.LastSyncAt.IsZero())
	assert.Empty(t, status.LastKnowledgeRevision)

	// Hashes were persisted for the successes only, so the retry only
	// touches the failed item.
	state, err := persister.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, state.KnowledgeHashes, 4)
	assert.NotContains(t, state.KnowledgeHashes, "adr-003")

	delete(provider.failItems, "adr-003")
	retry, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, CycleCompleted, retry.State)
	assert.Equal(t, 1, retry.Stats.Added)
	assert.Equal(t, 4, retry.Stats.Unchanged)
	assert.Equal(t, 5, provider.count("acme"))
}

func TestFullSyncRollbackOnCatastrophicFailure(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	repo.put(testItem("acme", "adr-001", "Baseline", "summary", "body"))
	ctx := WithTenant(context.Background(), "acme")

	_, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)
	baseline, err := persister.Load(ctx, "acme")
	require.NoError(t, err)

	repo.put(testItem("acme", "adr-002", "New", "summary", "body"))
	persister.FailSaves = errors.New("disk full")

	result, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, CycleRolledBack, result.State)

	persister.FailSaves = nil
	restored, err := persister.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, baseline.KnowledgeHashes, restored.KnowledgeHashes)
	assert.Equal(t, baseline.PointerMapping, restored.PointerMapping)
	assert.Equal(t, baseline.LastKnowledgeRevision, restored.LastKnowledgeRevision)
}

func TestFullSyncForceRegeneratesAll(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	repo.put(testItem("acme", "adr-001", "One", "s", "b"))
	repo.put(testItem("acme", "adr-002", "Two", "s", "b"))
	ctx := WithTenant(context.Background(), "acme")

	_, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)
	writesAfterFirst := provider.writes()

	result, err := m.FullSync(ctx, "acme", FullSyncOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Stats.Added)
	assert.Equal(t, writesAfterFirst+2, provider.writes())
	assert.Equal(t, 2, provider.count("acme"), "force must not duplicate pointers")
}

func TestFullSyncTypeAndLayerFilters(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	adr := testItem("acme", "adr-001", "Decision", "s", "b")
	policy := testItem("acme", "pol-001", "Policy", "s", "b")
	policy.Type = knowledge.ItemTypePolicy
	policy.Layer = knowledge.LayerCompany
	repo.put(adr)
	repo.put(policy)

	ctx := WithTenant(context.Background(), "acme")
	result, err := m.FullSync(ctx, "acme", FullSyncOptions{Types: []knowledge.ItemType{knowledge.ItemTypePolicy}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Added)
	require.Equal(t, 1, provider.count("acme"))

	ptrs, err := provider.ListPointers(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "pol-001", ptrs[0].SourceItemID)
	assert.Equal(t, memstore.LayerCompany, ptrs[0].Layer)
}

func TestFullSyncFilterKeepsOutOfScopePointers(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	adr := testItem("acme", "adr-001", "Decision", "s", "b")
	policy := testItem("acme", "pol-001", "Policy", "s", "b")
	policy.Type = knowledge.ItemTypePolicy
	repo.put(adr)
	repo.put(policy)

	ctx := WithTenant(context.Background(), "acme")
	first, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, first.Stats.Added)

	updated := testItem("acme", "pol-001", "Policy", "s", "b2")
	updated.Type = knowledge.ItemTypePolicy
	repo.put(updated)

	result, err := m.FullSync(ctx, "acme", FullSyncOptions{Types: []knowledge.ItemType{knowledge.ItemTypePolicy}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Updated)
	assert.Zero(t, result.Stats.Deleted, "items outside the filter are not deletions")
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, 2, provider.count("acme"))

	state, err := persister.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Contains(t, state.KnowledgeHashes, "adr-001", "filtered cycle keeps out-of-scope hashes")

	ptrs, err := provider.ListPointers(ctx, "acme")
	require.NoError(t, err)
	for _, ptr := range ptrs {
		assert.False(t, ptr.Orphaned, "pointer %s must not be orphaned by a filtered cycle", ptr.ID)
	}

	// An item actually removed from the repository is still swept, even
	// when it does not match the filter.
	repo.remove("acme", "adr-001")
	result, err = m.FullSync(ctx, "acme", FullSyncOptions{Types: []knowledge.ItemType{knowledge.ItemTypePolicy}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Deleted)
	assert.Equal(t, 1, provider.count("acme"))
}

func TestTenantIsolation(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	repo.put(testItem("acme", "adr-001", "Acme only", "s", "b"))
	repo.put(testItem("globex", "adr-900", "Globex only", "s", "b"))

	_, err := m.FullSync(WithTenant(context.Background(), "acme"), "acme", FullSyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.count("acme"))
	assert.Zero(t, provider.count("globex"), "a cycle for one tenant must not touch another")

	status, err := m.GetStatus(WithTenant(context.Background(), "globex"), "globex")
	require.NoError(t, err)
	assert.True(t, status.LastSyncAt.IsZero())
}

func TestTenantContextValidation(t *testing.T) {
	m := newTestManager(newFakeRepo(), newFakeProvider(), NewMemoryPersister())

	t.Run("missing tenant id", func(t *testing.T) {
		_, err := m.FullSync(context.Background(), "", FullSyncOptions{})
		require.Error(t, err)
		assert.Equal(t, CodeMissingTenantContext, CodeOf(err))
	})

	t.Run("malformed tenant id", func(t *testing.T) {
		_, err := m.FullSync(context.Background(), "Not A Tenant!", FullSyncOptions{})
		require.Error(t, err)
		assert.Equal(t, CodeInvalidTenantContext, CodeOf(err))
	})

	t.Run("context bound to another tenant", func(t *testing.T) {
		ctx := WithTenant(context.Background(), "acme")
		_, err := m.FullSync(ctx, "globex", FullSyncOptions{})
		require.Error(t, err)
		assert.Equal(t, CodeInvalidTenantContext, CodeOf(err))
	})
}

func TestCrossTenantItemAbortsCycle(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	leaked := testItem("globex", "adr-900", "Leaked", "s", "b")
	repo.put(leaked)
	// Surface the foreign item in acme's manifest to simulate a
	// repository-side isolation bug.
	repo.mu.Lock()
	repo.items["acme"] = map[string]*knowledge.Item{"adr-900": leaked}
	repo.mu.Unlock()

	ctx := WithTenant(context.Background(), "acme")
	result, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeTenantIsolationViolation, CodeOf(err))
	require.NotNil(t, result)
	assert.Equal(t, CycleRolledBack, result.State)
	assert.Zero(t, provider.count("acme"))
}

func TestKnowledgeUnavailable(t *testing.T) {
	repo := newFakeRepo()
	repo.manifestErr = errors.New("connection refused")
	provider := newFakeProvider()
	m, err := NewManager(Config{
		Repository:     repo,
		Provider:       provider,
		Persister:      NewMemoryPersister(),
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
	})
	require.NoError(t, err)

	ctx := WithTenant(context.Background(), "acme")
	_, err = m.FullSync(ctx, "acme", FullSyncOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeKnowledgeUnavailable, CodeOf(err))
	assert.True(t, CodeOf(err).Retryable())
	assert.Zero(t, provider.writes(), "no writes before the manifest is in hand")
}

func TestConcurrentSyncRejected(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	lease := NewLocalLease()
	release, ok, err := lease.Acquire(context.Background(), "acme", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	m.lease = lease
	ctx := WithTenant(context.Background(), "acme")
	_, err = m.FullSync(ctx, "acme", FullSyncOptions{})
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestIncrementalSync(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	repo.put(testItem("acme", "adr-001", "One", "s", "b"))
	repo.put(testItem("acme", "adr-002", "Two", "s", "b"))
	ctx := WithTenant(context.Background(), "acme")

	_, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)

	baseline, err := persister.Load(ctx, "acme")
	require.NoError(t, err)

	// Only adr-002 changed since the last revision.
	repo.put(testItem("acme", "adr-002", "Two", "revised", "revised body"))
	repo.changed[baseline.LastKnowledgeRevision] = []string{"adr-002", "gone-id"}

	result, err := m.IncrementalSync(ctx, "acme", IncrementalOptions{})
	require.NoError(t, err)
	assert.Equal(t, CycleCompleted, result.State)
	assert.Equal(t, 1, result.Stats.Updated)
	assert.Zero(t, result.Stats.Added, "stale changed ids absent from the manifest are skipped")
}

func TestIncrementalSyncMaxItems(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	for i := 1; i <= 5; i++ {
		repo.put(testItem("acme", fmt.Sprintf("adr-%03d", i), "Title", "s", "b"))
	}
	ctx := WithTenant(context.Background(), "acme")

	result, err := m.IncrementalSync(ctx, "acme", IncrementalOptions{MaxItems: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Stats.Added)
	assert.Equal(t, 2, provider.count("acme"))

	// A capped run must not advance the revision, so the remaining
	// items are still reported as changed next time.
	status, err := m.GetStatus(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, status.LastKnowledgeRevision)

	rest, err := m.IncrementalSync(ctx, "acme", IncrementalOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, rest.Stats.Added)
	assert.Equal(t, 5, provider.count("acme"))
}

func TestSingleItemSync(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	ctx := WithTenant(context.Background(), "acme")

	t.Run("creates new pointer", func(t *testing.T) {
		repo.put(testItem("acme", "adr-001", "One", "s", "b"))
		result, err := m.SingleItemSync(ctx, "acme", "adr-001")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stats.Added)
		assert.Equal(t, 1, provider.count("acme"))
	})

	t.Run("updates existing pointer", func(t *testing.T) {
		repo.put(testItem("acme", "adr-001", "One", "revised", "b"))
		result, err := m.SingleItemSync(ctx, "acme", "adr-001")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stats.Updated)
		assert.Equal(t, 1, provider.count("acme"))
	})

	t.Run("orphan-marks on missing item", func(t *testing.T) {
		repo.remove("acme", "adr-001")
		result, err := m.SingleItemSync(ctx, "acme", "adr-001")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stats.Deleted)

		ptrs, err := provider.ListPointers(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, ptrs, 1)
		assert.True(t, ptrs[0].Orphaned, "the pointer stays until the next full cycle sweeps it")
	})

	t.Run("does not advance the cycle cursor", func(t *testing.T) {
		status, err := m.GetStatus(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, status.LastSyncAt.IsZero())
	})
}

func TestProcessDeltaStopsOnCancel(t *testing.T) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	persister := NewMemoryPersister()
	m := newTestManager(repo, provider, persister)

	for i := 1; i <= 20; i++ {
		repo.put(testItem("acme", fmt.Sprintf("adr-%03d", i), "Title", "s", "b"))
	}

	ctx, cancel := context.WithCancel(WithTenant(context.Background(), "acme"))
	cancel()

	result, err := m.FullSync(ctx, "acme", FullSyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, CyclePartialFailure, result.State)
	assert.NotEmpty(t, result.Failures)
}
