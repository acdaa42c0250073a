package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knoxhq/kbridge/internal/observability"
	"github.com/knoxhq/kbridge/internal/tracing"
	"github.com/knoxhq/kbridge/pkg/knowledge"
	"github.com/knoxhq/kbridge/pkg/memstore"
)

// ErrSyncInProgress is returned when a cycle is requested for a tenant
// whose lease is currently held.
var ErrSyncInProgress = errors.New("bridge: sync already in progress for tenant")

// CycleState tracks a sync cycle through its lifecycle.
type CycleState string

const (
	CycleInitiated      CycleState = "INITIATED"
	CycleCheckpointed   CycleState = "CHECKPOINTED"
	CycleProcessing     CycleState = "PROCESSING"
	CycleCompleted      CycleState = "COMPLETED"
	CyclePartialFailure CycleState = "PARTIAL_FAILURE"
	CycleRolledBack     CycleState = "ROLLED_BACK"
)

// ItemFailure records one item that could not be processed.
type ItemFailure struct {
	ItemID string `json:"item_id"`
	Error  string `json:"error"`
}

// SyncResult is returned by every sync entry point.
type SyncResult struct {
	TenantID     string        `json:"tenant_id"`
	Type         string        `json:"type"` // full, incremental, single_item
	State        CycleState    `json:"state"`
	CheckpointID string        `json:"checkpoint_id,omitempty"`
	Stats        Stats         `json:"stats"`
	Delta        Delta         `json:"delta"`
	Failures     []ItemFailure `json:"failures,omitempty"`
	Conflicts    []Conflict    `json:"conflicts,omitempty"`
	// Unresolved holds conflicts whose resolution governance blocked.
	Unresolved []Conflict `json:"unresolved,omitempty"`
}

// Status is the tenant view exposed to CLI and tooling. It always
// reflects the last fully completed cycle.
type Status struct {
	TenantID              string    `json:"tenant_id"`
	LastSyncAt            time.Time `json:"last_sync_at"`
	LastKnowledgeRevision string    `json:"last_knowledge_revision"`
	Stats                 Stats     `json:"stats"`
}

// FullSyncOptions filter a full cycle.
type FullSyncOptions struct {
	// Force treats every manifest item as added, regenerating all
	// pointers regardless of stored hashes.
	Force  bool
	Types  []knowledge.ItemType
	Layers []knowledge.Layer
}

// IncrementalOptions bound an incremental cycle.
type IncrementalOptions struct {
	// MaxItems caps how many changed items one run processes. Zero
	// means unbounded.
	MaxItems int
}

// Config wires a Manager.
type Config struct {
	Repository knowledge.Repository
	Provider   memstore.Provider
	Persister  StatePersister
	Governance GovernanceEngine // optional, defaults to PermissiveEngine
	Lease      Lease            // optional, defaults to LocalLease
	Logger     zerolog.Logger
	Resolution ResolutionConfig // optional per-type overrides

	LeaseTTL       time.Duration // default 5m
	RetryAttempts  int           // knowledge fetch retries, default 3
	RetryBaseDelay time.Duration // default 500ms
}

// Manager orchestrates sync cycles. All state it touches is per-tenant:
// loaded at cycle start, checkpointed, mutated, persisted at cycle end.
type Manager struct {
	repo       knowledge.Repository
	provider   memstore.Provider
	persister  StatePersister
	governance GovernanceEngine
	lease      Lease
	resolver   *Resolver
	logger     zerolog.Logger

	leaseTTL       time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
}

// NewManager validates the wiring and creates a manager.
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Repository == nil {
		return nil, errors.New("knowledge repository is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("memory provider is required")
	}
	if cfg.Persister == nil {
		return nil, errors.New("state persister is required")
	}
	if cfg.Governance == nil {
		cfg.Governance = NewPermissiveEngine(cfg.Logger)
	}
	if cfg.Lease == nil {
		cfg.Lease = NewLocalLease()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}

	return &Manager{
		repo:           cfg.Repository,
		provider:       cfg.Provider,
		persister:      cfg.Persister,
		governance:     cfg.Governance,
		lease:          cfg.Lease,
		resolver:       NewResolver(cfg.Repository, cfg.Provider, cfg.Governance, cfg.Resolution, cfg.Logger),
		logger:         cfg.Logger.With().Str("component", "sync-manager").Logger(),
		leaseTTL:       cfg.LeaseTTL,
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
	}, nil
}

// FullSync runs a complete cycle: checkpoint, delta against the whole
// manifest, process, detect and resolve conflicts, persist.
func (m *Manager) FullSync(ctx context.Context, tenantID string, opts FullSyncOptions) (*SyncResult, error) {
	if err := requireTenant(ctx, "full_sync", tenantID); err != nil {
		observability.RecordFailure(string(CodeOf(err)))
		return nil, err
	}

	ctx = tracing.NewCycleContext(ctx)
	ctx, span := tracing.StartSpan(ctx, "kbridge.bridge", "bridge.full_sync",
		attribute.String("tenant", tenantID), attribute.Bool("force", opts.Force))
	defer span.End()

	release, ok, err := m.lease.Acquire(ctx, tenantID, m.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("lease acquisition failed: %w", err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	defer release()

	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("tenant", tenantID).Logger()
	start := time.Now()
	result := &SyncResult{TenantID: tenantID, Type: "full", State: CycleInitiated}

	state, err := m.persister.Load(ctx, tenantID)
	if err != nil {
		return m.finish(ctx, logger, result, start, err)
	}

	checkpointID, err := m.persister.Checkpoint(ctx, tenantID)
	if err != nil {
		return m.finish(ctx, logger, result, start, fmt.Errorf("checkpoint failed: %w", err))
	}
	result.State = CycleCheckpointed
	result.CheckpointID = checkpointID

	manifest, err := m.fetchManifest(ctx, tenantID)
	if err != nil {
		return m.finish(ctx, logger, result, start, err)
	}
	inRepo := manifestByID(manifest)
	manifest = filterManifest(manifest, opts.Types, opts.Layers)
	manifestMap := manifestByID(manifest)

	// A filtered cycle must not read repository absence into items the
	// filter excluded: only items that pass the filter, or that the
	// repository no longer has at all, stay in scope for the delta and
	// the conflict pass. Everything else keeps its state untouched.
	stored := state.KnowledgeHashes
	detect := state
	if len(opts.Types) > 0 || len(opts.Layers) > 0 {
		ids := make([]string, 0, len(state.KnowledgeHashes))
		for id := range state.KnowledgeHashes {
			if inScope(id, manifestMap, inRepo) {
				ids = append(ids, id)
			}
		}
		stored = intersectHashes(state.KnowledgeHashes, ids)

		detect = NewSyncState(state.TenantID)
		for pointerID, itemID := range state.PointerMapping {
			if inScope(itemID, manifestMap, inRepo) {
				detect.PointerMapping[pointerID] = itemID
			}
		}
	}

	var delta Delta
	if opts.Force {
		delta = forceDelta(manifest, stored)
	} else {
		delta = ComputeDelta(manifest, stored)
	}
	result.Delta = delta
	result.State = CycleProcessing

	logger.Info().
		Int("added", len(delta.Added)).
		Int("updated", len(delta.Updated)).
		Int("deleted", len(delta.Deleted)).
		Int("unchanged", len(delta.Unchanged)).
		Msg("Delta computed")

	if err := m.processDelta(ctx, logger, tenantID, state, delta, result); err != nil {
		return m.abort(ctx, logger, result, checkpointID, start, err)
	}

	if err := m.reconcile(ctx, logger, tenantID, state, detect, manifestMap, result); err != nil {
		return m.abort(ctx, logger, result, checkpointID, start, err)
	}

	return m.persistCycle(ctx, logger, state, result, checkpointID, start, true)
}

// IncrementalSync processes only the items the repository reports as
// changed since the last completed cycle, intersected with the current
// manifest to defend against stale ids.
func (m *Manager) IncrementalSync(ctx context.Context, tenantID string, opts IncrementalOptions) (*SyncResult, error) {
	if err := requireTenant(ctx, "incremental_sync", tenantID); err != nil {
		observability.RecordFailure(string(CodeOf(err)))
		return nil, err
	}

	ctx = tracing.NewCycleContext(ctx)
	ctx, span := tracing.StartSpan(ctx, "kbridge.bridge", "bridge.incremental_sync",
		attribute.String("tenant", tenantID))
	defer span.End()

	release, ok, err := m.lease.Acquire(ctx, tenantID, m.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("lease acquisition failed: %w", err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	defer release()

	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("tenant", tenantID).Logger()
	start := time.Now()
	result := &SyncResult{TenantID: tenantID, Type: "incremental", State: CycleInitiated}

	state, err := m.persister.Load(ctx, tenantID)
	if err != nil {
		return m.finish(ctx, logger, result, start, err)
	}

	checkpointID, err := m.persister.Checkpoint(ctx, tenantID)
	if err != nil {
		return m.finish(ctx, logger, result, start, fmt.Errorf("checkpoint failed: %w", err))
	}
	result.State = CycleCheckpointed
	result.CheckpointID = checkpointID

	changed, err := m.fetchChangedSince(ctx, tenantID, state.LastKnowledgeRevision)
	if err != nil {
		return m.finish(ctx, logger, result, start, err)
	}

	manifest, err := m.fetchManifest(ctx, tenantID)
	if err != nil {
		return m.finish(ctx, logger, result, start, err)
	}
	manifestMap := manifestByID(manifest)

	// Intersect with the manifest: ids the repository still knows.
	subset := make([]string, 0, len(changed))
	for _, id := range changed {
		if _, ok := manifestMap[id]; ok {
			subset = append(subset, id)
		}
	}
	sort.Strings(subset)

	capped := false
	if opts.MaxItems > 0 && len(subset) > opts.MaxItems {
		subset = subset[:opts.MaxItems]
		capped = true
	}

	subsetManifest := make([]knowledge.ManifestEntry, 0, len(subset))
	for _, id := range subset {
		subsetManifest = append(subsetManifest, manifestMap[id])
	}
	// Deletions are deliberately out of incremental scope; the next
	// full cycle reconciles them.
	delta := ComputeDelta(subsetManifest, intersectHashes(state.KnowledgeHashes, subset))
	result.Delta = delta
	result.State = CycleProcessing

	if err := m.processDelta(ctx, logger, tenantID, state, delta, result); err != nil {
		return m.abort(ctx, logger, result, checkpointID, start, err)
	}

	if err := m.reconcile(ctx, logger, tenantID, state, state, manifestMap, result); err != nil {
		return m.abort(ctx, logger, result, checkpointID, start, err)
	}

	return m.persistCycle(ctx, logger, state, result, checkpointID, start, !capped)
}

// SingleItemSync creates, updates, or orphan-marks exactly one pointer.
// It backs near-real-time, externally-triggered updates.
func (m *Manager) SingleItemSync(ctx context.Context, tenantID, itemID string) (*SyncResult, error) {
	if err := requireTenant(ctx, "single_item_sync", tenantID); err != nil {
		observability.RecordFailure(string(CodeOf(err)))
		return nil, err
	}

	ctx = tracing.NewCycleContext(ctx)
	ctx, span := tracing.StartSpan(ctx, "kbridge.bridge", "bridge.single_item_sync",
		attribute.String("tenant", tenantID), attribute.String("item", itemID))
	defer span.End()

	release, ok, err := m.lease.Acquire(ctx, tenantID, m.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("lease acquisition failed: %w", err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	defer release()

	logger := tracing.LoggerFromContext(ctx, m.logger).With().
		Str("tenant", tenantID).Str("item", itemID).Logger()
	start := time.Now()
	result := &SyncResult{TenantID: tenantID, Type: "single_item", State: CycleInitiated}

	state, err := m.persister.Load(ctx, tenantID)
	if err != nil {
		return m.finish(ctx, logger, result, start, err)
	}

	checkpointID, err := m.persister.Checkpoint(ctx, tenantID)
	if err != nil {
		return m.finish(ctx, logger, result, start, fmt.Errorf("checkpoint failed: %w", err))
	}
	result.State = CycleCheckpointed
	result.CheckpointID = checkpointID
	result.State = CycleProcessing

	item, err := m.repo.GetItem(ctx, tenantID, itemID)
	switch {
	case errors.Is(err, knowledge.ErrNotFound):
		if err := m.orphanItemPointers(ctx, tenantID, state, itemID); err != nil {
			result.Failures = append(result.Failures, ItemFailure{ItemID: itemID, Error: err.Error()})
		} else {
			result.Stats.Deleted++
		}
	case err != nil:
		result.Failures = append(result.Failures, ItemFailure{ItemID: itemID, Error: err.Error()})
	default:
		if item.TenantID != tenantID {
			return m.abort(ctx, logger, result, checkpointID, start,
				newError(CodeTenantIsolationViolation, "single_item_sync", tenantID,
					fmt.Errorf("item %s belongs to tenant %q", itemID, item.TenantID)))
		}
		_, existed := state.KnowledgeHashes[itemID]
		if err := m.upsertItem(ctx, tenantID, state, item); err != nil {
			result.Failures = append(result.Failures, ItemFailure{ItemID: itemID, Error: err.Error()})
		} else if existed {
			result.Stats.Updated++
		} else {
			result.Stats.Added++
		}
	}

	// LastSyncAt and the revision describe full cycles; a single-item
	// pass persists hashes and mapping only.
	return m.persistCycle(ctx, logger, state, result, checkpointID, start, false)
}

// GetStatus reports the state of the last fully completed cycle.
func (m *Manager) GetStatus(ctx context.Context, tenantID string) (*Status, error) {
	if err := requireTenant(ctx, "get_status", tenantID); err != nil {
		return nil, err
	}
	state, err := m.persister.Load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !state.LastSyncAt.IsZero() {
		observability.SetSyncStateAge(tenantID, time.Since(state.LastSyncAt))
	}
	return &Status{
		TenantID:              tenantID,
		LastSyncAt:            state.LastSyncAt,
		LastKnowledgeRevision: state.LastKnowledgeRevision,
		Stats:                 state.LastRunStats,
	}, nil
}

// processDelta applies additions and updates before deletions, so the
// conflict pass never looks up a pointer whose item was removed from
// the mapping in the same cycle. Item-level failures accumulate and
// never abort the batch; only tenant isolation violations do.
func (m *Manager) processDelta(ctx context.Context, logger zerolog.Logger, tenantID string, state *SyncState, delta Delta, result *SyncResult) error {
	upserts := append(append([]string{}, delta.Added...), delta.Updated...)
	added := make(map[string]struct{}, len(delta.Added))
	for _, id := range delta.Added {
		added[id] = struct{}{}
	}

	for _, id := range upserts {
		if err := ctx.Err(); err != nil {
			// Cancellation: in-flight writes completed, remaining items
			// did not start. The cycle ends partial and resumes later.
			result.Failures = append(result.Failures, ItemFailure{ItemID: id, Error: err.Error()})
			logger.Warn().Err(err).Msg("Cycle cancelled, remaining items deferred")
			break
		}

		item, err := m.repo.GetItem(ctx, tenantID, id)
		if errors.Is(err, knowledge.ErrNotFound) {
			// Manifest raced a deletion; the next cycle classifies it.
			logger.Debug().Str("item", id).Msg("Item vanished between manifest and fetch")
			continue
		}
		if err != nil {
			result.Failures = append(result.Failures, ItemFailure{ItemID: id, Error: err.Error()})
			continue
		}
		if item.TenantID != tenantID {
			return newError(CodeTenantIsolationViolation, "process_delta", tenantID,
				fmt.Errorf("item %s belongs to tenant %q", id, item.TenantID))
		}

		if err := m.upsertItem(ctx, tenantID, state, item); err != nil {
			result.Failures = append(result.Failures, ItemFailure{ItemID: id, Error: err.Error()})
			continue
		}
		if _, isAdd := added[id]; isAdd {
			result.Stats.Added++
		} else {
			result.Stats.Updated++
		}
	}

	for _, id := range delta.Deleted {
		if err := ctx.Err(); err != nil {
			result.Failures = append(result.Failures, ItemFailure{ItemID: id, Error: err.Error()})
			break
		}
		if err := m.orphanItemPointers(ctx, tenantID, state, id); err != nil {
			result.Failures = append(result.Failures, ItemFailure{ItemID: id, Error: err.Error()})
			continue
		}
		result.Stats.Deleted++
	}

	result.Stats.Unchanged = len(delta.Unchanged)
	result.Stats.Failed = len(result.Failures)

	observability.RecordSyncItems("added", tenantID, result.Stats.Added)
	observability.RecordSyncItems("updated", tenantID, result.Stats.Updated)
	observability.RecordSyncItems("deleted", tenantID, result.Stats.Deleted)
	return nil
}

// upsertItem renders and writes the pointer for an item, then records
// the hash and mapping. Only called with items that passed the tenant
// check.
func (m *Manager) upsertItem(ctx context.Context, tenantID string, state *SyncState, item *knowledge.Item) error {
	pointerID := ""
	if ids := state.PointersFor(item.ID); len(ids) > 0 {
		sort.Strings(ids)
		pointerID = ids[0]
	}

	ptr, err := BuildPointer(item, pointerID, time.Now().UTC())
	if err != nil {
		return err
	}

	writeStart := time.Now()
	if err := m.provider.UpsertPointer(ctx, tenantID, ptr); err != nil {
		return fmt.Errorf("pointer write failed: %w", err)
	}
	observability.RecordPointerWrite(time.Since(writeStart))

	state.KnowledgeHashes[item.ID] = item.ContentHash
	state.PointerMapping[ptr.ID] = item.ID
	return nil
}

// orphanItemPointers marks the item's pointers orphaned and drops the
// stored hash. The mapping entries stay so the conflict pass can settle
// them as orphaned_pointer.
func (m *Manager) orphanItemPointers(ctx context.Context, tenantID string, state *SyncState, itemID string) error {
	pointerIDs := state.PointersFor(itemID)
	sort.Strings(pointerIDs)

	for _, pointerID := range pointerIDs {
		ptr, err := m.provider.GetPointer(ctx, tenantID, pointerID)
		if errors.Is(err, memstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read pointer %s: %w", pointerID, err)
		}
		if ptr.Orphaned {
			continue
		}
		ptr.Orphaned = true
		ptr.UpdatedAt = time.Now().UTC()
		if err := m.provider.UpsertPointer(ctx, tenantID, ptr); err != nil {
			return fmt.Errorf("failed to orphan pointer %s: %w", pointerID, err)
		}
	}

	delete(state.KnowledgeHashes, itemID)
	return nil
}

// reconcile runs conflict detection against the state produced by this
// cycle and applies resolutions. detect is the state view conflicts are
// detected against; a filtered full cycle narrows it to in-scope
// mappings while resolutions always mutate the real state.
func (m *Manager) reconcile(ctx context.Context, logger zerolog.Logger, tenantID string, state, detect *SyncState, manifestMap map[string]knowledge.ManifestEntry, result *SyncResult) error {
	conflicts, err := DetectConflicts(ctx, tenantID, manifestMap, detect, m.provider)
	if err != nil {
		if CodeOf(err) == CodeTenantIsolationViolation {
			return err
		}
		logger.Warn().Err(err).Msg("Conflict detection failed")
		result.Failures = append(result.Failures, ItemFailure{Error: err.Error()})
		result.Stats.Failed = len(result.Failures)
		return nil
	}

	result.Conflicts = conflicts
	result.Stats.Conflicts = len(conflicts)

	for _, conflict := range conflicts {
		observability.RecordConflict(string(conflict.Type), tenantID)

		applied, err := m.resolver.Resolve(ctx, tenantID, conflict, state)
		if err != nil {
			if CodeOf(err) == CodeTenantIsolationViolation {
				return err
			}
			result.Failures = append(result.Failures, ItemFailure{ItemID: conflict.KnowledgeID, Error: err.Error()})
			continue
		}
		if !applied {
			result.Unresolved = append(result.Unresolved, conflict)
			m.governance.EmitEvent(Event{
				Type:      "conflict_blocked",
				TenantID:  tenantID,
				Timestamp: time.Now().UTC(),
				Metadata: map[string]any{
					"conflict": string(conflict.Type),
					"item":     conflict.KnowledgeID,
					"pointer":  conflict.PointerID,
				},
			})
		}
	}

	result.Stats.Failed = len(result.Failures)
	return nil
}

// persistCycle saves the mutated state and settles the terminal cycle
// state. advance controls whether a clean run moves lastSyncAt and the
// revision forward.
func (m *Manager) persistCycle(ctx context.Context, logger zerolog.Logger, state *SyncState, result *SyncResult, checkpointID string, start time.Time, advance bool) (*SyncResult, error) {
	clean := len(result.Failures) == 0

	if clean && advance {
		state.LastSyncAt = time.Now().UTC()
		if revision, err := m.repo.CurrentRevision(ctx, result.TenantID); err != nil {
			// Keeping the old revision is safe: the next incremental
			// run re-reads the same changes.
			logger.Warn().Err(err).Msg("Failed to read current revision, keeping previous")
		} else {
			state.LastKnowledgeRevision = revision
		}
		result.Stats.DurationMs = time.Since(start).Milliseconds()
		state.LastRunStats = result.Stats
	}

	if err := m.persister.Save(ctx, result.TenantID, state); err != nil {
		return m.abort(ctx, logger, result, checkpointID, start, fmt.Errorf("state save failed: %w", err))
	}

	result.Stats.DurationMs = time.Since(start).Milliseconds()
	if clean {
		result.State = CycleCompleted
		if advance {
			observability.SetSyncStateAge(result.TenantID, 0)
		}
	} else {
		result.State = CyclePartialFailure
		observability.RecordFailure(string(CodePartialFailure))
	}
	observability.RecordSyncOperation(result.Type, result.TenantID, string(result.State), time.Since(start))
	observability.RecordSyncAudit(ctx, result.Type, result.TenantID, string(result.State), map[string]any{
		"added":     result.Stats.Added,
		"updated":   result.Stats.Updated,
		"deleted":   result.Stats.Deleted,
		"failed":    result.Stats.Failed,
		"conflicts": result.Stats.Conflicts,
	})

	logger.Info().
		Str("state", string(result.State)).
		Int("failed", result.Stats.Failed).
		Dur("duration", time.Since(start)).
		Msg("Sync cycle finished")
	return result, nil
}

// abort handles cycle-level failures: roll back to the pre-cycle
// checkpoint and surface a single error. Isolation violations are
// additionally recorded as security events.
func (m *Manager) abort(ctx context.Context, logger zerolog.Logger, result *SyncResult, checkpointID string, start time.Time, cause error) (*SyncResult, error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, string(codeOrUnknown(cause)))

	if CodeOf(cause) == CodeTenantIsolationViolation {
		observability.RecordSecurityAudit(ctx, result.Type, result.TenantID, "violation", map[string]any{
			"error": cause.Error(),
		})
	}
	observability.RecordFailure(string(codeOrUnknown(cause)))

	if checkpointID != "" {
		if err := m.persister.Rollback(ctx, result.TenantID, checkpointID); err != nil {
			logger.Error().Err(err).Str("checkpoint", checkpointID).Msg("Rollback failed")
			observability.RecordFailure(string(CodeStateCorrupted))
		} else {
			result.State = CycleRolledBack
		}
	}

	observability.RecordSyncOperation(result.Type, result.TenantID, string(result.State), time.Since(start))
	logger.Error().Err(cause).Str("state", string(result.State)).Msg("Sync cycle aborted")
	return result, cause
}

// finish surfaces a pre-processing failure; nothing was mutated, so no
// rollback is needed.
func (m *Manager) finish(ctx context.Context, logger zerolog.Logger, result *SyncResult, start time.Time, cause error) (*SyncResult, error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, string(codeOrUnknown(cause)))

	observability.RecordFailure(string(codeOrUnknown(cause)))
	observability.RecordSyncOperation(result.Type, result.TenantID, string(result.State), time.Since(start))
	logger.Error().Err(cause).Msg("Sync cycle failed before processing")
	return result, cause
}

// fetchManifest reads the manifest with bounded exponential backoff;
// exhausted retries surface as KNOWLEDGE_UNAVAILABLE.
func (m *Manager) fetchManifest(ctx context.Context, tenantID string) ([]knowledge.ManifestEntry, error) {
	var manifest []knowledge.ManifestEntry
	err := m.withRetry(ctx, func() error {
		start := time.Now()
		entries, err := m.repo.GetManifest(ctx, tenantID)
		if err != nil {
			return err
		}
		observability.RecordManifestFetch(time.Since(start))
		manifest = entries
		return nil
	})
	if err != nil {
		return nil, newError(CodeKnowledgeUnavailable, "get_manifest", tenantID, err)
	}
	return manifest, nil
}

func (m *Manager) fetchChangedSince(ctx context.Context, tenantID, revision string) ([]string, error) {
	var changed []string
	err := m.withRetry(ctx, func() error {
		ids, err := m.repo.ChangedSince(ctx, tenantID, revision)
		if err != nil {
			return err
		}
		changed = ids
		return nil
	})
	if err != nil {
		return nil, newError(CodeKnowledgeUnavailable, "changed_since", tenantID, err)
	}
	return changed, nil
}

func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	delay := m.retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < m.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func filterManifest(manifest []knowledge.ManifestEntry, types []knowledge.ItemType, layers []knowledge.Layer) []knowledge.ManifestEntry {
	if len(types) == 0 && len(layers) == 0 {
		return manifest
	}
	typeSet := make(map[knowledge.ItemType]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}
	layerSet := make(map[knowledge.Layer]struct{}, len(layers))
	for _, l := range layers {
		layerSet[l] = struct{}{}
	}

	filtered := manifest[:0:0]
	for _, entry := range manifest {
		if len(typeSet) > 0 {
			if _, ok := typeSet[entry.Type]; !ok {
				continue
			}
		}
		if len(layerSet) > 0 {
			if _, ok := layerSet[entry.Layer]; !ok {
				continue
			}
		}
		filtered = append(filtered, entry)
	}
	return filtered
}

func manifestByID(manifest []knowledge.ManifestEntry) map[string]knowledge.ManifestEntry {
	byID := make(map[string]knowledge.ManifestEntry, len(manifest))
	for _, entry := range manifest {
		byID[entry.ID] = entry
	}
	return byID
}

// forceDelta treats every manifest item as added while still surfacing
// stored items missing from the manifest as deleted.
func forceDelta(manifest []knowledge.ManifestEntry, stored map[string]string) Delta {
	var d Delta
	seen := make(map[string]struct{}, len(manifest))
	for _, entry := range manifest {
		seen[entry.ID] = struct{}{}
		d.Added = append(d.Added, entry.ID)
	}
	for id := range stored {
		if _, ok := seen[id]; !ok {
			d.Deleted = append(d.Deleted, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Deleted)
	return d
}

// inScope reports whether an item id belongs to a filtered cycle:
// either it passes the filter or the repository no longer has it.
func inScope(id string, filtered, inRepo map[string]knowledge.ManifestEntry) bool {
	if _, ok := filtered[id]; ok {
		return true
	}
	_, exists := inRepo[id]
	return !exists
}

func intersectHashes(hashes map[string]string, ids []string) map[string]string {
	subset := make(map[string]string, len(ids))
	for _, id := range ids {
		if hash, ok := hashes[id]; ok {
			subset[id] = hash
		}
	}
	return subset
}

func codeOrUnknown(err error) ErrorCode {
	if code := CodeOf(err); code != "" {
		return code
	}
	return "INTERNAL"
}
