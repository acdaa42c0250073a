package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryPersister is an in-process StatePersister. It backs tests and
// embedded deployments that do not need state to survive restarts.
type MemoryPersister struct {
	mu          sync.Mutex
	states      map[string]*SyncState
	checkpoints map[string]*Checkpoint

	// FailSaves makes every Save fail when set; tests use it to drive
	// the catastrophic-failure path.
	FailSaves error
}

// NewMemoryPersister creates an empty in-memory persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{
		states:      make(map[string]*SyncState),
		checkpoints: make(map[string]*Checkpoint),
	}
}

// Load returns a deep copy of the tenant's state, or a fresh empty one.
func (p *MemoryPersister) Load(ctx context.Context, tenantID string) (*SyncState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok := p.states[tenantID]; ok {
		return state.Clone(), nil
	}
	return NewSyncState(tenantID), nil
}

// Save replaces the tenant's state.
func (p *MemoryPersister) Save(ctx context.Context, tenantID string, state *SyncState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailSaves != nil {
		return p.FailSaves
	}
	p.states[tenantID] = state.Clone()
	return nil
}

// Checkpoint snapshots the tenant's current state.
func (p *MemoryPersister) Checkpoint(ctx context.Context, tenantID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.states[tenantID]
	if !ok {
		state = NewSyncState(tenantID)
	}
	cp := &Checkpoint{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		TakenAt:  time.Now().UTC(),
		State:    state.Clone(),
	}
	p.checkpoints[cp.ID] = cp
	return cp.ID, nil
}

// Rollback restores the tenant's state from a checkpoint.
func (p *MemoryPersister) Rollback(ctx context.Context, tenantID, checkpointID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp, ok := p.checkpoints[checkpointID]
	if !ok {
		return ErrCheckpointNotFound
	}
	if cp.TenantID != tenantID {
		return newError(CodeTenantIsolationViolation, "rollback", tenantID, nil)
	}
	p.states[tenantID] = cp.State.Clone()
	return nil
}
