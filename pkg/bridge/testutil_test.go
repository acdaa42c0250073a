package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/knoxhq/kbridge/pkg/knowledge"
	"github.com/knoxhq/kbridge/pkg/memstore"
)

// fakeRepo is an in-memory knowledge repository with error injection.
type fakeRepo struct {
	mu       sync.Mutex
	items    map[string]map[string]*knowledge.Item // tenant -> id -> item
	failGets map[string]error                      // item id -> error
	manifestErr error
	changed     map[string][]string // revision -> ids
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		items:    make(map[string]map[string]*knowledge.Item),
		failGets: make(map[string]error),
		changed:  make(map[string][]string),
	}
}

func (r *fakeRepo) put(item *knowledge.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items[item.TenantID] == nil {
		r.items[item.TenantID] = make(map[string]*knowledge.Item)
	}
	item.ContentHash = knowledge.ContentHash(item)
	r.items[item.TenantID][item.ID] = item
}

func (r *fakeRepo) remove(tenantID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items[tenantID], id)
}

func (r *fakeRepo) GetManifest(ctx context.Context, tenantID string) ([]knowledge.ManifestEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manifestErr != nil {
		return nil, r.manifestErr
	}
	var entries []knowledge.ManifestEntry
	for _, item := range r.items[tenantID] {
		entries = append(entries, knowledge.ManifestEntry{
			ID:     item.ID,
			Hash:   item.ContentHash,
			Layer:  item.Layer,
			Type:   item.Type,
			Status: item.Status,
		})
	}
	return entries, nil
}

func (r *fakeRepo) GetItem(ctx context.Context, tenantID, id string) (*knowledge.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failGets[id]; ok {
		return nil, err
	}
	item, ok := r.items[tenantID][id]
	if !ok {
		return nil, knowledge.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (r *fakeRepo) CurrentRevision(ctx context.Context, tenantID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hashes := make(map[string]string)
	for id, item := range r.items[tenantID] {
		hashes[id] = item.ContentHash
	}
	return knowledge.HashRevision(hashes), nil
}

func (r *fakeRepo) ChangedSince(ctx context.Context, tenantID, revision string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ids, ok := r.changed[revision]; ok {
		return ids, nil
	}
	var ids []string
	for id := range r.items[tenantID] {
		ids = append(ids, id)
	}
	return ids, nil
}

// fakeProvider is an in-memory memory provider that counts writes and
// supports per-item failure injection.
type fakeProvider struct {
	mu          sync.Mutex
	pointers    map[string]map[string]*memstore.Pointer // tenant -> pointer id -> pointer
	failItems   map[string]error                        // source item id -> upsert error
	upsertCount int
	deleteCount int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		pointers:  make(map[string]map[string]*memstore.Pointer),
		failItems: make(map[string]error),
	}
}

func (p *fakeProvider) UpsertPointer(ctx context.Context, tenantID string, ptr *memstore.Pointer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failItems[ptr.SourceItemID]; ok {
		return err
	}
	if p.pointers[tenantID] == nil {
		p.pointers[tenantID] = make(map[string]*memstore.Pointer)
	}
	copied := *ptr
	copied.TenantID = tenantID
	p.pointers[tenantID][ptr.ID] = &copied
	p.upsertCount++
	return nil
}

func (p *fakeProvider) DeletePointer(ctx context.Context, tenantID, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pointers[tenantID], id)
	p.deleteCount++
	return nil
}

func (p *fakeProvider) GetPointer(ctx context.Context, tenantID, id string) (*memstore.Pointer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ptr, ok := p.pointers[tenantID][id]
	if !ok {
		return nil, memstore.ErrNotFound
	}
	copied := *ptr
	return &copied, nil
}

func (p *fakeProvider) ListPointers(ctx context.Context, tenantID string) ([]*memstore.Pointer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*memstore.Pointer
	for _, ptr := range p.pointers[tenantID] {
		copied := *ptr
		out = append(out, &copied)
	}
	return out, nil
}

func (p *fakeProvider) writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upsertCount
}

func (p *fakeProvider) count(tenantID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pointers[tenantID])
}

func testItem(tenantID, id, title, summary, content string) *knowledge.Item {
	return &knowledge.Item{
		ID:       id,
		TenantID: tenantID,
		Type:     knowledge.ItemTypeDecisionRecord,
		Layer:    knowledge.LayerTeam,
		Title:    title,
		Summary:  summary,
		Content:  content,
		Status:   knowledge.StatusActive,
	}
}

func newTestManager(repo knowledge.Repository, provider memstore.Provider, persister StatePersister) *Manager {
	m, err := NewManager(Config{
		Repository: repo,
		Provider:   provider,
		Persister:  persister,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to build test manager: %v", err))
	}
	return m
}
