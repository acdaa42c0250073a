package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// itemSchema validates knowledge item documents before they enter the
// manifest. Malformed documents are skipped and logged, never synced.
const itemSchema = `{
	"type": "object",
	"required": ["id", "type", "layer", "title", "content", "status"],
	"properties": {
		"id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]*$"},
		"type": {"enum": ["decision-record", "policy", "pattern", "spec"]},
		"layer": {"enum": ["company", "org", "team", "project"]},
		"title": {"type": "string", "minLength": 1},
		"summary": {"type": "string"},
		"content": {"type": "string"},
		"status": {"enum": ["draft", "active", "deprecated", "superseded"]},
		"constraints": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["text", "severity"],
				"properties": {
					"text": {"type": "string", "minLength": 1},
					"severity": {"enum": ["blocking", "warning", "info"]}
				}
			}
		},
		"tags": {"type": "array", "items": {"type": "string"}}
	}
}`

// revisionHistoryLimit bounds how many past revisions a DirRepository
// remembers for ChangedSince lookups.
const revisionHistoryLimit = 8

// DirRepository is a directory-backed knowledge repository. Items are
// JSON documents laid out as <root>/<tenant>/<id>.json. It is intended
// for single-node deployments and tests; production deployments plug in
// their own Repository implementation.
type DirRepository struct {
	root         string
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader

	mu        sync.Mutex
	revisions map[string][]revisionSnapshot // tenant -> recent snapshots
}

type revisionSnapshot struct {
	revision string
	hashes   map[string]string
}

// NewDirRepository creates a repository rooted at dir. The directory is
// created if it does not exist.
func NewDirRepository(dir string, logger zerolog.Logger) (*DirRepository, error) {
	if dir == "" {
		return nil, fmt.Errorf("repository root is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create repository root: %w", err)
	}
	return &DirRepository{
		root:         dir,
		logger:       logger.With().Str("component", "knowledge-repo").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(itemSchema),
		revisions:    make(map[string][]revisionSnapshot),
	}, nil
}

// ListTenants returns the tenant directories present under the root,
// sorted by name.
func (r *DirRepository) ListTenants() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	tenants := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			tenants = append(tenants, entry.Name())
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// GetManifest scans the tenant directory and returns one entry per
// valid item document. Invalid documents are logged and skipped.
func (r *DirRepository) GetManifest(ctx context.Context, tenantID string) ([]ManifestEntry, error) {
	items, err := r.scan(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	entries := make([]ManifestEntry, 0, len(items))
	hashes := make(map[string]string, len(items))
	for _, item := range items {
		entries = append(entries, ManifestEntry{
			ID:     item.ID,
			Hash:   item.ContentHash,
			Layer:  item.Layer,
			Type:   item.Type,
			Status: item.Status,
		})
		hashes[item.ID] = item.ContentHash
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	r.recordRevision(tenantID, hashes)
	return entries, nil
}

// GetItem loads and validates a single item document.
func (r *DirRepository) GetItem(ctx context.Context, tenantID, id string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(r.root, tenantID, id+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read item %s: %w", id, err)
	}
	item, err := r.parseItem(tenantID, id, data)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CurrentRevision derives the revision token from the current corpus.
func (r *DirRepository) CurrentRevision(ctx context.Context, tenantID string) (string, error) {
	items, err := r.scan(ctx, tenantID)
	if err != nil {
		return "", err
	}
	hashes := make(map[string]string, len(items))
	for _, item := range items {
		hashes[item.ID] = item.ContentHash
	}
	r.recordRevision(tenantID, hashes)
	return HashRevision(hashes), nil
}

// ChangedSince returns ids whose hash differs from the snapshot recorded
// for the given revision, plus ids added or removed since. An unknown or
// empty revision returns every current id.
func (r *DirRepository) ChangedSince(ctx context.Context, tenantID, revision string) ([]string, error) {
	items, err := r.scan(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	current := make(map[string]string, len(items))
	for _, item := range items {
		current[item.ID] = item.ContentHash
	}

	r.mu.Lock()
	var base map[string]string
	for _, snap := range r.revisions[tenantID] {
		if snap.revision == revision {
			base = snap.hashes
			break
		}
	}
	r.mu.Unlock()

	if revision == "" || base == nil {
		ids := make([]string, 0, len(current))
		for id := range current {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids, nil
	}

	changed := make([]string, 0)
	for id, hash := range current {
		if base[id] != hash {
			changed = append(changed, id)
		}
	}
	for id := range base {
		if _, ok := current[id]; !ok {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// TenantDir returns the directory holding a tenant's documents.
func (r *DirRepository) TenantDir(tenantID string) string {
	return filepath.Join(r.root, tenantID)
}

func (r *DirRepository) scan(ctx context.Context, tenantID string) ([]*Item, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	dir := filepath.Join(r.root, tenantID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant directory: %w", err)
	}

	var items []*Item
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			r.logger.Warn().Err(err).Str("item", id).Msg("Failed to read item document")
			continue
		}
		item, err := r.parseItem(tenantID, id, data)
		if err != nil {
			r.logger.Warn().Err(err).Str("item", id).Msg("Skipping invalid item document")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *DirRepository) parseItem(tenantID, id string, data []byte) (*Item, error) {
	result, err := gojsonschema.Validate(r.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("invalid item document: %s", strings.Join(msgs, "; "))
	}

	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to parse item document: %w", err)
	}
	if item.ID != id {
		return nil, fmt.Errorf("document id %q does not match filename %q", item.ID, id)
	}
	item.TenantID = tenantID
	item.ContentHash = ContentHash(&item)
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	return &item, nil
}

func (r *DirRepository) recordRevision(tenantID string, hashes map[string]string) {
	rev := HashRevision(hashes)
	r.mu.Lock()
	defer r.mu.Unlock()

	snaps := r.revisions[tenantID]
	for _, snap := range snaps {
		if snap.revision == rev {
			return
		}
	}
	snaps = append(snaps, revisionSnapshot{revision: rev, hashes: hashes})
	if len(snaps) > revisionHistoryLimit {
		snaps = snaps[len(snaps)-revisionHistoryLimit:]
	}
	r.revisions[tenantID] = snaps
}
