package memstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// SQLiteProvider stores pointers in a local sqlite database with an
// FTS5 keyword index and, when an embedder is configured, a sqlite-vec
// table for semantic search. When the sqlite build lacks the fts5
// module, keyword search falls back to substring matching.
type SQLiteProvider struct {
	db       *sql.DB
	logger   zerolog.Logger
	embedder Embedder
	fts      bool
}

// SQLiteConfig holds sqlite provider configuration
type SQLiteConfig struct {
	DBPath   string
	Logger   zerolog.Logger
	Embedder Embedder // Optional, if nil vector search is disabled
}

// NewSQLiteProvider opens (and if needed initializes) the pointer store.
func NewSQLiteProvider(cfg SQLiteConfig) (*SQLiteProvider, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	p := &SQLiteProvider{
		db:       db,
		logger:   cfg.Logger.With().Str("component", "memstore-sqlite").Logger(),
		embedder: cfg.Embedder,
	}

	if err := p.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return p, nil
}

func (p *SQLiteProvider) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pointers (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			source_item_id TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			layer TEXT NOT NULL,
			orphaned INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_pointers_item ON pointers(tenant_id, source_item_id);
	`
	if _, err := p.db.Exec(schema); err != nil {
		return err
	}

	// The fts5 module needs the sqlite_fts5 build tag on mattn/go-sqlite3.
	// Without it, keyword search degrades to substring matching instead
	// of failing the whole provider.
	_, err := p.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS pointers_fts USING fts5(
			tenant_id UNINDEXED,
			pointer_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);
	`)
	if err != nil {
		if !strings.Contains(err.Error(), "fts5") {
			return err
		}
		p.logger.Warn().Err(err).Msg("FTS5 unavailable, keyword search will use substring matching")
	} else {
		p.fts = true
	}

	if p.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS pointer_embeddings USING vec0(
				pointer_key TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, p.embedder.Dimension())
		if _, err := p.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// UpsertPointer writes the pointer, its keyword index entry, and its
// embedding in one transaction.
func (p *SQLiteProvider) UpsertPointer(ctx context.Context, tenantID string, ptr *Pointer) error {
	if tenantID == "" || ptr == nil || ptr.ID == "" {
		return errors.New("tenant id and pointer id are required")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	createdAt := ptr.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := ptr.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pointers (tenant_id, id, source_item_id, content, content_hash, layer, orphaned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			source_item_id = excluded.source_item_id,
			content = excluded.content,
			content_hash = excluded.content_hash,
			layer = excluded.layer,
			orphaned = excluded.orphaned,
			updated_at = excluded.updated_at
	`, tenantID, ptr.ID, ptr.SourceItemID, ptr.Content, ptr.ContentHash, string(ptr.Layer),
		boolToInt(ptr.Orphaned), createdAt.Unix(), updatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert pointer: %w", err)
	}

	if p.fts {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pointers_fts WHERE tenant_id = ? AND pointer_id = ?", tenantID, ptr.ID); err != nil {
			return fmt.Errorf("failed to clear keyword index: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO pointers_fts (tenant_id, pointer_id, content) VALUES (?, ?, ?)",
			tenantID, ptr.ID, ptr.Content); err != nil {
			return fmt.Errorf("failed to update keyword index: %w", err)
		}
	}

	if p.embedder != nil {
		if err := p.storeEmbedding(ctx, tx, tenantID, ptr); err != nil {
			// Embeddings are a retrieval enhancement, not part of the
			// pointer's durability contract.
			p.logger.Warn().Err(err).Str("pointer", ptr.ID).Msg("Failed to store embedding")
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pointer write: %w", err)
	}
	return nil
}

func (p *SQLiteProvider) storeEmbedding(ctx context.Context, tx *sql.Tx, tenantID string, ptr *Pointer) error {
	embedding, err := p.embedder.Embed(ctx, ptr.Content)
	if err != nil {
		return fmt.Errorf("failed to generate embedding: %w", err)
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO pointer_embeddings (pointer_key, embedding) VALUES (?, ?)",
		tenantID+"/"+ptr.ID, string(embeddingJSON))
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// DeletePointer removes the pointer and its index entries.
func (p *SQLiteProvider) DeletePointer(ctx context.Context, tenantID, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pointers WHERE tenant_id = ? AND id = ?", tenantID, id); err != nil {
		return fmt.Errorf("failed to delete pointer: %w", err)
	}
	if p.fts {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pointers_fts WHERE tenant_id = ? AND pointer_id = ?", tenantID, id); err != nil {
			return fmt.Errorf("failed to delete keyword index entry: %w", err)
		}
	}
	if p.embedder != nil {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pointer_embeddings WHERE pointer_key = ?", tenantID+"/"+id); err != nil {
			return fmt.Errorf("failed to delete embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pointer delete: %w", err)
	}
	return nil
}

// GetPointer returns the pointer, or ErrNotFound.
func (p *SQLiteProvider) GetPointer(ctx context.Context, tenantID, id string) (*Pointer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, source_item_id, content, content_hash, layer, orphaned, created_at, updated_at
		FROM pointers WHERE tenant_id = ? AND id = ?
	`, tenantID, id)

	ptr, err := scanPointer(row, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pointer: %w", err)
	}
	return ptr, nil
}

// ListPointers returns every pointer stored for the tenant.
func (p *SQLiteProvider) ListPointers(ctx context.Context, tenantID string) ([]*Pointer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, source_item_id, content, content_hash, layer, orphaned, created_at, updated_at
		FROM pointers WHERE tenant_id = ? ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pointers: %w", err)
	}
	defer rows.Close()

	var pointers []*Pointer
	for rows.Next() {
		ptr, err := scanPointer(rows, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pointer: %w", err)
		}
		pointers = append(pointers, ptr)
	}
	return pointers, rows.Err()
}

// SearchResult is a pointer with a relevance score.
type SearchResult struct {
	Pointer *Pointer `json:"pointer"`
	Score   float64  `json:"score"`
}

// Search performs keyword search over pointer content, via FTS5 when
// available and substring matching otherwise. When an embedder is
// configured, vector results are merged in ahead of keyword matches
// they outrank.
func (p *SQLiteProvider) Search(ctx context.Context, tenantID, query string, limit int) ([]SearchResult, error) {
	if query == "" {
		return []SearchResult{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	scores, err := p.keywordSearch(ctx, tenantID, query, limit)
	if err != nil {
		return nil, err
	}

	if p.embedder != nil {
		if err := p.vectorSearch(ctx, tenantID, query, limit, scores); err != nil {
			p.logger.Warn().Err(err).Msg("Vector search failed, using keyword only")
		}
	}

	results := make([]SearchResult, 0, len(scores))
	for id, score := range scores {
		ptr, err := p.GetPointer(ctx, tenantID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Pointer: ptr, Score: score})
	}
	// Score order; equal scores rank the more specific layer first so
	// project pointers shadow team, team shadows org.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		pi, pj := results[i].Pointer.Layer.Precedence(), results[j].Pointer.Layer.Precedence()
		if pi != pj {
			return pi > pj
		}
		return results[i].Pointer.ID < results[j].Pointer.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (p *SQLiteProvider) keywordSearch(ctx context.Context, tenantID, query string, limit int) (map[string]float64, error) {
	scores := make(map[string]float64)

	var rows *sql.Rows
	var err error
	if p.fts {
		rows, err = p.db.QueryContext(ctx, `
			SELECT pointer_id, -bm25(pointers_fts) AS score
			FROM pointers_fts
			WHERE pointers_fts MATCH ? AND tenant_id = ?
			ORDER BY score DESC LIMIT ?
		`, query, tenantID, limit)
	} else {
		// Substring fallback: every match scores equally and the layer
		// tie-break decides ordering.
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, 1.0 AS score
			FROM pointers
			WHERE tenant_id = ? AND content LIKE '%' || ? || '%'
			LIMIT ?
		`, tenantID, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		scores[id] = score
	}
	return scores, rows.Err()
}

func (p *SQLiteProvider) vectorSearch(ctx context.Context, tenantID, query string, limit int, scores map[string]float64) error {
	embedding, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to generate query embedding: %w", err)
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT pointer_key, vec_distance_cosine(embedding, ?) AS distance
		FROM pointer_embeddings
		ORDER BY distance ASC LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	prefix := tenantID + "/"
	for rows.Next() {
		var key string
		var distance float64
		if err := rows.Scan(&key, &distance); err != nil {
			return err
		}
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		id := key[len(prefix):]
		similarity := 1.0 - distance
		if similarity > scores[id] {
			scores[id] = similarity
		}
	}
	return rows.Err()
}

// Close closes the underlying database.
func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPointer(row rowScanner, tenantID string) (*Pointer, error) {
	var ptr Pointer
	var layer string
	var orphaned int
	var createdAt, updatedAt int64
	if err := row.Scan(&ptr.ID, &ptr.SourceItemID, &ptr.Content, &ptr.ContentHash,
		&layer, &orphaned, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ptr.TenantID = tenantID
	ptr.Layer = Layer(layer)
	ptr.Orphaned = orphaned != 0
	ptr.CreatedAt = time.Unix(createdAt, 0).UTC()
	ptr.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &ptr, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
