package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrCheckpointNotFound is returned by Rollback when the checkpoint id
// is unknown for the tenant.
var ErrCheckpointNotFound = errors.New("bridge: checkpoint not found")

// StatePersister loads and saves per-tenant sync state and manages the
// pre-cycle checkpoints used for rollback.
type StatePersister interface {
	// Load returns the tenant's state, or a fresh empty state if none
	// exists. Corrupted state is regenerated as empty and reported via
	// logging, never propagated as a fatal error.
	Load(ctx context.Context, tenantID string) (*SyncState, error)

	// Save atomically replaces the tenant's state: fully written or
	// untouched.
	Save(ctx context.Context, tenantID string, state *SyncState) error

	// Checkpoint snapshots the tenant's current state and returns the
	// checkpoint id.
	Checkpoint(ctx context.Context, tenantID string) (string, error)

	// Rollback replaces the tenant's state with the checkpointed one.
	Rollback(ctx context.Context, tenantID, checkpointID string) error
}

// checkpointRetention bounds how many checkpoints are kept per tenant.
const checkpointRetention = 16

// SQLitePersister stores sync state in a local sqlite database, one row
// per tenant, with a checkpoints table alongside.
type SQLitePersister struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLitePersister opens (and if needed initializes) the state store.
func NewSQLitePersister(dbPath string, logger zerolog.Logger) (*SQLitePersister, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS sync_states (
			tenant_id TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sync_checkpoints (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_tenant ON sync_checkpoints(tenant_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLitePersister{
		db:     db,
		logger: logger.With().Str("component", "state-persister").Logger(),
	}, nil
}

// Load returns the tenant's state. A missing row yields a fresh empty
// state; an undeserializable row is replaced by a fresh empty state and
// the corruption is logged, so the next sync proceeds as a first run.
func (p *SQLitePersister) Load(ctx context.Context, tenantID string) (*SyncState, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT data FROM sync_states WHERE tenant_id = ?", tenantID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return NewSyncState(tenantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	state, err := decodeState(data, tenantID)
	if err != nil {
		p.logger.Error().Err(err).Str("tenant", tenantID).
			Str("code", string(CodeStateCorrupted)).
			Msg("Persisted sync state corrupted, regenerating empty state")
		return NewSyncState(tenantID), nil
	}
	return state, nil
}

// Save writes the state row inside a transaction so the replacement is
// atomic.
func (p *SQLitePersister) Save(ctx context.Context, tenantID string, state *SyncState) error {
	if state.TenantID != tenantID {
		return newError(CodeTenantIsolationViolation, "save", tenantID,
			fmt.Errorf("state belongs to tenant %q", state.TenantID))
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode sync state: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_states (tenant_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, tenantID, data, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync state: %w", err)
	}
	return nil
}

// Checkpoint snapshots the tenant's current state under a generated id.
func (p *SQLitePersister) Checkpoint(ctx context.Context, tenantID string) (string, error) {
	state, err := p.Load(ctx, tenantID)
	if err != nil {
		return "", err
	}

	cp := Checkpoint{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		TakenAt:  time.Now().UTC(),
		State:    state.Clone(),
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sync_checkpoints (id, tenant_id, data, created_at) VALUES (?, ?, ?, ?)",
		cp.ID, tenantID, data, cp.TakenAt.Unix()); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}

	// Prune old checkpoints beyond the retention window.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_checkpoints WHERE tenant_id = ? AND id NOT IN (
			SELECT id FROM sync_checkpoints WHERE tenant_id = ?
			ORDER BY created_at DESC LIMIT ?
		)
	`, tenantID, tenantID, checkpointRetention); err != nil {
		return "", fmt.Errorf("failed to prune checkpoints: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return cp.ID, nil
}

// Rollback restores the tenant's state from a checkpoint. A checkpoint
// recorded for a different tenant is a tenant isolation violation.
func (p *SQLitePersister) Rollback(ctx context.Context, tenantID, checkpointID string) error {
	var data []byte
	var owner string
	err := p.db.QueryRowContext(ctx,
		"SELECT tenant_id, data FROM sync_checkpoints WHERE id = ?", checkpointID).
		Scan(&owner, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCheckpointNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if owner != tenantID {
		return newError(CodeTenantIsolationViolation, "rollback", tenantID,
			fmt.Errorf("checkpoint %s belongs to tenant %q", checkpointID, owner))
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("checkpoint integrity violated: %w", err)
	}
	if cp.State == nil || cp.TenantID != tenantID {
		return fmt.Errorf("checkpoint integrity violated: inconsistent snapshot")
	}

	return p.Save(ctx, tenantID, cp.State)
}

// Close closes the underlying database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

func decodeState(data []byte, tenantID string) (*SyncState, error) {
	var state SyncState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.TenantID != tenantID {
		return nil, fmt.Errorf("state row holds tenant %q", state.TenantID)
	}
	if state.KnowledgeHashes == nil {
		state.KnowledgeHashes = make(map[string]string)
	}
	if state.PointerMapping == nil {
		state.PointerMapping = make(map[string]string)
	}
	return &state, nil
}
