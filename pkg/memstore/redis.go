package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisProvider stores pointers in Redis, one JSON blob per pointer
// under kbridge:<tenant>:pointer:<id>, with a per-tenant id set for
// enumeration. Suitable when the memory store is shared by several
// bridge instances.
type RedisProvider struct {
	client *redis.Client
	logger zerolog.Logger
}

// RedisConfig holds redis provider configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Logger   zerolog.Logger
}

// NewRedisProvider connects to Redis and verifies the connection.
func NewRedisProvider(cfg RedisConfig) (*RedisProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisProvider{
		client: client,
		logger: cfg.Logger.With().Str("component", "memstore-redis").Logger(),
	}, nil
}

func pointerKey(tenantID, id string) string {
	return fmt.Sprintf("kbridge:%s:pointer:%s", tenantID, id)
}

func tenantSetKey(tenantID string) string {
	return fmt.Sprintf("kbridge:%s:pointers", tenantID)
}

// UpsertPointer writes the pointer blob and registers its id atomically.
func (p *RedisProvider) UpsertPointer(ctx context.Context, tenantID string, ptr *Pointer) error {
	if tenantID == "" || ptr == nil || ptr.ID == "" {
		return errors.New("tenant id and pointer id are required")
	}

	stored := *ptr
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	stored.TenantID = tenantID

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal pointer: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, pointerKey(tenantID, ptr.ID), data, 0)
	pipe.SAdd(ctx, tenantSetKey(tenantID), ptr.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write pointer: %w", err)
	}
	return nil
}

// DeletePointer removes the pointer blob and its set entry.
func (p *RedisProvider) DeletePointer(ctx context.Context, tenantID, id string) error {
	pipe := p.client.TxPipeline()
	pipe.Del(ctx, pointerKey(tenantID, id))
	pipe.SRem(ctx, tenantSetKey(tenantID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete pointer: %w", err)
	}
	return nil
}

// GetPointer returns the pointer, or ErrNotFound.
func (p *RedisProvider) GetPointer(ctx context.Context, tenantID, id string) (*Pointer, error) {
	data, err := p.client.Get(ctx, pointerKey(tenantID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pointer: %w", err)
	}

	var ptr Pointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, fmt.Errorf("failed to parse pointer: %w", err)
	}
	return &ptr, nil
}

// ListPointers returns every pointer stored for the tenant.
func (p *RedisProvider) ListPointers(ctx context.Context, tenantID string) ([]*Pointer, error) {
	ids, err := p.client.SMembers(ctx, tenantSetKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pointer ids: %w", err)
	}

	pointers := make([]*Pointer, 0, len(ids))
	for _, id := range ids {
		ptr, err := p.GetPointer(ctx, tenantID, id)
		if errors.Is(err, ErrNotFound) {
			// Blob expired or deleted out of band; drop the stale id.
			p.logger.Warn().Str("pointer", id).Msg("Pointer id without blob, removing from index")
			p.client.SRem(ctx, tenantSetKey(tenantID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		pointers = append(pointers, ptr)
	}
	return pointers, nil
}

// Close closes the redis connection.
func (p *RedisProvider) Close() error {
	return p.client.Close()
}
