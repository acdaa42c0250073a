package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/knoxhq/kbridge/internal/config"
	"github.com/knoxhq/kbridge/internal/logger"
	"github.com/knoxhq/kbridge/pkg/bridge"
	"github.com/knoxhq/kbridge/pkg/knowledge"
	"github.com/knoxhq/kbridge/pkg/memstore"
	"github.com/redis/go-redis/v9"
)

// app bundles everything a command needs once configuration is loaded.
// Commands build it with newApp and must Close it when done.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	repo      *knowledge.DirRepository
	provider  memstore.Provider
	persister *bridge.SQLitePersister
	manager   *bridge.Manager

	leaseClient *redis.Client
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Redaction: cfg.Logging.Redaction,
	}
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	zl := a.log.GetZerolog()

	repo, err := knowledge.NewDirRepository(a.cfg.Knowledge.Dir, zl)
	if err != nil {
		return fmt.Errorf("failed to open knowledge repository: %w", err)
	}
	a.repo = repo

	var embedder memstore.Embedder
	if a.cfg.Memstore.Embedding.Enabled {
		embedder = memstore.NewOpenAIEmbedder(a.cfg.Memstore.Embedding.APIKey, a.cfg.Memstore.Embedding.Model)
	}

	switch a.cfg.Memstore.Backend {
	case "redis":
		provider, err := memstore.NewRedisProvider(memstore.RedisConfig{
			Addr:     a.cfg.Memstore.Redis.Addr,
			Password: a.cfg.Memstore.Redis.Password,
			DB:       a.cfg.Memstore.Redis.DB,
			Logger:   zl,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis memory store: %w", err)
		}
		a.provider = provider
	default:
		provider, err := memstore.NewSQLiteProvider(memstore.SQLiteConfig{
			DBPath:   a.cfg.Memstore.DBPath,
			Logger:   zl,
			Embedder: embedder,
		})
		if err != nil {
			return fmt.Errorf("failed to open memory store: %w", err)
		}
		a.provider = provider
	}

	persister, err := bridge.NewSQLitePersister(a.cfg.Sync.StateDBPath, zl)
	if err != nil {
		return fmt.Errorf("failed to open sync state store: %w", err)
	}
	a.persister = persister

	var lease bridge.Lease
	if a.cfg.Sync.LeaseBackend == "redis" {
		a.leaseClient = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Memstore.Redis.Addr,
			Password: a.cfg.Memstore.Redis.Password,
			DB:       a.cfg.Memstore.Redis.DB,
		})
		lease = bridge.NewRedisLease(a.leaseClient)
	}

	resolution := make(bridge.ResolutionConfig, len(a.cfg.Sync.Resolutions))
	for conflictType, action := range a.cfg.Sync.Resolutions {
		resolution[bridge.ConflictType(conflictType)] = bridge.Resolution(action)
	}

	manager, err := bridge.NewManager(bridge.Config{
		Repository:     repo,
		Provider:       a.provider,
		Persister:      persister,
		Lease:          lease,
		Logger:         zl,
		Resolution:     resolution,
		LeaseTTL:       time.Duration(a.cfg.Sync.LeaseTTLSeconds) * time.Second,
		RetryAttempts:  a.cfg.Sync.RetryAttempts,
		RetryBaseDelay: time.Duration(a.cfg.Sync.RetryBaseDelayMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create sync manager: %w", err)
	}
	a.manager = manager

	return nil
}

// Close releases resources in reverse wiring order. Safe on a
// partially wired app.
func (a *app) Close() {
	if a.persister != nil {
		if err := a.persister.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close sync state store")
		}
	}
	if closer, ok := a.provider.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close memory store")
		}
	}
	if a.leaseClient != nil {
		if err := a.leaseClient.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close lease client")
		}
	}
	if a.log != nil {
		_ = a.log.Close()
	}
}

// tenants resolves the tenant list for scheduler dispatch, configured
// tenants first, falling back to the repository's directory listing.
func (a *app) tenants() ([]string, error) {
	if len(a.cfg.Knowledge.Tenants) > 0 {
		return a.cfg.Knowledge.Tenants, nil
	}
	return a.repo.ListTenants()
}
