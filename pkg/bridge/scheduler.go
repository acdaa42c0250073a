package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TenantSource enumerates the tenants the scheduler dispatches for.
type TenantSource func(ctx context.Context) ([]string, error)

// SchedulerConfig wires the per-tenant dispatch loop.
type SchedulerConfig struct {
	Manager *Manager
	Tenants TenantSource
	Trigger TriggerConfig
	Logger  zerolog.Logger

	// Interval between trigger evaluations. Default 1m.
	Interval time.Duration

	// MaxItems caps each dispatched incremental run. Zero means
	// unbounded.
	MaxItems int
}

// Scheduler ticks on a fixed interval, evaluates the trigger per tenant
// and dispatches independent incremental syncs. A slow tenant never
// stalls dispatch to others; the manager's lease keeps at most one
// cycle in flight per tenant.
type Scheduler struct {
	manager  *Manager
	tenants  TenantSource
	trigger  TriggerConfig
	maxItems int
	logger   zerolog.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]int
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Manager == nil {
		return nil, errors.New("manager is required")
	}
	if cfg.Tenants == nil {
		return nil, errors.New("tenant source is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		manager:  cfg.Manager,
		tenants:  cfg.Tenants,
		trigger:  cfg.Trigger,
		maxItems: cfg.MaxItems,
		logger:   cfg.Logger.With().Str("component", "sync-scheduler").Logger(),
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]int),
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", cfg.Interval), s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule tick: %w", err)
	}
	return s, nil
}

// Start begins ticking.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Sync scheduler started")
}

// Stop cancels in-flight cycles and waits for dispatched goroutines.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info().Msg("Sync scheduler stopped")
}

// NoteSession records agent activity for a tenant; enough sessions
// since the last completed sync fire the session trigger.
func (s *Scheduler) NoteSession(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[tenantID]++
}

// SyncNow dispatches an incremental sync for one tenant immediately,
// bypassing the trigger evaluation.
func (s *Scheduler) SyncNow(tenantID string) {
	s.dispatch(tenantID, "manual")
}

func (s *Scheduler) tick() {
	tenants, err := s.tenants(s.ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to enumerate tenants")
		return
	}

	now := time.Now()
	for _, tenantID := range tenants {
		status, err := s.manager.GetStatus(WithTenant(s.ctx, tenantID), tenantID)
		if err != nil {
			s.logger.Warn().Err(err).Str("tenant", tenantID).Msg("Failed to read sync status")
			continue
		}

		s.mu.Lock()
		sessions := s.sessions[tenantID]
		s.mu.Unlock()

		decision := ShouldSync(status.LastSyncAt, sessions, s.trigger, now)
		if !decision.Trigger {
			continue
		}
		s.dispatch(tenantID, decision.Reason)
	}
}

func (s *Scheduler) dispatch(tenantID, reason string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx := WithTenant(s.ctx, tenantID)
		result, err := s.manager.IncrementalSync(ctx, tenantID, IncrementalOptions{MaxItems: s.maxItems})
		if errors.Is(err, ErrSyncInProgress) {
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Str("tenant", tenantID).Str("reason", reason).Msg("Dispatched sync failed")
			return
		}

		if result.State == CycleCompleted {
			s.mu.Lock()
			s.sessions[tenantID] = 0
			s.mu.Unlock()
		}
		s.logger.Debug().
			Str("tenant", tenantID).
			Str("reason", reason).
			Str("state", string(result.State)).
			Msg("Dispatched sync finished")
	}()
}
