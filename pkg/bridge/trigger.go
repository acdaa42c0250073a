package bridge

import "time"

// Trigger reasons reported by ShouldSync.
const (
	TriggerReasonFirstRun  = "first_run"
	TriggerReasonStaleness = "staleness"
	TriggerReasonSessions  = "sessions"
	TriggerReasonManual    = "manual"
)

// TriggerConfig tunes when incremental sync fires for a tenant.
type TriggerConfig struct {
	// StalenessThreshold triggers when the last completed sync is older
	// than this.
	StalenessThreshold time.Duration

	// SessionThreshold triggers after this many sessions since the last
	// completed sync. Zero disables the session trigger.
	SessionThreshold int
}

// DefaultTriggerConfig is used when the caller leaves the config zero.
var DefaultTriggerConfig = TriggerConfig{
	StalenessThreshold: time.Hour,
	SessionThreshold:   10,
}

// TriggerDecision is the outcome of evaluating a tenant's trigger.
type TriggerDecision struct {
	Trigger bool   `json:"trigger"`
	Reason  string `json:"reason"`
}

// ShouldSync decides whether a tenant needs an incremental sync now.
// When neither threshold is crossed the tenant waits for a manual
// trigger.
func ShouldSync(lastSyncAt time.Time, sessionsSince int, cfg TriggerConfig, now time.Time) TriggerDecision {
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = DefaultTriggerConfig.StalenessThreshold
	}

	if lastSyncAt.IsZero() {
		return TriggerDecision{Trigger: true, Reason: TriggerReasonFirstRun}
	}
	if now.Sub(lastSyncAt) >= cfg.StalenessThreshold {
		return TriggerDecision{Trigger: true, Reason: TriggerReasonStaleness}
	}
	if cfg.SessionThreshold > 0 && sessionsSince >= cfg.SessionThreshold {
		return TriggerDecision{Trigger: true, Reason: TriggerReasonSessions}
	}
	return TriggerDecision{Trigger: false, Reason: TriggerReasonManual}
}
