package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Decision is a governance verdict on a conflict resolution.
type Decision struct {
	// Allow permits the proposed resolution. When false the conflict is
	// left unresolved and surfaced to the caller.
	Allow bool `json:"allow"`

	// Override, when non-empty, replaces the proposed resolution.
	Override Resolution `json:"override,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Event is an out-of-band notification to the governance collaborator.
type Event struct {
	Type      string         `json:"type"`
	TenantID  string         `json:"tenant_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// GovernanceEngine is the external policy collaborator. Status-change
// and policy-sensitive conflicts are offered to it before the default
// resolution is applied, so organizations can e.g. block instead of
// silently updating.
type GovernanceEngine interface {
	EvaluateConflictPolicy(ctx context.Context, tenantID string, conflict Conflict) (Decision, error)
	EmitEvent(event Event)
}

// PermissiveEngine allows every default resolution and logs emitted
// events. It is the engine used when no external governance is wired.
type PermissiveEngine struct {
	logger zerolog.Logger
}

// NewPermissiveEngine creates the default governance engine.
func NewPermissiveEngine(logger zerolog.Logger) *PermissiveEngine {
	return &PermissiveEngine{
		logger: logger.With().Str("component", "governance").Logger(),
	}
}

// EvaluateConflictPolicy always allows the proposed resolution.
func (e *PermissiveEngine) EvaluateConflictPolicy(ctx context.Context, tenantID string, conflict Conflict) (Decision, error) {
	return Decision{Allow: true, Reason: "default policy"}, nil
}

// EmitEvent logs the event.
func (e *PermissiveEngine) EmitEvent(event Event) {
	e.logger.Info().
		Str("event", event.Type).
		Str("tenant", event.TenantID).
		Interface("metadata", event.Metadata).
		Msg("Governance event")
}
