package bridge

import (
	"errors"
	"fmt"
)

// ErrorCode classifies sync bridge failures for callers and metrics.
type ErrorCode string

const (
	// CodeMissingTenantContext is returned when an entry point is called
	// without a tenant. Fatal, rejected before any I/O.
	CodeMissingTenantContext ErrorCode = "MISSING_TENANT_CONTEXT"

	// CodeInvalidTenantContext is returned when the tenant id is
	// malformed or contradicts the tenant bound to the context.
	CodeInvalidTenantContext ErrorCode = "INVALID_TENANT_CONTEXT"

	// CodeKnowledgeUnavailable indicates the knowledge repository could
	// not be reached. Retryable.
	CodeKnowledgeUnavailable ErrorCode = "KNOWLEDGE_UNAVAILABLE"

	// CodeStateCorrupted indicates persisted sync state could not be
	// deserialized. Recovered locally by regenerating a default state.
	CodeStateCorrupted ErrorCode = "STATE_CORRUPTED"

	// CodePartialFailure indicates some items in a cycle failed while
	// the rest were applied. The cycle is deliberately not marked
	// complete.
	CodePartialFailure ErrorCode = "PARTIAL_FAILURE"

	// CodeTenantIsolationViolation indicates an operation touched data
	// belonging to another tenant. Fatal, always audited, never
	// downgraded.
	CodeTenantIsolationViolation ErrorCode = "TENANT_ISOLATION_VIOLATION"
)

// Retryable reports whether an operation failing with this code may
// succeed on retry without operator intervention.
func (c ErrorCode) Retryable() bool {
	return c == CodeKnowledgeUnavailable
}

// Error is a sync bridge failure carrying its classification.
type Error struct {
	Code     ErrorCode
	Op       string
	TenantID string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (tenant %s): %v", e.Code, e.Op, e.TenantID, e.Err)
	}
	return fmt.Sprintf("%s: %s (tenant %s)", e.Code, e.Op, e.TenantID)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, op, tenantID string, err error) *Error {
	return &Error{Code: code, Op: op, TenantID: tenantID, Err: err}
}

// CodeOf extracts the error code from err, or empty if err is not a
// bridge error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
