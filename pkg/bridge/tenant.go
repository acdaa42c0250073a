package bridge

import (
	"context"
	"fmt"
	"regexp"
)

type tenantContextKey struct{}

// tenantIDPattern bounds what we accept as a tenant identifier.
var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// WithTenant binds a tenant id to the context. Entry points verify that
// the tenant they are invoked for matches the bound tenant.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// TenantFromContext returns the tenant bound to the context, if any.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantContextKey{}).(string)
	return tenantID, ok
}

// requireTenant validates the tenant argument against the context before
// any I/O happens. It returns a MISSING_TENANT_CONTEXT or
// INVALID_TENANT_CONTEXT error on rejection.
func requireTenant(ctx context.Context, op, tenantID string) error {
	if tenantID == "" {
		return newError(CodeMissingTenantContext, op, tenantID, fmt.Errorf("tenant id is required"))
	}
	if !tenantIDPattern.MatchString(tenantID) {
		return newError(CodeInvalidTenantContext, op, tenantID, fmt.Errorf("malformed tenant id %q", tenantID))
	}
	if bound, ok := TenantFromContext(ctx); ok && bound != tenantID {
		return newError(CodeInvalidTenantContext, op, tenantID,
			fmt.Errorf("context is bound to tenant %q", bound))
	}
	return nil
}
