package memstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a pointer does not exist for the tenant.
var ErrNotFound = errors.New("memstore: pointer not found")

// Provider is the write/read surface of the memory store consumed by
// the sync bridge. All operations are keyed by tenant and pointer id;
// implementations must never leak data across tenants.
type Provider interface {
	// UpsertPointer creates or fully replaces a pointer. The write is
	// atomic per pointer: it is either fully applied or not at all.
	UpsertPointer(ctx context.Context, tenantID string, p *Pointer) error

	// DeletePointer removes a pointer. Deleting a pointer that does not
	// exist is not an error.
	DeletePointer(ctx context.Context, tenantID, id string) error

	// GetPointer returns the pointer, or ErrNotFound.
	GetPointer(ctx context.Context, tenantID, id string) (*Pointer, error)

	// ListPointers returns all pointers for the tenant.
	ListPointers(ctx context.Context, tenantID string) ([]*Pointer, error)
}
