package knowledge

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested item does not exist in the
// repository for the given tenant.
var ErrNotFound = errors.New("knowledge: item not found")

// Repository is the read side of the knowledge store consumed by the
// sync bridge. Implementations must scope every operation to the tenant
// passed in; an implementation must never return another tenant's data.
type Repository interface {
	// GetManifest returns the lightweight view of all items currently
	// visible to the tenant.
	GetManifest(ctx context.Context, tenantID string) ([]ManifestEntry, error)

	// GetItem returns the full item, or ErrNotFound.
	GetItem(ctx context.Context, tenantID, id string) (*Item, error)

	// CurrentRevision returns an opaque token identifying the
	// repository's current state for the tenant.
	CurrentRevision(ctx context.Context, tenantID string) (string, error)

	// ChangedSince returns ids of items changed after the given
	// revision token. An empty or unknown revision means "everything".
	ChangedSince(ctx context.Context, tenantID, revision string) ([]string, error)
}
