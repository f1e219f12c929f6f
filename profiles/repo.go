package profiles

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ProfileNotFoundErr = errors.New("profile not found")
	StoreUnhealthyErr  = errors.New("profile store unhealthy")
)

// Repo is one access path to the remote profile store. The resolver is
// handed two of these: a standard path and an elevated-privilege path used
// only as a retry target.
type Repo interface {
	// Get returns the profile row for the user, or ProfileNotFoundErr when
	// the store answered with zero rows.
	Get(ctx context.Context, userID string) (*Profile, error)
	// Insert creates the row and returns it as stored.
	Insert(ctx context.Context, profile *Profile) (*Profile, error)
	// Update applies a sparse update to the row keyed by userID.
	Update(ctx context.Context, userID string, partial Partial) error
	// Health probes the store's connection.
	Health(ctx context.Context) error
}
