package tools

import (
	"context"

	"github.com/google/uuid"
)

type ownerKey struct{}

// WithOwner tags a context with the user on whose behalf tools run.
// Owner-scoped tools (worker spawn/list/read) resolve it at call time.
func WithOwner(ctx context.Context, ownerID uuid.UUID) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFrom returns the owner tagged on the context, if any
func OwnerFrom(ctx context.Context) (uuid.UUID, bool) {
	ownerID, ok := ctx.Value(ownerKey{}).(uuid.UUID)
	return ownerID, ok
}
