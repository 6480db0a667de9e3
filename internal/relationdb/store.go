// Package relationdb is the authoritative, server-side record of which user
// holds which relation to which entity.
package relationdb

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrStoreClosed = errors.New("relation store is closed")
	ErrInvalidKey  = errors.New("relation, entity and user must be non-empty")
)

// Store defines the interface for relation membership persistence.
type Store interface {
	// Members returns the users holding relation on entityID, oldest first.
	Members(ctx context.Context, relation, entityID string) ([]string, error)

	// Set adds or removes userID and returns the resulting count.
	Set(ctx context.Context, relation, entityID, userID string, active bool) (int, error)

	// ListForUser returns the entity ids userID holds relation on, newest first.
	ListForUser(ctx context.Context, relation, userID string) ([]string, error)

	// Close closes the store.
	Close() error
}
