// Package repo defines the generic Repository interface with Neo4j and
// in-memory implementations.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Update when no entity has the given ID.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic CRUD interface.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination and ordering for List operations.
type ListOpts struct {
	Offset int
	Limit  int
	// OrderBy names the property to sort on. Empty keeps store order.
	OrderBy string
	Desc    bool
}

const defaultLimit = 100

func (o ListOpts) limit() int {
	if o.Limit <= 0 {
		return defaultLimit
	}
	return o.Limit
}
