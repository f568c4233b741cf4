package store

import (
	"context"
	"errors"
	"fmt"

	"kids-checkin-backend/internal/model"
)

// ErrNotFound is returned when no entity is stored under a key.
var ErrNotFound = errors.New("store: entity not found")

// Predicate selects entities in Query.
type Predicate func(model.Entity) bool

// Store defines the local keyed persistence the engine reads first and
// reconciles into. Implementations hand out copies: mutating a returned
// entity never changes stored state.
type Store interface {
	Get(ctx context.Context, kind model.Kind, id string) (model.Entity, error)
	// Put is an idempotent overwrite keyed by the entity id.
	Put(ctx context.Context, e model.Entity) error
	// PutAll writes every entity or none of them.
	PutAll(ctx context.Context, entities ...model.Entity) error
	Delete(ctx context.Context, kind model.Kind, id string) error
	// Query returns all entities of kind accepted by pred; a nil pred accepts all.
	Query(ctx context.Context, kind model.Kind, pred Predicate) ([]model.Entity, error)
}

// GetAs fetches an entity and asserts its concrete type.
func GetAs[T model.Entity](ctx context.Context, s Store, kind model.Kind, id string) (T, error) {
	var zero T
	e, err := s.Get(ctx, kind, id)
	if err != nil {
		return zero, err
	}
	typed, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("store: %s %q has unexpected type %T", kind, id, e)
	}
	return typed, nil
}

// QueryAs runs Query with a typed predicate and returns typed results.
func QueryAs[T model.Entity](ctx context.Context, s Store, kind model.Kind, pred func(T) bool) ([]T, error) {
	entities, err := s.Query(ctx, kind, func(e model.Entity) bool {
		typed, ok := e.(T)
		return ok && (pred == nil || pred(typed))
	})
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.(T))
	}
	return out, nil
}

func entityKey(kind model.Kind, id string) string {
	return string(kind) + ":" + id
}
