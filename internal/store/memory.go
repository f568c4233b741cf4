package store

import (
	"context"
	"strings"

	"github.com/patrickmn/go-cache"

	"kids-checkin-backend/internal/model"
)

// MemoryStore keeps entities in a go-cache instance for the life of the
// process. It is the default when no persistent driver is configured.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(cache.NoExpiration, 0)}
}

func (s *MemoryStore) Get(_ context.Context, kind model.Kind, id string) (model.Entity, error) {
	v, found := s.cache.Get(entityKey(kind, id))
	if !found {
		return nil, ErrNotFound
	}
	return v.(model.Entity).CloneEntity(), nil
}

func (s *MemoryStore) Put(_ context.Context, e model.Entity) error {
	s.cache.Set(entityKey(e.EntityKind(), e.EntityID()), e.CloneEntity(), cache.NoExpiration)
	return nil
}

// PutAll writes every entity. Writes cannot fail in memory, so the batch is
// all-or-nothing trivially.
func (s *MemoryStore) PutAll(ctx context.Context, entities ...model.Entity) error {
	for _, e := range entities {
		if err := s.Put(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, kind model.Kind, id string) error {
	s.cache.Delete(entityKey(kind, id))
	return nil
}

func (s *MemoryStore) Query(_ context.Context, kind model.Kind, pred Predicate) ([]model.Entity, error) {
	prefix := string(kind) + ":"
	var out []model.Entity
	for key, item := range s.cache.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		e := item.Object.(model.Entity)
		if pred == nil || pred(e) {
			out = append(out, e.CloneEntity())
		}
	}
	return out, nil
}
