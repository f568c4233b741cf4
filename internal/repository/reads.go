package repository

import (
	"context"
	"errors"
	"fmt"

	"kids-checkin-backend/internal/model"
	"kids-checkin-backend/internal/remote"
	"kids-checkin-backend/internal/store"
)

// GetChild returns the child, refreshed from the server when it answers.
func (r *Repository) GetChild(ctx context.Context, id string) (*model.Child, error) {
	if err := requireID("child id", id); err != nil {
		return nil, err
	}
	return readThrough(ctx, r, model.KindChild, id, r.remote.GetChild)
}

// GetService returns the service, refreshed from the server when it answers.
func (r *Repository) GetService(ctx context.Context, id string) (*model.Service, error) {
	if err := requireID("service id", id); err != nil {
		return nil, err
	}
	return readThrough(ctx, r, model.KindService, id, r.remote.GetService)
}

// ListChildrenByGuardian returns the guardian's children.
func (r *Repository) ListChildrenByGuardian(ctx context.Context, guardianID string) ([]*model.Child, error) {
	if err := requireID("guardian id", guardianID); err != nil {
		return nil, err
	}
	pred := func(c *model.Child) bool { return c.GuardianID == guardianID }
	return listThrough(ctx, r, model.KindChild, pred, childLockKey, true,
		func(ctx context.Context) ([]*model.Child, error) {
			return r.remote.GetChildrenByGuardian(ctx, guardianID)
		})
}

// ListServices returns every service.
func (r *Repository) ListServices(ctx context.Context) ([]*model.Service, error) {
	return listThrough(ctx, r, model.KindService, nil, serviceLockKey, true, r.remote.GetServices)
}

// ListCurrentCheckIns returns open check-in records, optionally for one
// service only. An empty serviceID means all services. Records are never
// dropped: an open record the server does not report stays open until it is
// checked out here or the server reports its closed version.
func (r *Repository) ListCurrentCheckIns(ctx context.Context, serviceID string) ([]*model.CheckInRecord, error) {
	return listThrough(ctx, r, model.KindCheckInRecord, openIn(serviceID), recordLockKey, false,
		func(ctx context.Context) ([]*model.CheckInRecord, error) {
			return r.remote.GetCurrentCheckIns(ctx, serviceID)
		})
}

// CachedChild reads the local cache only.
func (r *Repository) CachedChild(ctx context.Context, id string) (*model.Child, error) {
	c, err := store.GetAs[*model.Child](ctx, r.store, model.KindChild, id)
	if err != nil {
		return nil, fromStore(err, model.KindChild, id)
	}
	return c, nil
}

// CachedService reads the local cache only.
func (r *Repository) CachedService(ctx context.Context, id string) (*model.Service, error) {
	s, err := store.GetAs[*model.Service](ctx, r.store, model.KindService, id)
	if err != nil {
		return nil, fromStore(err, model.KindService, id)
	}
	return s, nil
}

// CachedCheckIns returns the cached open records of a service.
func (r *Repository) CachedCheckIns(ctx context.Context, serviceID string) ([]*model.CheckInRecord, error) {
	records, err := store.QueryAs[*model.CheckInRecord](ctx, r.store, model.KindCheckInRecord, openIn(serviceID))
	if err != nil {
		return nil, fmt.Errorf("local store: query check-ins: %w", err)
	}
	return records, nil
}

func openIn(serviceID string) func(*model.CheckInRecord) bool {
	return func(rec *model.CheckInRecord) bool {
		return rec.IsOpen() && (serviceID == "" || rec.ServiceID == serviceID)
	}
}

func childLockKey(c *model.Child) string            { return lockKey(model.KindChild, c.ID) }
func serviceLockKey(s *model.Service) string        { return lockKey(model.KindService, s.ID) }
func recordLockKey(rec *model.CheckInRecord) string { return lockKey(model.KindChild, rec.ChildID) }

// readThrough serves one entity: cache first, then server, falling back to
// the cache when the server fails.
func readThrough[T model.Entity](ctx context.Context, r *Repository, kind model.Kind, id string,
	fetch func(context.Context, string) (T, error)) (T, error) {
	var zero T
	key := lockKey(kind, id)

	cached, cacheErr := store.GetAs[T](ctx, r.store, kind, id)
	if cacheErr != nil && !errors.Is(cacheErr, store.ErrNotFound) {
		return zero, fromStore(cacheErr, kind, id)
	}

	start := r.writes.begin()
	fresh, err := fetch(ctx, id)
	if err != nil {
		if cacheErr == nil {
			r.log.Debug().Err(err).Str("kind", string(kind)).Str("id", id).Msg("remote read failed, serving cache")
			return cached, nil
		}
		return zero, remoteReadError(err, kind, id)
	}

	unlock := r.locks.Lock(key)
	defer unlock()
	if !r.writes.changedSince(key, start) {
		if err := r.store.Put(ctx, fresh); err != nil {
			return zero, fromStore(err, kind, id)
		}
	}
	out, err := store.GetAs[T](ctx, r.store, kind, id)
	if err != nil {
		return zero, fromStore(err, kind, id)
	}
	return out, nil
}

// listThrough serves a set of entities. Fresh entities from the server are
// upserted; with prune set, cached ones the server no longer reports are
// dropped. When the server fails the cached set is served, even when empty.
func listThrough[T model.Entity](ctx context.Context, r *Repository, kind model.Kind, pred func(T) bool,
	keyOf func(T) string, prune bool, fetch func(context.Context) ([]T, error)) ([]T, error) {
	cached, err := store.QueryAs[T](ctx, r.store, kind, pred)
	if err != nil {
		return nil, fmt.Errorf("local store: query %s: %w", kind, err)
	}

	start := r.writes.begin()
	fresh, err := fetch(ctx)
	if err != nil {
		r.log.Debug().Err(err).Str("kind", string(kind)).Int("cached", len(cached)).Msg("remote list failed, serving cache")
		return cached, nil
	}

	keys := make([]string, 0, len(cached)+len(fresh))
	for _, e := range cached {
		keys = append(keys, keyOf(e))
	}
	for _, e := range fresh {
		keys = append(keys, keyOf(e))
	}
	unlock := r.locks.Lock(keys...)
	defer unlock()

	seen := make(map[string]bool, len(fresh))
	puts := make([]model.Entity, 0, len(fresh))
	for _, e := range fresh {
		seen[e.EntityID()] = true
		if r.writes.changedSince(keyOf(e), start) {
			continue
		}
		puts = append(puts, e)
	}
	if err := r.store.PutAll(ctx, puts...); err != nil {
		return nil, fmt.Errorf("local store: upsert %s: %w", kind, err)
	}
	for _, e := range cached {
		if !prune || seen[e.EntityID()] || r.writes.changedSince(keyOf(e), start) {
			continue
		}
		if err := r.store.Delete(ctx, kind, e.EntityID()); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("local store: drop stale %s %s: %w", kind, e.EntityID(), err)
		}
	}

	out, err := store.QueryAs[T](ctx, r.store, kind, pred)
	if err != nil {
		return nil, fmt.Errorf("local store: query %s: %w", kind, err)
	}
	return out, nil
}

// remoteReadError is returned when the server fails and nothing is cached.
func remoteReadError(err error, kind model.Kind, id string) error {
	if remote.IsUnavailable(err) || model.IsBusiness(err) {
		return err
	}
	return fmt.Errorf("fetch %s %s: %w", kind, id, err)
}
