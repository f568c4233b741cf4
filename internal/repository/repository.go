// Package repository keeps the local cache and the server of record in step.
// Reads are served from the cache and refreshed from the server; writes are
// validated and applied to the cache first, then confirmed or corrected by
// the server.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"kids-checkin-backend/internal/clock"
	"kids-checkin-backend/internal/keylock"
	"kids-checkin-backend/internal/model"
	"kids-checkin-backend/internal/remote"
	"kids-checkin-backend/internal/store"
)

// Outcome tells whether a write reached the server.
type Outcome string

const (
	// OutcomeReconciled means the server accepted the write and its entities
	// replaced the local ones.
	OutcomeReconciled Outcome = "reconciled"
	// OutcomeLocalOnly means the server was unreachable and the optimistic
	// local state was kept.
	OutcomeLocalOnly Outcome = "local_only"
)

// Result carries the value of a write together with its Outcome.
type Result[T any] struct {
	Value   T
	Outcome Outcome
}

// Repository is safe for concurrent use. Mutations of one entity are
// serialized on its id; check-in records are guarded by their child's lock.
type Repository struct {
	store  store.Store
	remote remote.Client
	locks  *keylock.Locker
	clock  clock.Clock
	writes *writeLog
	log    zerolog.Logger
}

// New wires a repository. A nil clock means the real one.
func New(st store.Store, rc remote.Client, clk clock.Clock, logger *zerolog.Logger) *Repository {
	if clk == nil {
		clk = clock.Real()
	}
	return &Repository{
		store:  st,
		remote: rc,
		locks:  keylock.New(),
		clock:  clk,
		writes: newWriteLog(),
		log:    logger.With().Str("component", "repository").Logger(),
	}
}

func lockKey(kind model.Kind, id string) string {
	return string(kind) + "/" + id
}

// writeLog remembers when each entity was last written by the write path, so
// a read that fetched from the server before that write does not overwrite it.
type writeLog struct {
	mu    sync.Mutex
	epoch uint64
	last  map[string]uint64
}

func newWriteLog() *writeLog {
	return &writeLog{last: make(map[string]uint64)}
}

func (w *writeLog) begin() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch
}

func (w *writeLog) touch(keys ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.epoch++
	for _, k := range keys {
		w.last[k] = w.epoch
	}
}

func (w *writeLog) changedSince(key string, start uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last[key] > start
}

// putAll writes entities and marks them as written by the write path.
func (r *Repository) putAll(ctx context.Context, entities ...model.Entity) error {
	keys := make([]string, 0, len(entities))
	for _, e := range entities {
		keys = append(keys, lockKey(e.EntityKind(), e.EntityID()))
	}
	if err := r.store.PutAll(ctx, entities...); err != nil {
		return err
	}
	r.writes.touch(keys...)
	return nil
}

func (r *Repository) delete(ctx context.Context, kind model.Kind, id string) error {
	if err := r.store.Delete(ctx, kind, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	r.writes.touch(lockKey(kind, id))
	return nil
}

// fromStore maps the store's not-found onto the business error callers match.
func fromStore(err error, kind model.Kind, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return model.ErrNotFound.WithMessage(fmt.Sprintf("%s %s not found", kind, id))
	}
	return fmt.Errorf("local store: %s %s: %w", kind, id, err)
}

func requireID(what, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", model.ErrInvalidArgument, what)
	}
	return nil
}

// requireIDs checks name/value pairs in order.
func requireIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := requireID(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}
