package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kids-checkin-backend/internal/model"
	"kids-checkin-backend/internal/remote"
	"kids-checkin-backend/internal/store"
)

// RegisterChild creates a checked-out child under a fresh id.
func (r *Repository) RegisterChild(ctx context.Context, in *model.Child) (Result[*model.Child], error) {
	var res Result[*model.Child]
	if err := validateChild(in); err != nil {
		return res, err
	}

	now := r.clock.Now()
	child := in.Clone()
	child.ID = uuid.NewString()
	child.Status = model.ChildCheckedOut
	child.CurrentServiceID = ""
	child.CheckedInAt = nil
	child.CheckedOutAt = nil
	child.CreatedAt = now
	child.UpdatedAt = now

	unlock := r.locks.Lock(lockKey(model.KindChild, child.ID))
	defer unlock()
	if err := r.putAll(ctx, child); err != nil {
		return res, fmt.Errorf("local store: register child: %w", err)
	}

	created, err := r.remote.CreateChild(ctx, child)
	ctx = context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if created.ID != child.ID {
			// The server assigned its own id; only the server's copy survives.
			if err := r.delete(ctx, model.KindChild, child.ID); err != nil {
				return res, fmt.Errorf("local store: replace registered child: %w", err)
			}
			unlockServer := r.locks.Lock(lockKey(model.KindChild, created.ID))
			defer unlockServer()
		}
		if err := r.putAll(ctx, created); err != nil {
			return res, fmt.Errorf("local store: reconcile child: %w", err)
		}
		res = Result[*model.Child]{Value: created, Outcome: OutcomeReconciled}
	case remote.IsUnavailable(err):
		r.log.Warn().Err(err).Str("child_id", child.ID).Msg("child registered locally, server unreachable")
		res = Result[*model.Child]{Value: child, Outcome: OutcomeLocalOnly}
	default:
		if derr := r.delete(ctx, model.KindChild, child.ID); derr != nil {
			return res, fmt.Errorf("local store: roll back registration: %w", derr)
		}
		return res, refusal("register child", err)
	}

	r.log.Info().Str("child_id", res.Value.ID).Str("guardian_id", res.Value.GuardianID).
		Str("outcome", string(res.Outcome)).Msg("child registered")
	return res, nil
}

// UpdateChild changes a child's profile. Presence fields (status, current
// service, check-in and check-out times) are kept from the cached child.
func (r *Repository) UpdateChild(ctx context.Context, in *model.Child) (Result[*model.Child], error) {
	var res Result[*model.Child]
	if in == nil {
		return res, fmt.Errorf("%w: child is required", model.ErrInvalidArgument)
	}
	if err := requireID("child id", in.ID); err != nil {
		return res, err
	}
	if err := validateChild(in); err != nil {
		return res, err
	}
	if err := r.ensureChild(ctx, in.ID); err != nil {
		return res, err
	}

	unlock := r.locks.Lock(lockKey(model.KindChild, in.ID))
	defer unlock()

	current, err := r.CachedChild(ctx, in.ID)
	if err != nil {
		return res, err
	}
	child := in.Clone()
	child.Status = current.Status
	child.CurrentServiceID = current.CurrentServiceID
	child.CheckedInAt = current.CheckedInAt
	child.CheckedOutAt = current.CheckedOutAt
	child.CreatedAt = current.CreatedAt
	child.UpdatedAt = r.clock.Now()

	if err := r.putAll(ctx, child); err != nil {
		return res, fmt.Errorf("local store: update child: %w", err)
	}

	updated, err := r.remote.UpdateChild(ctx, child)
	ctx = context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if err := r.putAll(ctx, updated); err != nil {
			return res, fmt.Errorf("local store: reconcile child: %w", err)
		}
		res = Result[*model.Child]{Value: updated, Outcome: OutcomeReconciled}
	case remote.IsUnavailable(err):
		r.log.Warn().Err(err).Str("child_id", child.ID).Msg("child updated locally, server unreachable")
		res = Result[*model.Child]{Value: child, Outcome: OutcomeLocalOnly}
	default:
		if perr := r.putAll(ctx, current); perr != nil {
			return res, fmt.Errorf("local store: roll back update: %w", perr)
		}
		return res, refusal("update child", err)
	}
	return res, nil
}

// DeleteChild removes a child that is not checked in. A child the server no
// longer knows counts as deleted.
func (r *Repository) DeleteChild(ctx context.Context, id string) (Outcome, error) {
	if err := requireID("child id", id); err != nil {
		return "", err
	}
	if err := r.ensureChild(ctx, id); err != nil {
		return "", err
	}

	unlock := r.locks.Lock(lockKey(model.KindChild, id))
	defer unlock()

	current, err := r.CachedChild(ctx, id)
	if err != nil {
		return "", err
	}
	if current.IsCheckedIn() {
		return "", model.ErrAlreadyCheckedIn.WithMessage(fmt.Sprintf("%s is checked in and cannot be deleted", current.FullName()))
	}
	if err := r.delete(ctx, model.KindChild, id); err != nil {
		return "", fmt.Errorf("local store: delete child: %w", err)
	}

	err = r.remote.DeleteChild(ctx, id)
	switch {
	case err == nil, errors.Is(err, model.ErrNotFound):
		r.log.Info().Str("child_id", id).Msg("child deleted")
		return OutcomeReconciled, nil
	case remote.IsUnavailable(err):
		r.log.Warn().Err(err).Str("child_id", id).Msg("child deleted locally, server unreachable")
		return OutcomeLocalOnly, nil
	default:
		if perr := r.putAll(context.WithoutCancel(ctx), current); perr != nil {
			return "", fmt.Errorf("local store: roll back delete: %w", perr)
		}
		return "", refusal("delete child", err)
	}
}

func validateChild(c *model.Child) error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: child is required", model.ErrInvalidArgument)
	case strings.TrimSpace(c.GuardianID) == "":
		return fmt.Errorf("%w: guardian id is required", model.ErrInvalidArgument)
	case strings.TrimSpace(c.FirstName) == "":
		return fmt.Errorf("%w: first name is required", model.ErrInvalidArgument)
	case c.DateOfBirth.IsZero():
		return fmt.Errorf("%w: date of birth is required", model.ErrInvalidArgument)
	}
	return nil
}

// refusal passes business errors through unchanged and wraps anything else.
func refusal(op string, err error) error {
	if model.IsBusiness(err) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *Repository) ensureChild(ctx context.Context, id string) error {
	return ensureCached(ctx, r, model.KindChild, id, r.remote.GetChild)
}

func (r *Repository) ensureService(ctx context.Context, id string) error {
	return ensureCached(ctx, r, model.KindService, id, r.remote.GetService)
}

// ensureCached loads an entity from the server when the cache lacks it. It
// fails with the server's error when nothing can be loaded.
func ensureCached[T model.Entity](ctx context.Context, r *Repository, kind model.Kind, id string,
	fetch func(context.Context, string) (T, error)) error {
	_, err := r.store.Get(ctx, kind, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fromStore(err, kind, id)
	}

	fresh, err := fetch(ctx, id)
	if err != nil {
		return remoteReadError(err, kind, id)
	}

	unlock := r.locks.Lock(lockKey(kind, id))
	defer unlock()
	if _, err := r.store.Get(ctx, kind, id); err == nil {
		return nil
	}
	if err := r.store.Put(ctx, fresh); err != nil {
		return fromStore(err, kind, id)
	}
	return nil
}
