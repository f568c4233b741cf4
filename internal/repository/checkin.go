package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kids-checkin-backend/internal/metrics"
	"kids-checkin-backend/internal/model"
	"kids-checkin-backend/internal/remote"
	"kids-checkin-backend/internal/store"
)

// Attendance is the set of entities a check-in or check-out touches.
type Attendance struct {
	Child   *model.Child         `json:"child"`
	Service *model.Service       `json:"service"`
	Record  *model.CheckInRecord `json:"record,omitempty"`
}

func (a *Attendance) entities() []model.Entity {
	out := []model.Entity{a.Child, a.Service}
	if a.Record != nil {
		out = append(out, a.Record)
	}
	return out
}

// CheckInChild checks a child into a service. The request is validated
// against the cached child and service; a violation returns a business
// error and changes nothing.
func (r *Repository) CheckInChild(ctx context.Context, childID, serviceID, staffID, notes string) (Result[*Attendance], error) {
	var res Result[*Attendance]
	if err := requireIDs("child id", childID, "service id", serviceID, "staff id", staffID); err != nil {
		return res, err
	}
	if err := r.ensureChild(ctx, childID); err != nil {
		return res, err
	}
	if err := r.ensureService(ctx, serviceID); err != nil {
		return res, err
	}

	unlock := r.locks.Lock(lockKey(model.KindChild, childID), lockKey(model.KindService, serviceID))
	defer unlock()

	child, err := r.CachedChild(ctx, childID)
	if err != nil {
		return res, err
	}
	svc, err := r.CachedService(ctx, serviceID)
	if err != nil {
		return res, err
	}
	open, err := r.openRecords(ctx, childID)
	if err != nil {
		return res, err
	}
	now := r.clock.Now()
	if err := validateCheckIn(child, svc, len(open), now); err != nil {
		metrics.IncBusinessRejection(businessCode(err))
		return res, err
	}

	before := []model.Entity{child.Clone(), svc.Clone()}
	local := &Attendance{
		Child:   child,
		Service: svc,
		Record: &model.CheckInRecord{
			ID:          uuid.NewString(),
			ChildID:     childID,
			ServiceID:   serviceID,
			CheckInTime: now,
			CheckedInBy: staffID,
			Notes:       notes,
			Status:      model.RecordCheckedIn,
		},
	}
	child.Status = model.ChildCheckedIn
	child.CurrentServiceID = serviceID
	child.CheckedInAt = &now
	child.UpdatedAt = now
	svc.CurrentCapacity++
	svc.UpdatedAt = now

	if err := r.putAll(ctx, local.entities()...); err != nil {
		return res, fmt.Errorf("local store: apply check-in: %w", err)
	}

	server, err := r.remote.CheckIn(ctx, childID, serviceID, staffID, notes)
	res, err = r.settle(ctx, "check-in", before, local.Record.ID, local, server, err)
	if err == nil {
		metrics.IncCheckIn(string(res.Outcome))
		r.log.Info().Str("child_id", childID).Str("service_id", serviceID).
			Str("outcome", string(res.Outcome)).Msg("child checked in")
	}
	return res, err
}

// CheckOutChild closes the child's open record and frees a place in its
// service.
func (r *Repository) CheckOutChild(ctx context.Context, childID, staffID, notes string) (Result[*Attendance], error) {
	var res Result[*Attendance]
	if err := requireIDs("child id", childID, "staff id", staffID); err != nil {
		return res, err
	}
	if err := r.ensureChild(ctx, childID); err != nil {
		return res, err
	}

	child, unlock, err := r.lockCheckedInChild(ctx, childID)
	if err != nil {
		if model.IsBusiness(err) {
			metrics.IncBusinessRejection(businessCode(err))
		}
		return res, err
	}
	defer unlock()

	svc, err := r.CachedService(ctx, child.CurrentServiceID)
	if err != nil {
		return res, err
	}
	open, err := r.openRecords(ctx, childID)
	if err != nil {
		return res, err
	}

	before := []model.Entity{child.Clone(), svc.Clone()}
	local := &Attendance{Child: child, Service: svc}
	now := r.clock.Now()
	for i, rec := range open {
		before = append(before, rec.Clone())
		rec.Status = model.RecordCheckedOut
		rec.CheckOutTime = &now
		rec.CheckedOutBy = staffID
		if notes != "" {
			rec.Notes = notes
		}
		if i == 0 {
			local.Record = rec
		}
	}
	child.Status = model.ChildCheckedOut
	child.CurrentServiceID = ""
	child.CheckedOutAt = &now
	child.UpdatedAt = now
	if svc.CurrentCapacity > 0 {
		svc.CurrentCapacity--
	}
	svc.UpdatedAt = now

	writes := local.entities()
	for _, rec := range open[min(1, len(open)):] {
		writes = append(writes, rec)
	}
	if err := r.putAll(ctx, writes...); err != nil {
		return res, fmt.Errorf("local store: apply check-out: %w", err)
	}

	server, err := r.remote.CheckOut(ctx, childID, staffID, notes)
	res, err = r.settle(ctx, "check-out", before, "", local, server, err)
	if err == nil {
		metrics.IncCheckOut(string(res.Outcome))
		r.log.Info().Str("child_id", childID).Str("service_id", svc.ID).
			Str("outcome", string(res.Outcome)).Msg("child checked out")
	}
	return res, err
}

// lockCheckedInChild locks the child together with its current service. The
// service is only known after reading the child, so the locks are retaken
// until the service read under lock matches.
func (r *Repository) lockCheckedInChild(ctx context.Context, childID string) (*model.Child, func(), error) {
	serviceID := ""
	for {
		keys := []string{lockKey(model.KindChild, childID)}
		if serviceID != "" {
			keys = append(keys, lockKey(model.KindService, serviceID))
		}
		unlock := r.locks.Lock(keys...)
		child, err := r.CachedChild(ctx, childID)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		if !child.IsCheckedIn() || child.CurrentServiceID == "" {
			unlock()
			return nil, nil, model.ErrNotCheckedIn
		}
		if child.CurrentServiceID == serviceID {
			return child, unlock, nil
		}
		unlock()
		serviceID = child.CurrentServiceID
		if err := r.ensureService(ctx, serviceID); err != nil {
			return nil, nil, err
		}
	}
}

// settle finishes a write once the server has answered. On success the
// server's entities replace the local ones. When the server is unreachable
// the local state stands. Any other failure restores the entities in before
// and drops the record created by the write, since the server decides
// conflicts.
func (r *Repository) settle(ctx context.Context, op string, before []model.Entity, createdRecord string,
	local *Attendance, server *remote.CheckInResult, remoteErr error) (Result[*Attendance], error) {
	// The local cache must end consistent even when the caller gave up.
	ctx = context.WithoutCancel(ctx)

	if remoteErr == nil {
		confirmed := &Attendance{Child: server.Child, Service: server.Service, Record: server.Record}
		if createdRecord != "" && createdRecord != server.Record.ID {
			if err := r.delete(ctx, model.KindCheckInRecord, createdRecord); err != nil {
				return Result[*Attendance]{}, fmt.Errorf("local store: replace optimistic record: %w", err)
			}
		}
		if err := r.putAll(ctx, confirmed.entities()...); err != nil {
			return Result[*Attendance]{}, fmt.Errorf("local store: reconcile %s: %w", op, err)
		}
		return Result[*Attendance]{Value: confirmed, Outcome: OutcomeReconciled}, nil
	}

	if remote.IsUnavailable(remoteErr) {
		r.log.Warn().Err(remoteErr).Str("child_id", local.Child.ID).Msgf("%s kept locally, server unreachable", op)
		return Result[*Attendance]{Value: local, Outcome: OutcomeLocalOnly}, nil
	}

	r.log.Warn().Err(remoteErr).Str("child_id", local.Child.ID).Msgf("server refused %s, restoring local state", op)
	if createdRecord != "" {
		if err := r.delete(ctx, model.KindCheckInRecord, createdRecord); err != nil {
			return Result[*Attendance]{}, fmt.Errorf("local store: roll back %s: %w", op, err)
		}
	}
	if err := r.putAll(ctx, before...); err != nil {
		return Result[*Attendance]{}, fmt.Errorf("local store: roll back %s: %w", op, err)
	}
	if be, ok := model.AsBusiness(remoteErr); ok {
		metrics.IncBusinessRejection(be.Code)
		return Result[*Attendance]{}, remoteErr
	}
	return Result[*Attendance]{}, fmt.Errorf("%s: %w", op, remoteErr)
}

func validateCheckIn(child *model.Child, svc *model.Service, openRecords int, now time.Time) error {
	switch {
	case child.IsCheckedIn() || openRecords > 0:
		return model.ErrAlreadyCheckedIn
	case !svc.IsAcceptingCheckIns:
		return model.ErrServiceClosed
	case !svc.HasCapacity():
		return model.ErrAtCapacity
	case !svc.AcceptsAge(child.AgeAt(now)):
		return model.ErrNotEligible.WithMessage(fmt.Sprintf(
			"%s is %d, %s takes ages %d to %d", child.FullName(), child.AgeAt(now), svc.Name, svc.MinAge, svc.MaxAge))
	}
	return nil
}

func (r *Repository) openRecords(ctx context.Context, childID string) ([]*model.CheckInRecord, error) {
	records, err := store.QueryAs[*model.CheckInRecord](ctx, r.store, model.KindCheckInRecord, func(rec *model.CheckInRecord) bool {
		return rec.ChildID == childID && rec.IsOpen()
	})
	if err != nil {
		return nil, fmt.Errorf("local store: query records of child %s: %w", childID, err)
	}
	return records, nil
}

func businessCode(err error) string {
	if be, ok := model.AsBusiness(err); ok {
		return be.Code
	}
	return "unknown"
}
