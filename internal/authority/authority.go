// Package authority runs QR check-in requests through their lifecycle:
// PENDING, then exactly one of APPROVED, REJECTED or EXPIRED.
package authority

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kids-checkin-backend/internal/clock"
	"kids-checkin-backend/internal/keylock"
	"kids-checkin-backend/internal/metrics"
	"kids-checkin-backend/internal/model"
	"kids-checkin-backend/internal/remote"
	"kids-checkin-backend/internal/repository"
	"kids-checkin-backend/internal/store"
)

const (
	DefaultTTL         = 10 * time.Minute
	DefaultTokenLength = 12

	tokenAttempts = 5
)

// Repository is the part of the synchronizing repository requests need.
type Repository interface {
	CheckInChild(ctx context.Context, childID, serviceID, staffID, notes string) (repository.Result[*repository.Attendance], error)
	GetChild(ctx context.Context, id string) (*model.Child, error)
	GetService(ctx context.Context, id string) (*model.Service, error)
	CachedChild(ctx context.Context, id string) (*model.Child, error)
	CachedService(ctx context.Context, id string) (*model.Service, error)
}

// Notifier tells a guardian what happened to their request.
type Notifier interface {
	Notify(guardianID, message string)
}

// Config tunes request issuing.
type Config struct {
	TTL         time.Duration
	TokenLength int
}

// Authority is safe for concurrent use. Decisions on one token are
// serialized, and issuing is serialized per child and service pair.
type Authority struct {
	store    store.Store
	repo     Repository
	remote   remote.Client
	clock    clock.Clock
	locks    *keylock.Locker
	notifier Notifier
	cfg      Config
	log      zerolog.Logger
}

// New builds an Authority. notifier may be nil.
func New(st store.Store, repo Repository, rc remote.Client, clk clock.Clock, notifier Notifier, cfg Config, logger *zerolog.Logger) *Authority {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TokenLength <= 0 {
		cfg.TokenLength = DefaultTokenLength
	}
	return &Authority{
		store:    st,
		repo:     repo,
		remote:   rc,
		clock:    clk,
		locks:    keylock.New(),
		notifier: notifier,
		cfg:      cfg,
		log:      logger.With().Str("component", "authority").Logger(),
	}
}

// View is a request as shown to staff after scanning its code.
type View struct {
	Request        *model.CheckInRequest `json:"request"`
	Child          *model.Child          `json:"child,omitempty"`
	Service        *model.Service        `json:"service,omitempty"`
	RequesterID    string                `json:"requesterId"`
	IsExpired      bool                  `json:"isExpired"`
	CanBeProcessed bool                  `json:"canBeProcessed"`
}

// Approval is the result of a successful Approve.
type Approval struct {
	Request    *model.CheckInRequest  `json:"request"`
	Attendance *repository.Attendance `json:"attendance"`
	Outcome    repository.Outcome     `json:"outcome"`
}

// Now is the authority's current time.
func (a *Authority) Now() time.Time { return a.clock.Now() }

func tokenKey(token string) string { return "token/" + token }

func pairKey(childID, serviceID string) string { return "pair/" + childID + "/" + serviceID }

// CreateRequest issues a PENDING request with a fresh token. At most one
// request per child and service may be pending.
func (a *Authority) CreateRequest(ctx context.Context, childID, serviceID, requestedBy string) (*model.CheckInRequest, error) {
	for _, f := range []struct{ name, value string }{
		{"child id", childID}, {"service id", serviceID}, {"requester", requestedBy},
	} {
		if f.value == "" {
			return nil, fmt.Errorf("%w: %s is required", model.ErrInvalidArgument, f.name)
		}
	}
	if _, err := a.child(ctx, childID); err != nil {
		return nil, err
	}
	if _, err := a.service(ctx, serviceID); err != nil {
		return nil, err
	}

	unlock := a.locks.Lock(pairKey(childID, serviceID))
	defer unlock()

	now := a.clock.Now()
	if err := a.claimPair(ctx, childID, serviceID, "", now); err != nil {
		return nil, err
	}

	token, err := a.uniqueToken(ctx)
	if err != nil {
		return nil, err
	}
	req := &model.CheckInRequest{
		ID:          uuid.NewString(),
		Token:       token,
		ChildID:     childID,
		ServiceID:   serviceID,
		RequestedBy: requestedBy,
		Status:      model.RequestPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(a.cfg.TTL),
	}
	if err := a.store.Put(ctx, req); err != nil {
		return nil, fmt.Errorf("local store: save request: %w", err)
	}

	if _, err := a.remote.CreateCheckInRequest(ctx, remote.CreateRequestInput{
		ChildID:    childID,
		ServiceID:  serviceID,
		GuardianID: requestedBy,
		Token:      token,
		ExpiresAt:  req.ExpiresAt,
	}); err != nil {
		a.log.Warn().Err(err).Str("token", token).Msg("request not mirrored to server")
	}

	metrics.IncRequestDecision(string(model.RequestPending))
	a.log.Info().Str("token", token).Str("child_id", childID).Str("service_id", serviceID).
		Time("expires_at", req.ExpiresAt).Msg("check-in request created")
	return req, nil
}

// claimPair makes room for a new PENDING request on a pair. A live pending
// request other than except yields ErrDuplicatePendingRequest; lapsed ones
// not swept yet are expired. Callers hold the pair lock.
func (a *Authority) claimPair(ctx context.Context, childID, serviceID, except string, now time.Time) error {
	pending, err := store.QueryAs[*model.CheckInRequest](ctx, a.store, model.KindCheckInRequest, func(r *model.CheckInRequest) bool {
		return r.ChildID == childID && r.ServiceID == serviceID && r.Status == model.RequestPending && r.Token != except
	})
	if err != nil {
		return fmt.Errorf("local store: query pending requests: %w", err)
	}
	for _, p := range pending {
		if !p.IsExpiredAt(now) {
			return model.ErrDuplicatePendingRequest
		}
		unlockToken := a.locks.Lock(tokenKey(p.Token))
		_, err := a.expire(ctx, p.Token, now)
		unlockToken()
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Authority) uniqueToken(ctx context.Context) (string, error) {
	for i := 0; i < tokenAttempts; i++ {
		token, err := newToken(a.cfg.TokenLength)
		if err != nil {
			return "", err
		}
		_, err = a.findLocal(ctx, token)
		if errors.Is(err, store.ErrNotFound) {
			return token, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no unused token after %d attempts", tokenAttempts)
}

// Lookup resolves a scanned token. It never changes the request.
func (a *Authority) Lookup(ctx context.Context, token string) (*View, error) {
	req, err := a.load(ctx, token)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	view := &View{
		Request:        req,
		RequesterID:    req.RequestedBy,
		IsExpired:      req.IsExpiredAt(now),
		CanBeProcessed: req.CanBeProcessedAt(now),
	}
	if c, err := a.child(ctx, req.ChildID); err == nil {
		view.Child = c
	}
	if s, err := a.service(ctx, req.ServiceID); err == nil {
		view.Service = s
	}
	return view, nil
}

// Approve checks the child in and marks the request APPROVED. If the
// check-in is refused the request stays PENDING and the reason is returned.
func (a *Authority) Approve(ctx context.Context, token, staffID, notes string) (*Approval, error) {
	if staffID == "" {
		return nil, fmt.Errorf("%w: staff id is required", model.ErrInvalidArgument)
	}
	if _, err := a.load(ctx, token); err != nil {
		return nil, err
	}
	unlock := a.locks.Lock(tokenKey(token))
	defer unlock()

	req, err := a.processable(ctx, token)
	if err != nil {
		return nil, err
	}

	res, err := a.repo.CheckInChild(ctx, req.ChildID, req.ServiceID, staffID, notes)
	if err != nil {
		a.log.Info().Err(err).Str("token", token).Msg("approval refused, request stays pending")
		return nil, err
	}

	now := a.clock.Now()
	req.Status = model.RequestApproved
	req.ProcessedBy = staffID
	req.ProcessedAt = &now
	req.Notes = notes
	if res.Value.Record != nil {
		req.CheckInRecordID = res.Value.Record.ID
	}
	if err := a.store.Put(context.WithoutCancel(ctx), req); err != nil {
		return nil, fmt.Errorf("local store: save approval: %w", err)
	}

	metrics.IncRequestDecision(string(model.RequestApproved))
	a.log.Info().Str("token", token).Str("child_id", req.ChildID).Str("staff_id", staffID).
		Str("outcome", string(res.Outcome)).Msg("check-in request approved")
	a.notify(req, fmt.Sprintf("%s has been checked in to %s.", a.childName(ctx, req.ChildID), a.serviceName(ctx, req.ServiceID)))
	return &Approval{Request: req, Attendance: res.Value, Outcome: res.Outcome}, nil
}

// Reject closes the request without checking the child in. A reason is
// required.
func (a *Authority) Reject(ctx context.Context, token, staffID, reason string) (*model.CheckInRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a rejection reason is required", model.ErrInvalidArgument)
	}
	if staffID == "" {
		return nil, fmt.Errorf("%w: staff id is required", model.ErrInvalidArgument)
	}
	if _, err := a.load(ctx, token); err != nil {
		return nil, err
	}
	unlock := a.locks.Lock(tokenKey(token))
	defer unlock()

	req, err := a.processable(ctx, token)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	req.Status = model.RequestRejected
	req.ProcessedBy = staffID
	req.ProcessedAt = &now
	req.RejectionReason = reason
	if err := a.store.Put(context.WithoutCancel(ctx), req); err != nil {
		return nil, fmt.Errorf("local store: save rejection: %w", err)
	}

	if _, err := a.remote.RejectRequest(ctx, token, reason); err != nil {
		a.log.Warn().Err(err).Str("token", token).Msg("rejection not mirrored to server")
	}

	metrics.IncRequestDecision(string(model.RequestRejected))
	a.log.Info().Str("token", token).Str("staff_id", staffID).Msg("check-in request rejected")
	a.notify(req, fmt.Sprintf("The check-in request for %s was declined: %s", a.childName(ctx, req.ChildID), reason))
	return req, nil
}

// SweepExpired moves every PENDING request whose ExpiresAt is before now to
// EXPIRED and returns how many it moved. Running it twice changes nothing
// the second time.
func (a *Authority) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	lapsed, err := store.QueryAs[*model.CheckInRequest](ctx, a.store, model.KindCheckInRequest, func(r *model.CheckInRequest) bool {
		return r.Status == model.RequestPending && r.ExpiresAt.Before(now)
	})
	if err != nil {
		return 0, fmt.Errorf("local store: query lapsed requests: %w", err)
	}

	swept := 0
	for _, r := range lapsed {
		unlock := a.locks.Lock(tokenKey(r.Token))
		moved, err := a.expire(ctx, r.Token, now)
		unlock()
		if err != nil {
			return swept, err
		}
		if moved {
			swept++
		}
	}
	if swept > 0 {
		metrics.AddRequestsSwept(swept)
		a.log.Info().Int("count", swept).Msg("expired pending requests")
	}
	return swept, nil
}

// expire marks one request EXPIRED if it is still pending and lapsed.
// Callers hold the token lock.
func (a *Authority) expire(ctx context.Context, token string, now time.Time) (bool, error) {
	req, err := a.findLocal(ctx, token)
	if err != nil {
		return false, fmt.Errorf("local store: reload request: %w", err)
	}
	if req.Status != model.RequestPending || !req.ExpiresAt.Before(now) {
		return false, nil
	}
	req.Status = model.RequestExpired
	req.ProcessedAt = &now
	if err := a.store.Put(ctx, req); err != nil {
		return false, fmt.Errorf("local store: save expiry: %w", err)
	}
	metrics.IncRequestDecision(string(model.RequestExpired))
	a.notify(req, fmt.Sprintf("The check-in request for %s expired before staff could review it.", a.childName(ctx, req.ChildID)))
	return true, nil
}

// ListActive returns pending, unexpired requests. The server's view is
// merged in first when it answers; a request already decided here is never
// moved back to PENDING by it.
func (a *Authority) ListActive(ctx context.Context) ([]*model.CheckInRequest, error) {
	fresh, err := a.remote.GetActiveRequests(ctx)
	if err != nil {
		a.log.Debug().Err(err).Msg("active requests from server unavailable, using local")
	} else {
		for _, r := range fresh {
			err := a.merge(ctx, r)
			if errors.Is(err, model.ErrDuplicatePendingRequest) {
				a.log.Warn().Str("token", r.Token).Str("child_id", r.ChildID).Str("service_id", r.ServiceID).
					Msg("server request skipped, pair already has a pending request")
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}

	now := a.clock.Now()
	return store.QueryAs[*model.CheckInRequest](ctx, a.store, model.KindCheckInRequest, func(r *model.CheckInRequest) bool {
		return r.CanBeProcessedAt(now)
	})
}

// merge stores a request from the server unless the local copy is terminal.
// A PENDING request new to this store must not sit next to another live
// pending request for the same pair; that case returns
// ErrDuplicatePendingRequest and stores nothing.
func (a *Authority) merge(ctx context.Context, r *model.CheckInRequest) error {
	unlock := a.locks.Lock(pairKey(r.ChildID, r.ServiceID), tokenKey(r.Token))
	defer unlock()
	local, err := a.findLocal(ctx, r.Token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if r.Status == model.RequestPending {
			if err := a.claimPair(ctx, r.ChildID, r.ServiceID, r.Token, a.clock.Now()); err != nil {
				return err
			}
		}
	case err != nil:
		return fmt.Errorf("local store: find request: %w", err)
	case local.Status.IsTerminal():
		return nil
	default:
		// Keep the local id so the token maps to a single entry.
		r.ID = local.ID
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := a.store.Put(ctx, r); err != nil {
		return fmt.Errorf("local store: merge request: %w", err)
	}
	return nil
}

// processable reads the cached request and checks it can still be decided.
// Callers load it first and hold the token lock.
func (a *Authority) processable(ctx context.Context, token string) (*model.CheckInRequest, error) {
	req, err := a.findLocal(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrNotFound.WithMessage("no check-in request for this code")
	}
	if err != nil {
		return nil, fmt.Errorf("local store: find request: %w", err)
	}
	if req.Status == model.RequestExpired {
		return nil, model.ErrRequestExpired
	}
	if req.Status.IsTerminal() {
		return nil, model.ErrRequestAlreadyFinalized.WithMessage(fmt.Sprintf("request already %s", strings.ToLower(string(req.Status))))
	}
	if req.IsExpiredAt(a.clock.Now()) {
		return nil, model.ErrRequestExpired
	}
	return req, nil
}

// load finds a request by token, asking the server when it is not cached.
func (a *Authority) load(ctx context.Context, token string) (*model.CheckInRequest, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", model.ErrInvalidArgument)
	}
	req, err := a.findLocal(ctx, token)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("local store: find request: %w", err)
	}

	fresh, err := a.remote.GetRequestByToken(ctx, token)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrNotFound.WithMessage("no check-in request for this code")
		}
		return nil, err
	}
	if err := a.merge(ctx, fresh); err != nil {
		return nil, err
	}
	return a.findLocal(ctx, token)
}

func (a *Authority) findLocal(ctx context.Context, token string) (*model.CheckInRequest, error) {
	found, err := store.QueryAs[*model.CheckInRequest](ctx, a.store, model.KindCheckInRequest, func(r *model.CheckInRequest) bool {
		return r.Token == token
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, store.ErrNotFound
	}
	return found[0], nil
}

func (a *Authority) child(ctx context.Context, id string) (*model.Child, error) {
	if c, err := a.repo.CachedChild(ctx, id); err == nil {
		return c, nil
	}
	return a.repo.GetChild(ctx, id)
}

func (a *Authority) service(ctx context.Context, id string) (*model.Service, error) {
	if s, err := a.repo.CachedService(ctx, id); err == nil {
		return s, nil
	}
	return a.repo.GetService(ctx, id)
}

func (a *Authority) childName(ctx context.Context, id string) string {
	if c, err := a.repo.CachedChild(ctx, id); err == nil {
		return c.FullName()
	}
	return "your child"
}

func (a *Authority) serviceName(ctx context.Context, id string) string {
	if s, err := a.repo.CachedService(ctx, id); err == nil && s.Name != "" {
		return s.Name
	}
	return "the service"
}

func (a *Authority) notify(req *model.CheckInRequest, message string) {
	if a.notifier == nil || req.RequestedBy == "" {
		return
	}
	a.notifier.Notify(req.RequestedBy, message)
}
