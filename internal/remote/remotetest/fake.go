// Package remotetest provides an in-memory server of record for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kids-checkin-backend/internal/model"
	"kids-checkin-backend/internal/remote"
)

// Fake enforces the same capacity, eligibility and status rules as the real
// server. Values crossing its boundary are copies.
type Fake struct {
	mu       sync.Mutex
	now      func() time.Time
	offline  bool
	failNext error
	calls    map[string]int

	children map[string]*model.Child
	services map[string]*model.Service
	records  map[string]*model.CheckInRecord
	requests map[string]*model.CheckInRequest
}

// New returns an empty fake whose clock is now.
func New(now func() time.Time) *Fake {
	if now == nil {
		now = time.Now
	}
	return &Fake{
		now:      now,
		calls:    make(map[string]int),
		children: make(map[string]*model.Child),
		services: make(map[string]*model.Service),
		records:  make(map[string]*model.CheckInRecord),
		requests: make(map[string]*model.CheckInRequest),
	}
}

// SetOffline makes every call fail with remote.ErrUnavailable.
func (f *Fake) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// FailNext makes the next call return err regardless of its arguments.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

// Calls returns how often method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// PutChild seeds or replaces server-side state.
func (f *Fake) PutChild(c *model.Child) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[c.ID] = c.Clone()
}

func (f *Fake) PutService(s *model.Service) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[s.ID] = s.Clone()
}

func (f *Fake) PutRequest(r *model.CheckInRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[r.Token] = r.Clone()
}

// Child returns the server's copy, or nil.
func (f *Fake) Child(id string) *model.Child {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.children[id]; ok {
		return c.Clone()
	}
	return nil
}

func (f *Fake) Service(id string) *model.Service {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.services[id]; ok {
		return s.Clone()
	}
	return nil
}

func (f *Fake) Request(token string) *model.CheckInRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.requests[token]; ok {
		return r.Clone()
	}
	return nil
}

// enter records the call and reports an injected failure. Caller holds mu.
func (f *Fake) enter(method string) error {
	f.calls[method]++
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	if f.offline {
		return fmt.Errorf("%w: %s: fake offline", remote.ErrUnavailable, method)
	}
	return nil
}

func (f *Fake) GetChild(_ context.Context, id string) (*model.Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetChild"); err != nil {
		return nil, err
	}
	c, ok := f.children[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return c.Clone(), nil
}

func (f *Fake) GetService(_ context.Context, id string) (*model.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetService"); err != nil {
		return nil, err
	}
	s, ok := f.services[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return s.Clone(), nil
}

func (f *Fake) GetChildrenByGuardian(_ context.Context, guardianID string) ([]*model.Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetChildrenByGuardian"); err != nil {
		return nil, err
	}
	var out []*model.Child
	for _, c := range f.children {
		if c.GuardianID == guardianID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (f *Fake) GetServices(_ context.Context) ([]*model.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetServices"); err != nil {
		return nil, err
	}
	out := make([]*model.Service, 0, len(f.services))
	for _, s := range f.services {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *Fake) CheckIn(_ context.Context, childID, serviceID, staffID, notes string) (*remote.CheckInResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CheckIn"); err != nil {
		return nil, err
	}
	child, ok := f.children[childID]
	if !ok {
		return nil, model.ErrNotFound
	}
	svc, ok := f.services[serviceID]
	if !ok {
		return nil, model.ErrNotFound
	}
	now := f.now()
	switch {
	case child.IsCheckedIn():
		return nil, model.ErrAlreadyCheckedIn
	case !svc.IsAcceptingCheckIns:
		return nil, model.ErrServiceClosed
	case !svc.HasCapacity():
		return nil, model.ErrAtCapacity
	case !svc.AcceptsAge(child.AgeAt(now)):
		return nil, model.ErrNotEligible
	}

	rec := &model.CheckInRecord{
		ID:          uuid.NewString(),
		ChildID:     childID,
		ServiceID:   serviceID,
		CheckInTime: now,
		CheckedInBy: staffID,
		Notes:       notes,
		Status:      model.RecordCheckedIn,
	}
	f.records[rec.ID] = rec
	child.Status = model.ChildCheckedIn
	child.CurrentServiceID = serviceID
	child.CheckedInAt = &now
	child.UpdatedAt = now
	svc.CurrentCapacity++
	svc.UpdatedAt = now
	return &remote.CheckInResult{Child: child.Clone(), Service: svc.Clone(), Record: rec.Clone()}, nil
}

func (f *Fake) CheckOut(_ context.Context, childID, staffID, notes string) (*remote.CheckInResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CheckOut"); err != nil {
		return nil, err
	}
	child, ok := f.children[childID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if !child.IsCheckedIn() {
		return nil, model.ErrNotCheckedIn
	}
	var rec *model.CheckInRecord
	for _, r := range f.records {
		if r.ChildID == childID && r.IsOpen() {
			rec = r
			break
		}
	}
	if rec == nil {
		return nil, model.ErrNotCheckedIn
	}
	svc, ok := f.services[child.CurrentServiceID]
	if !ok {
		return nil, model.ErrNotFound
	}

	now := f.now()
	rec.Status = model.RecordCheckedOut
	rec.CheckOutTime = &now
	rec.CheckedOutBy = staffID
	if notes != "" {
		rec.Notes = notes
	}
	child.Status = model.ChildCheckedOut
	child.CurrentServiceID = ""
	child.CheckedOutAt = &now
	child.UpdatedAt = now
	if svc.CurrentCapacity > 0 {
		svc.CurrentCapacity--
	}
	svc.UpdatedAt = now
	return &remote.CheckInResult{Child: child.Clone(), Service: svc.Clone(), Record: rec.Clone()}, nil
}

func (f *Fake) GetCurrentCheckIns(_ context.Context, serviceID string) ([]*model.CheckInRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetCurrentCheckIns"); err != nil {
		return nil, err
	}
	var out []*model.CheckInRecord
	for _, r := range f.records {
		if r.IsOpen() && (serviceID == "" || r.ServiceID == serviceID) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (f *Fake) CreateCheckInRequest(_ context.Context, in remote.CreateRequestInput) (*model.CheckInRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateCheckInRequest"); err != nil {
		return nil, err
	}
	req := &model.CheckInRequest{
		ID:          uuid.NewString(),
		Token:       in.Token,
		ChildID:     in.ChildID,
		ServiceID:   in.ServiceID,
		RequestedBy: in.GuardianID,
		Status:      model.RequestPending,
		CreatedAt:   f.now(),
		ExpiresAt:   in.ExpiresAt,
	}
	f.requests[req.Token] = req
	return req.Clone(), nil
}

func (f *Fake) GetRequestByToken(_ context.Context, token string) (*model.CheckInRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetRequestByToken"); err != nil {
		return nil, err
	}
	r, ok := f.requests[token]
	if !ok {
		return nil, model.ErrNotFound
	}
	return r.Clone(), nil
}

func (f *Fake) ApproveRequest(_ context.Context, token, notes string) (*model.CheckInRequest, error) {
	return f.finish("ApproveRequest", token, model.RequestApproved, notes, "")
}

func (f *Fake) RejectRequest(_ context.Context, token, reason string) (*model.CheckInRequest, error) {
	return f.finish("RejectRequest", token, model.RequestRejected, "", reason)
}

func (f *Fake) finish(method, token string, status model.RequestStatus, notes, reason string) (*model.CheckInRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(method); err != nil {
		return nil, err
	}
	r, ok := f.requests[token]
	if !ok {
		return nil, model.ErrNotFound
	}
	if r.Status.IsTerminal() {
		return nil, model.ErrRequestAlreadyFinalized
	}
	now := f.now()
	r.Status = status
	r.ProcessedAt = &now
	r.Notes = notes
	r.RejectionReason = reason
	return r.Clone(), nil
}

func (f *Fake) GetActiveRequests(_ context.Context) ([]*model.CheckInRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetActiveRequests"); err != nil {
		return nil, err
	}
	var out []*model.CheckInRequest
	for _, r := range f.requests {
		if r.Status == model.RequestPending {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (f *Fake) CreateChild(_ context.Context, c *model.Child) (*model.Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateChild"); err != nil {
		return nil, err
	}
	cp := c.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	f.children[cp.ID] = cp
	return cp.Clone(), nil
}

func (f *Fake) UpdateChild(_ context.Context, c *model.Child) (*model.Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateChild"); err != nil {
		return nil, err
	}
	cur, ok := f.children[c.ID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := c.Clone()
	cp.Status = cur.Status
	cp.CurrentServiceID = cur.CurrentServiceID
	cp.CheckedInAt = cur.CheckedInAt
	cp.CheckedOutAt = cur.CheckedOutAt
	cp.UpdatedAt = f.now()
	f.children[cp.ID] = cp
	return cp.Clone(), nil
}

func (f *Fake) DeleteChild(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteChild"); err != nil {
		return err
	}
	c, ok := f.children[id]
	if !ok {
		return model.ErrNotFound
	}
	if c.IsCheckedIn() {
		return model.ErrAlreadyCheckedIn
	}
	delete(f.children, id)
	return nil
}

var _ remote.Client = (*Fake)(nil)
