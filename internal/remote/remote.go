// Package remote is the client side of the server of record. The server
// enforces capacity and eligibility and its entities win on reconciliation.
package remote

import (
	"context"
	"errors"
	"time"

	"kids-checkin-backend/internal/model"
)

// ErrUnavailable marks a transient failure: the server could not be reached,
// timed out or answered with a 5xx. Callers fall back to cached state.
var ErrUnavailable = errors.New("remote unavailable")

// CheckInResult is the server's view of every entity a check-in or
// check-out touched.
type CheckInResult struct {
	Child   *model.Child         `json:"child"`
	Service *model.Service       `json:"service"`
	Record  *model.CheckInRecord `json:"record"`
}

// CreateRequestInput registers a locally issued request token with the server.
type CreateRequestInput struct {
	ChildID    string    `json:"childId"`
	ServiceID  string    `json:"serviceId"`
	GuardianID string    `json:"guardianId"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Client is the set of server operations the engine consumes. Business
// rejections are returned as *model.BusinessError, transport trouble wraps
// ErrUnavailable.
type Client interface {
	GetChild(ctx context.Context, id string) (*model.Child, error)
	GetService(ctx context.Context, id string) (*model.Service, error)
	GetChildrenByGuardian(ctx context.Context, guardianID string) ([]*model.Child, error)
	GetServices(ctx context.Context) ([]*model.Service, error)

	CheckIn(ctx context.Context, childID, serviceID, staffID, notes string) (*CheckInResult, error)
	CheckOut(ctx context.Context, childID, staffID, notes string) (*CheckInResult, error)
	// GetCurrentCheckIns lists open records, optionally narrowed to one service.
	GetCurrentCheckIns(ctx context.Context, serviceID string) ([]*model.CheckInRecord, error)

	CreateCheckInRequest(ctx context.Context, in CreateRequestInput) (*model.CheckInRequest, error)
	GetRequestByToken(ctx context.Context, token string) (*model.CheckInRequest, error)
	ApproveRequest(ctx context.Context, token, notes string) (*model.CheckInRequest, error)
	RejectRequest(ctx context.Context, token, reason string) (*model.CheckInRequest, error)
	GetActiveRequests(ctx context.Context) ([]*model.CheckInRequest, error)

	CreateChild(ctx context.Context, c *model.Child) (*model.Child, error)
	UpdateChild(ctx context.Context, c *model.Child) (*model.Child, error)
	DeleteChild(ctx context.Context, id string) error
}

// IsUnavailable reports whether err is a transient remote failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
