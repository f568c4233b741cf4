package model

import "time"

// RequestStatus is the state of a QR check-in request.
// PENDING moves to exactly one of the terminal states and never leaves it.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
	RequestExpired  RequestStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is defined.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestApproved || s == RequestRejected || s == RequestExpired
}

// CheckInRequest is a guardian-initiated request identified by a QR token.
type CheckInRequest struct {
	ID              string        `gorm:"primaryKey;size:64" json:"id"`
	Token           string        `gorm:"uniqueIndex;size:64;not null" json:"token"`
	ChildID         string        `gorm:"index:idx_request_pair;size:64;not null" json:"childId"`
	ServiceID       string        `gorm:"index:idx_request_pair;size:64;not null" json:"serviceId"`
	RequestedBy     string        `gorm:"size:64;not null" json:"requestedBy"`
	Status          RequestStatus `gorm:"index;size:16;not null" json:"status"`
	CreatedAt       time.Time     `gorm:"autoCreateTime:false" json:"createdAt"`
	ExpiresAt       time.Time     `gorm:"index;not null" json:"expiresAt"`
	ProcessedBy     string        `gorm:"size:64" json:"processedBy,omitempty"`
	ProcessedAt     *time.Time    `json:"processedAt,omitempty"`
	Notes           string        `gorm:"size:1024" json:"notes,omitempty"`
	RejectionReason string        `gorm:"size:1024" json:"rejectionReason,omitempty"`
	CheckInRecordID string        `gorm:"size:64" json:"checkInRecordId,omitempty"`
}

func (r *CheckInRequest) EntityKind() Kind    { return KindCheckInRequest }
func (r *CheckInRequest) EntityID() string    { return r.ID }
func (r *CheckInRequest) CloneEntity() Entity { return r.Clone() }

// Clone returns a deep copy of the request.
func (r *CheckInRequest) Clone() *CheckInRequest {
	cp := *r
	cp.ProcessedAt = cloneTime(r.ProcessedAt)
	return &cp
}

// IsExpiredAt reports whether now is past ExpiresAt.
func (r *CheckInRequest) IsExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// CanBeProcessedAt reports whether staff may still approve or reject.
func (r *CheckInRequest) CanBeProcessedAt(now time.Time) bool {
	return r.Status == RequestPending && !r.IsExpiredAt(now)
}
