package model

import "time"

// RecordStatus is the state of a single attendance record.
type RecordStatus string

const (
	RecordCheckedIn  RecordStatus = "CHECKED_IN"
	RecordCheckedOut RecordStatus = "CHECKED_OUT"
)

// CheckInRecord is one stay of a child in a service. Created at check-in,
// closed once at check-out, never deleted.
type CheckInRecord struct {
	ID           string       `gorm:"primaryKey;size:64" json:"id"`
	ChildID      string       `gorm:"index;size:64;not null" json:"childId"`
	ServiceID    string       `gorm:"index;size:64;not null" json:"serviceId"`
	CheckInTime  time.Time    `gorm:"not null" json:"checkInTime"`
	CheckOutTime *time.Time   `json:"checkOutTime,omitempty"`
	CheckedInBy  string       `gorm:"size:64;not null" json:"checkedInBy"`
	CheckedOutBy string       `gorm:"size:64" json:"checkedOutBy,omitempty"`
	Notes        string       `gorm:"size:1024" json:"notes,omitempty"`
	Status       RecordStatus `gorm:"size:16;not null" json:"status"`
}

func (r *CheckInRecord) EntityKind() Kind    { return KindCheckInRecord }
func (r *CheckInRecord) EntityID() string    { return r.ID }
func (r *CheckInRecord) CloneEntity() Entity { return r.Clone() }

// Clone returns a deep copy of the record.
func (r *CheckInRecord) Clone() *CheckInRecord {
	cp := *r
	cp.CheckOutTime = cloneTime(r.CheckOutTime)
	return &cp
}

// IsOpen reports whether the child is still inside.
func (r *CheckInRecord) IsOpen() bool {
	return r.Status == RecordCheckedIn
}
