package model

import "time"

// ChildStatus is the presence state of a child.
type ChildStatus string

const (
	ChildCheckedOut ChildStatus = "CHECKED_OUT"
	ChildCheckedIn  ChildStatus = "CHECKED_IN"
)

// Child is a registered child. CurrentServiceID is set iff Status is CHECKED_IN.
type Child struct {
	ID                    string      `gorm:"primaryKey;size:64" json:"id"`
	GuardianID            string      `gorm:"index;size:64;not null" json:"guardianId"`
	FirstName             string      `gorm:"size:128;not null" json:"firstName"`
	LastName              string      `gorm:"size:128;not null" json:"lastName"`
	DateOfBirth           time.Time   `gorm:"not null" json:"dateOfBirth"`
	MedicalNotes          string      `gorm:"size:1024" json:"medicalNotes,omitempty"`
	DietaryNotes          string      `gorm:"size:1024" json:"dietaryNotes,omitempty"`
	EmergencyContactName  string      `gorm:"size:128" json:"emergencyContactName,omitempty"`
	EmergencyContactPhone string      `gorm:"size:32" json:"emergencyContactPhone,omitempty"`
	Status                ChildStatus `gorm:"size:16;not null" json:"status"`
	CurrentServiceID      string      `gorm:"size:64" json:"currentServiceId,omitempty"`
	CheckedInAt           *time.Time  `json:"checkedInAt,omitempty"`
	CheckedOutAt          *time.Time  `json:"checkedOutAt,omitempty"`
	CreatedAt             time.Time   `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt             time.Time   `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

func (c *Child) EntityKind() Kind    { return KindChild }
func (c *Child) EntityID() string    { return c.ID }
func (c *Child) CloneEntity() Entity { return c.Clone() }

// Clone returns a deep copy of the child.
func (c *Child) Clone() *Child {
	cp := *c
	cp.CheckedInAt = cloneTime(c.CheckedInAt)
	cp.CheckedOutAt = cloneTime(c.CheckedOutAt)
	return &cp
}

// FullName joins first and last name.
func (c *Child) FullName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// IsCheckedIn reports whether the child is currently in a service.
func (c *Child) IsCheckedIn() bool {
	return c.Status == ChildCheckedIn
}

// AgeAt returns the child's age in whole years at the given instant.
func (c *Child) AgeAt(now time.Time) int {
	dob := c.DateOfBirth.In(now.Location())
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}
