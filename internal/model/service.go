package model

import "time"

// Service is a supervised session children are checked into.
type Service struct {
	ID                  string    `gorm:"primaryKey;size:64" json:"id"`
	Name                string    `gorm:"size:256;not null" json:"name"`
	MinAge              int       `gorm:"not null" json:"minAge"`
	MaxAge              int       `gorm:"not null" json:"maxAge"`
	MaxCapacity         int       `gorm:"not null" json:"maxCapacity"`
	CurrentCapacity     int       `gorm:"not null" json:"currentCapacity"`
	IsAcceptingCheckIns bool      `gorm:"not null" json:"isAcceptingCheckIns"`
	StaffIDs            []string  `gorm:"serializer:json" json:"staffIds"`
	CreatedAt           time.Time `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

func (s *Service) EntityKind() Kind    { return KindService }
func (s *Service) EntityID() string    { return s.ID }
func (s *Service) CloneEntity() Entity { return s.Clone() }

// Clone returns a deep copy of the service.
func (s *Service) Clone() *Service {
	cp := *s
	if s.StaffIDs != nil {
		cp.StaffIDs = append([]string(nil), s.StaffIDs...)
	}
	return &cp
}

// HasCapacity reports whether one more child fits.
func (s *Service) HasCapacity() bool {
	return s.CurrentCapacity < s.MaxCapacity
}

// AcceptsAge reports whether age lies within [MinAge, MaxAge].
func (s *Service) AcceptsAge(age int) bool {
	return age >= s.MinAge && age <= s.MaxAge
}
