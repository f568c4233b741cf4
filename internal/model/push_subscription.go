package model

import "time"

// PushSubscription holds a guardian's browser push endpoint.
type PushSubscription struct {
	Endpoint   string    `gorm:"primaryKey" json:"endpoint"`
	P256DH     string    `gorm:"column:p256dh;not null" json:"p256dh"`
	Auth       string    `gorm:"not null" json:"auth"`
	GuardianID string    `gorm:"index;size:64;not null" json:"guardianId"`
	CreatedAt  time.Time `gorm:"not null" json:"createdAt"`
}
