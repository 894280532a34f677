package model

import "time"

// Subscription is the subscriber entitlement credentials are issued for.
// It is owned by the surrounding application; the fleet only reads it.
type Subscription struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	OwnerID     int64     `gorm:"index;not null" json:"ownerId"`
	ExpiresAt   time.Time `gorm:"not null" json:"expiresAt"`
	DeviceLimit int       `gorm:"not null" json:"deviceLimit"`
	Active      bool      `gorm:"not null" json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Expired reports whether the subscription ran out at now.
func (s Subscription) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Live reports whether the subscription is active and unexpired.
func (s Subscription) Live(now time.Time) bool {
	return s.Active && !s.Expired(now)
}
