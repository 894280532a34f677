package model

import "time"

// TrafficLog is one day of traffic growth for a credential. Only a rolling
// window of days is retained; cumulative totals live on the node.
type TrafficLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CredentialID uint      `gorm:"uniqueIndex:ux_traffic_logs_cred_date;not null" json:"credentialId"`
	Date         time.Time `gorm:"uniqueIndex:ux_traffic_logs_cred_date;index;not null" json:"date"`
	Bytes        int64     `gorm:"not null;default:0" json:"bytes"`
}

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
