package model

import "time"

// ProtocolXUI tags credentials minted on 3x-ui nodes.
const ProtocolXUI = "xui"

// Credential is a locally tracked access key issued to a subscription.
// A nil NodeID marks a legacy credential that is not managed on any node.
type Credential struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	SubscriptionID uint   `gorm:"index;not null" json:"subscriptionId"`
	NodeID         *uint  `gorm:"index" json:"nodeId,omitempty"`
	Protocol       string `gorm:"size:20;not null" json:"protocol"`
	RemoteID       string `gorm:"size:255" json:"remoteId"` // identifier the node knows the entry by
	Payload        string `gorm:"type:text;not null" json:"payload"`
	Label          string `gorm:"size:255" json:"label"`
	Active         bool   `gorm:"index;not null" json:"active"`

	LastTrafficTotal  int64      `gorm:"not null;default:0" json:"lastTrafficTotal"`
	LastTrafficUpdate *time.Time `json:"lastTrafficUpdate,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Managed reports whether the credential lives on a node.
func (c Credential) Managed() bool {
	return c.NodeID != nil
}

// OnNode reports whether the credential is linked to the given node.
func (c Credential) OnNode(id uint) bool {
	return c.NodeID != nil && *c.NodeID == id
}

// UpdateTraffic records a new cumulative byte counter and returns the
// growth since the previous observation. A counter that went backwards
// (reset on the node) yields zero rather than a negative diff.
func (c *Credential) UpdateTraffic(total int64, now time.Time) int64 {
	diff := total - c.LastTrafficTotal
	if diff < 0 {
		diff = 0
	}
	c.LastTrafficTotal = total
	c.LastTrafficUpdate = &now
	return diff
}

// AgeDays is the credential's age in whole days.
func (c Credential) AgeDays(now time.Time) int {
	if c.CreatedAt.IsZero() || now.Before(c.CreatedAt) {
		return 0
	}
	return int(now.Sub(c.CreatedAt) / (24 * time.Hour))
}

// NodeRef returns a pointer suitable for Credential.NodeID.
func NodeRef(id uint) *uint {
	return &id
}
