package model

import "time"

// Event types published by fleet operations.
const (
	EventCredentialCreated = "credential_created"
	EventCredentialFailed  = "credential_failed"
	EventCredentialDeleted = "credential_deleted"
	EventScoresRecomputed  = "scores_recomputed"
	EventGroupActivated    = "group_activated"
	EventNodeChanged       = "node_changed"
)

// Event captures an operation against the fleet.
type Event struct {
	Type           string    `json:"type"`
	NodeID         uint      `json:"nodeId,omitempty"`
	SubscriptionID uint      `json:"subscriptionId,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
