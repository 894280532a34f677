// Package driver defines the contract between the fleet and a single node's
// control-plane API. Implementations own authentication and reconnection;
// node-specific quirks stay behind this interface.
package driver

import (
	"context"
	"time"

	"keyfleet/pkg/model"
)

// Driver talks to exactly one node. Calls block on the network and honour
// ctx only as far as the underlying transport does.
type Driver interface {
	// CreateCredential mints a new identity for the subscription on the node
	// and returns an unsaved credential record.
	CreateCredential(ctx context.Context, sub model.Subscription, ownerID int64) (model.Credential, error)
	// DeleteCredential removes the credential's remote entry. It returns an
	// error matching ErrCredentialNotFound when the node has no such entry.
	DeleteCredential(ctx context.Context, cred model.Credential) error
	// UpdateExpiry rewrites the remote entry's expiry.
	UpdateExpiry(ctx context.Context, cred model.Credential, expiry time.Time) error
	// SetEnabled toggles the remote entry without deleting it.
	SetEnabled(ctx context.Context, cred model.Credential, enabled bool) error
	// Traffic returns the entry's cumulative counters.
	Traffic(ctx context.Context, cred model.Credential) (TrafficStats, error)
	// ListEntries returns every entry on the node's listener.
	ListEntries(ctx context.Context) ([]Entry, error)
	// HealthCheck forces a fresh session and reports node status. It never
	// returns an error; failures are described in Health.
	HealthCheck(ctx context.Context) Health
}

// Factory builds a driver for a node.
type Factory func(node model.Node) (Driver, error)

// Entry is one live credential on a node's listener.
type Entry struct {
	UUID       string     `json:"uuid"`
	RemoteID   string     `json:"remoteId"`
	Enabled    bool       `json:"enabled"`
	ListenerID int        `json:"listenerId"`
	Upload     int64      `json:"upload"`
	Download   int64      `json:"download"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Flow       string     `json:"flow,omitempty"`
	LimitIP    int        `json:"limitIp"`
}

// Total is upload plus download.
func (e Entry) Total() int64 {
	return e.Upload + e.Download
}

// TrafficStats are the cumulative counters of one credential.
type TrafficStats struct {
	RemoteID  string     `json:"remoteId"`
	Upload    int64      `json:"upload"`
	Download  int64      `json:"download"`
	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Total is upload plus download.
func (t TrafficStats) Total() int64 {
	return t.Upload + t.Download
}

// Health is the outcome of a node health probe.
type Health struct {
	Healthy bool          `json:"healthy"`
	Version string        `json:"version,omitempty"`
	Uptime  time.Duration `json:"uptime,omitempty"`
	Error   string        `json:"error,omitempty"`
}
