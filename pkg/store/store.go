package store

import (
	"context"
	"errors"
	"time"

	"keyfleet/pkg/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence layer for nodes, subscriptions, credentials and
// traffic history. Backed by gorm in production and memory in tests.
type Store interface {
	UpsertNode(ctx context.Context, n model.Node) (model.Node, error)
	GetNode(ctx context.Context, id uint) (model.Node, error)
	ListNodes(ctx context.Context, activeOnly bool) ([]model.Node, error)
	SetNodeActive(ctx context.Context, id uint, active bool) error
	// DeleteNode removes the node and detaches its credentials, which are
	// deactivated but kept.
	DeleteNode(ctx context.Context, id uint) error
	// NodeLoads counts active credentials per node.
	NodeLoads(ctx context.Context) (map[uint]int, error)

	UpsertSubscription(ctx context.Context, s model.Subscription) (model.Subscription, error)
	GetSubscription(ctx context.Context, id uint) (model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)

	CreateCredential(ctx context.Context, c *model.Credential) error
	// ActiveCredentials lists a subscription's active credentials, managed
	// and legacy alike, oldest first.
	ActiveCredentials(ctx context.Context, subscriptionID uint) ([]model.Credential, error)
	// ListActiveCredentials lists every active credential in the fleet.
	ListActiveCredentials(ctx context.Context) ([]model.Credential, error)
	DeactivateCredential(ctx context.Context, id uint) error
	// SaveTraffic persists the credential's traffic bookkeeping fields.
	SaveTraffic(ctx context.Context, c model.Credential) error

	// AddTrafficLog adds bytes to the credential's log row for day,
	// creating it when missing.
	AddTrafficLog(ctx context.Context, credentialID uint, day time.Time, bytes int64) error
	ListTrafficLogs(ctx context.Context, credentialID uint, since time.Time) ([]model.TrafficLog, error)
	// PruneTrafficLogs deletes rows dated before the cutoff.
	PruneTrafficLogs(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// NewMemory is a helper to construct the in-memory implementation without importing it directly.
func NewMemory() Store {
	return NewMemoryStore()
}
