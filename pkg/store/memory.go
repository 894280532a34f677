package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"keyfleet/pkg/model"
)

// MemoryStore is a simple in-memory implementation, intended for dev/tests.
type MemoryStore struct {
	mu      sync.RWMutex
	nodes   map[uint]model.Node
	subs    map[uint]model.Subscription
	creds   map[uint]model.Credential
	traffic map[trafficKey]model.TrafficLog
	nextID  map[string]uint
	now     func() time.Time
}

type trafficKey struct {
	cred uint
	day  time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[uint]model.Node),
		subs:    make(map[uint]model.Subscription),
		creds:   make(map[uint]model.Credential),
		traffic: make(map[trafficKey]model.TrafficLog),
		nextID:  make(map[string]uint),
		now:     time.Now,
	}
}

func (m *MemoryStore) id(table string) uint {
	m.nextID[table]++
	return m.nextID[table]
}

// reserve keeps generated ids above explicitly supplied ones.
func (m *MemoryStore) reserve(table string, id uint) {
	if id > m.nextID[table] {
		m.nextID[table] = id
	}
}

func (m *MemoryStore) UpsertNode(_ context.Context, n model.Node) (model.Node, error) {
	if err := n.Validate(); err != nil {
		return n, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if n.ID == 0 {
		for _, existing := range m.nodes {
			if existing.Name == n.Name {
				n.ID = existing.ID
				break
			}
		}
	}
	if n.ID == 0 {
		n.ID = m.id("nodes")
		n.CreatedAt = now
	} else {
		m.reserve("nodes", n.ID)
		if existing, ok := m.nodes[n.ID]; ok {
			n.CreatedAt = existing.CreatedAt
		} else {
			n.CreatedAt = now
		}
	}
	n.UpdatedAt = now
	m.nodes[n.ID] = n
	return n, nil
}

func (m *MemoryStore) GetNode(_ context.Context, id uint) (model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return model.Node{}, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return n, nil
}

func (m *MemoryStore) ListNodes(_ context.Context, activeOnly bool) ([]model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if activeOnly && !n.Active {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetNodeActive(_ context.Context, id uint, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	n.Active = active
	n.UpdatedAt = m.now()
	m.nodes[id] = n
	return nil
}

func (m *MemoryStore) DeleteNode(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	for cid, c := range m.creds {
		if c.OnNode(id) {
			c.NodeID = nil
			c.Active = false
			m.creds[cid] = c
		}
	}
	delete(m.nodes, id)
	return nil
}

func (m *MemoryStore) NodeLoads(_ context.Context) (map[uint]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint]int)
	for _, c := range m.creds {
		if c.Active && c.NodeID != nil {
			out[*c.NodeID]++
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertSubscription(_ context.Context, s model.Subscription) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.id("subscriptions")
	} else {
		m.reserve("subscriptions", s.ID)
	}
	if existing, ok := m.subs[s.ID]; ok {
		s.CreatedAt = existing.CreatedAt
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.subs[s.ID] = s
	return s, nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id uint) (model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return model.Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context) ([]model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateCredential(_ context.Context, c *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id("credentials")
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.creds[c.ID] = *c
	return nil
}

func (m *MemoryStore) ActiveCredentials(_ context.Context, subscriptionID uint) ([]model.Credential, error) {
	return m.filterCredentials(func(c model.Credential) bool {
		return c.Active && c.SubscriptionID == subscriptionID
	}), nil
}

func (m *MemoryStore) ListActiveCredentials(_ context.Context) ([]model.Credential, error) {
	return m.filterCredentials(func(c model.Credential) bool { return c.Active }), nil
}

func (m *MemoryStore) filterCredentials(keep func(model.Credential) bool) []model.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Credential
	for _, c := range m.creds {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Credential returns any credential by id, active or not. Used by tests.
func (m *MemoryStore) Credential(id uint) (model.Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[id]
	return c, ok
}

func (m *MemoryStore) DeactivateCredential(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return fmt.Errorf("credential %d: %w", id, ErrNotFound)
	}
	c.Active = false
	m.creds[id] = c
	return nil
}

func (m *MemoryStore) SaveTraffic(_ context.Context, c model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.creds[c.ID]
	if !ok {
		return fmt.Errorf("credential %d: %w", c.ID, ErrNotFound)
	}
	cur.LastTrafficTotal = c.LastTrafficTotal
	cur.LastTrafficUpdate = c.LastTrafficUpdate
	m.creds[c.ID] = cur
	return nil
}

func (m *MemoryStore) AddTrafficLog(_ context.Context, credentialID uint, day time.Time, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := trafficKey{cred: credentialID, day: model.DayOf(day)}
	row, ok := m.traffic[k]
	if !ok {
		row = model.TrafficLog{ID: m.id("traffic_logs"), CredentialID: credentialID, Date: k.day}
	}
	row.Bytes += bytes
	m.traffic[k] = row
	return nil
}

func (m *MemoryStore) ListTrafficLogs(_ context.Context, credentialID uint, since time.Time) ([]model.TrafficLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.TrafficLog
	for k, row := range m.traffic {
		if k.cred == credentialID && !k.day.Before(model.DayOf(since)) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MemoryStore) PruneTrafficLogs(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.traffic {
		if k.day.Before(before) {
			delete(m.traffic, k)
			n++
		}
	}
	return n, nil
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping(context.Context) error { return nil }
