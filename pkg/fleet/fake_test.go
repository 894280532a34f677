package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"keyfleet/pkg/driver"
	"keyfleet/pkg/model"
	"keyfleet/pkg/snapshot"
	"keyfleet/pkg/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeFleet stands in for the nodes behind every driver the pool builds.
type fakeFleet struct {
	mu     sync.Mutex
	nodes  map[uint]*fakeNode
	builds map[uint]int
}

type fakeNode struct {
	entries map[string]driver.Entry
	fail    map[string]error
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{nodes: make(map[uint]*fakeNode), builds: make(map[uint]int)}
}

func (f *fakeFleet) node(id uint) *fakeNode {
	n, ok := f.nodes[id]
	if !ok {
		n = &fakeNode{entries: make(map[string]driver.Entry), fail: make(map[string]error)}
		f.nodes[id] = n
	}
	return n
}

func (f *fakeFleet) factory(n model.Node) (driver.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[n.ID]++
	return &fakeDriver{fleet: f, node: n}, nil
}

// failOn makes op fail on the node until cleared with a nil error.
func (f *fakeFleet) failOn(nodeID uint, op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.node(nodeID).fail, op)
		return
	}
	f.node(nodeID).fail[op] = err
}

func (f *fakeFleet) put(nodeID uint, e driver.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.node(nodeID).entries[e.RemoteID] = e
}

func (f *fakeFleet) remove(nodeID uint, remoteID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.node(nodeID).entries, remoteID)
}

func (f *fakeFleet) entry(nodeID uint, remoteID string) (driver.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.node(nodeID).entries[remoteID]
	return e, ok
}

func (f *fakeFleet) count(nodeID uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.node(nodeID).entries)
}

func (f *fakeFleet) buildCount(nodeID uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds[nodeID]
}

type fakeDriver struct {
	fleet *fakeFleet
	node  model.Node
}

func (d *fakeDriver) begin(op string) (*fakeNode, func(), error) {
	d.fleet.mu.Lock()
	n := d.fleet.node(d.node.ID)
	if err := n.fail[op]; err != nil {
		d.fleet.mu.Unlock()
		return nil, nil, &driver.Error{Op: op, Node: d.node.Label(), Kind: err}
	}
	return n, d.fleet.mu.Unlock, nil
}

func (d *fakeDriver) missing(op, remoteID string) error {
	return driver.Errorf(op, d.node.Label(), driver.ErrCredentialNotFound, "no entry %s", remoteID)
}

func (d *fakeDriver) CreateCredential(_ context.Context, sub model.Subscription, ownerID int64) (model.Credential, error) {
	n, unlock, err := d.begin("create")
	if err != nil {
		return model.Credential{}, err
	}
	defer unlock()
	remote := fmt.Sprintf("kf_%d_%d_s%d", ownerID, sub.ID, d.node.ID)
	exp := sub.ExpiresAt
	n.entries[remote] = driver.Entry{UUID: "uuid-" + remote, RemoteID: remote, Enabled: true, ExpiresAt: &exp}
	return model.Credential{
		SubscriptionID: sub.ID,
		NodeID:         model.NodeRef(d.node.ID),
		Protocol:       model.ProtocolXUI,
		RemoteID:       remote,
		Payload:        "vless://uuid-" + remote + "@" + d.node.Host + ":443#" + d.node.Name,
		Label:          d.node.Name,
		Active:         true,
	}, nil
}

func (d *fakeDriver) DeleteCredential(_ context.Context, c model.Credential) error {
	n, unlock, err := d.begin("delete")
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := n.entries[c.RemoteID]; !ok {
		return d.missing("delete", c.RemoteID)
	}
	delete(n.entries, c.RemoteID)
	return nil
}

func (d *fakeDriver) UpdateExpiry(_ context.Context, c model.Credential, expiry time.Time) error {
	n, unlock, err := d.begin("update_expiry")
	if err != nil {
		return err
	}
	defer unlock()
	e, ok := n.entries[c.RemoteID]
	if !ok {
		return d.missing("update_expiry", c.RemoteID)
	}
	e.ExpiresAt = &expiry
	n.entries[c.RemoteID] = e
	return nil
}

func (d *fakeDriver) SetEnabled(_ context.Context, c model.Credential, enabled bool) error {
	n, unlock, err := d.begin("set_enabled")
	if err != nil {
		return err
	}
	defer unlock()
	e, ok := n.entries[c.RemoteID]
	if !ok {
		return d.missing("set_enabled", c.RemoteID)
	}
	e.Enabled = enabled
	n.entries[c.RemoteID] = e
	return nil
}

func (d *fakeDriver) Traffic(_ context.Context, c model.Credential) (driver.TrafficStats, error) {
	n, unlock, err := d.begin("traffic")
	if err != nil {
		return driver.TrafficStats{}, err
	}
	defer unlock()
	e, ok := n.entries[c.RemoteID]
	if !ok {
		return driver.TrafficStats{}, d.missing("traffic", c.RemoteID)
	}
	return driver.TrafficStats{RemoteID: e.RemoteID, Upload: e.Upload, Download: e.Download, Enabled: e.Enabled, ExpiresAt: e.ExpiresAt}, nil
}

func (d *fakeDriver) ListEntries(context.Context) ([]driver.Entry, error) {
	n, unlock, err := d.begin("list")
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]driver.Entry, 0, len(n.entries))
	for _, e := range n.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out, nil
}

func (d *fakeDriver) HealthCheck(context.Context) driver.Health {
	_, unlock, err := d.begin("health")
	if err != nil {
		return driver.Health{Error: err.Error()}
	}
	defer unlock()
	return driver.Health{Healthy: true, Version: "fake", Uptime: time.Hour}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *eventRecorder) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *clock.Mock
	store  *store.MemoryStore
	snaps  *snapshot.MemoryStore
	fake   *fakeFleet
	pool   *Pool
	alloc  *Allocator
	orch   *Orchestrator
	events *eventRecorder
	opts   Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testNow)
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  mock,
		store:  store.NewMemoryStore(),
		snaps:  snapshot.NewMemoryStore(),
		fake:   newFakeFleet(),
		events: &eventRecorder{},
	}
	h.opts = Options{Clock: mock, Logger: zap.NewNop(), Events: h.events}
	pool, err := NewPool(h.fake.factory, 16)
	require.NoError(t, err)
	h.pool = pool
	h.alloc = NewAllocator(h.store, h.snaps, 48*time.Hour, h.opts)
	h.alloc.Intn = func(int) int { return 0 }
	h.orch = NewOrchestrator(h.store, h.pool, h.alloc, h.opts)
	return h
}

func (h *harness) addNode(name, group string, capacity int) model.Node {
	h.t.Helper()
	n, err := h.store.UpsertNode(h.ctx, model.Node{
		Name:     name,
		Host:     name + ".example.net",
		Group:    group,
		APIURL:   "https://" + name + ".example.net:2053",
		Capacity: capacity,
		Active:   true,
		Settings: model.NodeSettings{Username: "admin", Password: "pw", InboundID: 1},
	})
	require.NoError(h.t, err)
	return n
}

func (h *harness) addSub(id uint, active bool, expires time.Time) model.Subscription {
	h.t.Helper()
	s, err := h.store.UpsertSubscription(h.ctx, model.Subscription{
		ID:          id,
		OwnerID:     int64(1000 + id),
		ExpiresAt:   expires,
		DeviceLimit: 1,
		Active:      active,
	})
	require.NoError(h.t, err)
	return s
}

func (h *harness) liveSub(id uint) model.Subscription {
	return h.addSub(id, true, testNow.AddDate(0, 1, 0))
}

// seedCred records an active credential on n and its remote entry with
// the given counters.
func (h *harness) seedCred(sub model.Subscription, n *model.Node, created time.Time, up, down int64) model.Credential {
	h.t.Helper()
	c := model.Credential{
		SubscriptionID: sub.ID,
		Protocol:       model.ProtocolXUI,
		Payload:        "vless://seed",
		Active:         true,
		CreatedAt:      created,
	}
	if n != nil {
		c.NodeID = model.NodeRef(n.ID)
		c.RemoteID = fmt.Sprintf("seed_%d_s%d", sub.ID, n.ID)
	}
	require.NoError(h.t, h.store.CreateCredential(h.ctx, &c))
	if n != nil {
		h.fake.put(n.ID, driver.Entry{UUID: "u-" + c.RemoteID, RemoteID: c.RemoteID, Enabled: true, Upload: up, Download: down})
	}
	return c
}

func (h *harness) active(subID uint) []model.Credential {
	h.t.Helper()
	creds, err := h.store.ActiveCredentials(h.ctx, subID)
	require.NoError(h.t, err)
	return creds
}

func nodeIDs(nodes []model.Node) []uint {
	out := make([]uint, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}
