package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"keyfleet/pkg/driver"
	"keyfleet/pkg/model"
	"keyfleet/pkg/store"
)

// ErrSubscriptionNotLive is returned when credentials are requested for an
// inactive or expired subscription.
var ErrSubscriptionNotLive = errors.New("subscription is inactive or expired")

// ErrGroupEmpty is returned when a group has no active node.
var ErrGroupEmpty = errors.New("group has no active nodes")

// NodeFailure is one node's failure inside a fleet-wide operation.
type NodeFailure struct {
	NodeID uint   `json:"nodeId"`
	Node   string `json:"node"`
	Error  string `json:"error"`
}

// CoverageResult is the outcome of EnsureCoverage.
type CoverageResult struct {
	Credentials []model.Credential `json:"credentials"`
	Created     int                `json:"created"`
	Failures    []NodeFailure      `json:"failures,omitempty"`
}

// DeleteResult is the outcome of DeleteAll.
type DeleteResult struct {
	Deactivated  int `json:"deactivated"`
	RemoteFailed int `json:"remoteFailed"`
}

// UpdateResult is the outcome of a per-credential update across nodes.
type UpdateResult struct {
	Updated  int           `json:"updated"`
	Failures []NodeFailure `json:"failures,omitempty"`
}

// BulkStats are the counters of BulkActivateGroup.
type BulkStats struct {
	Created       int `json:"created"`
	Skipped       int `json:"skipped"`
	SkippedNoKeys int `json:"skippedNoKeys"`
	Failed        int `json:"failed"`
}

// CredentialTraffic is one credential's counters.
type CredentialTraffic struct {
	CredentialID uint       `json:"credentialId"`
	NodeID       uint       `json:"nodeId"`
	Upload       int64      `json:"upload"`
	Download     int64      `json:"download"`
	Enabled      bool       `json:"enabled"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// TrafficSummary sums traffic over a subscription's reachable credentials.
type TrafficSummary struct {
	Upload      int64               `json:"upload"`
	Download    int64               `json:"download"`
	Total       int64               `json:"total"`
	Credentials []CredentialTraffic `json:"credentials"`
	Unreachable int                 `json:"unreachable"`
}

// NodeStatus is a node with its current load.
type NodeStatus struct {
	model.Node
	Load int `json:"load"`
}

// NodeHealth is a node's health probe result.
type NodeHealth struct {
	NodeID uint   `json:"nodeId"`
	Name   string `json:"name"`
	Group  string `json:"group"`
	Load   int    `json:"load"`
	driver.Health
}

// Orchestrator is the entry point for subscription-scoped credential
// operations. Operations on one subscription are serialised.
type Orchestrator struct {
	store store.Store
	pool  *Pool
	alloc *Allocator
	opts  Options
	log   *zap.Logger
	locks keyedMutex
}

func NewOrchestrator(st store.Store, pool *Pool, alloc *Allocator, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		store: st,
		pool:  pool,
		alloc: alloc,
		opts:  opts,
		log:   opts.Logger.Named("orchestrator"),
		locks: keyedMutex{locks: make(map[uint]*keyedEntry)},
	}
}

// EnsureCoverage creates a credential in every group the subscription is
// not yet covered in. Per-node failures are logged and reported; the
// returned error is non-nil only when every targeted node failed, in
// which case it matches ErrAllocationExhausted. The result always carries
// the subscription's current active credentials.
func (o *Orchestrator) EnsureCoverage(ctx context.Context, sub model.Subscription, ownerID int64) (CoverageResult, error) {
	defer o.locks.Lock(sub.ID)()
	return o.ensureCoverage(ctx, sub, ownerID)
}

func (o *Orchestrator) ensureCoverage(ctx context.Context, sub model.Subscription, ownerID int64) (CoverageResult, error) {
	var res CoverageResult
	if !sub.Live(o.opts.Clock.Now()) {
		return res, fmt.Errorf("subscription %d: %w", sub.ID, ErrSubscriptionNotLive)
	}
	targets, err := o.alloc.SelectNodes(ctx, sub)
	if err != nil {
		return res, err
	}
	var errs []error
	for _, n := range targets {
		if _, err := o.create(ctx, n, sub, ownerID); err != nil {
			errs = append(errs, err)
			res.Failures = append(res.Failures, failure(n, err))
			continue
		}
		res.Created++
	}
	res.Credentials, err = o.store.ActiveCredentials(ctx, sub.ID)
	if err != nil {
		return res, err
	}
	if len(targets) > 0 && res.Created == 0 {
		return res, fmt.Errorf("subscription %d: %w: %w", sub.ID, ErrAllocationExhausted, multierr.Combine(errs...))
	}
	if len(errs) > 0 {
		o.log.Warn("partial coverage", zap.Uint("subscription_id", sub.ID),
			zap.Int("created", res.Created), zap.Int("failed", len(errs)))
	}
	return res, nil
}

// create mints a credential on node and records it. A credential that
// cannot be recorded is removed from the node again.
func (o *Orchestrator) create(ctx context.Context, n model.Node, sub model.Subscription, ownerID int64) (model.Credential, error) {
	log := o.log.With(append(nodeFields(n), zap.Uint("subscription_id", sub.ID))...)
	drv, err := o.pool.Get(n)
	if err != nil {
		o.failed(log, n, sub, "create", err)
		return model.Credential{}, err
	}
	cred, err := drv.CreateCredential(ctx, sub, ownerID)
	if err != nil {
		o.failed(log, n, sub, "create", err)
		return model.Credential{}, err
	}
	if err := o.store.CreateCredential(ctx, &cred); err != nil {
		log.Error("failed to record credential, removing it from node", zap.Error(err))
		if derr := drv.DeleteCredential(ctx, cred); derr != nil {
			log.Error("orphaned remote entry", zap.String("remote_id", cred.RemoteID), zap.Error(derr))
		}
		return model.Credential{}, err
	}
	log.Info("credential created", zap.Uint("credential_id", cred.ID), zap.String("remote_id", cred.RemoteID))
	o.opts.Metrics.CredentialCreated(n.GroupName())
	o.opts.publish(model.Event{Type: model.EventCredentialCreated, NodeID: n.ID, SubscriptionID: sub.ID})
	return cred, nil
}

func (o *Orchestrator) failed(log *zap.Logger, n model.Node, sub model.Subscription, op string, err error) {
	log.Warn("node operation failed", zap.String("op", op), zap.Error(err))
	o.opts.Metrics.DriverFailure(op)
	o.opts.publish(model.Event{Type: model.EventCredentialFailed, NodeID: n.ID, SubscriptionID: sub.ID, Detail: err.Error()})
}

func failure(n model.Node, err error) NodeFailure {
	return NodeFailure{NodeID: n.ID, Node: n.Name, Error: err.Error()}
}

// DeleteAll deactivates every active credential of the subscription and
// removes the remote entries it can reach. It never fails: local state is
// the source of truth.
func (o *Orchestrator) DeleteAll(ctx context.Context, sub model.Subscription) DeleteResult {
	defer o.locks.Lock(sub.ID)()
	return o.deleteAll(ctx, sub)
}

func (o *Orchestrator) deleteAll(ctx context.Context, sub model.Subscription) DeleteResult {
	var res DeleteResult
	creds, err := o.store.ActiveCredentials(ctx, sub.ID)
	if err != nil {
		o.log.Error("list credentials for delete", zap.Uint("subscription_id", sub.ID), zap.Error(err))
		return res
	}
	for _, c := range creds {
		if err := o.deleteRemote(ctx, c); err != nil {
			res.RemoteFailed++
		}
		if err := o.store.DeactivateCredential(ctx, c.ID); err != nil {
			o.log.Error("deactivate credential", zap.Uint("credential_id", c.ID), zap.Error(err))
			continue
		}
		res.Deactivated++
		o.opts.Metrics.CredentialDeleted()
		ev := model.Event{Type: model.EventCredentialDeleted, SubscriptionID: sub.ID}
		if c.NodeID != nil {
			ev.NodeID = *c.NodeID
		}
		o.opts.publish(ev)
	}
	return res
}

// deleteRemote removes a managed credential from its node. Legacy
// credentials and those on inactive or unknown nodes are local only.
func (o *Orchestrator) deleteRemote(ctx context.Context, c model.Credential) error {
	if !c.Managed() {
		return nil
	}
	n, err := o.store.GetNode(ctx, *c.NodeID)
	if err != nil || !n.Active {
		return nil
	}
	log := o.log.With(append(nodeFields(n), zap.Uint("credential_id", c.ID))...)
	drv, err := o.pool.Get(n)
	if err == nil {
		err = drv.DeleteCredential(ctx, c)
	}
	switch {
	case err == nil:
		return nil
	case driver.IsNotFound(err):
		log.Info("remote entry already gone", zap.String("remote_id", c.RemoteID))
		return nil
	default:
		log.Warn("remote delete failed, deactivating locally", zap.Error(err))
		o.opts.Metrics.DriverFailure("delete")
		return err
	}
}

// UpdateExpiry pushes the subscription's expiry to every managed
// credential. It fails only when credentials were attempted and none
// could be updated.
func (o *Orchestrator) UpdateExpiry(ctx context.Context, sub model.Subscription) (UpdateResult, error) {
	defer o.locks.Lock(sub.ID)()
	return o.eachManaged(ctx, sub, "update_expiry", func(drv driver.Driver, c model.Credential) error {
		return drv.UpdateExpiry(ctx, c, sub.ExpiresAt)
	})
}

// SetEnabled toggles every managed credential of the subscription on its
// node without deleting it.
func (o *Orchestrator) SetEnabled(ctx context.Context, sub model.Subscription, enabled bool) (UpdateResult, error) {
	defer o.locks.Lock(sub.ID)()
	return o.eachManaged(ctx, sub, "set_enabled", func(drv driver.Driver, c model.Credential) error {
		return drv.SetEnabled(ctx, c, enabled)
	})
}

func (o *Orchestrator) eachManaged(ctx context.Context, sub model.Subscription, op string, fn func(driver.Driver, model.Credential) error) (UpdateResult, error) {
	var res UpdateResult
	creds, err := o.store.ActiveCredentials(ctx, sub.ID)
	if err != nil {
		return res, err
	}
	var errs []error
	attempted := 0
	for _, c := range creds {
		if !c.Managed() {
			continue
		}
		n, err := o.store.GetNode(ctx, *c.NodeID)
		if err != nil {
			o.log.Warn("credential references unknown node", zap.Uint("credential_id", c.ID), zap.Error(err))
			continue
		}
		attempted++
		drv, err := o.pool.Get(n)
		if err == nil {
			err = fn(drv, c)
		}
		if err != nil {
			o.failed(o.log.With(append(nodeFields(n), zap.Uint("credential_id", c.ID))...), n, sub, op, err)
			errs = append(errs, err)
			res.Failures = append(res.Failures, failure(n, err))
			continue
		}
		res.Updated++
	}
	if attempted > 0 && res.Updated == 0 {
		return res, fmt.Errorf("%s for subscription %d: %w", op, sub.ID, multierr.Combine(errs...))
	}
	return res, nil
}

// Refresh replaces every credential of the subscription with new ones.
func (o *Orchestrator) Refresh(ctx context.Context, sub model.Subscription, ownerID int64) (CoverageResult, error) {
	defer o.locks.Lock(sub.ID)()
	if !sub.Live(o.opts.Clock.Now()) {
		return CoverageResult{}, fmt.Errorf("subscription %d: %w", sub.ID, ErrSubscriptionNotLive)
	}
	o.deleteAll(ctx, sub)
	return o.ensureCoverage(ctx, sub, ownerID)
}

// Traffic sums cumulative counters over the subscription's credentials on
// active nodes. Unreachable nodes are skipped and counted.
func (o *Orchestrator) Traffic(ctx context.Context, sub model.Subscription) (TrafficSummary, error) {
	sum := TrafficSummary{Credentials: []CredentialTraffic{}}
	creds, err := o.store.ActiveCredentials(ctx, sub.ID)
	if err != nil {
		return sum, err
	}
	for _, c := range creds {
		if !c.Managed() {
			continue
		}
		n, err := o.store.GetNode(ctx, *c.NodeID)
		if err != nil || !n.Active {
			continue
		}
		drv, err := o.pool.Get(n)
		var st driver.TrafficStats
		if err == nil {
			st, err = drv.Traffic(ctx, c)
		}
		if err != nil {
			o.log.Debug("traffic unavailable", append(nodeFields(n), zap.Uint("credential_id", c.ID), zap.Error(err))...)
			sum.Unreachable++
			continue
		}
		sum.Upload += st.Upload
		sum.Download += st.Download
		sum.Credentials = append(sum.Credentials, CredentialTraffic{
			CredentialID: c.ID,
			NodeID:       n.ID,
			Upload:       st.Upload,
			Download:     st.Download,
			Enabled:      st.Enabled,
			ExpiresAt:    st.ExpiresAt,
		})
	}
	sum.Total = sum.Upload + sum.Download
	return sum, nil
}

// BulkActivateGroup gives every live subscription that already holds a
// managed credential one credential in group. Subscriptions without any
// managed credential get theirs lazily through EnsureCoverage.
func (o *Orchestrator) BulkActivateGroup(ctx context.Context, group string) (BulkStats, error) {
	var stats BulkStats
	nodes, err := o.store.ListNodes(ctx, true)
	if err != nil {
		return stats, err
	}
	found := false
	for _, n := range nodes {
		if n.GroupName() == group {
			found = true
			break
		}
	}
	if !found {
		return stats, fmt.Errorf("group %q: %w", group, ErrGroupEmpty)
	}

	subs, err := o.store.ListSubscriptions(ctx)
	if err != nil {
		return stats, err
	}
	now := o.opts.Clock.Now()
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !sub.Live(now) {
			continue
		}
		o.activateOne(ctx, sub, group, &stats)
	}
	o.log.Info("group activated", zap.String("group", group),
		zap.Int("created", stats.Created), zap.Int("skipped", stats.Skipped),
		zap.Int("skipped_no_keys", stats.SkippedNoKeys), zap.Int("failed", stats.Failed))
	o.opts.publish(model.Event{Type: model.EventGroupActivated,
		Detail: fmt.Sprintf("%s: created=%d skipped=%d skipped_no_keys=%d failed=%d",
			group, stats.Created, stats.Skipped, stats.SkippedNoKeys, stats.Failed)})
	return stats, nil
}

func (o *Orchestrator) activateOne(ctx context.Context, sub model.Subscription, group string, stats *BulkStats) {
	defer o.locks.Lock(sub.ID)()
	creds, err := o.store.ActiveCredentials(ctx, sub.ID)
	if err != nil {
		stats.Failed++
		return
	}
	managed := false
	for _, c := range creds {
		if c.Managed() {
			managed = true
			break
		}
	}
	if !managed {
		stats.SkippedNoKeys++
		return
	}
	v, err := o.alloc.view(ctx)
	if err != nil {
		stats.Failed++
		return
	}
	if v.coveredGroups(creds)[group] {
		stats.Skipped++
		return
	}
	targets := o.alloc.selectFrom(ctx, v, creds, []string{group})
	if len(targets) == 0 {
		// every node of the group is full
		stats.Failed++
		return
	}
	if _, err := o.create(ctx, targets[0], sub, sub.OwnerID); err != nil {
		stats.Failed++
		return
	}
	stats.Created++
}

// Nodes lists every node with its current load.
func (o *Orchestrator) Nodes(ctx context.Context) ([]NodeStatus, error) {
	nodes, err := o.store.ListNodes(ctx, false)
	if err != nil {
		return nil, err
	}
	loads, err := o.store.NodeLoads(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NodeStatus{Node: n, Load: loads[n.ID]})
		o.opts.Metrics.NodeLoad(n.ID, n.GroupName(), loads[n.ID])
	}
	return out, nil
}

// Health probes every active node. It never fails as a whole.
func (o *Orchestrator) Health(ctx context.Context) ([]NodeHealth, error) {
	nodes, err := o.store.ListNodes(ctx, true)
	if err != nil {
		return nil, err
	}
	loads, err := o.store.NodeLoads(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]NodeHealth, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, n := range nodes {
		g.Go(func() error {
			h := driver.Health{}
			drv, err := o.pool.Get(n)
			if err != nil {
				h.Error = err.Error()
			} else {
				h = drv.HealthCheck(gctx)
			}
			if !h.Healthy {
				o.log.Warn("node unhealthy", append(nodeFields(n), zap.String("error", h.Error))...)
			}
			o.opts.Metrics.NodeUp(n.ID, h.Healthy)
			out[i] = NodeHealth{NodeID: n.ID, Name: n.Name, Group: n.GroupName(), Load: loads[n.ID], Health: h}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// SetNodeActive toggles a node. Inactive nodes receive no new credentials.
func (o *Orchestrator) SetNodeActive(ctx context.Context, id uint, active bool) error {
	if err := o.store.SetNodeActive(ctx, id, active); err != nil {
		return err
	}
	o.pool.Evict(id)
	o.log.Info("node toggled", zap.Uint("node_id", id), zap.Bool("active", active))
	o.opts.publish(model.Event{Type: model.EventNodeChanged, NodeID: id, Detail: fmt.Sprintf("active=%t", active)})
	return nil
}

// DeleteNode removes a node. Its credentials are detached and deactivated,
// not deleted.
func (o *Orchestrator) DeleteNode(ctx context.Context, id uint) error {
	if err := o.store.DeleteNode(ctx, id); err != nil {
		return err
	}
	o.pool.Evict(id)
	o.log.Info("node deleted", zap.Uint("node_id", id))
	o.opts.publish(model.Event{Type: model.EventNodeChanged, NodeID: id, Detail: "deleted"})
	return nil
}

// keyedMutex serialises work per subscription id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for id and returns its release func.
func (k *keyedMutex) Lock(id uint) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
