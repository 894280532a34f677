package fleet

import (
	"context"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"

	"keyfleet/pkg/model"
	"keyfleet/pkg/snapshot"
	"keyfleet/pkg/store"
)

// DefaultSnapshotTTL is how long a score snapshot steers allocation.
const DefaultSnapshotTTL = 48 * time.Hour

// Allocator picks the nodes a subscription still needs a credential on:
// one per group it is not yet covered in.
type Allocator struct {
	store     store.Store
	snapshots snapshot.Store
	ttl       time.Duration
	opts      Options
	log       *zap.Logger

	// Intn returns a uniform value in [0, n). Replaced in tests.
	Intn func(n int) int
}

func NewAllocator(st store.Store, snaps snapshot.Store, ttl time.Duration, opts Options) *Allocator {
	opts = opts.withDefaults()
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Allocator{
		store:     st,
		snapshots: snaps,
		ttl:       ttl,
		opts:      opts,
		log:       opts.Logger.Named("allocator"),
		Intn:      rand.IntN,
	}
}

// fleetView is the allocation input read from the store in one pass.
type fleetView struct {
	nodes map[uint]model.Node
	loads map[uint]int
}

func (a *Allocator) view(ctx context.Context) (fleetView, error) {
	nodes, err := a.store.ListNodes(ctx, false)
	if err != nil {
		return fleetView{}, err
	}
	loads, err := a.store.NodeLoads(ctx)
	if err != nil {
		return fleetView{}, err
	}
	v := fleetView{nodes: make(map[uint]model.Node, len(nodes)), loads: loads}
	for _, n := range nodes {
		v.nodes[n.ID] = n
	}
	return v, nil
}

// coveredGroups returns the groups in which creds holds an active,
// node-linked credential.
func (v fleetView) coveredGroups(creds []model.Credential) map[string]bool {
	covered := make(map[string]bool)
	for _, c := range creds {
		if !c.Active || c.NodeID == nil {
			continue
		}
		if n, ok := v.nodes[*c.NodeID]; ok {
			covered[n.GroupName()] = true
		}
	}
	return covered
}

// checkNode reports whether the node may receive a new credential.
func (a *Allocator) checkNode(v fleetView, n model.Node) bool {
	if !n.Active {
		return false
	}
	if load := v.loads[n.ID]; load >= n.Capacity {
		a.log.Debug("node filtered: at capacity", append(nodeFields(n), zap.Int("load", load), zap.Int("capacity", n.Capacity))...)
		return false
	}
	return true
}

// SelectNodes returns at most one node per group the subscription lacks
// coverage in, ordered by group name. When groups are given, only those
// groups are considered. An empty result is not an error.
func (a *Allocator) SelectNodes(ctx context.Context, sub model.Subscription, groups ...string) ([]model.Node, error) {
	creds, err := a.store.ActiveCredentials(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	v, err := a.view(ctx)
	if err != nil {
		return nil, err
	}
	return a.selectFrom(ctx, v, creds, groups), nil
}

func (a *Allocator) selectFrom(ctx context.Context, v fleetView, creds []model.Credential, groups []string) []model.Node {
	var only map[string]bool
	if len(groups) > 0 {
		only = make(map[string]bool, len(groups))
		for _, g := range groups {
			only[g] = true
		}
	}
	covered := v.coveredGroups(creds)

	buckets := make(map[string][]model.Node)
	for _, n := range v.nodes {
		g := n.GroupName()
		if covered[g] || (only != nil && !only[g]) {
			continue
		}
		if a.checkNode(v, n) {
			buckets[g] = append(buckets[g], n)
		}
	}
	if len(buckets) == 0 {
		return nil
	}

	preferred := a.preferred(ctx)
	names := make([]string, 0, len(buckets))
	for g := range buckets {
		names = append(names, g)
	}
	sort.Strings(names)

	out := make([]model.Node, 0, len(names))
	for _, g := range names {
		out = append(out, a.pick(buckets[g], preferred))
	}
	return out
}

// preferred returns the snapshot's node set, or nil when the snapshot is
// missing, unreadable or stale.
func (a *Allocator) preferred(ctx context.Context) map[uint]bool {
	if a.snapshots == nil {
		return nil
	}
	snap, ok, err := a.snapshots.Load(ctx)
	if err != nil {
		a.log.Warn("score snapshot unreadable, allocating uniformly", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	if !snap.Fresh(a.opts.Clock.Now(), a.ttl) {
		a.log.Debug("score snapshot stale, allocating uniformly", zap.Time("updated_at", snap.UpdatedAt))
		return nil
	}
	return snap.Preferred()
}

// pick chooses uniformly among the preferred members of bucket, or among
// the whole bucket when none is preferred.
func (a *Allocator) pick(bucket []model.Node, preferred map[uint]bool) model.Node {
	sort.Slice(bucket, func(i, j int) bool { return bucket[i].ID < bucket[j].ID })
	candidates := bucket
	if len(preferred) > 0 {
		var hits []model.Node
		for _, n := range bucket {
			if preferred[n.ID] {
				hits = append(hits, n)
			}
		}
		if len(hits) > 0 {
			candidates = hits
		}
	}
	return candidates[a.Intn(len(candidates))]
}
