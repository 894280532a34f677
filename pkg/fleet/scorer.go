package fleet

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"keyfleet/pkg/driver"
	"keyfleet/pkg/model"
	"keyfleet/pkg/snapshot"
	"keyfleet/pkg/store"
)

// PreferredShare is the fraction of each group marked preferred.
const PreferredShare = 0.25

// NodeScore is one node's load index from a scorer run.
type NodeScore struct {
	NodeID      uint    `json:"nodeId"`
	Group       string  `json:"group"`
	Entries     int     `json:"entries"`
	Smart       float64 `json:"smart"`
	Stupid      float64 `json:"stupid"`
	Index       float64 `json:"index"`
	Preferred   bool    `json:"preferred"`
	monthlyRate []float64
}

// ScoreReport is the outcome of Recompute.
type ScoreReport struct {
	Snapshot model.ScoreSnapshot `json:"snapshot"`
	Scores   []NodeScore         `json:"scores"`
	Failed   []uint              `json:"failed,omitempty"`
}

// Scorer recomputes the preferred-node snapshot from live node state.
type Scorer struct {
	store     store.Store
	pool      *Pool
	snapshots snapshot.Store
	opts      Options
	log       *zap.Logger

	// Parallel bounds concurrent node listings.
	Parallel int

	run sync.Mutex
}

func NewScorer(st store.Store, pool *Pool, snaps snapshot.Store, opts Options) *Scorer {
	opts = opts.withDefaults()
	return &Scorer{
		store:     st,
		pool:      pool,
		snapshots: snaps,
		opts:      opts,
		log:       opts.Logger.Named("scorer"),
		Parallel:  8,
	}
}

// Recompute lists every active node, scores it and persists the lowest
// scoring quarter of each group. Nodes that cannot be listed are left out
// of this round. Runs never overlap; a second caller waits.
func (s *Scorer) Recompute(ctx context.Context) (ScoreReport, error) {
	s.run.Lock()
	defer s.run.Unlock()

	start := s.opts.Clock.Now()
	report, err := s.recompute(ctx, start)
	s.opts.Metrics.ScorerRun(s.opts.Clock.Since(start).Seconds(), len(report.Snapshot.ChosenIDs), err)
	if err != nil {
		s.log.Error("score recompute failed", zap.Error(err))
		return report, err
	}
	s.log.Info("scores recomputed",
		zap.Int("nodes", len(report.Scores)),
		zap.Int("failed", len(report.Failed)),
		zap.Uints("chosen_ids", report.Snapshot.ChosenIDs))
	s.opts.publish(model.Event{Type: model.EventScoresRecomputed, Detail: "preferred nodes updated"})
	return report, nil
}

func (s *Scorer) recompute(ctx context.Context, now time.Time) (ScoreReport, error) {
	nodes, err := s.store.ListNodes(ctx, true)
	if err != nil {
		return ScoreReport{}, err
	}
	creds, err := s.store.ListActiveCredentials(ctx)
	if err != nil {
		return ScoreReport{}, err
	}
	byNode := make(map[uint][]model.Credential)
	for _, c := range creds {
		if c.NodeID != nil {
			byNode[*c.NodeID] = append(byNode[*c.NodeID], c)
		}
	}

	entries := s.listAll(ctx, nodes)
	var report ScoreReport
	scores := make([]NodeScore, 0, len(nodes))
	for _, n := range nodes {
		live, ok := entries[n.ID]
		if !ok {
			report.Failed = append(report.Failed, n.ID)
			continue
		}
		scores = append(scores, scoreNode(n, live, byNode[n.ID], now))
	}
	if len(scores) == 0 && len(nodes) > 0 {
		return report, errors.New("no node could be listed; keeping previous snapshot")
	}

	rank(scores)
	report.Scores = scores
	report.Snapshot = model.ScoreSnapshot{UpdatedAt: now, ChosenIDs: chosen(scores)}
	if err := s.snapshots.Save(ctx, report.Snapshot); err != nil {
		return report, err
	}
	return report, nil
}

// listAll fetches the live entries of every node concurrently. Nodes that
// fail are absent from the result.
func (s *Scorer) listAll(ctx context.Context, nodes []model.Node) map[uint][]driver.Entry {
	var mu sync.Mutex
	out := make(map[uint][]driver.Entry, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	if s.Parallel > 0 {
		g.SetLimit(s.Parallel)
	}
	for _, n := range nodes {
		g.Go(func() error {
			drv, err := s.pool.Get(n)
			if err == nil {
				var list []driver.Entry
				list, err = drv.ListEntries(gctx)
				if err == nil {
					mu.Lock()
					out[n.ID] = list
					mu.Unlock()
					return nil
				}
			}
			s.opts.Metrics.DriverFailure("list")
			s.log.Warn("node excluded from scoring", append(nodeFields(n), zap.Error(err))...)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// scoreNode computes the traffic-based half of the index. The count-based
// half needs the fleet-wide average and is filled in by rank.
func scoreNode(n model.Node, live []driver.Entry, creds []model.Credential, now time.Time) NodeScore {
	byRemote := make(map[string]driver.Entry, len(live))
	for _, e := range live {
		byRemote[e.RemoteID] = e
	}
	ns := NodeScore{NodeID: n.ID, Group: n.GroupName(), Entries: len(live)}
	sort.Slice(creds, func(i, j int) bool { return creds[i].ID < creds[j].ID })
	for _, c := range creds {
		e, ok := byRemote[c.RemoteID]
		if !ok {
			continue
		}
		rate := MonthlyRate(e.Total(), c.AgeDays(now))
		ns.monthlyRate = append(ns.monthlyRate, rate)
		ns.Smart += rate
	}
	return ns
}

// MonthlyRate projects traffic observed over ageDays onto 30 days.
func MonthlyRate(traffic int64, ageDays int) float64 {
	return float64(traffic) / float64(max(ageDays, 1)) * 30
}

// rank fills in the count-based score and the combined index, then marks
// the lowest ceil(25%) of each group, at least one, as preferred.
func rank(scores []NodeScore) {
	var sum float64
	var matched int
	for _, s := range scores {
		for _, r := range s.monthlyRate {
			sum += r
			matched++
		}
	}
	var avg float64
	if matched > 0 {
		avg = sum / float64(matched)
	}
	for i := range scores {
		scores[i].Stupid = avg * float64(scores[i].Entries) * 2
		scores[i].Index = (scores[i].Smart + scores[i].Stupid) / 2
	}

	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.NodeID < b.NodeID
	})
	for start := 0; start < len(scores); {
		end := start
		for end < len(scores) && scores[end].Group == scores[start].Group {
			end++
		}
		k := max(int(math.Ceil(float64(end-start)*PreferredShare)), 1)
		for i := start; i < start+k; i++ {
			scores[i].Preferred = true
		}
		start = end
	}
}

func chosen(scores []NodeScore) []uint {
	ids := []uint{}
	for _, s := range scores {
		if s.Preferred {
			ids = append(ids, s.NodeID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
