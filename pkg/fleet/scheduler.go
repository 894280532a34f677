package fleet

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs the periodic fleet jobs: score recomputation on start and
// every scoreEvery, traffic collection every trafficEvery. Jobs run one at
// a time on the caller's goroutine. A non-positive interval disables the
// job's ticker.
type Scheduler struct {
	scoreEvery   time.Duration
	trafficEvery time.Duration
	opts         Options
	log          *zap.Logger

	score   func(context.Context) error
	collect func(context.Context) error
}

func NewScheduler(scorer *Scorer, traffic *TrafficCollector, scoreEvery, trafficEvery time.Duration, opts Options) *Scheduler {
	opts = opts.withDefaults()
	s := &Scheduler{
		scoreEvery:   scoreEvery,
		trafficEvery: trafficEvery,
		opts:         opts,
		log:          opts.Logger.Named("scheduler"),
	}
	if scorer != nil {
		s.score = func(ctx context.Context) error {
			_, err := scorer.Recompute(ctx)
			return err
		}
	}
	if traffic != nil {
		s.collect = func(ctx context.Context) error {
			_, err := traffic.Collect(ctx)
			return err
		}
	}
	return s
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var scoreC, trafficC <-chan time.Time
	if s.score != nil && s.scoreEvery > 0 {
		t := s.opts.Clock.Ticker(s.scoreEvery)
		defer t.Stop()
		scoreC = t.C
	}
	if s.collect != nil && s.trafficEvery > 0 {
		t := s.opts.Clock.Ticker(s.trafficEvery)
		defer t.Stop()
		trafficC = t.C
	}
	s.log.Info("scheduler started", zap.Duration("score_every", s.scoreEvery), zap.Duration("traffic_every", s.trafficEvery))

	if s.score != nil {
		s.runJob(ctx, "score", s.score)
	}
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-scoreC:
			s.runJob(ctx, "score", s.score)
		case <-trafficC:
			s.runJob(ctx, "traffic", s.collect)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("scheduled job failed", zap.String("job", name), zap.Error(err))
	}
}
