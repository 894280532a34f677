package main

import (
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"keyfleet/pkg/api"
	"keyfleet/pkg/config"
	"keyfleet/pkg/db"
	"keyfleet/pkg/fleet"
	"keyfleet/pkg/metrics"
	"keyfleet/pkg/snapshot"
	"keyfleet/pkg/store"
	"keyfleet/pkg/xui"
)

// app is the wired fleet engine shared by the commands.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	db    *gorm.DB
	store store.Store
	snaps snapshot.Store

	metrics *metrics.Metrics
	events  *api.EventHub

	orch      *fleet.Orchestrator
	scorer    *fleet.Scorer
	traffic   *fleet.TrafficCollector
	scheduler *fleet.Scheduler
}

func newApp(cfg config.Config, log *zap.Logger) (*app, error) {
	gdb, err := db.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	snaps, err := snapshot.Open(cfg, log)
	if err != nil {
		_ = db.Close(gdb)
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	a := &app{
		cfg:     cfg,
		log:     log,
		db:      gdb,
		store:   store.NewGormStore(gdb),
		snaps:   snaps,
		metrics: metrics.New(),
		events:  api.NewEventHub(log),
	}

	pool, err := fleet.NewPool(xui.NewFactory(xui.Options{
		RemotePrefix: cfg.RemotePrefix,
		Timeout:      cfg.DriverTimeout,
		Logger:       log,
	}), cfg.DriverCacheSize)
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	opts := fleet.Options{Logger: log, Metrics: a.metrics, Events: a.events}
	alloc := fleet.NewAllocator(a.store, snaps, cfg.SnapshotTTL, opts)
	a.orch = fleet.NewOrchestrator(a.store, pool, alloc, opts)
	a.scorer = fleet.NewScorer(a.store, pool, snaps, opts)
	a.traffic = fleet.NewTrafficCollector(a.store, pool, cfg.TrafficRetention, opts)
	a.scheduler = fleet.NewScheduler(a.scorer, a.traffic, cfg.ScoreInterval, cfg.TrafficInterval, opts)
	return a, nil
}

func (a *app) server() *api.Server {
	return api.NewServer(api.Deps{
		Orchestrator: a.orch,
		Scorer:       a.scorer,
		Store:        a.store,
		Snapshots:    a.snaps,
		SnapshotTTL:  a.cfg.SnapshotTTL,
		Events:       a.events,
		Metrics:      a.metrics,
		JWTSecret:    a.cfg.JWTSecret,
		Logger:       a.log,
	})
}

// Close releases the database and, for remote backends, the snapshot client.
func (a *app) Close() error {
	var err error
	if c, ok := a.snaps.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return multierr.Append(err, db.Close(a.db))
}

// withApp loads config, builds the logger and the app, runs fn and tears
// everything down.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	return multierr.Append(fn(a), a.Close())
}
