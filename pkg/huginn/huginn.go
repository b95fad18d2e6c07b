// Package huginn is the embedding facade: one handle that wires the
// store, the refresh scheduler, the trigger matcher, the lineage
// cascader and the search service, exposing the operations upstream
// callers rely on.
package huginn

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/orneryd/huginn/pkg/config"
	"github.com/orneryd/huginn/pkg/embed"
	"github.com/orneryd/huginn/pkg/lineage"
	"github.com/orneryd/huginn/pkg/refresh"
	"github.com/orneryd/huginn/pkg/search"
	"github.com/orneryd/huginn/pkg/storage"
	"github.com/orneryd/huginn/pkg/trigger"
)

// DB is the active engine handle. Construct with Open, release with
// Close. Safe for concurrent use.
type DB struct {
	cfg      *config.Config
	engine   *storage.BadgerEngine
	embedder embed.Embedder

	pipeline  *refresh.Pipeline
	scheduler *refresh.Scheduler
	searcher  *search.Service
}

// Open validates cfg, opens the store, wires the refresh machinery and
// starts the scheduler. The embedder may be nil, in which case a
// deterministic hash embedder is used (tests and offline deployments).
func Open(ctx context.Context, cfg *config.Config, embedder embed.Embedder) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if embedder == nil {
		dims := cfg.Dimensions
		if dims == 0 {
			dims = 256
		}
		embedder = embed.NewHashEmbedder(dims)
	}

	engine, err := storage.NewBadgerEngine(storage.Options{
		Dir:        cfg.DataDir,
		InMemory:   cfg.InMemory,
		Metric:     cfg.DistanceMetric(),
		Dimensions: cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("huginn: open store: %w", err)
	}

	matcher := trigger.NewMatcher(engine, cfg.TriggerThreshold)
	cascader := lineage.NewCascader(engine, cfg.CascadeMaxDepth, cfg.CascadeMaxFanout)
	pipeline := refresh.NewPipeline(engine, embedder, matcher, cascader, cfg.MaxAttempts)

	scheduler := refresh.NewScheduler(engine, pipeline, refresh.SchedulerOptions{
		TickInterval:      cfg.TickInterval,
		LeaseTTL:          cfg.LeaseTTL,
		Workers:           cfg.Workers,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		MaxGatedSkips:     cfg.MaxGatedSkips,
		ProcessingTimeout: cfg.ProcessingTimeout,
	})
	scheduler.Start(ctx)

	searcher := search.NewService(engine, embedder, search.Options{
		RRFK:                cfg.RRFK,
		HalfLife:            cfg.StalenessHalfLife,
		DriftPenaltyMax:     cfg.DriftPenaltyMax,
		LegTimeout:          cfg.SearchLegTimeout,
		CandidateMultiplier: cfg.CandidateMultiplier,
	})

	log.Printf("huginn: engine open (metric=%s, tick=%s)", cfg.Metric, cfg.TickInterval)
	return &DB{
		cfg:       cfg,
		engine:    engine,
		embedder:  embedder,
		pipeline:  pipeline,
		scheduler: scheduler,
		searcher:  searcher,
	}, nil
}

// Close stops the scheduler, waits for in-flight refreshes and closes
// the store.
func (db *DB) Close() error {
	db.scheduler.Stop()
	return db.engine.Close()
}

// Store exposes the underlying storage engine for ingestion-side writes
// (nodes, edges, patterns).
func (db *DB) Store() storage.Engine {
	return db.engine
}

// EnqueueRefresh hands a node to the refresh worker pool. force bypasses
// drift gating and the unchanged-content shortcut. Returns false when
// the queue is full; the node can be retried or left to the scheduler.
func (db *DB) EnqueueRefresh(tenantID string, id storage.NodeID, force bool) bool {
	return db.scheduler.Enqueue(tenantID, id, force)
}

// Refresh runs one refresh synchronously, outside the worker pool.
func (db *DB) Refresh(ctx context.Context, tenantID string, id storage.NodeID, force bool) error {
	return db.pipeline.Refresh(ctx, tenantID, id, force)
}

// ResetEmbedding clears a terminal embedding failure so the scheduler
// retries the node.
func (db *DB) ResetEmbedding(tenantID string, id storage.NodeID) error {
	return db.pipeline.ResetEmbedding(tenantID, id)
}

// Search runs a ranked retrieval query.
func (db *DB) Search(ctx context.Context, tenantID, query string, topK int, mode search.Mode) ([]search.Result, error) {
	return db.searcher.Search(ctx, tenantID, query, topK, mode)
}

// DriftTrend returns drift samples for the tenant in [since, until].
func (db *DB) DriftTrend(tenantID string, since, until time.Time, limit int) ([]storage.DriftPoint, error) {
	return db.engine.DriftTrend(tenantID, since, until, limit)
}

// Stats reports cumulative scheduler counters.
func (db *DB) Stats() refresh.Stats {
	return db.scheduler.Stats()
}

// Tick forces one scheduling pass immediately. Operator surface; the
// periodic loop keeps running regardless.
func (db *DB) Tick(ctx context.Context) {
	db.scheduler.Tick(ctx)
}
