package refresh

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/huginn/pkg/storage"
)

// SchedulerOptions tunes the tick loop.
type SchedulerOptions struct {
	TickInterval   time.Duration
	LeaseTTL       time.Duration
	Workers        int
	RetryBaseDelay time.Duration

	// MaxGatedSkips is the starvation bound on drift gating: a due node
	// the gate has snoozed this many consecutive times is refreshed
	// regardless of its drift score.
	MaxGatedSkips int

	// ProcessingTimeout reclaims nodes stuck in processing. A worker that
	// crashes between marking and committing leaves the flag behind; once
	// the node's last attempt is older than this, it is dispatched again.
	ProcessingTimeout time.Duration
}

// Stats are cumulative scheduler counters since Start.
type Stats struct {
	Ticks       int64 `json:"ticks"`
	Dispatched  int64 `json:"dispatched"`
	Refreshed   int64 `json:"refreshed"`
	Failed      int64 `json:"failed"`
	GatedSkips  int64 `json:"gated_skips"`
	QueueDrops  int64 `json:"queue_drops"`
	LeaseMisses int64 `json:"lease_misses"`
}

type job struct {
	tenantID string
	nodeID   storage.NodeID
	force    bool
}

// Scheduler is the periodic driver: each tick it takes the per-tenant
// lease, selects due nodes, and hands them to a bounded worker pool.
// Multiple replicas coordinate through the lease, so at most one
// scheduling pass runs per tenant at a time.
type Scheduler struct {
	engine   storage.Engine
	pipeline *Pipeline
	opts     SchedulerOptions

	holder string
	jobs   chan job

	// inflight dedupes dispatch: a node already queued or running is not
	// queued again by a later tick.
	inflightMu sync.Mutex
	inflight   map[storage.NodeID]bool

	// invalidWarned holds nodes whose policy can never fire, so the
	// warning logs once per process, not once per tick.
	invalidMu     sync.Mutex
	invalidWarned map[storage.NodeID]bool

	ticks       atomic.Int64
	dispatched  atomic.Int64
	refreshed   atomic.Int64
	failed      atomic.Int64
	gatedSkips  atomic.Int64
	queueDrops  atomic.Int64
	leaseMisses atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler around the pipeline.
func NewScheduler(engine storage.Engine, pipeline *Pipeline, opts SchedulerOptions) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxGatedSkips <= 0 {
		opts.MaxGatedSkips = 5
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 10 * time.Minute
	}
	return &Scheduler{
		engine:        engine,
		pipeline:      pipeline,
		opts:          opts,
		holder:        uuid.NewString(),
		jobs:          make(chan job, opts.Workers*4),
		inflight:      make(map[storage.NodeID]bool),
		invalidWarned: make(map[storage.NodeID]bool),
	}
}

// Start launches the worker pool and the tick loop. Stop waits for
// in-flight refreshes to finish.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Add(1)
	go s.run(ctx)
	log.Printf("scheduler: started (tick=%s, workers=%d, holder=%s)", s.opts.TickInterval, s.opts.Workers, s.holder)
}

// Stop halts the tick loop and drains the workers.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Stats returns a snapshot of the cumulative counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:       s.ticks.Load(),
		Dispatched:  s.dispatched.Load(),
		Refreshed:   s.refreshed.Load(),
		Failed:      s.failed.Load(),
		GatedSkips:  s.gatedSkips.Load(),
		QueueDrops:  s.queueDrops.Load(),
		LeaseMisses: s.leaseMisses.Load(),
	}
}

// Enqueue hands one node to the worker pool out of band, for manual
// refresh requests. Returns false when the queue is full.
func (s *Scheduler) Enqueue(tenantID string, id storage.NodeID, force bool) bool {
	return s.dispatch(job{tenantID: tenantID, nodeID: id, force: force})
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ticks.Add(1)
			s.tick(ctx)
		}
	}
}

// Tick runs one scheduling pass over every tenant immediately. Exposed
// for tests and for forcing a pass from an operator surface.
func (s *Scheduler) Tick(ctx context.Context) {
	s.ticks.Add(1)
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	tenants, err := s.engine.Tenants()
	if err != nil {
		log.Printf("scheduler: list tenants: %v", err)
		return
	}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		ok, err := s.engine.AcquireLease(tenant, s.holder, s.opts.LeaseTTL)
		if err != nil {
			log.Printf("scheduler: lease %s: %v", tenant, err)
			continue
		}
		if !ok {
			s.leaseMisses.Add(1)
			continue
		}
		s.pass(tenant)
		if err := s.engine.ReleaseLease(tenant, s.holder); err != nil {
			log.Printf("scheduler: release lease %s: %v", tenant, err)
		}
	}
}

// pass selects the tenant's due nodes and dispatches them. Dispatch is
// non-blocking: when the queue is full the node simply stays due and is
// selected again next tick.
func (s *Scheduler) pass(tenant string) {
	now := time.Now().UTC()

	// Forced-due nodes go first and bypass drift gating.
	forced, err := s.engine.ListForcedDue(tenant)
	if err != nil {
		log.Printf("scheduler: list forced-due for %s: %v", tenant, err)
		forced = nil
	}
	forcedSet := make(map[storage.NodeID]bool, len(forced))
	for _, id := range forced {
		forcedSet[id] = true
		if !s.dispatch(job{tenantID: tenant, nodeID: id, force: true}) {
			return // queue full, rest stays due for next tick
		}
	}

	err = s.engine.StreamNodes(tenant, func(n *storage.Node) error {
		if forcedSet[n.ID] {
			return nil
		}
		due, gated := s.selectNode(tenant, n, now)
		if gated {
			s.gatedSkips.Add(1)
		}
		if due {
			s.dispatch(job{tenantID: tenant, nodeID: n.ID, force: false})
		}
		return nil
	})
	if err != nil {
		log.Printf("scheduler: stream %s: %v", tenant, err)
	}
}

// selectNode decides whether one node is due at now. Returns gated=true
// when a due refresh was snoozed by its drift gate.
func (s *Scheduler) selectNode(tenant string, n *storage.Node, now time.Time) (due, gated bool) {
	switch n.EmbeddingStatus {
	case storage.EmbeddingProcessing:
		// Normally another worker owns this node. A marker older than the
		// processing timeout is an orphan from a crashed worker: reclaim it.
		return now.Sub(n.LastAttemptAt) >= s.opts.ProcessingTimeout, false
	case storage.EmbeddingFailed:
		return false, false // terminal until manual reset
	case storage.EmbeddingQueued:
		if n.EmbeddingAttempts > 0 {
			// Retry backoff: skip ticks until attempts x base delay has
			// passed since the last attempt.
			wait := time.Duration(n.EmbeddingAttempts) * s.opts.RetryBaseDelay
			return now.Sub(n.LastAttemptAt) >= wait, false
		}
		return true, false // never embedded, immediately due
	}

	policy := n.RefreshPolicy
	if policy == nil {
		return false, false
	}
	if !policy.Due(n.LastRefreshed, now) {
		if _, ok := policy.NextDue(n.LastRefreshed); !ok {
			s.warnInvalidPolicy(tenant, n)
		}
		return false, false
	}

	// Drift gating: a due node with a drift threshold only refreshes when
	// its last observed drift reached the threshold, bounded by the
	// starvation guard.
	if policy.DriftThreshold != nil && n.DriftScore != nil && *n.DriftScore < *policy.DriftThreshold {
		if n.GatedSkips >= s.opts.MaxGatedSkips {
			s.forceGatedThrough(tenant, n)
			return true, false
		}
		_, err := s.engine.UpdateNodeMeta(tenant, n.ID, func(m *storage.Node) error {
			m.GatedSkips++
			return nil
		})
		if err != nil {
			log.Printf("scheduler: record gated skip for %s: %v", n.ID, err)
		}
		return false, true
	}
	return true, false
}

func (s *Scheduler) forceGatedThrough(tenant string, n *storage.Node) {
	log.Printf("scheduler: node %s gated %d times, forcing refresh", n.ID, n.GatedSkips)
	err := s.engine.AppendEvent(&storage.Event{
		TenantID: tenant,
		NodeID:   n.ID,
		Type:     storage.EventGateForced,
		Payload:  map[string]any{"gated_skips": n.GatedSkips},
	})
	if err != nil {
		log.Printf("scheduler: append gate_forced event: %v", err)
	}
}

func (s *Scheduler) warnInvalidPolicy(tenant string, n *storage.Node) {
	s.invalidMu.Lock()
	warned := s.invalidWarned[n.ID]
	if !warned {
		s.invalidWarned[n.ID] = true
	}
	s.invalidMu.Unlock()
	if warned {
		return
	}
	log.Printf("scheduler: node %s has a policy that can never fire, manual refresh only", n.ID)
	err := s.engine.AppendEvent(&storage.Event{
		TenantID: tenant,
		NodeID:   n.ID,
		Type:     storage.EventInvalidPolicy,
	})
	if err != nil {
		log.Printf("scheduler: append invalid_policy event: %v", err)
	}
}

func (s *Scheduler) dispatch(j job) bool {
	s.inflightMu.Lock()
	if s.inflight[j.nodeID] {
		s.inflightMu.Unlock()
		return true // already queued or running
	}
	s.inflight[j.nodeID] = true
	s.inflightMu.Unlock()

	select {
	case s.jobs <- j:
		s.dispatched.Add(1)
		return true
	default:
		s.inflightMu.Lock()
		delete(s.inflight, j.nodeID)
		s.inflightMu.Unlock()
		s.queueDrops.Add(1)
		return false
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			err := s.pipeline.Refresh(ctx, j.tenantID, j.nodeID, j.force)
			s.inflightMu.Lock()
			delete(s.inflight, j.nodeID)
			s.inflightMu.Unlock()
			if err != nil {
				s.failed.Add(1)
				log.Printf("scheduler: refresh %s: %v", j.nodeID, err)
			} else {
				s.refreshed.Add(1)
			}
		}
	}
}
