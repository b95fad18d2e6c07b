package storage

import (
	"fmt"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/orneryd/huginn/pkg/math/vector"
)

// Options configures a BadgerEngine.
type Options struct {
	// Dir is the on-disk location for the badger database. Ignored when
	// InMemory is set.
	Dir string

	// InMemory runs badger without disk persistence. Used by tests and
	// ephemeral deployments.
	InMemory bool

	// Metric is the distance metric every embedding in this store was
	// produced for. Defaults to cosine.
	Metric DistanceMetric

	// Dimensions is the expected embedding width. Zero means "fix on
	// first embedded vector".
	Dimensions int
}

// BadgerEngine is the storage engine: node/edge/version/history rows in
// badger, plus in-memory lexical and vector indexes rebuilt on open.
type BadgerEngine struct {
	db   *badger.DB
	opts Options

	mu     sync.RWMutex
	closed bool

	dimsMu sync.Mutex
	dims   int

	idxMu    sync.RWMutex
	fulltext map[string]*fulltextIndex
	vectors  map[string]*vectorIndex
}

// NewBadgerEngine opens (or creates) the store and rebuilds the
// in-memory search indexes from the persisted node rows.
func NewBadgerEngine(opts Options) (*BadgerEngine, error) {
	metric, err := ParseDistanceMetric(string(opts.Metric))
	if err != nil {
		return nil, err
	}
	opts.Metric = metric

	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("storage: directory required for persistent store")
		}
		badgerOpts = badger.DefaultOptions(opts.Dir)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}

	e := &BadgerEngine{
		db:       db,
		opts:     opts,
		dims:     opts.Dimensions,
		fulltext: make(map[string]*fulltextIndex),
		vectors:  make(map[string]*vectorIndex),
	}
	if err := e.rebuildIndexes(); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

// Metric reports the configured distance metric.
func (e *BadgerEngine) Metric() DistanceMetric {
	return e.opts.Metric
}

// Close flushes and closes the underlying store.
func (e *BadgerEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}

func (e *BadgerEngine) ensureOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *BadgerEngine) rebuildIndexes() error {
	tenants, err := e.Tenants()
	if err != nil {
		return fmt.Errorf("storage: rebuild indexes: %w", err)
	}
	for _, tenant := range tenants {
		err := e.StreamNodes(tenant, func(n *Node) error {
			e.indexNode(n)
			return nil
		})
		if err != nil {
			return fmt.Errorf("storage: rebuild indexes for %s: %w", tenant, err)
		}
	}
	return nil
}

// indexNode keeps the lexical index current for every node, and the
// vector index only for nodes whose embedding is ready.
func (e *BadgerEngine) indexNode(n *Node) {
	ft := e.fulltextFor(n.TenantID)
	ft.Index(n.ID, CanonicalText(n))

	vi := e.vectorsFor(n.TenantID)
	if n.EmbeddingStatus == EmbeddingReady && len(n.Embedding) > 0 {
		vi.Put(n.ID, n.Embedding)
	} else {
		vi.Remove(n.ID)
	}
}

func (e *BadgerEngine) unindexNode(tenant string, id NodeID) {
	e.fulltextFor(tenant).Remove(id)
	e.vectorsFor(tenant).Remove(id)
}

func (e *BadgerEngine) fulltextFor(tenant string) *fulltextIndex {
	e.idxMu.RLock()
	ft, ok := e.fulltext[tenant]
	e.idxMu.RUnlock()
	if ok {
		return ft
	}
	e.idxMu.Lock()
	defer e.idxMu.Unlock()
	if ft, ok = e.fulltext[tenant]; ok {
		return ft
	}
	ft = newFulltextIndex()
	e.fulltext[tenant] = ft
	return ft
}

func (e *BadgerEngine) vectorsFor(tenant string) *vectorIndex {
	e.idxMu.RLock()
	vi, ok := e.vectors[tenant]
	e.idxMu.RUnlock()
	if ok {
		return vi
	}
	e.idxMu.Lock()
	defer e.idxMu.Unlock()
	if vi, ok = e.vectors[tenant]; ok {
		return vi
	}
	vi = newVectorIndex(e.opts.Metric)
	e.vectors[tenant] = vi
	return vi
}

// checkDimensions fixes the store's embedding width on first use and
// rejects mismatched vectors afterwards.
func (e *BadgerEngine) checkDimensions(vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	e.dimsMu.Lock()
	defer e.dimsMu.Unlock()
	if e.dims == 0 {
		e.dims = len(vec)
		return nil
	}
	if len(vec) != e.dims {
		return fmt.Errorf("%w: got %d, store has %d", ErrDimensions, len(vec), e.dims)
	}
	return nil
}

// VectorSearch returns the k nearest ready embeddings for the tenant.
// The requested metric must match the store's configured metric.
func (e *BadgerEngine) VectorSearch(tenantID string, query []float32, k int, metric DistanceMetric) ([]VectorMatch, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if metric != "" && metric != e.opts.Metric {
		return nil, fmt.Errorf("%w: query wants %s, store built for %s", ErrMetric, metric, e.opts.Metric)
	}
	if err := e.checkDimensions(query); err != nil {
		return nil, err
	}
	return e.vectorsFor(tenantID).Search(query, k), nil
}

// TextSearch returns BM25-ranked lexical matches for the tenant.
func (e *BadgerEngine) TextSearch(tenantID string, query string, k int) ([]TextMatch, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return e.fulltextFor(tenantID).Search(query, k), nil
}

// metricDistance dispatches to the math/vector kernel for the metric.
func metricDistance(m DistanceMetric, a, b []float32) float64 {
	if m == DistanceEuclidean {
		return vector.EuclideanDistance(a, b)
	}
	return vector.CosineDistance(a, b)
}

// vectorIndex is a per-tenant brute-force nearest-neighbor index over
// ready embeddings. Exact scan is the right trade at this scale; an ANN
// structure can replace it behind the same surface later.
type vectorIndex struct {
	mu     sync.RWMutex
	metric DistanceMetric
	vecs   map[NodeID][]float32
}

func newVectorIndex(metric DistanceMetric) *vectorIndex {
	return &vectorIndex{metric: metric, vecs: make(map[NodeID][]float32)}
}

func (v *vectorIndex) Put(id NodeID, vec []float32) {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	v.mu.Lock()
	v.vecs[id] = cp
	v.mu.Unlock()
}

func (v *vectorIndex) Remove(id NodeID) {
	v.mu.Lock()
	delete(v.vecs, id)
	v.mu.Unlock()
}

func (v *vectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vecs)
}

func (v *vectorIndex) Search(query []float32, k int) []VectorMatch {
	if k <= 0 {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	matches := make([]VectorMatch, 0, len(v.vecs))
	for id, vec := range v.vecs {
		matches = append(matches, VectorMatch{ID: id, Distance: metricDistance(v.metric, query, vec)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
