// Package storage provides the node store for the active knowledge engine:
// tenant-scoped nodes and provenance edges, append-only version snapshots,
// embedding history and audit events, per-tenant scheduler leases, and the
// vector/full-text search primitives the ranking engine consumes.
//
// The canonical implementation is BadgerEngine (BadgerDB + msgpack rows).
// All mutations of engine-owned node state go through either CommitRefresh
// (version-checked compare-and-swap) or UpdateNodeMeta (non-versioned
// bookkeeping fields), never through free-form writes.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common storage errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrConflict      = errors.New("version conflict")
	ErrClosed        = errors.New("storage engine closed")
	ErrDimensions    = errors.New("embedding dimension mismatch")
	ErrMetric        = errors.New("distance metric mismatch")
)

// NodeID identifies a node. IDs are unique within a tenant.
type NodeID string

// EdgeID identifies an edge.
type EdgeID string

// RelDerivedFrom is the reserved provenance relation. An edge
// (src, DERIVED_FROM, dst) records that src's content was produced from
// dst's. It is the only relation the lineage cascade traverses.
const RelDerivedFrom = "DERIVED_FROM"

// EmbeddingStatus tracks a node's position in the re-embedding lifecycle.
type EmbeddingStatus string

const (
	EmbeddingQueued     EmbeddingStatus = "queued"
	EmbeddingProcessing EmbeddingStatus = "processing"
	EmbeddingReady      EmbeddingStatus = "ready"
	EmbeddingFailed     EmbeddingStatus = "failed"
)

// DistanceMetric enumerates supported vector distance metrics.
type DistanceMetric string

const (
	DistanceCosine    DistanceMetric = "cosine"
	DistanceEuclidean DistanceMetric = "euclidean"
)

// ParseDistanceMetric normalizes and validates a metric string.
func ParseDistanceMetric(s string) (DistanceMetric, error) {
	m := DistanceMetric(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case "":
		return DistanceCosine, nil
	case DistanceCosine, DistanceEuclidean:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported distance metric %q", s)
	}
}

// ForcedDueCause records why a node was marked forced-due, for audit.
// For trigger causes, Patterns lists every pattern that fired in the
// evaluation that produced the marking.
type ForcedDueCause struct {
	Reason        string    `msgpack:"reason"` // "lineage", "trigger", "manual"
	SourceID      NodeID    `msgpack:"source_id,omitempty"`
	SourceVersion int64     `msgpack:"source_version,omitempty"`
	Patterns      []string  `msgpack:"patterns,omitempty"`
	At            time.Time `msgpack:"at"`
}

// Node is a unit of knowledge content plus the engine-owned refresh state.
//
// Ownership split: Classes/Props/PayloadRef are written by upstream ingestion
// and only read here. EmbeddingStatus/Attempts/Error, DriftScore, Version and
// LastRefreshed are owned by the engine exclusively.
type Node struct {
	ID       NodeID `msgpack:"id"`
	TenantID string `msgpack:"tenant_id"`

	// Content (ingestion-owned).
	Classes    []string       `msgpack:"classes,omitempty"`
	Props      map[string]any `msgpack:"props,omitempty"`
	PayloadRef string         `msgpack:"payload_ref,omitempty"`

	// Embedding state (engine-owned).
	Embedding          []float32       `msgpack:"embedding,omitempty"`
	EmbeddingStatus    EmbeddingStatus `msgpack:"embedding_status"`
	EmbeddingAttempts  int             `msgpack:"embedding_attempts"`
	EmbeddingError     string          `msgpack:"embedding_error,omitempty"`
	EmbeddingUpdatedAt time.Time       `msgpack:"embedding_updated_at,omitempty"`
	LastAttemptAt      time.Time       `msgpack:"last_attempt_at,omitempty"`

	// Refresh control.
	RefreshPolicy *RefreshPolicy `msgpack:"refresh_policy,omitempty"`
	Triggers      []string       `msgpack:"triggers,omitempty"`

	// Staleness signal. DriftScore is nil until two embeddings exist.
	DriftScore    *float64  `msgpack:"drift_score,omitempty"`
	LastRefreshed time.Time `msgpack:"last_refreshed,omitempty"`

	// Forced-due marking (lineage cascade / trigger firing / manual).
	ForcedDue      bool            `msgpack:"forced_due,omitempty"`
	ForcedDueCause *ForcedDueCause `msgpack:"forced_due_cause,omitempty"`

	// GatedSkips counts consecutive drift-gated snoozes; reset on refresh.
	GatedSkips int `msgpack:"gated_skips,omitempty"`

	// ContentHash is the BLAKE3 hex digest of the canonical embedding input
	// at the last refresh.
	ContentHash string `msgpack:"content_hash,omitempty"`

	// Version strictly increases; every increment has exactly one
	// NodeVersion snapshot of the pre-update state.
	Version int64 `msgpack:"version"`

	CreatedAt time.Time `msgpack:"created_at"`
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// Copy returns a deep copy. Nodes handed out by the engine are shared with
// HTTP handlers and workers; mutating a cached node in place races with
// concurrent readers.
func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	dst := *n
	if n.Classes != nil {
		dst.Classes = append([]string(nil), n.Classes...)
	}
	if n.Triggers != nil {
		dst.Triggers = append([]string(nil), n.Triggers...)
	}
	if n.Embedding != nil {
		dst.Embedding = append([]float32(nil), n.Embedding...)
	}
	if n.Props != nil {
		dst.Props = make(map[string]any, len(n.Props))
		for k, v := range n.Props {
			dst.Props[k] = v
		}
	}
	if n.DriftScore != nil {
		d := *n.DriftScore
		dst.DriftScore = &d
	}
	if n.RefreshPolicy != nil {
		p := *n.RefreshPolicy
		if n.RefreshPolicy.DriftThreshold != nil {
			th := *n.RefreshPolicy.DriftThreshold
			p.DriftThreshold = &th
		}
		dst.RefreshPolicy = &p
	}
	if n.ForcedDueCause != nil {
		c := *n.ForcedDueCause
		if c.Patterns != nil {
			c.Patterns = append([]string(nil), c.Patterns...)
		}
		dst.ForcedDueCause = &c
	}
	return &dst
}

// Edge is a directed, typed relation. Edges are immutable once created; a new
// derivation means a new edge, never an update. (src, rel, dst) is unique per
// tenant.
type Edge struct {
	ID       EdgeID         `msgpack:"id"`
	TenantID string         `msgpack:"tenant_id"`
	Src      NodeID         `msgpack:"src"`
	Rel      string         `msgpack:"rel"`
	Dst      NodeID         `msgpack:"dst"`
	Props    map[string]any `msgpack:"props,omitempty"`

	CreatedAt time.Time `msgpack:"created_at"`
}

// NodeVersion is an append-only snapshot of a node's state immediately
// before the corresponding version increment. Never mutated or deleted.
type NodeVersion struct {
	NodeID    NodeID    `msgpack:"node_id"`
	TenantID  string    `msgpack:"tenant_id"`
	Version   int64     `msgpack:"version"` // version the snapshot belonged to
	Snapshot  *Node     `msgpack:"snapshot"`
	CreatedAt time.Time `msgpack:"created_at"`
}

// EmbeddingHistory is one append-only row per re-embedding event,
// independent of NodeVersion, used for drift trend analysis.
type EmbeddingHistory struct {
	ID          string    `msgpack:"id"`
	NodeID      NodeID    `msgpack:"node_id"`
	TenantID    string    `msgpack:"tenant_id"`
	DriftScore  float64   `msgpack:"drift_score"`
	ContentHash string    `msgpack:"content_hash,omitempty"`
	Model       string    `msgpack:"model,omitempty"`
	CreatedAt   time.Time `msgpack:"created_at"`
}

// Pattern is a named reference vector for semantic triggers. Mutable by
// administrators only; the engine treats it as read-only.
type Pattern struct {
	Name        string    `msgpack:"name"`
	TenantID    string    `msgpack:"tenant_id"`
	Embedding   []float32 `msgpack:"embedding"`
	Description string    `msgpack:"description,omitempty"`

	// Threshold overrides the global trigger similarity threshold when > 0.
	Threshold float64 `msgpack:"threshold,omitempty"`

	CreatedAt time.Time `msgpack:"created_at"`
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// Event is an append-only audit record. Write-only from the engine's
// perspective: no component reads events back.
type Event struct {
	ID        string         `msgpack:"id"`
	NodeID    NodeID         `msgpack:"node_id,omitempty"`
	TenantID  string         `msgpack:"tenant_id"`
	Type      string         `msgpack:"type"`
	Payload   map[string]any `msgpack:"payload,omitempty"`
	ActorID   string         `msgpack:"actor_id,omitempty"`
	ActorType string         `msgpack:"actor_type,omitempty"`
	CreatedAt time.Time      `msgpack:"created_at"`
}

// Event types emitted by the engine.
const (
	EventNodeRefreshed  = "node_refreshed"
	EventRefreshFailed  = "refresh_failed"
	EventTriggerFired   = "trigger_fired"
	EventPatternMissing = "pattern_missing"
	EventInvalidPolicy  = "invalid_policy"
	EventCascadeLimit   = "cascade_limit"
	EventGateForced     = "gate_forced"
)

// RefreshCommit is the atomic unit written by the re-embedding pipeline: the
// new node state plus its pre-update snapshot and history row, committed
// against ExpectedVersion. A concurrent writer causes ErrConflict and the
// whole commit is dropped.
type RefreshCommit struct {
	Node            *Node
	ExpectedVersion int64
	Snapshot        *NodeVersion
	History         *EmbeddingHistory
}

// VectorMatch is one ANN search hit.
type VectorMatch struct {
	ID       NodeID
	Distance float64
}

// TextMatch is one lexical search hit. Score is the BM25 score; rank is the
// position in the returned slice.
type TextMatch struct {
	ID    NodeID
	Score float64
}

// DriftPoint is one sample in a drift trend query.
type DriftPoint struct {
	NodeID     NodeID    `json:"node_id"`
	DriftScore float64   `json:"drift_score"`
	At         time.Time `json:"at"`
}

// Engine is the node store contract the active engine consumes.
type Engine interface {
	// Nodes.
	CreateNode(node *Node) (NodeID, error)
	GetNode(tenantID string, id NodeID) (*Node, error)
	DeleteNode(tenantID string, id NodeID) error
	// StreamNodes calls fn for every node in the tenant; returning an error
	// from fn stops the stream and is returned.
	StreamNodes(tenantID string, fn func(*Node) error) error

	// CommitRefresh atomically applies a version-checked refresh commit:
	// node row, NodeVersion snapshot, EmbeddingHistory row, forced-due
	// clear. Returns ErrConflict when the stored version differs from
	// ExpectedVersion.
	CommitRefresh(commit *RefreshCommit) error

	// UpdateNodeContent applies an ingestion-side content change with the
	// same version-checked snapshot discipline as CommitRefresh.
	UpdateNodeContent(node *Node, expectedVersion int64) error

	// UpdateNodeMeta applies fn to the stored node under the write lock and
	// persists the result without bumping the version. For engine-owned
	// bookkeeping only (attempts, status, gated skips, forced-due).
	UpdateNodeMeta(tenantID string, id NodeID, fn func(*Node) error) (*Node, error)

	// MarkForcedDue sets the forced-due flag. Idempotent: re-marking an
	// already-due node only refreshes the cause.
	MarkForcedDue(tenantID string, id NodeID, cause ForcedDueCause) error

	// ListForcedDue returns the ids currently marked forced-due, so the
	// scheduler can pick them up without a full node scan.
	ListForcedDue(tenantID string) ([]NodeID, error)

	// Edges.
	CreateEdge(edge *Edge) (EdgeID, error)
	GetEdge(tenantID string, id EdgeID) (*Edge, error)
	// Dependents returns the src node IDs of all (src, rel, dst) edges —
	// for RelDerivedFrom, the nodes derived from dst.
	Dependents(tenantID string, rel string, dst NodeID) ([]NodeID, error)

	// Append-only rows.
	AppendEvent(evt *Event) error
	NodeVersionAt(tenantID string, id NodeID, version int64) (*NodeVersion, error)
	ListNodeVersions(tenantID string, id NodeID) ([]*NodeVersion, error)
	DriftTrend(tenantID string, since, until time.Time, limit int) ([]DriftPoint, error)

	// Patterns (admin-mutable, engine-read-only).
	PutPattern(p *Pattern) error
	GetPattern(tenantID, name string) (*Pattern, error)
	ListPatterns(tenantID string) ([]*Pattern, error)

	// Scheduler coordination.
	AcquireLease(tenantID, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(tenantID, holder string) error
	Tenants() ([]string, error)

	// Search primitives. VectorSearch only returns nodes with
	// EmbeddingStatus == ready; metric must match the engine's configured
	// metric or ErrMetric is returned.
	VectorSearch(tenantID string, query []float32, k int, metric DistanceMetric) ([]VectorMatch, error)
	TextSearch(tenantID string, query string, k int) ([]TextMatch, error)
	Metric() DistanceMetric

	Close() error
}
