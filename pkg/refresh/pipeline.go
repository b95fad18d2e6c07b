// Package refresh drives the re-embedding lifecycle: the pipeline turns a
// due node into a committed fresh embedding with drift accounting, and the
// scheduler decides which nodes are due on each tick.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/orneryd/huginn/pkg/embed"
	"github.com/orneryd/huginn/pkg/lineage"
	"github.com/orneryd/huginn/pkg/math/vector"
	"github.com/orneryd/huginn/pkg/storage"
	"github.com/orneryd/huginn/pkg/trigger"
)

// ErrTerminal marks a node whose embedding failed past the attempt limit.
// Terminal nodes are skipped by the scheduler until manually reset.
var ErrTerminal = errors.New("embedding terminally failed")

// Pipeline executes one refresh end to end: embed, drift, version-checked
// commit, then trigger evaluation and lineage cascade as independent
// post-commit side effects.
type Pipeline struct {
	engine   storage.Engine
	embedder embed.Embedder
	matcher  *trigger.Matcher
	cascader *lineage.Cascader

	// MaxAttempts is the terminal-failure bound on consecutive embedding
	// errors for a node.
	MaxAttempts int
}

// NewPipeline wires the refresh pipeline. The matcher and cascader may be
// nil in tests exercising the commit path alone.
func NewPipeline(engine storage.Engine, embedder embed.Embedder, matcher *trigger.Matcher, cascader *lineage.Cascader, maxAttempts int) *Pipeline {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Pipeline{
		engine:      engine,
		embedder:    embedder,
		matcher:     matcher,
		cascader:    cascader,
		MaxAttempts: maxAttempts,
	}
}

// Refresh re-embeds one node. force bypasses the unchanged-content
// shortcut. A version conflict with a concurrent writer is retried once
// against the fresh state; a second conflict is returned to the caller.
func (p *Pipeline) Refresh(ctx context.Context, tenantID string, id storage.NodeID, force bool) error {
	err := p.refreshOnce(ctx, tenantID, id, force)
	if errors.Is(err, storage.ErrConflict) {
		log.Printf("refresh: node %s conflicted, retrying against fresh state", id)
		err = p.refreshOnce(ctx, tenantID, id, force)
	}
	return err
}

func (p *Pipeline) refreshOnce(ctx context.Context, tenantID string, id storage.NodeID, force bool) error {
	node, err := p.engine.GetNode(tenantID, id)
	if err != nil {
		return err
	}
	if node.EmbeddingStatus == storage.EmbeddingFailed && !force {
		return fmt.Errorf("node %s: %w", id, ErrTerminal)
	}

	now := time.Now().UTC()
	_, err = p.engine.UpdateNodeMeta(tenantID, id, func(n *storage.Node) error {
		n.EmbeddingStatus = storage.EmbeddingProcessing
		n.LastAttemptAt = now
		return nil
	})
	if err != nil {
		return err
	}

	text := storage.CanonicalText(node)
	hash := storage.ContentHash(text)

	var embedding []float32
	if !force && hash == node.ContentHash && len(node.Embedding) > 0 {
		// Content is byte-identical to the last embedded input; skip the
		// provider call and recommit the existing vector with zero drift.
		embedding = node.Embedding
	} else {
		embedding, err = p.embedder.Embed(ctx, text)
		if err != nil {
			return p.recordFailure(tenantID, id, err)
		}
	}

	// First embedding is never "drifted". Drift is always cosine distance,
	// independent of the search metric.
	drift := 0.0
	if len(node.Embedding) > 0 {
		drift = vector.CosineDistance(embedding, node.Embedding)
	}

	next := node.Copy()
	next.Embedding = embedding
	next.EmbeddingStatus = storage.EmbeddingReady
	next.EmbeddingAttempts = 0
	next.EmbeddingError = ""
	next.EmbeddingUpdatedAt = now
	next.DriftScore = &drift
	next.LastRefreshed = now
	next.ForcedDue = false
	next.ForcedDueCause = nil
	next.GatedSkips = 0
	next.ContentHash = hash
	next.Version = node.Version + 1
	next.UpdatedAt = now

	err = p.engine.CommitRefresh(&storage.RefreshCommit{
		Node:            next,
		ExpectedVersion: node.Version,
		Snapshot: &storage.NodeVersion{
			NodeID:    node.ID,
			TenantID:  tenantID,
			Version:   node.Version,
			Snapshot:  node,
			CreatedAt: now,
		},
		History: &storage.EmbeddingHistory{
			NodeID:      node.ID,
			TenantID:    tenantID,
			DriftScore:  drift,
			ContentHash: hash,
			Model:       p.embedder.Model(),
		},
	})
	if err != nil {
		// The node was flagged processing above; put it back in the queue
		// so the next tick can retry instead of skipping it forever.
		p.requeueAfterCommitFailure(tenantID, id)
		return err
	}

	p.appendEvent(&storage.Event{
		TenantID: tenantID,
		NodeID:   id,
		Type:     storage.EventNodeRefreshed,
		Payload:  map[string]any{"drift_score": drift, "version": next.Version},
	})

	// Post-commit side effects are independent writes. A failure here is
	// logged and retried when the scheduler revisits the node; it never
	// rolls back the embedding commit.
	if p.matcher != nil {
		if _, err := p.matcher.Evaluate(next, node.Embedding); err != nil {
			log.Printf("refresh: trigger evaluation for %s: %v", id, err)
		}
	}
	if p.cascader != nil {
		if _, err := p.cascader.Cascade(tenantID, id, next.Version); err != nil {
			log.Printf("refresh: lineage cascade from %s: %v", id, err)
		}
	}
	return nil
}

// requeueAfterCommitFailure undoes the processing flag when a refresh
// dies between marking and committing. Best effort: if this write also
// fails the scheduler's processing timeout reclaims the node.
func (p *Pipeline) requeueAfterCommitFailure(tenantID string, id storage.NodeID) {
	_, err := p.engine.UpdateNodeMeta(tenantID, id, func(n *storage.Node) error {
		if n.EmbeddingStatus == storage.EmbeddingProcessing {
			n.EmbeddingStatus = storage.EmbeddingQueued
		}
		return nil
	})
	if err != nil {
		log.Printf("refresh: requeue %s after failed commit: %v", id, err)
	}
}

// recordFailure bumps the attempt counter and either leaves the node
// queued for retry or, past MaxAttempts, parks it terminally failed.
func (p *Pipeline) recordFailure(tenantID string, id storage.NodeID, cause error) error {
	var attempts int
	var terminal bool
	_, err := p.engine.UpdateNodeMeta(tenantID, id, func(n *storage.Node) error {
		n.EmbeddingAttempts++
		n.EmbeddingError = cause.Error()
		n.LastAttemptAt = time.Now().UTC()
		attempts = n.EmbeddingAttempts
		terminal = attempts >= p.MaxAttempts
		if terminal {
			n.EmbeddingStatus = storage.EmbeddingFailed
		} else {
			n.EmbeddingStatus = storage.EmbeddingQueued
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.appendEvent(&storage.Event{
		TenantID: tenantID,
		NodeID:   id,
		Type:     storage.EventRefreshFailed,
		Payload: map[string]any{
			"error":     cause.Error(),
			"attempts":  attempts,
			"terminal":  terminal,
			"transient": embed.IsTransient(cause),
		},
	})
	if terminal {
		log.Printf("refresh: node %s failed terminally after %d attempts: %v", id, attempts, cause)
		return fmt.Errorf("node %s after %d attempts: %w", id, attempts, ErrTerminal)
	}
	return fmt.Errorf("refresh node %s (attempt %d): %w", id, attempts, cause)
}

// ResetEmbedding clears a terminal failure so the scheduler picks the
// node up again. The manual escape hatch for embedding_status=failed.
func (p *Pipeline) ResetEmbedding(tenantID string, id storage.NodeID) error {
	_, err := p.engine.UpdateNodeMeta(tenantID, id, func(n *storage.Node) error {
		n.EmbeddingStatus = storage.EmbeddingQueued
		n.EmbeddingAttempts = 0
		n.EmbeddingError = ""
		return nil
	})
	return err
}

func (p *Pipeline) appendEvent(evt *storage.Event) {
	if err := p.engine.AppendEvent(evt); err != nil {
		log.Printf("refresh: append %s event: %v", evt.Type, err)
	}
}
