// Package lineage propagates staleness through the provenance graph.
//
// When a node's content changes, every node transitively derived from it
// holds an embedding computed against outdated input. The cascade walks
// the reverse DERIVED_FROM index breadth-first and marks each dependent
// forced-due, so the scheduler refreshes them on its next pass instead
// of waiting for their own policies.
package lineage

import (
	"fmt"
	"log"
	"time"

	"github.com/orneryd/huginn/pkg/storage"
)

// Cascader walks provenance edges and marks dependents forced-due.
type Cascader struct {
	engine storage.Engine

	// MaxDepth bounds the BFS depth; MaxFanout bounds total nodes marked
	// per cascade. Either guard tripping stops the walk and records a
	// cascade_limit event rather than failing the originating refresh.
	MaxDepth  int
	MaxFanout int
}

// NewCascader builds a cascader with the given guards.
func NewCascader(engine storage.Engine, maxDepth, maxFanout int) *Cascader {
	return &Cascader{engine: engine, MaxDepth: maxDepth, MaxFanout: maxFanout}
}

// Cascade marks every node transitively derived from source as forced-due
// and returns the marked ids. The source itself is never marked. Cycles
// are cut by a visited set, so each node is marked at most once per
// cascade even in diamond-shaped lineages.
func (c *Cascader) Cascade(tenantID string, source storage.NodeID, sourceVersion int64) ([]storage.NodeID, error) {
	visited := map[storage.NodeID]bool{source: true}
	frontier := []storage.NodeID{source}
	var marked []storage.NodeID

	now := time.Now().UTC()
	for depth := 1; len(frontier) > 0; depth++ {
		var next []storage.NodeID
		for _, id := range frontier {
			dependents, err := c.engine.Dependents(tenantID, storage.RelDerivedFrom, id)
			if err != nil {
				return marked, fmt.Errorf("lineage: dependents of %s: %w", id, err)
			}
			for _, dep := range dependents {
				if visited[dep] {
					continue
				}
				visited[dep] = true

				if len(marked) >= c.MaxFanout {
					c.recordLimit(tenantID, source, "max_fanout", len(marked))
					return marked, nil
				}
				err := c.engine.MarkForcedDue(tenantID, dep, storage.ForcedDueCause{
					Reason:        "lineage",
					SourceID:      source,
					SourceVersion: sourceVersion,
					At:            now,
				})
				if err != nil {
					// A dependent deleted mid-walk is not a cascade failure.
					log.Printf("lineage: mark %s forced-due: %v", dep, err)
					continue
				}
				marked = append(marked, dep)
				next = append(next, dep)
			}
		}
		if depth >= c.MaxDepth {
			// Only a real truncation is an event: a walk that reaches the
			// depth bound exactly as the lineage runs out is complete.
			if len(next) > 0 && c.hasUnvisited(tenantID, next, visited) {
				c.recordLimit(tenantID, source, "max_depth", len(marked))
			}
			break
		}
		frontier = next
	}
	return marked, nil
}

// hasUnvisited reports whether any node in the frontier still has an
// unmarked dependent. Errors count as truncation so the limit is never
// silently swallowed.
func (c *Cascader) hasUnvisited(tenantID string, frontier []storage.NodeID, visited map[storage.NodeID]bool) bool {
	for _, id := range frontier {
		dependents, err := c.engine.Dependents(tenantID, storage.RelDerivedFrom, id)
		if err != nil {
			log.Printf("lineage: dependents of %s: %v", id, err)
			return true
		}
		for _, dep := range dependents {
			if !visited[dep] {
				return true
			}
		}
	}
	return false
}

func (c *Cascader) recordLimit(tenantID string, source storage.NodeID, guard string, marked int) {
	log.Printf("lineage: cascade from %s stopped by %s after %d nodes", source, guard, marked)
	err := c.engine.AppendEvent(&storage.Event{
		TenantID: tenantID,
		NodeID:   source,
		Type:     storage.EventCascadeLimit,
		Payload:  map[string]any{"guard": guard, "marked": marked},
	})
	if err != nil {
		log.Printf("lineage: record cascade limit: %v", err)
	}
}
