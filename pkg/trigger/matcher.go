// Package trigger evaluates semantic triggers after a node re-embeds.
//
// A trigger is a named reference vector (a Pattern). When a node's fresh
// embedding lands close to a pattern the node subscribes to, the content
// now resembles something an operator declared interesting, and the
// engine records the firing and marks the node for prompt re-examination.
package trigger

import (
	"fmt"
	"log"
	"time"

	"github.com/orneryd/huginn/pkg/math/vector"
	"github.com/orneryd/huginn/pkg/storage"
)

// Firing is one matched trigger.
type Firing struct {
	Pattern    string
	Similarity float64
	Threshold  float64
}

// Matcher evaluates a node's trigger subscriptions against the pattern
// registry.
type Matcher struct {
	engine storage.Engine

	// Threshold is the global similarity threshold; a pattern with its
	// own Threshold > 0 overrides it.
	Threshold float64
}

// NewMatcher builds a matcher with the global threshold.
func NewMatcher(engine storage.Engine, threshold float64) *Matcher {
	return &Matcher{engine: engine, Threshold: threshold}
}

// Evaluate checks every pattern the node subscribes to against its new
// embedding, in subscription order, and returns all firings. There is no
// early exit: a node matching three patterns records three firings. Each
// firing appends a trigger_fired event.
//
// The node is marked forced-due only for patterns it did not already
// match with prevEmbedding. Content that sits stably inside a pattern
// would otherwise force a refresh on every refresh, looping forever.
// prevEmbedding is the embedding the node carried before this refresh;
// nil means every firing is a fresh crossing.
//
// A missing pattern is a warning (pattern_missing event), never a
// pipeline failure.
func (m *Matcher) Evaluate(node *storage.Node, prevEmbedding []float32) ([]Firing, error) {
	if len(node.Triggers) == 0 || len(node.Embedding) == 0 {
		return nil, nil
	}

	var firings []Firing
	var crossed []string
	for _, name := range node.Triggers {
		pattern, err := m.engine.GetPattern(node.TenantID, name)
		if err != nil {
			log.Printf("trigger: node %s references unknown pattern %q", node.ID, name)
			m.appendEvent(&storage.Event{
				TenantID: node.TenantID,
				NodeID:   node.ID,
				Type:     storage.EventPatternMissing,
				Payload:  map[string]any{"pattern": name},
			})
			continue
		}

		threshold := m.Threshold
		if pattern.Threshold > 0 {
			threshold = pattern.Threshold
		}
		similarity := vector.CosineSimilarity(node.Embedding, pattern.Embedding)
		if similarity < threshold {
			continue
		}

		firing := Firing{Pattern: name, Similarity: similarity, Threshold: threshold}
		firings = append(firings, firing)
		m.appendEvent(&storage.Event{
			TenantID: node.TenantID,
			NodeID:   node.ID,
			Type:     storage.EventTriggerFired,
			Payload:  map[string]any{"pattern_name": name, "similarity": similarity},
		})

		if len(prevEmbedding) == 0 ||
			vector.CosineSimilarity(prevEmbedding, pattern.Embedding) < threshold {
			crossed = append(crossed, name)
		}
	}

	if len(crossed) > 0 {
		err := m.engine.MarkForcedDue(node.TenantID, node.ID, storage.ForcedDueCause{
			Reason:   "trigger",
			Patterns: crossed,
			At:       time.Now().UTC(),
		})
		if err != nil {
			return firings, fmt.Errorf("trigger: mark %s forced-due: %w", node.ID, err)
		}
	}
	return firings, nil
}

func (m *Matcher) appendEvent(evt *storage.Event) {
	if err := m.engine.AppendEvent(evt); err != nil {
		log.Printf("trigger: append %s event: %v", evt.Type, err)
	}
}
