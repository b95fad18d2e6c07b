package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/huginn/pkg/storage"
)

func newTriggerStore(t *testing.T) *storage.BadgerEngine {
	t.Helper()
	e, err := storage.NewBadgerEngine(storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func triggerNode(e *storage.BadgerEngine, t *testing.T, emb []float32, triggers ...string) *storage.Node {
	t.Helper()
	n := &storage.Node{
		ID:              "doc-1",
		TenantID:        "acme",
		Props:           map[string]any{"title": "incident report"},
		Embedding:       emb,
		EmbeddingStatus: storage.EmbeddingReady,
		Triggers:        triggers,
	}
	_, err := e.CreateNode(n)
	require.NoError(t, err)
	return n
}

func TestEvaluateFires(t *testing.T) {
	e := newTriggerStore(t)
	require.NoError(t, e.PutPattern(&storage.Pattern{
		TenantID: "acme", Name: "security", Embedding: []float32{1, 0, 0},
	}))
	n := triggerNode(e, t, []float32{1, 0, 0}, "security")

	m := NewMatcher(e, 0.85)
	firings, err := m.Evaluate(n, nil)
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, "security", firings[0].Pattern)
	assert.InDelta(t, 1.0, firings[0].Similarity, 1e-6)

	// Firing marks the node forced-due with a trigger cause.
	got, err := e.GetNode("acme", "doc-1")
	require.NoError(t, err)
	require.True(t, got.ForcedDue)
	assert.Equal(t, "trigger", got.ForcedDueCause.Reason)
	assert.Equal(t, []string{"security"}, got.ForcedDueCause.Patterns)
}

func TestEvaluateStableMatchDoesNotRemark(t *testing.T) {
	e := newTriggerStore(t)
	require.NoError(t, e.PutPattern(&storage.Pattern{
		TenantID: "acme", Name: "security", Embedding: []float32{1, 0, 0},
	}))
	n := triggerNode(e, t, []float32{1, 0, 0}, "security")

	// The previous embedding already matched: the firing is recorded but
	// the node is not forced-due again, otherwise an unchanged node would
	// re-embed on every scheduler pass forever.
	m := NewMatcher(e, 0.85)
	firings, err := m.Evaluate(n, []float32{0.99, 0.01, 0})
	require.NoError(t, err)
	require.Len(t, firings, 1)

	got, err := e.GetNode("acme", "doc-1")
	require.NoError(t, err)
	assert.False(t, got.ForcedDue)
}

func TestEvaluateCrossingMarksForcedDue(t *testing.T) {
	e := newTriggerStore(t)
	require.NoError(t, e.PutPattern(&storage.Pattern{
		TenantID: "acme", Name: "security", Embedding: []float32{1, 0, 0},
	}))
	n := triggerNode(e, t, []float32{1, 0, 0}, "security")

	// Previous embedding was orthogonal to the pattern: this refresh
	// crossed into it, so the node is marked.
	m := NewMatcher(e, 0.85)
	firings, err := m.Evaluate(n, []float32{0, 1, 0})
	require.NoError(t, err)
	require.Len(t, firings, 1)

	got, err := e.GetNode("acme", "doc-1")
	require.NoError(t, err)
	assert.True(t, got.ForcedDue)
}

func TestEvaluateBelowThreshold(t *testing.T) {
	e := newTriggerStore(t)
	require.NoError(t, e.PutPattern(&storage.Pattern{
		TenantID: "acme", Name: "security", Embedding: []float32{0, 1, 0},
	}))
	n := triggerNode(e, t, []float32{1, 0, 0}, "security") // orthogonal, similarity 0

	m := NewMatcher(e, 0.85)
	firings, err := m.Evaluate(n, nil)
	require.NoError(t, err)
	assert.Empty(t, firings)

	got, err := e.GetNode("acme", "doc-1")
	require.NoError(t, err)
	assert.False(t, got.ForcedDue)
}

func TestEvaluatePerPatternThresholdOverride(t *testing.T) {
	e := newTriggerStore(t)
	// Global threshold would reject, the pattern's own lower bar accepts.
	require.NoError(t, e.PutPattern(&storage.Pattern{
		TenantID: "acme", Name: "loose", Embedding: []float32{1, 1, 0}, Threshold: 0.5,
	}))
	n := triggerNode(e, t, []float32{1, 0, 0}, "loose") // similarity ~0.707

	m := NewMatcher(e, 0.95)
	firings, err := m.Evaluate(n, nil)
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, 0.5, firings[0].Threshold)
}

func TestEvaluateNoEarlyExit(t *testing.T) {
	e := newTriggerStore(t)
	require.NoError(t, e.PutPattern(&storage.Pattern{
		TenantID: "acme", Name: "first", Embedding: []float32{1, 0, 0},
	}))
	require.NoError(t, e.PutPattern(&storage.Pattern{
		TenantID: "acme", Name: "second", Embedding: []float32{1, 0.01, 0},
	}))
	n := triggerNode(e, t, []float32{1, 0, 0}, "first", "second")

	m := NewMatcher(e, 0.85)
	firings, err := m.Evaluate(n, nil)
	require.NoError(t, err)
	require.Len(t, firings, 2)
	// Subscription order preserved.
	assert.Equal(t, "first", firings[0].Pattern)
	assert.Equal(t, "second", firings[1].Pattern)

	// The audit cause names every pattern that fired, not just the first.
	got, err := e.GetNode("acme", "doc-1")
	require.NoError(t, err)
	require.True(t, got.ForcedDue)
	assert.Equal(t, []string{"first", "second"}, got.ForcedDueCause.Patterns)
}

func TestEvaluateMissingPatternIsWarning(t *testing.T) {
	e := newTriggerStore(t)
	require.NoError(t, e.PutPattern(&storage.Pattern{
		TenantID: "acme", Name: "real", Embedding: []float32{1, 0, 0},
	}))
	n := triggerNode(e, t, []float32{1, 0, 0}, "ghost", "real")

	m := NewMatcher(e, 0.85)
	firings, err := m.Evaluate(n, nil)
	require.NoError(t, err)
	// The miss is skipped, the real pattern still evaluates.
	require.Len(t, firings, 1)
	assert.Equal(t, "real", firings[0].Pattern)
}

func TestEvaluateNoTriggersOrEmbedding(t *testing.T) {
	e := newTriggerStore(t)
	m := NewMatcher(e, 0.85)

	firings, err := m.Evaluate(&storage.Node{ID: "x", TenantID: "acme"}, nil)
	require.NoError(t, err)
	assert.Empty(t, firings)

	firings, err = m.Evaluate(&storage.Node{ID: "x", TenantID: "acme", Triggers: []string{"p"}}, nil)
	require.NoError(t, err)
	assert.Empty(t, firings)
}
