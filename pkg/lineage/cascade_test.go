package lineage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/huginn/pkg/storage"
)

func newGraph(t *testing.T, nodes []storage.NodeID, edges [][2]storage.NodeID) *storage.BadgerEngine {
	t.Helper()
	e, err := storage.NewBadgerEngine(storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	for _, id := range nodes {
		_, err := e.CreateNode(&storage.Node{ID: id, TenantID: "acme", Props: map[string]any{"title": string(id)}})
		require.NoError(t, err)
	}
	for _, pair := range edges {
		_, err := e.CreateEdge(&storage.Edge{
			TenantID: "acme", Src: pair[0], Rel: storage.RelDerivedFrom, Dst: pair[1],
		})
		require.NoError(t, err)
	}
	return e
}

func TestCascadeChain(t *testing.T) {
	// summary <- digest <- source
	e := newGraph(t,
		[]storage.NodeID{"source", "digest", "summary"},
		[][2]storage.NodeID{{"digest", "source"}, {"summary", "digest"}},
	)
	c := NewCascader(e, 10, 100)

	marked, err := c.Cascade("acme", "source", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []storage.NodeID{"digest", "summary"}, marked)

	// Cause carries provenance back to the originating change.
	n, err := e.GetNode("acme", "summary")
	require.NoError(t, err)
	require.True(t, n.ForcedDue)
	assert.Equal(t, "lineage", n.ForcedDueCause.Reason)
	assert.Equal(t, storage.NodeID("source"), n.ForcedDueCause.SourceID)
	assert.Equal(t, int64(2), n.ForcedDueCause.SourceVersion)

	// Source itself is never marked.
	src, err := e.GetNode("acme", "source")
	require.NoError(t, err)
	assert.False(t, src.ForcedDue)
}

func TestCascadeDiamondMarksOnce(t *testing.T) {
	// report derives from both left and right, which derive from source.
	e := newGraph(t,
		[]storage.NodeID{"source", "left", "right", "report"},
		[][2]storage.NodeID{
			{"left", "source"}, {"right", "source"},
			{"report", "left"}, {"report", "right"},
		},
	)
	c := NewCascader(e, 10, 100)

	marked, err := c.Cascade("acme", "source", 1)
	require.NoError(t, err)
	assert.Len(t, marked, 3)
	assert.ElementsMatch(t, []storage.NodeID{"left", "right", "report"}, marked)
}

func TestCascadeCycleTerminates(t *testing.T) {
	e := newGraph(t,
		[]storage.NodeID{"a", "b"},
		[][2]storage.NodeID{{"a", "b"}, {"b", "a"}},
	)
	c := NewCascader(e, 10, 100)

	marked, err := c.Cascade("acme", "a", 1)
	require.NoError(t, err)
	assert.Equal(t, []storage.NodeID{"b"}, marked)
}

// limitCountingEngine counts cascade_limit events as they are appended.
type limitCountingEngine struct {
	*storage.BadgerEngine
	limits int
}

func (l *limitCountingEngine) AppendEvent(evt *storage.Event) error {
	if evt.Type == storage.EventCascadeLimit {
		l.limits++
	}
	return l.BadgerEngine.AppendEvent(evt)
}

func TestCascadeDepthGuard(t *testing.T) {
	e := newGraph(t,
		[]storage.NodeID{"n0", "n1", "n2", "n3"},
		[][2]storage.NodeID{{"n1", "n0"}, {"n2", "n1"}, {"n3", "n2"}},
	)
	counting := &limitCountingEngine{BadgerEngine: e}
	c := NewCascader(counting, 2, 100)

	marked, err := c.Cascade("acme", "n0", 1)
	require.NoError(t, err)
	// Depth 2 reaches n1 and n2 but not n3; cutting off n3 is a real
	// truncation and records the limit.
	assert.ElementsMatch(t, []storage.NodeID{"n1", "n2"}, marked)
	assert.Equal(t, 1, counting.limits)
}

func TestCascadeExactDepthIsNotTruncation(t *testing.T) {
	// The chain ends exactly at the depth bound: everything reachable was
	// marked, so no limit event is recorded.
	e := newGraph(t,
		[]storage.NodeID{"n0", "n1", "n2"},
		[][2]storage.NodeID{{"n1", "n0"}, {"n2", "n1"}},
	)
	counting := &limitCountingEngine{BadgerEngine: e}
	c := NewCascader(counting, 2, 100)

	marked, err := c.Cascade("acme", "n0", 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []storage.NodeID{"n1", "n2"}, marked)
	assert.Zero(t, counting.limits)
}

func TestCascadeFanoutGuard(t *testing.T) {
	nodes := []storage.NodeID{"base"}
	var edges [][2]storage.NodeID
	for _, id := range []storage.NodeID{"d1", "d2", "d3", "d4", "d5"} {
		nodes = append(nodes, id)
		edges = append(edges, [2]storage.NodeID{id, "base"})
	}
	e := newGraph(t, nodes, edges)
	c := NewCascader(e, 10, 3)

	marked, err := c.Cascade("acme", "base", 1)
	require.NoError(t, err)
	assert.Len(t, marked, 3)
}

func TestCascadeNoDependents(t *testing.T) {
	e := newGraph(t, []storage.NodeID{"lonely"}, nil)
	c := NewCascader(e, 10, 100)

	marked, err := c.Cascade("acme", "lonely", 1)
	require.NoError(t, err)
	assert.Empty(t, marked)
}
