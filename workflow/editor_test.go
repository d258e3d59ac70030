package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-workflow-editor/history"
)

func withNode(g Graph, id string) Graph {
	g = g.Clone()
	g.Nodes = append(g.Nodes, Node{ID: id, Type: "defi.perps"})
	return g
}

func TestEditor_ApplyUndoRedo(t *testing.T) {
	e, err := NewEditor(Graph{}, 0, 10)
	require.NoError(t, err)
	assert.False(t, e.Dirty())

	g1 := withNode(Graph{}, "a")
	g2 := withNode(g1, "b")
	require.NoError(t, e.Apply(g1))
	require.NoError(t, e.Apply(g2))

	assert.Equal(t, g2, e.Graph())
	assert.Equal(t, history.Info{PastCount: 2}, e.Info())

	require.True(t, e.Undo())
	assert.Equal(t, g1, e.Graph())
	assert.True(t, e.CanRedo())

	require.True(t, e.Redo())
	assert.Equal(t, g2, e.Graph())
	assert.False(t, e.CanRedo())
}

func TestEditor_ApplyRejectsInvalid(t *testing.T) {
	e, err := NewEditor(Graph{}, 0, 10)
	require.NoError(t, err)

	bad := Graph{Nodes: []Node{{ID: "a"}, {ID: "a"}}}
	assert.ErrorIs(t, e.Apply(bad), ErrInvalidGraph)
	assert.False(t, e.CanUndo())
	assert.False(t, e.Dirty())
}

func TestEditor_ApplyCopiesInput(t *testing.T) {
	e, err := NewEditor(Graph{}, 0, 10)
	require.NoError(t, err)

	g := Graph{Nodes: []Node{{ID: "a", Config: map[string]any{"k": "v"}}}}
	require.NoError(t, e.Apply(g))
	g.Nodes[0].Config["k"] = "mutated"

	assert.Equal(t, "v", e.Graph().Nodes[0].Config["k"])
}

func TestEditor_DirtyTracking(t *testing.T) {
	e, err := NewEditor(Graph{}, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Version())

	require.NoError(t, e.Apply(withNode(Graph{}, "a")))
	assert.True(t, e.Dirty())

	e.MarkSaved(4)
	assert.False(t, e.Dirty())
	assert.Equal(t, 4, e.Version())

	require.NoError(t, e.Apply(withNode(Graph{}, "b")))
	assert.True(t, e.Dirty())

	// Undoing back to the saved checkpoint is clean again.
	e.Undo()
	assert.False(t, e.Dirty())

	// Identical graphs pushed as a new checkpoint still count as a change.
	require.NoError(t, e.Apply(e.Graph()))
	assert.True(t, e.Dirty())
}

func TestEditor_LoadClearsHistory(t *testing.T) {
	e, err := NewEditor(Graph{}, 0, 10)
	require.NoError(t, err)
	require.NoError(t, e.Apply(withNode(Graph{}, "a")))
	require.NoError(t, e.Apply(withNode(Graph{}, "b")))
	e.Undo()

	loaded := withNode(Graph{}, "restored")
	require.NoError(t, e.Load(loaded, 2))

	assert.Equal(t, loaded, e.Graph())
	assert.False(t, e.CanUndo())
	assert.False(t, e.CanRedo())
	assert.False(t, e.Dirty())
	assert.Equal(t, 2, e.Version())
}

func TestEditor_Clear(t *testing.T) {
	e, err := NewEditor(Graph{}, 0, 10)
	require.NoError(t, err)
	g := withNode(Graph{}, "a")
	require.NoError(t, e.Apply(g))

	e.Clear()
	assert.Equal(t, g, e.Graph())
	assert.False(t, e.CanUndo())
	assert.True(t, e.Dirty())
}

func TestNewEditor_InvalidArgs(t *testing.T) {
	_, err := NewEditor(Graph{}, 0, 0)
	assert.ErrorIs(t, err, history.ErrInvalidMaxSize)

	_, err = NewEditor(Graph{Nodes: []Node{{}}}, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidGraph)
}
