// Package storetest holds a reusable test suite that every
// store.WorkflowStore implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-workflow-editor/store"
	"github.com/alimasry/go-workflow-editor/workflow"
)

// UniqueID returns a workflow ID that does not collide across tests or
// runs against a shared backend.
func UniqueID(t *testing.T) string {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	return fmt.Sprintf("test-%s-%d", name, time.Now().UnixNano())
}

// Graph returns a valid graph with n chained nodes.
func Graph(n int) workflow.Graph {
	var g workflow.Graph
	for i := 0; i < n; i++ {
		g.Nodes = append(g.Nodes, workflow.Node{
			ID:     fmt.Sprintf("n%d", i),
			Type:   "oracle.chainlink",
			Config: map[string]any{"pair": "ETH/USD"},
		})
		if i > 0 {
			g.Edges = append(g.Edges, workflow.Edge{
				ID:     fmt.Sprintf("e%d", i),
				Source: fmt.Sprintf("n%d", i-1),
				Target: fmt.Sprintf("n%d", i),
			})
		}
	}
	return g
}

// Run verifies that st behaves as a WorkflowStore. The store may be shared
// with other data; all IDs used are unique to the test.
func Run(t *testing.T, st store.WorkflowStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		id := UniqueID(t)
		require.NoError(t, st.Create(ctx, id, "Price alert"))

		info, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, info.ID)
		assert.Equal(t, "Price alert", info.Name)
		assert.Equal(t, 0, info.Version)
		assert.False(t, info.Public)
		assert.Empty(t, info.Graph.Nodes)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		id := UniqueID(t)
		require.NoError(t, st.Create(ctx, id, ""))
		assert.ErrorIs(t, st.Create(ctx, id, ""), store.ErrAlreadyExists)
	})

	t.Run("NotFound", func(t *testing.T) {
		id := UniqueID(t)
		_, err := st.Get(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.SaveVersion(ctx, id, Graph(1))
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.ListVersions(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.GetVersion(ctx, id, 1)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.RestoreVersion(ctx, id, 1)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, st.SetPublic(ctx, id, true), store.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		ids := []string{UniqueID(t) + "-a", UniqueID(t) + "-b", UniqueID(t) + "-c"}
		for _, id := range ids {
			require.NoError(t, st.Create(ctx, id, ""))
		}

		all, err := st.List(ctx)
		require.NoError(t, err)
		found := 0
		for i, info := range all {
			if i > 0 {
				assert.Less(t, all[i-1].ID, info.ID, "list must be ordered by id")
			}
			for _, id := range ids {
				if info.ID == id {
					found++
				}
			}
		}
		assert.Equal(t, len(ids), found)
	})

	t.Run("SaveVersions", func(t *testing.T) {
		id := UniqueID(t)
		require.NoError(t, st.Create(ctx, id, ""))

		for i := 1; i <= 3; i++ {
			n, err := st.SaveVersion(ctx, id, Graph(i))
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}

		info, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, info.Version)
		assert.Equal(t, Graph(3), info.Graph)

		summaries, err := st.ListVersions(ctx, id)
		require.NoError(t, err)
		require.Len(t, summaries, 3)
		for i, s := range summaries {
			assert.Equal(t, 3-i, s.Number, "newest first")
			assert.Equal(t, 3-i, s.NodeCount)
			assert.Equal(t, 2-i, s.EdgeCount)
		}

		v, err := st.GetVersion(ctx, id, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, v.Number)
		assert.Equal(t, Graph(2), v.Graph)

		_, err = st.GetVersion(ctx, id, 4)
		assert.ErrorIs(t, err, store.ErrVersionNotFound)
	})

	t.Run("ListVersionsEmpty", func(t *testing.T) {
		id := UniqueID(t)
		require.NoError(t, st.Create(ctx, id, ""))
		summaries, err := st.ListVersions(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, summaries)
	})

	t.Run("RestoreTruncates", func(t *testing.T) {
		id := UniqueID(t)
		require.NoError(t, st.Create(ctx, id, ""))
		for i := 1; i <= 4; i++ {
			_, err := st.SaveVersion(ctx, id, Graph(i))
			require.NoError(t, err)
		}

		info, err := st.RestoreVersion(ctx, id, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, info.Version)
		assert.Equal(t, Graph(2), info.Graph)

		summaries, err := st.ListVersions(ctx, id)
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		assert.Equal(t, 2, summaries[0].Number)

		_, err = st.GetVersion(ctx, id, 3)
		assert.ErrorIs(t, err, store.ErrVersionNotFound)

		// Numbering continues from the restored version.
		n, err := st.SaveVersion(ctx, id, Graph(5))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		v, err := st.GetVersion(ctx, id, 3)
		require.NoError(t, err)
		assert.Equal(t, Graph(5), v.Graph)
	})

	t.Run("RestoreInvalidVersion", func(t *testing.T) {
		id := UniqueID(t)
		require.NoError(t, st.Create(ctx, id, ""))
		_, err := st.SaveVersion(ctx, id, Graph(1))
		require.NoError(t, err)

		for _, n := range []int{0, 2} {
			_, err := st.RestoreVersion(ctx, id, n)
			assert.ErrorIs(t, err, store.ErrVersionNotFound, "version %d", n)
		}
	})

	t.Run("RestoreBlockedWhilePublic", func(t *testing.T) {
		id := UniqueID(t)
		require.NoError(t, st.Create(ctx, id, ""))
		for i := 1; i <= 2; i++ {
			_, err := st.SaveVersion(ctx, id, Graph(i))
			require.NoError(t, err)
		}
		require.NoError(t, st.SetPublic(ctx, id, true))

		info, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, info.Public)

		_, err = st.RestoreVersion(ctx, id, 1)
		assert.ErrorIs(t, err, store.ErrPublicWorkflow)

		require.NoError(t, st.SetPublic(ctx, id, false))
		info, err = st.RestoreVersion(ctx, id, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, info.Version)
	})
}
