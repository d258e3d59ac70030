package store_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-workflow-editor/store"
	"github.com/alimasry/go-workflow-editor/store/storetest"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newMiniredis(t)
	storetest.Run(t, store.NewRedisStoreFromClient(client))
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr, client := newMiniredis(t)
	s := store.NewRedisStoreFromClient(client, store.WithKeyPrefix("test:"))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "wf1", "demo"))
	_, err := s.SaveVersion(ctx, "wf1", storetest.Graph(1))
	require.NoError(t, err)
	_, err = s.SaveVersion(ctx, "wf1", storetest.Graph(2))
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:wf1"))
	fields, err := mr.HKeys("test:wf1:versions")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, fields)

	members, err := mr.ZMembers("test:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"wf1"}, members)

	_, err = s.RestoreVersion(ctx, "wf1", 1)
	require.NoError(t, err)
	fields, err = mr.HKeys("test:wf1:versions")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, fields)
}

func TestRedisStore_ConcurrentSaves(t *testing.T) {
	_, client := newMiniredis(t)
	s := store.NewRedisStoreFromClient(client)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "wf1", ""))

	const writers = 4
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			_, err := s.SaveVersion(ctx, "wf1", storetest.Graph(1))
			errs <- err
		}()
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errs)
	}

	summaries, err := s.ListVersions(ctx, "wf1")
	require.NoError(t, err)
	require.Len(t, summaries, writers)
	for i, v := range summaries {
		assert.Equal(t, writers-i, v.Number)
	}
}
