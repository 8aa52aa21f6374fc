package oxia

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluice-io/sluice/internal/kvstore"
)

// These tests use an embedded Oxia standalone server by default.
// Set OXIA_SERVICE_ADDRESS to test against an external server instead.

// newIntegrationTestStore creates a store backed by its own embedded
// Oxia server. Each test gets a fresh server for isolation.
func newIntegrationTestStore(t *testing.T) *Store {
	t.Helper()

	server := StartTestServer(t)

	cfg := Config{
		ServiceAddress: server.Addr(),
		Namespace:      "default",
		RequestTimeout: 10 * time.Second,
	}

	store, err := New(context.Background(), cfg)
	require.NoError(t, err, "failed to create store")

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestIntegration_GetPut(t *testing.T) {
	store := newIntegrationTestStore(t)
	ctx := context.Background()

	key := "/test/key1"
	value := []byte("test-value-1")

	version, err := store.Put(ctx, key, value)
	require.NoError(t, err)
	// Oxia's 0-based versions map to >= 1 here.
	assert.GreaterOrEqual(t, int64(version), int64(1))

	result, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, result.Exists)
	assert.Equal(t, value, result.Value)
	assert.Equal(t, version, result.Version)
}

func TestIntegration_GetNonExistent(t *testing.T) {
	store := newIntegrationTestStore(t)

	result, err := store.Get(context.Background(), "/nonexistent/key")
	require.NoError(t, err)
	assert.False(t, result.Exists)
}

func TestIntegration_ConditionalCreate(t *testing.T) {
	store := newIntegrationTestStore(t)
	ctx := context.Background()

	key := "/test/create-once"

	_, err := store.Put(ctx, key, []byte("first"), kvstore.WithExpectedVersion(0))
	require.NoError(t, err)

	_, err = store.Put(ctx, key, []byte("second"), kvstore.WithExpectedVersion(0))
	assert.ErrorIs(t, err, kvstore.ErrVersionMismatch)

	result, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), result.Value)
}

func TestIntegration_CompareAndSet(t *testing.T) {
	store := newIntegrationTestStore(t)
	ctx := context.Background()

	key := "/test/cas-key"

	version1, err := store.Put(ctx, key, []byte("value1"))
	require.NoError(t, err)

	version2, err := store.Put(ctx, key, []byte("value2"), kvstore.WithExpectedVersion(version1))
	require.NoError(t, err)
	assert.Greater(t, version2, version1)

	_, err = store.Put(ctx, key, []byte("value3"), kvstore.WithExpectedVersion(version1))
	assert.ErrorIs(t, err, kvstore.ErrVersionMismatch)

	result, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("value2"), result.Value)
}

func TestIntegration_Delete(t *testing.T) {
	store := newIntegrationTestStore(t)
	ctx := context.Background()

	key := "/test/delete-key"

	_, err := store.Put(ctx, key, []byte("to-be-deleted"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, key))

	result, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, result.Exists)

	// Idempotent.
	assert.NoError(t, store.Delete(ctx, key))
}

func TestIntegration_ConditionalDelete(t *testing.T) {
	store := newIntegrationTestStore(t)
	ctx := context.Background()

	key := "/test/cond-delete"

	version, err := store.Put(ctx, key, []byte("v"))
	require.NoError(t, err)

	// Stale version loses.
	newVersion, err := store.Put(ctx, key, []byte("v2"), kvstore.WithExpectedVersion(version))
	require.NoError(t, err)

	err = store.Delete(ctx, key, kvstore.WithDeleteExpectedVersion(version))
	assert.ErrorIs(t, err, kvstore.ErrVersionMismatch)

	// Current version wins.
	require.NoError(t, store.Delete(ctx, key, kvstore.WithDeleteExpectedVersion(newVersion)))
	result, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, result.Exists)
}

func TestIntegration_ListChildren(t *testing.T) {
	store := newIntegrationTestStore(t)
	ctx := context.Background()

	prefix := "/test/list/"
	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		_, err := store.Put(ctx, prefix+n, []byte("value-"+n))
		require.NoError(t, err)
	}
	// A key in a deeper subtree must not leak into the child listing.
	_, err := store.Put(ctx, prefix+"a/nested", []byte("deep"))
	require.NoError(t, err)

	results, err := store.List(ctx, prefix, "", 0)
	require.NoError(t, err)
	require.Len(t, results, len(names))
	for i, kv := range results {
		assert.Equal(t, prefix+names[i], kv.Key)
	}

	results, err = store.List(ctx, prefix, "", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestIntegration_ListZeroPaddedOrder(t *testing.T) {
	store := newIntegrationTestStore(t)
	ctx := context.Background()

	prefix := "/test/history/"
	for _, epoch := range []string{"0000000002", "0000000000", "0000000001"} {
		_, err := store.Put(ctx, prefix+epoch, []byte(epoch))
		require.NoError(t, err)
	}

	results, err := store.List(ctx, prefix, "", 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, prefix+"0000000000", results[0].Key)
	assert.Equal(t, prefix+"0000000001", results[1].Key)
	assert.Equal(t, prefix+"0000000002", results[2].Key)
}

func TestIntegration_Notifications(t *testing.T) {
	store := newIntegrationTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := store.Notifications(ctx)
	require.NoError(t, err)
	defer stream.Close()

	key := "/test/notify/stream-1"
	_, err = store.Put(ctx, key, []byte("added"))
	require.NoError(t, err)

	n, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, key, n.Key)
	assert.False(t, n.Deleted)

	require.NoError(t, store.Delete(ctx, key))
	n, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, key, n.Key)
	assert.True(t, n.Deleted)
}

func TestIntegration_Close(t *testing.T) {
	store := newIntegrationTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), "/test/after-close")
	assert.ErrorIs(t, err, kvstore.ErrStoreClosed)

	// Double close is fine.
	assert.NoError(t, store.Close())
}
