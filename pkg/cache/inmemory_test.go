package cache_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/illmade-knight/go-swr/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	t.Run("Same URL yields same key", func(t *testing.T) {
		k1 := cache.Key(cache.DefaultPrefix, "/book/api/42")
		k2 := cache.Key(cache.DefaultPrefix, "/book/api/42")
		assert.Equal(t, k1, k2)
	})

	t.Run("Keys are bounded and prefixed", func(t *testing.T) {
		long := "https://example.com/" + string(make([]byte, 4096))
		k := cache.Key(cache.DefaultPrefix, long)
		assert.LessOrEqual(t, len(k), 50)
		assert.Contains(t, k, cache.DefaultPrefix)
	})

	t.Run("Distinct URLs yield distinct keys", func(t *testing.T) {
		seen := make(map[string]struct{}, 1000)
		for i := 0; i < 1000; i++ {
			seen[cache.Key(cache.DefaultPrefix, fmt.Sprintf("/book/api/%d", i))] = struct{}{}
		}
		assert.Len(t, seen, 1000)
	})
}

// exerciseStore runs the shared EntryStore contract against any backend.
func exerciseStore(t *testing.T, store cache.EntryStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("Miss returns ErrNotFound", func(t *testing.T) {
		_, err := store.Fetch(ctx, cache.Key(cache.DefaultPrefix, "/missing"))
		require.Error(t, err)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("Set, Fetch, overwrite and Delete", func(t *testing.T) {
		key := cache.Key(cache.DefaultPrefix, "/book/api/1")
		first := cache.Entry{Data: json.RawMessage(`{"Id":1}`), Timestamp: 100}
		require.NoError(t, store.Set(ctx, key, first))

		got, err := store.Fetch(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"Id":1}`, string(got.Data))
		assert.Equal(t, int64(100), got.Timestamp)

		second := cache.Entry{Data: json.RawMessage(`{"Id":1,"Title":"Bar"}`), Timestamp: 200}
		require.NoError(t, store.Set(ctx, key, second))
		got, err = store.Fetch(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"Id":1,"Title":"Bar"}`, string(got.Data))
		assert.Equal(t, int64(200), got.Timestamp)

		require.NoError(t, store.Delete(ctx, key))
		_, err = store.Fetch(ctx, key)
		assert.ErrorIs(t, err, cache.ErrNotFound)

		// Deleting again is not an error.
		require.NoError(t, store.Delete(ctx, key))
	})

	t.Run("Clear only removes the prefix", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			key := cache.Key(cache.DefaultPrefix, fmt.Sprintf("/clear/%d", i))
			require.NoError(t, store.Set(ctx, key, cache.Entry{Data: json.RawMessage(`1`), Timestamp: 1}))
		}
		other := cache.Key("other_", "/clear/0")
		require.NoError(t, store.Set(ctx, other, cache.Entry{Data: json.RawMessage(`2`), Timestamp: 1}))

		removed, err := store.Clear(ctx, cache.DefaultPrefix)
		require.NoError(t, err)
		assert.Equal(t, 3, removed)

		_, err = store.Fetch(ctx, cache.Key(cache.DefaultPrefix, "/clear/1"))
		assert.ErrorIs(t, err, cache.ErrNotFound)
		got, err := store.Fetch(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, "2", string(got.Data))
	})
}

func TestInMemoryStore(t *testing.T) {
	store := cache.NewInMemoryStore()
	exerciseStore(t, store)
	assert.Equal(t, 1, store.Len(), "only the foreign-prefix entry should remain")
	require.NoError(t, store.Close())
}
