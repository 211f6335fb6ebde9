package cache_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/illmade-knight/go-swr/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	store, err := cache.NewSQLiteStore(&cache.SQLiteConfig{Path: dbPath}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := &cache.SQLiteConfig{Path: filepath.Join(t.TempDir(), "cache.db")}
	key := cache.Key(cache.DefaultPrefix, "/book/api/42")

	store, err := cache.NewSQLiteStore(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, key, cache.Entry{Data: json.RawMessage(`{"Id":42}`), Timestamp: 7}))
	require.NoError(t, store.Close())

	reopened, err := cache.NewSQLiteStore(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Fetch(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Id":42}`, string(got.Data))
	assert.Equal(t, int64(7), got.Timestamp)
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := cache.NewSQLiteStore(&cache.SQLiteConfig{Path: "  "}, zerolog.Nop())
	require.Error(t, err)
}

func TestSQLiteStore_ClearWithNonASCIIPrefix(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	store, err := cache.NewSQLiteStore(&cache.SQLiteConfig{Path: filepath.Join(t.TempDir(), "cache.db")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	entry := cache.Entry{Data: json.RawMessage(`{"Id":1}`), Timestamp: 1}
	nested := cache.Key("caché_a_", "/book/api/1")
	for _, key := range []string{
		cache.Key("caché_", "/book/api/1"),
		cache.Key("caché_", "/book/api/2"),
		nested,
	} {
		require.NoError(t, store.Set(ctx, key, entry))
	}

	// --- Act ---
	removed, err := store.Clear(ctx, "caché_")
	require.NoError(t, err)

	// --- Assert ---
	// "caché_a_" also starts with "caché_", so every key goes.
	assert.Equal(t, 3, removed)
	_, err = store.Fetch(ctx, nested)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, store.Set(ctx, nested, entry))
	removed, err = store.Clear(ctx, "cachè_")
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "a prefix differing only in an accented letter matches nothing")
}
