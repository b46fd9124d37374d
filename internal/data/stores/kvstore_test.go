package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowatch/flowatch/internal/data/db"
)

func newTestKV(t *testing.T) *KVStore {
	t.Helper()
	database, err := db.Open(t.TempDir(), db.DefaultOpenOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return NewKVStore(database)
}

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestKVStoreSetGet(t *testing.T) {
	ctx := context.Background()
	s := newTestKV(t)

	require.NoError(t, s.Set(ctx, "a", payload{Name: "x", Count: 2}))

	var got payload
	require.NoError(t, s.Get(ctx, "a", &got))
	assert.Equal(t, payload{Name: "x", Count: 2}, got)

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "a", payload{Name: "y"}))
		var got payload
		require.NoError(t, s.Get(ctx, "a", &got))
		assert.Equal(t, "y", got.Name)
	})

	t.Run("missing key", func(t *testing.T) {
		var got payload
		err := s.Get(ctx, "nope", &got)
		assert.True(t, IsNotFoundError(err))
	})
}

func TestKVStoreHasAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestKV(t)

	ok, err := s.Has(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "a", 1))
	ok, err = s.Has(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "a"))
	ok, err = s.Has(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Delete(ctx, "a"), "deleting a missing key is fine")
}

func TestKVStoreTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestKV(t)

	require.NoError(t, s.SetTTL(ctx, "short", "v", 30*time.Millisecond))
	require.NoError(t, s.SetTTL(ctx, "long", "v", time.Hour))

	var got string
	require.NoError(t, s.Get(ctx, "short", &got), "not expired yet")

	time.Sleep(60 * time.Millisecond)

	err := s.Get(ctx, "short", &got)
	assert.True(t, IsNotFoundError(err), "expired entries read as missing")
	require.NoError(t, s.Get(ctx, "long", &got))

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, keys)
}

func TestKVStoreSweepExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestKV(t)

	require.NoError(t, s.SetTTL(ctx, "dead", "v", time.Millisecond))
	require.NoError(t, s.Set(ctx, "alive", "v"))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.SweepExpired(ctx))

	var count int
	err := s.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_store`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "expired row physically removed")
}

func TestKVStoreListKeysSorted(t *testing.T) {
	ctx := context.Background()
	s := newTestKV(t)

	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, s.Set(ctx, k, 1))
	}

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestKVStoreGetRaw(t *testing.T) {
	ctx := context.Background()
	s := newTestKV(t)

	require.NoError(t, s.SetTTL(ctx, "a", payload{Name: "x"}, time.Hour))

	entry, err := s.GetRaw(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", entry.Key)
	assert.JSONEq(t, `{"name":"x","count":0}`, string(entry.Value))
	require.NotNil(t, entry.ExpiresAt)
	assert.True(t, entry.ExpiresAt.After(time.Now()))
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestKVStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	s := newTestKV(t)

	changes, cancel := s.Subscribe("flow:")
	defer cancel()

	require.NoError(t, s.Set(ctx, "flow:t1", 1))
	require.NoError(t, s.Set(ctx, "other:x", 1))
	require.NoError(t, s.Delete(ctx, "flow:t1"))

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case c := <-changes:
			got = append(got, c.Key)
			if c.Deleted {
				assert.Equal(t, "flow:t1", c.Key)
			}
		case <-deadline:
			t.Fatalf("changes never arrived, got %v", got)
		}
	}
	assert.Equal(t, []string{"flow:t1", "flow:t1"}, got, "only prefixed keys fan out")

	t.Run("cancel closes the channel", func(t *testing.T) {
		ch, cancel := s.Subscribe("")
		cancel()
		_, open := <-ch
		assert.False(t, open)
	})
}
