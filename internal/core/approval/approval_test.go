package approval

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	entries []Entry
	saves   int
}

func (s *memStore) Approvals(_ context.Context) ([]Entry, error) {
	return append([]Entry(nil), s.entries...), nil
}

func (s *memStore) SaveApprovals(_ context.Context, entries []Entry) error {
	s.entries = append([]Entry(nil), entries...)
	s.saves++
	return nil
}

func newTestList(store Store, now time.Time) *List {
	return NewList(store, zerolog.Nop()).WithClock(func() time.Time { return now })
}

func TestEntryExpired(t *testing.T) {
	exp := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := Entry{URL: "https://github.com/acme/repo/pull/7", ExpiresAt: exp}

	assert.False(t, e.Expired(exp.Add(-time.Second)))
	assert.True(t, e.Expired(exp), "expiry instant already fails")
	assert.True(t, e.Expired(exp.Add(time.Second)))
}

func TestListAdd(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("grants for TTL", func(t *testing.T) {
		store := &memStore{}
		l := newTestList(store, now)

		require.NoError(t, l.Add(ctx, "https://github.com/acme/repo/pull/7"))
		require.Len(t, store.entries, 1)
		assert.Equal(t, now.Add(TTL), store.entries[0].ExpiresAt)
	})

	t.Run("re-approval refreshes instead of duplicating", func(t *testing.T) {
		store := &memStore{}
		l := newTestList(store, now)
		require.NoError(t, l.Add(ctx, "https://github.com/acme/repo/pull/7"))

		later := newTestList(store, now.Add(5*time.Minute))
		require.NoError(t, later.Add(ctx, "https://github.com/acme/repo/pull/7"))

		require.Len(t, store.entries, 1)
		assert.Equal(t, now.Add(5*time.Minute+TTL), store.entries[0].ExpiresAt)
	})

	t.Run("empty url rejected", func(t *testing.T) {
		l := newTestList(&memStore{}, now)
		assert.Error(t, l.Add(ctx, ""))
	})
}

func TestListCheck(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("prefix match", func(t *testing.T) {
		store := &memStore{}
		l := newTestList(store, now)
		require.NoError(t, l.Add(ctx, "https://github.com/acme/repo/pull/7"))

		ok, err := l.Check(ctx, "https://github.com/acme/repo/pull/7/files")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = l.Check(ctx, "https://github.com/acme/repo/pull/8")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expired entry fails but is not purged", func(t *testing.T) {
		store := &memStore{}
		l := newTestList(store, now)
		require.NoError(t, l.Add(ctx, "https://github.com/acme/repo/pull/7"))
		saves := store.saves

		late := newTestList(store, now.Add(TTL))
		ok, err := late.Check(ctx, "https://github.com/acme/repo/pull/7")
		require.NoError(t, err)
		assert.False(t, ok, "check at the expiry instant fails")
		assert.Len(t, store.entries, 1, "expired entry stays in storage")
		assert.Equal(t, saves, store.saves, "check never writes")
	})

	t.Run("empty url", func(t *testing.T) {
		l := newTestList(&memStore{}, now)
		ok, err := l.Check(ctx, "")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestListSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	store := &memStore{}
	l := newTestList(store, now)
	require.NoError(t, l.Add(ctx, "https://github.com/acme/repo/pull/7"))
	require.NoError(t, l.Add(ctx, "https://github.com/acme/repo/pull/8"))
	saves := store.saves

	t.Run("nothing expired is a no-op", func(t *testing.T) {
		require.NoError(t, l.Sweep(ctx))
		assert.Equal(t, saves, store.saves, "no write when nothing pruned")
	})

	t.Run("prunes expired entries", func(t *testing.T) {
		late := newTestList(store, now.Add(TTL+time.Second))
		require.NoError(t, late.Add(ctx, "https://github.com/acme/repo/pull/9"))
		require.NoError(t, late.Sweep(ctx))

		require.Len(t, store.entries, 1)
		assert.Equal(t, "https://github.com/acme/repo/pull/9", store.entries[0].URL)
	})
}

func TestListClear(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	store := &memStore{}
	l := newTestList(store, now)
	require.NoError(t, l.Add(ctx, "https://github.com/acme/repo/pull/7"))

	require.NoError(t, l.Clear(ctx))
	assert.Empty(t, store.entries)
}
