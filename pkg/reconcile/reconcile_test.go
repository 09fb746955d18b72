package reconcile

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/readtrack/internal/store"
	"github.com/elonfeng/readtrack/pkg/article"
	"github.com/elonfeng/readtrack/pkg/counter"
	"github.com/elonfeng/readtrack/pkg/counter/countertest"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "readtrack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func setCounters(t *testing.T, c counter.Cache, articleID int64, userID string, total, users, reads int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, counter.TotalReadsKey(articleID), total, 0))
	require.NoError(t, c.Set(ctx, counter.UserCountKey(articleID), users, 0))
	require.NoError(t, c.Set(ctx, counter.UserKey(articleID, userID), reads, 0))
}

func TestReconciler_CopiesCacheValues(t *testing.T) {
	cache, _ := countertest.NewRedis(t, counter.DefaultTTLs())
	s := newStore(t)
	ctx := context.Background()

	setCounters(t, cache, 1, "user1", 10, 5, 3)

	require.NoError(t, New(cache, s).Reconcile(ctx, 1, "user1"))

	st, err := s.GetArticleStats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.TotalReads)
	assert.Equal(t, int64(5), st.UserCount)

	ur, err := s.GetUserRead(ctx, 1, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ur.ReadCount)
}

func TestReconciler_OverwritesExistingRows(t *testing.T) {
	cache, _ := countertest.NewRedis(t, counter.DefaultTTLs())
	s := newStore(t)
	ctx := context.Background()

	_, err := s.ApplySnapshot(ctx, store.Snapshot{
		ArticleID:  2,
		UserID:     "user1",
		TotalReads: sql.NullInt64{Int64: 10, Valid: true},
		UserCount:  sql.NullInt64{Int64: 2, Valid: true},
		ReadCount:  sql.NullInt64{Int64: 3, Valid: true},
	})
	require.NoError(t, err)

	setCounters(t, cache, 2, "user1", 15, 3, 4)
	require.NoError(t, New(cache, s).Reconcile(ctx, 2, "user1"))

	st, err := s.GetArticleStats(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(15), st.TotalReads)
	assert.Equal(t, int64(3), st.UserCount)

	ur, err := s.GetUserRead(ctx, 2, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), ur.ReadCount)
}

func TestReconciler_Idempotent(t *testing.T) {
	cache := counter.NewMemory(counter.DefaultTTLs(), 0)
	t.Cleanup(func() { cache.Close() })
	s := newStore(t)
	ctx := context.Background()
	r := New(cache, s)

	for i := 0; i < 3; i++ {
		_, err := cache.RecordRead(ctx, 3, "user1", &counter.Seed{})
		require.NoError(t, err)
	}

	require.NoError(t, r.Reconcile(ctx, 3, "user1"))
	first, err := s.GetArticleStats(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, r.Reconcile(ctx, 3, "user1"))
	second, err := s.GetArticleStats(ctx, 3)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(3), second.TotalReads)
	assert.Equal(t, int64(1), second.UserCount)
}

func TestReconciler_MissingUserCounter(t *testing.T) {
	cache, mr := countertest.NewRedis(t, counter.DefaultTTLs())
	s := newStore(t)
	ctx := context.Background()

	mr.Set(counter.TotalReadsKey(4), "7")
	mr.Set(counter.UserCountKey(4), "2")

	require.NoError(t, New(cache, s).Reconcile(ctx, 4, "user1"))

	ur, err := s.GetUserRead(ctx, 4, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ur.ReadCount)
}

func TestReconciler_Errors(t *testing.T) {
	t.Run("cache unavailable", func(t *testing.T) {
		err := New(&countertest.Failing{}, newStore(t)).Reconcile(context.Background(), 1, "user1")
		assert.ErrorIs(t, err, counter.ErrUnavailable)
	})

	t.Run("invalid identifiers", func(t *testing.T) {
		cache := &countertest.Failing{}
		r := New(cache, newStore(t))

		assert.ErrorIs(t, r.Reconcile(context.Background(), -1, "user1"), article.ErrInvalidIdentifier)
		assert.ErrorIs(t, r.Reconcile(context.Background(), 1, ""), article.ErrInvalidIdentifier)
		assert.Zero(t, cache.Calls())
	})
}
