package stats

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

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

func seed(t *testing.T, s *store.SQLiteStore, articleID int64, userID string, total, users, reads int64) {
	t.Helper()
	_, err := s.ApplySnapshot(context.Background(), store.Snapshot{
		ArticleID:  articleID,
		UserID:     userID,
		TotalReads: sql.NullInt64{Int64: total, Valid: true},
		UserCount:  sql.NullInt64{Int64: users, Valid: true},
		ReadCount:  sql.NullInt64{Int64: reads, Valid: true},
	})
	require.NoError(t, err)
}

func TestReader_GetArticleStats(t *testing.T) {
	t.Run("database then cache", func(t *testing.T) {
		cache, mr := countertest.NewRedis(t, counter.DefaultTTLs())
		s := newStore(t)
		seed(t, s, 1, "user1", 200, 100, 5)
		r := NewReader(cache, s, time.Hour)
		ctx := context.Background()

		rep, err := r.GetArticleStats(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, article.SourceDatabase, rep.Source)
		assert.Equal(t, int64(200), rep.TotalReads)
		assert.Equal(t, int64(100), rep.UserCount)
		assert.Equal(t, map[string]int64{"user1": 5}, rep.Distribution)

		got, err := mr.Get(counter.TotalReadsKey(1))
		require.NoError(t, err)
		assert.Equal(t, "200", got)
		assert.Equal(t, time.Hour, mr.TTL(counter.UserCountKey(1)))

		rep, err = r.GetArticleStats(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, article.SourceCache, rep.Source)
		assert.Equal(t, int64(200), rep.TotalReads)
		assert.Equal(t, int64(100), rep.UserCount)
		assert.Equal(t, map[string]int64{"user1": 5}, rep.Distribution)

		assert.Equal(t, 50.0, r.GetCacheHitRate(ctx))
	})

	t.Run("unknown article defaults to zero", func(t *testing.T) {
		cache, mr := countertest.NewRedis(t, counter.DefaultTTLs())
		r := NewReader(cache, newStore(t), 0)

		rep, err := r.GetArticleStats(context.Background(), 42)
		require.NoError(t, err)
		assert.Equal(t, article.SourceDefault, rep.Source)
		assert.Zero(t, rep.TotalReads)
		assert.Zero(t, rep.UserCount)
		assert.Empty(t, rep.Distribution)
		assert.False(t, mr.Exists(counter.TotalReadsKey(42)))
	})

	t.Run("one counter missing is a miss", func(t *testing.T) {
		cache, mr := countertest.NewRedis(t, counter.DefaultTTLs())
		s := newStore(t)
		seed(t, s, 3, "user1", 7, 2, 1)
		mr.Set(counter.TotalReadsKey(3), "9")
		r := NewReader(cache, s, 0)

		rep, err := r.GetArticleStats(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, article.SourceDatabase, rep.Source)
		assert.Equal(t, int64(7), rep.TotalReads)
	})

	t.Run("cache down serves durable values", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, 1, "user1", 3, 1, 3)
		r := NewReader(&countertest.Failing{}, s, 0)

		rep, err := r.GetArticleStats(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, article.SourceDatabase, rep.Source)
		assert.Equal(t, int64(3), rep.TotalReads)

		rep, err = r.GetArticleStats(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, article.SourceDefault, rep.Source)
	})

	t.Run("invalid article id", func(t *testing.T) {
		r := NewReader(&countertest.Failing{}, newStore(t), 0)
		_, err := r.GetArticleStats(context.Background(), 0)
		assert.ErrorIs(t, err, article.ErrInvalidIdentifier)
	})
}

func TestReader_Totals(t *testing.T) {
	cache, mr := countertest.NewRedis(t, counter.DefaultTTLs())
	s := newStore(t)
	seed(t, s, 1, "user1", 4, 2, 3)
	seed(t, s, 1, "user2", 4, 2, 1)
	seed(t, s, 2, "user1", 6, 1, 6)
	r := NewReader(cache, s, 0)
	ctx := context.Background()

	rep, err := r.GetTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rep.TotalReads)
	assert.Equal(t, int64(2), rep.TotalUsers)
	assert.Equal(t, map[string]int64{"user1": 9, "user2": 1}, rep.Distribution)
	assert.Equal(t, article.SourceDatabase, rep.Source)

	got, err := mr.Get(counter.AllArticlesKey)
	require.NoError(t, err)
	assert.Equal(t, "10", got)

	total, src, err := r.GetTotalReadsAllArticles(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
	assert.Equal(t, article.SourceCache, src)

	// Cached reads keep the backfilled total current.
	_, err = cache.RecordRead(ctx, 2, "user3", &counter.Seed{TotalReads: 6, UserCount: 1})
	require.NoError(t, err)
	total, src, err = r.GetTotalReadsAllArticles(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), total)
	assert.Equal(t, article.SourceCache, src)
}

func TestReader_TopArticles(t *testing.T) {
	s := newStore(t)
	seed(t, s, 1, "u", 5, 1, 1)
	seed(t, s, 2, "u", 50, 1, 1)
	seed(t, s, 3, "u", 0, 0, 1)
	seed(t, s, 4, "u", 20, 1, 1)
	cache := counter.NewMemory(counter.DefaultTTLs(), 0)
	t.Cleanup(func() { cache.Close() })
	r := NewReader(cache, s, 0)
	ctx := context.Background()

	top, err := r.GetTopArticles(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, int64(2), top[0].ArticleID)
	assert.Equal(t, int64(4), top[1].ArticleID)

	top, err = r.GetTopArticles(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, top, 3)
}

func TestReader_GetCacheStats(t *testing.T) {
	cache, mr := countertest.NewRedis(t, counter.DefaultTTLs())
	s := newStore(t)
	seed(t, s, 7, "u", 12, 1, 12)
	r := NewReader(cache, s, 0)
	ctx := context.Background()

	mr.Set(counter.HitsKey, "80")
	mr.Set(counter.MissesKey, "20")

	rep, err := r.GetCacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "80.00%", rep.HitRate)
	assert.Equal(t, int64(2), rep.TotalKeys)
	assert.Equal(t, []TopArticle{{Title: "Article 7", Reads: 12}}, rep.TopArticles)

	t.Run("no observations", func(t *testing.T) {
		r := NewReader(&countertest.Failing{}, s, 0)
		rep, err := r.GetCacheStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, "0.00%", rep.HitRate)
		assert.Zero(t, rep.TotalKeys)
	})
}
