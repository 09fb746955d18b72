package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/readtrack/internal/store"
	"github.com/elonfeng/readtrack/pkg/counter"
	"github.com/elonfeng/readtrack/pkg/counter/countertest"
	"github.com/elonfeng/readtrack/pkg/stats"
	"github.com/elonfeng/readtrack/pkg/tracker"
)

type stack struct {
	cache counter.Cache
	store *store.SQLiteStore
	srv   *Server
}

func newStack(t *testing.T, cache counter.Cache, upstream *url.URL) *stack {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "readtrack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &stack{
		cache: cache,
		store: s,
		srv: New(Options{
			Recorder: tracker.NewRecorder(cache, s, nil),
			Stats:    stats.NewReader(cache, s, 0),
			Store:    s,
			Cache:    cache,
			Upstream: upstream,
		}),
	}
}

func do(t *testing.T, h http.Handler, method, target string, mod func(*http.Request)) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func withUser(id string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(DefaultUserHeader, id) }
}

func TestTrackAndStats(t *testing.T) {
	cache, _ := countertest.NewRedis(t, counter.DefaultTTLs())
	st := newStack(t, cache, nil)
	h := st.srv.Handler()

	for _, user := range []string{"alice", "alice", "bob"} {
		rec, body := do(t, h, http.MethodPost, "/track/7", withUser(user))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "success", body["status"])
	}

	rec, body := do(t, h, http.MethodGet, "/stats/7/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(7), body["article_id"])
	assert.Equal(t, float64(3), body["total_reads"])
	assert.Equal(t, float64(2), body["user_count"])
	assert.Equal(t, "cache", body["source"])
	assert.Empty(t, body["user_read_distribution"])
}

func TestTrack_Degraded(t *testing.T) {
	st := newStack(t, &countertest.Failing{}, nil)
	h := st.srv.Handler()

	rec, body := do(t, h, http.MethodPost, "/track/3", withUser("alice"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.NotEmpty(t, body["message"])

	rec, body = do(t, h, http.MethodGet, "/stats/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "database", body["source"])
	assert.Equal(t, float64(1), body["total_reads"])
	assert.Equal(t, map[string]any{"alice": float64(1)}, body["user_read_distribution"])
}

func TestTrack_BadRequests(t *testing.T) {
	cache := counter.NewMemory(counter.DefaultTTLs(), 0)
	t.Cleanup(func() { cache.Close() })
	h := newStack(t, cache, nil).srv.Handler()

	for _, target := range []string{"/track/abc", "/track/0", "/track/-4"} {
		rec, body := do(t, h, http.MethodPost, target, withUser("alice"))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, "error", body["status"], target)
	}

	rec, _ := do(t, h, http.MethodPost, "/track/1", withUser(strings.Repeat("x", 200)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/track/1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type failingRecorder struct{}

func (failingRecorder) RecordRead(context.Context, int64, string) (tracker.Result, error) {
	return tracker.Result{}, errors.Join(tracker.ErrNotRecorded, errors.New("disk full"))
}

type failingStats struct{}

func (failingStats) GetArticleStats(context.Context, int64) (*stats.ArticleReport, error) {
	return nil, errors.New("database is locked")
}

func (failingStats) GetTotals(context.Context) (*stats.TotalsReport, error) {
	return nil, errors.New("database is locked")
}

func (failingStats) GetCacheStats(context.Context) (*stats.CacheReport, error) {
	return nil, errors.New("database is locked")
}

func TestInternalErrors(t *testing.T) {
	h := New(Options{Recorder: failingRecorder{}, Stats: failingStats{}}).Handler()

	rec, body := do(t, h, http.MethodPost, "/track/1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", body["status"])

	rec, body = do(t, h, http.MethodGet, "/stats/5", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["error"])
	assert.Equal(t, float64(5), body["article_id"])

	rec, body = do(t, h, http.MethodGet, "/stats/total-reads", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["error"])

	rec, _ = do(t, h, http.MethodGet, "/stats/cache-stats", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCacheStatsAndTotals(t *testing.T) {
	cache, mr := countertest.NewRedis(t, counter.DefaultTTLs())
	st := newStack(t, cache, nil)
	ctx := context.Background()

	_, err := st.store.IncrementRead(ctx, 1, "alice")
	require.NoError(t, err)
	_, err = st.store.IncrementRead(ctx, 1, "alice")
	require.NoError(t, err)
	_, err = st.store.IncrementRead(ctx, 2, "bob")
	require.NoError(t, err)
	mr.Set(counter.HitsKey, "3")
	mr.Set(counter.MissesKey, "1")

	h := st.srv.Handler()

	rec, body := do(t, h, http.MethodGet, "/stats/cache-stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "75.00%", body["hit_rate"])
	assert.Equal(t, float64(2), body["total_keys"])
	assert.Equal(t, []any{
		map[string]any{"title": "Article 1", "reads": float64(2)},
		map[string]any{"title": "Article 2", "reads": float64(1)},
	}, body["top_articles"])

	rec, body = do(t, h, http.MethodGet, "/stats/total-reads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["total_reads"])
	assert.Equal(t, float64(2), body["total_users"])
	assert.Equal(t, "database", body["source"])
	assert.Equal(t, map[string]any{"alice": float64(2), "bob": float64(1)}, body["user_read_distribution"])

	_, body = do(t, h, http.MethodGet, "/stats/total-reads", nil)
	assert.Equal(t, "cache", body["source"])
}

func TestHealth(t *testing.T) {
	cache, mr := countertest.NewRedis(t, counter.DefaultTTLs())
	h := newStack(t, cache, nil).srv.Handler()

	rec, body := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	mr.Close()
	rec, body = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	cache := counter.NewMemory(counter.DefaultTTLs(), 0)
	t.Cleanup(func() { cache.Close() })
	h := newStack(t, cache, nil).srv.Handler()

	_, _ = do(t, h, http.MethodPost, "/track/1", withUser("alice"))
	rec, _ := do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "readtrack_reads_recorded_total")
}

func TestArticlePagesAreTracked(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.HasSuffix(r.URL.Path, "/missing/") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("<html>article</html>"))
	}))
	t.Cleanup(upstream.Close)
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	cache := counter.NewMemory(counter.DefaultTTLs(), 0)
	t.Cleanup(func() { cache.Close() })
	st := newStack(t, cache, u)
	h := st.srv.Handler()
	ctx := context.Background()

	rec, _ := do(t, h, http.MethodGet, "/blog/article/12/hello-world/", withUser("alice"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "article")

	rec, _ = do(t, h, http.MethodGet, "/blog/article/12/missing/", withUser("alice"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	total, users, err := counter.ArticleCounters(ctx, cache, 12)
	require.NoError(t, err)
	assert.Equal(t, counter.Some(1), total)
	assert.Equal(t, counter.Some(1), users)
	assert.Equal(t, int32(2), hits.Load())
}

func TestTrackReads_OncePerRequest(t *testing.T) {
	cache := counter.NewMemory(counter.DefaultTTLs(), 0)
	t.Cleanup(func() { cache.Close() })
	st := newStack(t, cache, nil)
	rec := tracker.NewRecorder(cache, st.store, nil)
	ids := IdentityResolver{}

	page := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	track := TrackReads(rec, ids)

	r := newTestRouter("/blog/article/{article_id}", track(track(page)))
	_, _ = do(t, r, http.MethodGet, "/blog/article/4", withUser("alice"))

	total, err := cache.Get(context.Background(), counter.TotalReadsKey(4))
	require.NoError(t, err)
	assert.Equal(t, counter.Some(1), total)
}

func newTestRouter(pattern string, h http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Handle(pattern, h)
	return r
}
