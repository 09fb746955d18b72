// Package stats answers read-count queries cache first, falling back to the
// durable store and warming the cache with what it found there.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/readtrack/internal/logging"
	"github.com/elonfeng/readtrack/internal/metrics"
	"github.com/elonfeng/readtrack/internal/store"
	"github.com/elonfeng/readtrack/pkg/article"
	"github.com/elonfeng/readtrack/pkg/counter"
)

// DefaultTopLimit is the number of articles GetTopArticles returns when no
// positive limit is given.
const DefaultTopLimit = 10

// Store is the durable side of the reader.
type Store interface {
	GetArticleStats(ctx context.Context, articleID int64) (*article.Stats, error)
	Distribution(ctx context.Context, articleID int64) (map[string]int64, error)
	AllDistribution(ctx context.Context) (map[string]int64, error)
	SumTotalReads(ctx context.Context) (int64, error)
	CountDistinctUsers(ctx context.Context) (int64, error)
	TopArticles(ctx context.Context, limit int) ([]article.Stats, error)
}

// ArticleReport is the stats of one article.
type ArticleReport struct {
	ArticleID    int64            `json:"article_id"`
	TotalReads   int64            `json:"total_reads"`
	UserCount    int64            `json:"user_count"`
	Distribution map[string]int64 `json:"user_read_distribution"`
	Source       article.Source   `json:"source"`
}

// TotalsReport is the stats of all articles together.
type TotalsReport struct {
	TotalReads   int64            `json:"total_reads"`
	TotalUsers   int64            `json:"total_users"`
	Distribution map[string]int64 `json:"user_read_distribution"`
	Source       article.Source   `json:"source"`
}

// TopArticle is one entry of the cache report.
type TopArticle struct {
	Title string `json:"title"`
	Reads int64  `json:"reads"`
}

// CacheReport describes the counter cache.
type CacheReport struct {
	HitRate     string       `json:"hit_rate"`
	TotalKeys   int64        `json:"total_keys"`
	TopArticles []TopArticle `json:"top_articles"`
}

// Reader serves stats queries.
type Reader struct {
	cache counter.Cache
	store Store
	ratio *counter.HitRatio
	ttl   time.Duration
}

// NewReader creates a Reader. Backfilled counters expire after ttl; a
// non-positive ttl uses the default read counter expiry.
func NewReader(cache counter.Cache, s Store, ttl time.Duration) *Reader {
	if ttl <= 0 {
		ttl = counter.DefaultTTLs().Read
	}
	return &Reader{
		cache: cache,
		store: s,
		ratio: counter.NewHitRatio(cache),
		ttl:   ttl,
	}
}

// GetArticleStats returns an article's counters. A cache failure is treated
// as a miss; an article with no durable row reports zeros.
func (r *Reader) GetArticleStats(ctx context.Context, articleID int64) (*ArticleReport, error) {
	if err := article.ValidateArticleID(articleID); err != nil {
		return nil, err
	}

	dist, err := r.store.Distribution(ctx, articleID)
	if err != nil {
		return nil, err
	}
	rep := &ArticleReport{ArticleID: articleID, Distribution: dist}

	total, users, err := counter.ArticleCounters(ctx, r.cache, articleID)
	if err != nil {
		logging.Error().Err(err).Int64("article_id", articleID).Msg("cache read failed, using durable store")
	}
	if err == nil && total.Present && users.Present {
		r.observe(ctx, true)
		rep.TotalReads, rep.UserCount, rep.Source = total.Value, users.Value, article.SourceCache
		metrics.RecordLookup(string(rep.Source))
		return rep, nil
	}
	r.observe(ctx, false)

	st, err := r.store.GetArticleStats(ctx, articleID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rep.Source = article.SourceDefault
	case err != nil:
		return nil, err
	default:
		rep.TotalReads, rep.UserCount, rep.Source = st.TotalReads, st.UserCount, article.SourceDatabase
		if err := counter.SetArticleCounters(ctx, r.cache, articleID, st.TotalReads, st.UserCount, r.ttl); err != nil {
			logging.Warn().Err(err).Int64("article_id", articleID).Msg("cache backfill failed")
		}
	}
	metrics.RecordLookup(string(rep.Source))
	return rep, nil
}

// GetTotalReadsAllArticles returns the sum of total reads over all articles.
func (r *Reader) GetTotalReadsAllArticles(ctx context.Context) (int64, article.Source, error) {
	c, err := r.cache.Get(ctx, counter.AllArticlesKey)
	if err != nil {
		logging.Error().Err(err).Msg("cache read failed, using durable store")
	}
	if err == nil && c.Present {
		metrics.RecordLookup(string(article.SourceCache))
		return c.Value, article.SourceCache, nil
	}

	total, err := r.store.SumTotalReads(ctx)
	if err != nil {
		return 0, "", err
	}
	if err := r.cache.Set(ctx, counter.AllArticlesKey, total, r.ttl); err != nil {
		logging.Warn().Err(err).Msg("cache backfill failed")
	}
	metrics.RecordLookup(string(article.SourceDatabase))
	return total, article.SourceDatabase, nil
}

// GetTotals returns the totals over all articles.
func (r *Reader) GetTotals(ctx context.Context) (*TotalsReport, error) {
	total, src, err := r.GetTotalReadsAllArticles(ctx)
	if err != nil {
		return nil, err
	}
	users, err := r.store.CountDistinctUsers(ctx)
	if err != nil {
		return nil, err
	}
	dist, err := r.store.AllDistribution(ctx)
	if err != nil {
		return nil, err
	}
	return &TotalsReport{
		TotalReads:   total,
		TotalUsers:   users,
		Distribution: dist,
		Source:       src,
	}, nil
}

// GetCacheHitRate returns the stats cache hit rate as a percentage.
func (r *Reader) GetCacheHitRate(ctx context.Context) float64 {
	return r.ratio.Rate(ctx)
}

// GetTopArticles returns the most read articles, most reads first.
func (r *Reader) GetTopArticles(ctx context.Context, limit int) ([]article.Stats, error) {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	return r.store.TopArticles(ctx, limit)
}

// GetCacheStats reports hit rate, key count and the top articles. The key
// count is 0 while the cache is unreachable.
func (r *Reader) GetCacheStats(ctx context.Context) (*CacheReport, error) {
	top, err := r.GetTopArticles(ctx, DefaultTopLimit)
	if err != nil {
		return nil, err
	}

	keys, err := r.cache.KeyCount(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("cache key count unavailable")
		keys = 0
	}

	rep := &CacheReport{
		HitRate:     fmt.Sprintf("%.2f%%", r.GetCacheHitRate(ctx)),
		TotalKeys:   keys,
		TopArticles: make([]TopArticle, 0, len(top)),
	}
	for _, st := range top {
		rep.TopArticles = append(rep.TopArticles, TopArticle{
			Title: fmt.Sprintf("Article %d", st.ArticleID),
			Reads: st.TotalReads,
		})
	}
	return rep, nil
}

func (r *Reader) observe(ctx context.Context, hit bool) {
	var err error
	if hit {
		err = r.ratio.Hit(ctx)
	} else {
		err = r.ratio.Miss(ctx)
	}
	if err != nil {
		logging.Debug().Err(err).Bool("hit", hit).Msg("hit ratio not updated")
	}
}
