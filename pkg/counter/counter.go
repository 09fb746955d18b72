// Package counter is the volatile read-counter cache.
//
// Three counter families live per article: total reads, distinct user count
// and the per-user read count (which doubles as the "user has read this"
// marker). Every value expires; an absent key means unknown, not zero.
package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnavailable marks any failure of the cache backend.
var ErrUnavailable = errors.New("counter cache unavailable")

// ErrCold is returned by an unseeded RecordRead when any counter of the pair
// is absent. Nothing was written; retry with the durable Seed.
var ErrCold = errors.New("counters not cached")

// Key names shared with every other consumer of the cache.
const (
	AllArticlesKey = "total_reads_all_articles"
	HitsKey        = "cache:hits"
	MissesKey      = "cache:misses"
)

// TotalReadsKey is the key of an article's total read counter.
func TotalReadsKey(articleID int64) string {
	return "article:" + strconv.FormatInt(articleID, 10) + ":total_reads"
}

// UserCountKey is the key of an article's distinct user counter.
func UserCountKey(articleID int64) string {
	return "article:" + strconv.FormatInt(articleID, 10) + ":user_count"
}

// UserKey is the key of one user's read counter for an article.
func UserKey(articleID int64, userID string) string {
	return "article:" + strconv.FormatInt(articleID, 10) + ":user:" + userID
}

// TTLs configures counter expiry.
type TTLs struct {
	// Read applies to the total read and user count counters.
	Read time.Duration
	// Marker applies to the per-user counter.
	Marker time.Duration
}

// DefaultTTLs returns one hour for read counters and a day for user markers.
func DefaultTTLs() TTLs {
	return TTLs{Read: time.Hour, Marker: 24 * time.Hour}
}

func (t TTLs) withDefaults() TTLs {
	d := DefaultTTLs()
	if t.Read <= 0 {
		t.Read = d.Read
	}
	if t.Marker <= 0 {
		t.Marker = d.Marker
	}
	return t
}

// Count is a cached integer that may be absent.
type Count struct {
	Value   int64
	Present bool
}

// Some returns a present Count.
func Some(v int64) Count {
	return Count{Value: v, Present: true}
}

// Seed is the durable state absent counters start from. A zero UserReads
// means the user has no durable read of the article.
type Seed struct {
	TotalReads int64
	UserCount  int64
	UserReads  int64
}

// ReadResult is the counter state right after one recorded read.
type ReadResult struct {
	TotalReads int64
	UserCount  int64
	UserReads  int64
	NewUser    bool
}

// Snapshot is the three counters of one (article, user) pair read at one instant.
type Snapshot struct {
	TotalReads Count
	UserCount  Count
	UserReads  Count
}

// Cache is the counter cache contract.
type Cache interface {
	// RecordRead atomically tests the user marker, increments it, increments
	// the total read counter and increments the user count iff the marker
	// was absent. Expiries of the touched counters are refreshed, and the
	// all-articles total is incremented when cached.
	//
	// With a nil seed it fails with ErrCold if any of the three counters is
	// absent. Otherwise absent counters are first set from seed, a marker
	// only when seed.UserReads is positive, in the same atomic step.
	RecordRead(ctx context.Context, articleID int64, userID string, seed *Seed) (ReadResult, error)
	Snapshot(ctx context.Context, articleID int64, userID string) (Snapshot, error)

	Get(ctx context.Context, key string) (Count, error)
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	KeyCount(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// ArticleCounters reads an article's total read and user counters.
func ArticleCounters(ctx context.Context, c Cache, articleID int64) (total, users Count, err error) {
	total, err = c.Get(ctx, TotalReadsKey(articleID))
	if err != nil {
		return Count{}, Count{}, err
	}
	users, err = c.Get(ctx, UserCountKey(articleID))
	if err != nil {
		return Count{}, Count{}, err
	}
	return total, users, nil
}

// SetArticleCounters backfills an article's total read and user counters.
func SetArticleCounters(ctx context.Context, c Cache, articleID, total, users int64, ttl time.Duration) error {
	if err := c.Set(ctx, TotalReadsKey(articleID), total, ttl); err != nil {
		return err
	}
	return c.Set(ctx, UserCountKey(articleID), users, ttl)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("counter %s: %w: %w", op, ErrUnavailable, err)
}
