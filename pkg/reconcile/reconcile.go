// Package reconcile copies counter cache state into durable storage.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/elonfeng/readtrack/internal/logging"
	"github.com/elonfeng/readtrack/internal/metrics"
	"github.com/elonfeng/readtrack/internal/store"
	"github.com/elonfeng/readtrack/pkg/article"
	"github.com/elonfeng/readtrack/pkg/counter"
)

// Applier writes a counter snapshot in one transaction.
type Applier interface {
	ApplySnapshot(ctx context.Context, snap store.Snapshot) (store.ApplyResult, error)
}

// Reconciler overwrites durable counters for one (article, user) pair with
// the cache's current values.
type Reconciler struct {
	cache counter.Cache
	store Applier
}

// New creates a Reconciler.
func New(cache counter.Cache, s Applier) *Reconciler {
	return &Reconciler{cache: cache, store: s}
}

// Reconcile reads the pair's three counters at one instant and applies them
// last-writer-wins. Running it again with an unchanged cache is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, articleID int64, userID string) error {
	if err := article.Validate(articleID, userID); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	snap, err := r.cache.Snapshot(ctx, articleID, userID)
	if err != nil {
		return fmt.Errorf("reconcile %d/%s: %w", articleID, userID, err)
	}

	res, err := r.store.ApplySnapshot(ctx, store.Snapshot{
		ArticleID:  articleID,
		UserID:     userID,
		TotalReads: nullable(snap.TotalReads),
		UserCount:  nullable(snap.UserCount),
		ReadCount:  nullable(snap.UserReads),
	})
	if err != nil {
		return fmt.Errorf("reconcile %d/%s: %w", articleID, userID, err)
	}

	logging.Debug().Int64("article_id", articleID).Str("user_id", userID).
		Bool("stats_changed", res.StatsChanged).Bool("user_read_changed", res.UserReadChanged).
		Msg("reconciled")
	return nil
}

func nullable(c counter.Count) sql.NullInt64 {
	return sql.NullInt64{Int64: c.Value, Valid: c.Present}
}
