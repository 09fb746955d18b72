// Package tracker records article read events.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/elonfeng/readtrack/internal/logging"
	"github.com/elonfeng/readtrack/internal/metrics"
	"github.com/elonfeng/readtrack/internal/store"
	"github.com/elonfeng/readtrack/pkg/article"
	"github.com/elonfeng/readtrack/pkg/counter"
)

// ErrNotRecorded is returned when neither the cache nor the durable store
// accepted a read.
var ErrNotRecorded = errors.New("read not recorded")

// Outcome tells how a read was stored.
type Outcome int

const (
	// OutcomeRecorded means the read went to the counter cache.
	OutcomeRecorded Outcome = iota
	// OutcomeDegraded means the cache failed and the read was written
	// directly to the durable store.
	OutcomeDegraded
)

func (o Outcome) String() string {
	if o == OutcomeDegraded {
		return "degraded"
	}
	return "recorded"
}

// Result acknowledges one recorded read.
type Result struct {
	Outcome    Outcome
	TotalReads int64
	UserReads  int64
	NewUser    bool
	// Cause is the cache error behind a degraded result.
	Cause error
}

// Degraded reports whether the fallback path stored the read.
func (r Result) Degraded() bool {
	return r.Outcome == OutcomeDegraded
}

// Enqueuer schedules reconciliation of one (article, user) pair. It must not
// block on the reconciliation itself.
type Enqueuer interface {
	Enqueue(articleID int64, userID string) error
}

// Writer is the durable side of the write path: the fallback increment and
// the baseline cold counters are seeded from.
type Writer interface {
	IncrementRead(ctx context.Context, articleID int64, userID string) (store.IncrementResult, error)
	Baseline(ctx context.Context, articleID int64, userID string) (store.Baseline, error)
}

// Recorder is the single entry point for read events.
type Recorder struct {
	cache    counter.Cache
	store    Writer
	enqueuer Enqueuer
}

// NewRecorder creates a Recorder. enqueuer may be nil, in which case
// nothing is reconciled.
func NewRecorder(cache counter.Cache, w Writer, enqueuer Enqueuer) *Recorder {
	return &Recorder{cache: cache, store: w, enqueuer: enqueuer}
}

// RecordRead counts one read of articleID by userID. Callers invoke it once
// per logical page view.
func (r *Recorder) RecordRead(ctx context.Context, articleID int64, userID string) (Result, error) {
	if err := article.Validate(articleID, userID); err != nil {
		return Result{}, err
	}

	res, cacheErr := r.recordCached(ctx, articleID, userID)
	if cacheErr == nil {
		metrics.RecordRead(metrics.PathCache)
		r.scheduleReconcile(articleID, userID)
		return Result{
			Outcome:    OutcomeRecorded,
			TotalReads: res.TotalReads,
			UserReads:  res.UserReads,
			NewUser:    res.NewUser,
		}, nil
	}

	logging.Error().Err(cacheErr).Int64("article_id", articleID).Str("user_id", userID).
		Msg("cache write failed, using durable fallback")

	inc, dbErr := r.store.IncrementRead(ctx, articleID, userID)
	if dbErr != nil {
		metrics.RecordRead(metrics.PathFailed)
		logging.Error().Err(dbErr).Int64("article_id", articleID).Str("user_id", userID).
			Msg("durable fallback failed")
		return Result{}, fmt.Errorf("record read %d/%s: %w", articleID, userID,
			errors.Join(ErrNotRecorded, cacheErr, dbErr))
	}

	metrics.RecordRead(metrics.PathFallback)
	return Result{
		Outcome:    OutcomeDegraded,
		TotalReads: inc.Stats.TotalReads,
		UserReads:  inc.ReadCount,
		NewUser:    inc.NewUser,
		Cause:      cacheErr,
	}, nil
}

// recordCached writes the read to the cache. Counters missing from the cache
// are seeded from the durable baseline in the same atomic step, so a cold
// cache never starts below what is already stored.
func (r *Recorder) recordCached(ctx context.Context, articleID int64, userID string) (counter.ReadResult, error) {
	res, err := r.cache.RecordRead(ctx, articleID, userID, nil)
	if !errors.Is(err, counter.ErrCold) {
		return res, err
	}

	b, err := r.store.Baseline(ctx, articleID, userID)
	if err != nil {
		return counter.ReadResult{}, fmt.Errorf("seed counters: %w", err)
	}
	logging.Debug().Int64("article_id", articleID).Str("user_id", userID).
		Int64("total_reads", b.TotalReads).Int64("user_reads", b.ReadCount).
		Msg("seeding cold counters")

	return r.cache.RecordRead(ctx, articleID, userID, &counter.Seed{
		TotalReads: b.TotalReads,
		UserCount:  b.UserCount,
		UserReads:  b.ReadCount,
	})
}

func (r *Recorder) scheduleReconcile(articleID int64, userID string) {
	if r.enqueuer == nil {
		return
	}
	if err := r.enqueuer.Enqueue(articleID, userID); err != nil {
		logging.Warn().Err(err).Int64("article_id", articleID).Str("user_id", userID).
			Msg("reconcile not scheduled")
	}
}
