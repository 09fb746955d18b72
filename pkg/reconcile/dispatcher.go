package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/elonfeng/readtrack/internal/logging"
	"github.com/elonfeng/readtrack/internal/metrics"
	"github.com/elonfeng/readtrack/internal/scheduler"
	"github.com/elonfeng/readtrack/pkg/alert"
	"github.com/elonfeng/readtrack/pkg/article"
)

// Submitter accepts background tasks.
type Submitter interface {
	Submit(t scheduler.Task) error
}

type pairKey struct {
	articleID int64
	userID    string
}

// Dispatcher turns read events into retried reconciliation tasks.
//
// A pair that already has a task waiting in the queue is not queued again:
// the waiting task reads the cache when it starts, so it already covers the
// newer read.
type Dispatcher struct {
	rec    *Reconciler
	sub    Submitter
	alerts *alert.Manager

	mu      sync.Mutex
	pending map[pairKey]struct{}
}

// NewDispatcher creates a Dispatcher. alerts may be nil.
func NewDispatcher(rec *Reconciler, sub Submitter, alerts *alert.Manager) *Dispatcher {
	return &Dispatcher{
		rec:     rec,
		sub:     sub,
		alerts:  alerts,
		pending: make(map[pairKey]struct{}),
	}
}

// Enqueue schedules reconciliation of (articleID, userID) without waiting for it.
func (d *Dispatcher) Enqueue(articleID int64, userID string) error {
	key := pairKey{articleID, userID}

	d.mu.Lock()
	if _, ok := d.pending[key]; ok {
		d.mu.Unlock()
		metrics.RecordReconcile("coalesced")
		return nil
	}
	d.pending[key] = struct{}{}
	d.mu.Unlock()

	err := d.sub.Submit(scheduler.Task{
		Name: "reconcile:" + strconv.FormatInt(articleID, 10) + ":" + userID,
		Run: func(ctx context.Context) error {
			d.release(key)
			err := d.rec.Reconcile(ctx, articleID, userID)
			if err == nil {
				metrics.RecordReconcile("ok")
				return nil
			}
			metrics.RecordReconcile("failed_attempt")
			if errors.Is(err, article.ErrInvalidIdentifier) {
				return backoff.Permanent(err)
			}
			return err
		},
		OnDrop: func(ctx context.Context, err error) {
			d.release(key)
			d.dropped(ctx, articleID, userID, err)
		},
	})
	if err != nil {
		d.release(key)
		return fmt.Errorf("enqueue reconcile %d/%s: %w", articleID, userID, err)
	}
	return nil
}

func (d *Dispatcher) release(key pairKey) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

// dropped reports a job that exhausted its attempts. The cache stays
// authoritative until the next successful reconciliation or its expiry.
func (d *Dispatcher) dropped(ctx context.Context, articleID int64, userID string, cause error) {
	metrics.RecordReconcile("dropped")
	if errors.Is(cause, scheduler.ErrStopped) {
		logging.Warn().Err(cause).Int64("article_id", articleID).Str("user_id", userID).
			Msg("reconcile abandoned on shutdown")
		return
	}
	logging.Error().Err(cause).Int64("article_id", articleID).Str("user_id", userID).
		Msg("reconcile gave up")

	if !d.alerts.HasNotifiers() {
		return
	}
	err := d.alerts.Broadcast(ctx, &alert.Notification{
		Title:     "Read stats reconciliation dropped",
		Body:      "Durable read counters may lag the cache until the next successful reconciliation.",
		ArticleID: articleID,
		UserID:    userID,
		Error:     cause.Error(),
	})
	if err != nil {
		logging.Warn().Err(err).Msg("reconcile alert not delivered")
	}
}
