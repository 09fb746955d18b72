package counter

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/elonfeng/readtrack/internal/logging"
	"github.com/elonfeng/readtrack/internal/metrics"
)

// BreakerConfig configures the cache circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
}

// Breaker wraps a Cache so that a failing backend is skipped for Timeout
// after FailureThreshold consecutive failures. Calls made while open fail
// immediately with ErrUnavailable.
type Breaker struct {
	next Cache
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Cache, cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "counter-cache"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("cache breaker state changed")
			metrics.SetBreakerOpen(to == gobreaker.StateOpen)
		},
	}

	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// Open reports whether calls are currently short-circuited.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

func execute[T any](b *Breaker, op string, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) {
		res, err := fn()
		return res, err
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, unavailable(op, err)
		}
		return zero, err
	}
	return v.(T), nil
}

func (b *Breaker) RecordRead(ctx context.Context, articleID int64, userID string, seed *Seed) (ReadResult, error) {
	return execute(b, "record read", func() (ReadResult, error) {
		return b.next.RecordRead(ctx, articleID, userID, seed)
	})
}

func (b *Breaker) Snapshot(ctx context.Context, articleID int64, userID string) (Snapshot, error) {
	return execute(b, "snapshot", func() (Snapshot, error) {
		return b.next.Snapshot(ctx, articleID, userID)
	})
}

func (b *Breaker) Get(ctx context.Context, key string) (Count, error) {
	return execute(b, "get "+key, func() (Count, error) {
		return b.next.Get(ctx, key)
	})
}

func (b *Breaker) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	_, err := execute(b, "set "+key, func() (struct{}, error) {
		return struct{}{}, b.next.Set(ctx, key, value, ttl)
	})
	return err
}

func (b *Breaker) Incr(ctx context.Context, key string) (int64, error) {
	return execute(b, "incr "+key, func() (int64, error) {
		return b.next.Incr(ctx, key)
	})
}

func (b *Breaker) KeyCount(ctx context.Context) (int64, error) {
	return execute(b, "dbsize", func() (int64, error) {
		return b.next.KeyCount(ctx)
	})
}

// Ping bypasses the breaker so health checks see the backend itself.
func (b *Breaker) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

func (b *Breaker) Close() error {
	return b.next.Close()
}
