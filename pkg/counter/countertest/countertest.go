// Package countertest provides counter caches for tests.
package countertest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/elonfeng/readtrack/pkg/counter"
)

// NewRedis starts a miniredis server and returns a Redis cache connected to it.
func NewRedis(t *testing.T, ttls counter.TTLs) (*counter.Redis, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	c := counter.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), ttls)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

// ErrBackend is the error Failing returns by default.
var ErrBackend = errors.New("connection refused")

// Failing is a Cache whose every call fails, as a dead backend would.
type Failing struct {
	Err   error
	calls atomic.Int64
}

// Calls reports how many operations were attempted.
func (f *Failing) Calls() int64 {
	return f.calls.Load()
}

func (f *Failing) fail(op string) error {
	f.calls.Add(1)
	err := f.Err
	if err == nil {
		err = ErrBackend
	}
	return errors.Join(counter.ErrUnavailable, errors.New(op), err)
}

func (f *Failing) RecordRead(context.Context, int64, string, *counter.Seed) (counter.ReadResult, error) {
	return counter.ReadResult{}, f.fail("record read")
}

func (f *Failing) Snapshot(context.Context, int64, string) (counter.Snapshot, error) {
	return counter.Snapshot{}, f.fail("snapshot")
}

func (f *Failing) Get(context.Context, string) (counter.Count, error) {
	return counter.Count{}, f.fail("get")
}

func (f *Failing) Set(context.Context, string, int64, time.Duration) error {
	return f.fail("set")
}

func (f *Failing) Incr(context.Context, string) (int64, error) {
	return 0, f.fail("incr")
}

func (f *Failing) KeyCount(context.Context) (int64, error) {
	return 0, f.fail("dbsize")
}

func (f *Failing) Ping(context.Context) error {
	return f.fail("ping")
}

func (f *Failing) Close() error {
	return nil
}
