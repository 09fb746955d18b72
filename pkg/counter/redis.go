package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordReadScript seeds absent counters, runs the new-user test and the
// increments as one unit. KEYS: total, user count, user marker, all-articles
// total. ARGV: read ttl ms, marker ttl ms, seeded flag, seed total, seed user
// count, seed user reads. Returns {-1} when unseeded and any counter is
// absent, else {total, user count, user reads, marker existed}.
var recordReadScript = redis.NewScript(`
if ARGV[3] == '0' then
	if redis.call('EXISTS', KEYS[1], KEYS[2], KEYS[3]) < 3 then
		return {-1}
	end
else
	redis.call('SET', KEYS[1], ARGV[4], 'NX')
	redis.call('SET', KEYS[2], ARGV[5], 'NX')
	if tonumber(ARGV[6]) > 0 then
		redis.call('SET', KEYS[3], ARGV[6], 'NX')
	end
end
local existed = redis.call('EXISTS', KEYS[3])
local userReads = redis.call('INCR', KEYS[3])
redis.call('PEXPIRE', KEYS[3], ARGV[2])
local total = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[4]) == 1 then
	redis.call('INCR', KEYS[4])
end
local users
if existed == 0 then
	users = redis.call('INCR', KEYS[2])
else
	users = tonumber(redis.call('GET', KEYS[2]))
end
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return {total, users, userReads, existed}
`)

// Redis implements Cache on a Redis server.
type Redis struct {
	client *redis.Client
	ttls   TTLs
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttls TTLs) *Redis {
	return &Redis{client: client, ttls: ttls.withDefaults()}
}

// NewRedisFromURL creates a client from a redis:// URL.
func NewRedisFromURL(url string, ttls TTLs) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts), ttls), nil
}

func (r *Redis) RecordRead(ctx context.Context, articleID int64, userID string, seed *Seed) (ReadResult, error) {
	keys := []string{TotalReadsKey(articleID), UserCountKey(articleID), UserKey(articleID, userID), AllArticlesKey}
	args := []any{r.ttls.Read.Milliseconds(), r.ttls.Marker.Milliseconds(), 0, 0, 0, 0}
	if seed != nil {
		args[2], args[3], args[4], args[5] = 1, seed.TotalReads, seed.UserCount, seed.UserReads
	}

	vals, err := recordReadScript.Run(ctx, r.client, keys, args...).Int64Slice()
	if err != nil {
		return ReadResult{}, unavailable("record read", err)
	}
	if len(vals) == 1 && vals[0] == -1 {
		return ReadResult{}, ErrCold
	}
	if len(vals) != 4 {
		return ReadResult{}, unavailable("record read", fmt.Errorf("unexpected script reply of %d values", len(vals)))
	}

	return ReadResult{
		TotalReads: vals[0],
		UserCount:  vals[1],
		UserReads:  vals[2],
		NewUser:    vals[3] == 0,
	}, nil
}

// Snapshot reads the three counters with a single MGET.
func (r *Redis) Snapshot(ctx context.Context, articleID int64, userID string) (Snapshot, error) {
	vals, err := r.client.MGet(ctx,
		TotalReadsKey(articleID), UserCountKey(articleID), UserKey(articleID, userID)).Result()
	if err != nil {
		return Snapshot{}, unavailable("snapshot", err)
	}

	counts := make([]Count, len(vals))
	for i, v := range vals {
		c, err := parseCount(v)
		if err != nil {
			return Snapshot{}, unavailable("snapshot", err)
		}
		counts[i] = c
	}
	return Snapshot{TotalReads: counts[0], UserCount: counts[1], UserReads: counts[2]}, nil
}

func parseCount(v any) (Count, error) {
	if v == nil {
		return Count{}, nil
	}
	s, ok := v.(string)
	if !ok {
		return Count{}, fmt.Errorf("unexpected value type %T", v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Count{}, fmt.Errorf("parse counter %q: %w", s, err)
	}
	return Some(n), nil
}

func (r *Redis) Get(ctx context.Context, key string) (Count, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return Count{}, nil
	}
	if err != nil {
		return Count{}, unavailable("get "+key, err)
	}
	return Some(n), nil
}

func (r *Redis) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set "+key, err)
	}
	return nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("incr "+key, err)
	}
	return n, nil
}

func (r *Redis) KeyCount(ctx context.Context) (int64, error) {
	n, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return 0, unavailable("dbsize", err)
	}
	return n, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
