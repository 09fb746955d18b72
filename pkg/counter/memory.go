package counter

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value int64
	// expiresAt is in unix nanoseconds; zero never expires.
	expiresAt int64
}

func (e *entry) expired(now int64) bool {
	return e.expiresAt > 0 && now > e.expiresAt
}

// Memory is an in-process Cache for single-instance deployments and tests.
// Expired keys are dropped lazily on access and by a janitor goroutine.
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry
	ttls TTLs
	now  func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates a Memory cache. A positive cleanupInterval starts the janitor.
func NewMemory(ttls TTLs, cleanupInterval time.Duration) *Memory {
	m := &Memory{
		data: make(map[string]*entry),
		ttls: ttls.withDefaults(),
		now:  time.Now,
		stop: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.janitor(cleanupInterval)
	}
	return m
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixNano()
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
		}
	}
}

// lookup must be called with mu held.
func (m *Memory) lookup(key string, now int64) (*entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(m.data, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return m.now().Add(ttl).UnixNano()
}

// incr must be called with mu held. ttl <= 0 keeps the current expiry.
func (m *Memory) incr(key string, now int64, ttl time.Duration) int64 {
	e, ok := m.lookup(key, now)
	if !ok {
		e = &entry{}
		m.data[key] = e
	}
	e.value++
	if ttl > 0 {
		e.expiresAt = m.expiry(ttl)
	}
	return e.value
}

// setNX must be called with mu held. The value keeps no expiry until the
// next incr refreshes it.
func (m *Memory) setNX(key string, value int64, now int64) {
	if _, ok := m.lookup(key, now); !ok {
		m.data[key] = &entry{value: value}
	}
}

func (m *Memory) RecordRead(ctx context.Context, articleID int64, userID string, seed *Seed) (ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return ReadResult{}, unavailable("record read", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixNano()
	totalKey, usersKey, userKey := TotalReadsKey(articleID), UserCountKey(articleID), UserKey(articleID, userID)

	if seed == nil {
		for _, k := range []string{totalKey, usersKey, userKey} {
			if _, ok := m.lookup(k, now); !ok {
				return ReadResult{}, ErrCold
			}
		}
	} else {
		m.setNX(totalKey, seed.TotalReads, now)
		m.setNX(usersKey, seed.UserCount, now)
		if seed.UserReads > 0 {
			m.setNX(userKey, seed.UserReads, now)
		}
	}

	_, existed := m.lookup(userKey, now)
	res := ReadResult{
		UserReads:  m.incr(userKey, now, m.ttls.Marker),
		TotalReads: m.incr(totalKey, now, m.ttls.Read),
		NewUser:    !existed,
	}
	if e, ok := m.lookup(AllArticlesKey, now); ok {
		e.value++
	}

	if !existed {
		res.UserCount = m.incr(usersKey, now, m.ttls.Read)
	} else {
		e, _ := m.lookup(usersKey, now)
		e.expiresAt = m.expiry(m.ttls.Read)
		res.UserCount = e.value
	}
	return res, nil
}

func (m *Memory) Snapshot(ctx context.Context, articleID int64, userID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, unavailable("snapshot", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixNano()
	get := func(key string) Count {
		if e, ok := m.lookup(key, now); ok {
			return Some(e.value)
		}
		return Count{}
	}
	return Snapshot{
		TotalReads: get(TotalReadsKey(articleID)),
		UserCount:  get(UserCountKey(articleID)),
		UserReads:  get(UserKey(articleID, userID)),
	}, nil
}

func (m *Memory) Get(ctx context.Context, key string) (Count, error) {
	if err := ctx.Err(); err != nil {
		return Count{}, unavailable("get "+key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.lookup(key, m.now().UnixNano()); ok {
		return Some(e.value), nil
	}
	return Count{}, nil
}

func (m *Memory) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("set "+key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = &entry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("incr "+key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.incr(key, m.now().UnixNano(), 0), nil
}

func (m *Memory) KeyCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixNano()
	var n int64
	for _, e := range m.data {
		if !e.expired(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

// Close stops the janitor. The cache stays usable.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
