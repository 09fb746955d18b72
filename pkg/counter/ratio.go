package counter

import (
	"context"
)

// HitRatio counts stats cache hits and misses in the shared cache so every
// instance contributes to one ratio. It is owned by whoever constructs it;
// tests build isolated instances over isolated caches.
type HitRatio struct {
	cache Cache
}

// NewHitRatio creates a HitRatio backed by c.
func NewHitRatio(c Cache) *HitRatio {
	return &HitRatio{cache: c}
}

// Hit records a cache hit.
func (h *HitRatio) Hit(ctx context.Context) error {
	_, err := h.cache.Incr(ctx, HitsKey)
	return err
}

// Miss records a cache miss.
func (h *HitRatio) Miss(ctx context.Context) error {
	_, err := h.cache.Incr(ctx, MissesKey)
	return err
}

// Counts returns the raw hit and miss counters.
func (h *HitRatio) Counts(ctx context.Context) (hits, misses int64, err error) {
	hc, err := h.cache.Get(ctx, HitsKey)
	if err != nil {
		return 0, 0, err
	}
	mc, err := h.cache.Get(ctx, MissesKey)
	if err != nil {
		return 0, 0, err
	}
	return hc.Value, mc.Value, nil
}

// Rate returns hits/(hits+misses) as a percentage in [0, 100]. It is 0 when
// nothing has been observed or the counters cannot be read.
func (h *HitRatio) Rate(ctx context.Context) float64 {
	hits, misses, err := h.Counts(ctx)
	if err != nil {
		return 0
	}
	total := hits + misses
	if total <= 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
