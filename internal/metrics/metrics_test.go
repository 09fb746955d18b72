package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRead(t *testing.T) {
	before := testutil.ToFloat64(ReadsRecorded.WithLabelValues(PathFallback))
	RecordRead(PathFallback)
	assert.Equal(t, before+1, testutil.ToFloat64(ReadsRecorded.WithLabelValues(PathFallback)))
}

func TestGauges(t *testing.T) {
	SetCacheReachable(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(CacheConnectionStatus))
	SetCacheReachable(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(CacheConnectionStatus))

	SetBreakerOpen(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(BreakerOpen))
	SetBreakerOpen(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(BreakerOpen))
}
