package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

func TestPrometheusObserver_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)

	obs.ObserveOperation("record_stay", 3*time.Millisecond, loyalty.OutcomeOK)
	obs.ObserveOperation("record_stay", time.Millisecond, loyalty.OutcomeReplayed)
	obs.ObserveOperation("assign_benefit", time.Millisecond, loyalty.OutcomeRejected)
	obs.ObserveRetry("assign_benefit")
	obs.ObserveRetry("assign_benefit")
	obs.ObserveTierChange("new_member", "silver")

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.outcomes.WithLabelValues("record_stay", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.outcomes.WithLabelValues("record_stay", "replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.outcomes.WithLabelValues("assign_benefit", "rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.retries.WithLabelValues("assign_benefit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.tierChanges.WithLabelValues("new_member", "silver")))
	assert.Equal(t, 2, testutil.CollectAndCount(obs.duration))
}

func TestPrometheusObserver_RegisterTwiceReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)
	second, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)

	first.ObserveRetry("record_stay")
	second.ObserveRetry("record_stay")
	assert.Equal(t, 2.0, testutil.ToFloat64(first.retries.WithLabelValues("record_stay")))
}

func TestPrometheusObserver_NilSafe(t *testing.T) {
	var obs *PrometheusObserver
	assert.NotPanics(t, func() {
		obs.ObserveOperation("record_stay", time.Millisecond, loyalty.OutcomeOK)
		obs.ObserveRetry("record_stay")
		obs.ObserveTierChange("a", "b")
	})
}
