// Package metrics exports engine telemetry to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/loyalty-engine/loyalty"
)

// PrometheusObserver implements loyalty.Observer.
type PrometheusObserver struct {
	duration    *prometheus.HistogramVec
	outcomes    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	tierChanges *prometheus.CounterVec
}

var _ loyalty.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the engine metrics. A nil registerer
// means prometheus.DefaultRegisterer. Registering twice on the same
// registerer reuses the existing collectors.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "loyalty"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of engine operations, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by outcome.",
		}, []string{"operation", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Transaction attempts retried after a transient store conflict.",
		}, []string{"operation"}),
		tierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_changes_total",
			Help:      "Committed tier transitions.",
		}, []string{"from", "to"}),
	}

	var err error
	if o.duration, err = register(reg, o.duration); err != nil {
		return nil, err
	}
	if o.outcomes, err = register(reg, o.outcomes); err != nil {
		return nil, err
	}
	if o.retries, err = register(reg, o.retries); err != nil {
		return nil, err
	}
	if o.tierChanges, err = register(reg, o.tierChanges); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register loyalty metric: %w", err)
	}
	return c, nil
}

func (o *PrometheusObserver) ObserveOperation(op string, d time.Duration, outcome loyalty.Outcome) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues(op).Observe(d.Seconds())
	o.outcomes.WithLabelValues(op, string(outcome)).Inc()
}

func (o *PrometheusObserver) ObserveRetry(op string) {
	if o == nil {
		return
	}
	o.retries.WithLabelValues(op).Inc()
}

func (o *PrometheusObserver) ObserveTierChange(from, to loyalty.TierID) {
	if o == nil {
		return
	}
	o.tierChanges.WithLabelValues(string(from), string(to)).Inc()
}
