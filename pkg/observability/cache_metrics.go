package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricCacheLookups    = "concache.cache.lookups.total"
	metricCacheEvictions  = "concache.cache.evictions.total"
	metricWaitDuration    = "concache.wait.duration.seconds"
	metricWorkerRuns      = "concache.worker.runs.total"
	metricWorkersInflight = "concache.worker.inflight"

	attrOutcome = "outcome"
	attrReason  = "reason"
	attrWorker  = "worker"
	attrReady   = "ready"
)

// Lookup outcomes reported by the prefix resolver.
const (
	LookupHit     = "hit"
	LookupPartial = "partial"
	LookupMiss    = "miss"
	LookupEvicted = "evicted"
)

// waitBucketBoundaries follows the polling budget of a concordance wait.
var waitBucketBoundaries = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30}

// CacheMetrics holds the instruments describing cache lookups, evictions,
// result waits, and worker runs. A nil *CacheMetrics records nothing.
type CacheMetrics struct {
	lookups   metric.Int64Counter
	evictions metric.Int64Counter
	waits     metric.Float64Histogram
	runs      metric.Int64Counter
	inflight  metric.Int64UpDownCounter
}

// NewCacheMetrics creates the cache instruments from the given meter.
func NewCacheMetrics(mt metric.Meter) (*CacheMetrics, error) {
	b := newMetricBuilder(mt)

	cm := &CacheMetrics{
		lookups:   b.counter(metricCacheLookups, "Concordance cache lookups by outcome", "{lookup}"),
		evictions: b.counter(metricCacheEvictions, "Cache entries removed by reason", "{entry}"),
		waits:     b.histogram(metricWaitDuration, "Time spent waiting for a cached result", "s", waitBucketBoundaries...),
		runs:      b.counter(metricWorkerRuns, "Calculation worker runs by outcome", "{run}"),
		inflight:  b.upDownCounter(metricWorkersInflight, "Calculation workers in progress", "{worker}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return cm, nil
}

// RecordLookup counts one resolver lookup.
func (cm *CacheMetrics) RecordLookup(ctx context.Context, outcome string) {
	if cm == nil {
		return
	}

	cm.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOutcome, outcome)))
}

// RecordEviction counts one removed cache entry.
func (cm *CacheMetrics) RecordEviction(ctx context.Context, reason string) {
	if cm == nil {
		return
	}

	cm.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String(attrReason, reason)))
}

// RecordWait records how long a caller polled for a result.
func (cm *CacheMetrics) RecordWait(ctx context.Context, d time.Duration, ready bool) {
	if cm == nil {
		return
	}

	cm.waits.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool(attrReady, ready)))
}

// RecordWorkerRun counts a finished worker run.
func (cm *CacheMetrics) RecordWorkerRun(ctx context.Context, worker, outcome string) {
	if cm == nil {
		return
	}

	cm.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrWorker, worker),
		attribute.String(attrOutcome, outcome),
	))
}

// TrackWorker increments the in-progress gauge and returns its decrement.
func (cm *CacheMetrics) TrackWorker(ctx context.Context, worker string) func() {
	if cm == nil {
		return func() {}
	}

	attrs := metric.WithAttributes(attribute.String(attrWorker, worker))
	cm.inflight.Add(ctx, 1, attrs)

	return func() {
		cm.inflight.Add(ctx, -1, attrs)
	}
}
