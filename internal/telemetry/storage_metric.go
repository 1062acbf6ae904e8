package internaltelemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// InstrumentationName is the meter and tracer name used by the storage engine.
const InstrumentationName = "github.com/sushant-115/gojokv"

// StorageMetrics holds all the metric instruments for the storage engine.
type StorageMetrics struct {
	CacheHitsCounter         metric.Int64Counter
	CacheMissesCounter       metric.Int64Counter
	CacheEvictionsCounter    metric.Int64Counter
	CommitsCounter           metric.Int64Counter
	RollbacksCounter         metric.Int64Counter
	CommitLatencyHistogram   metric.Int64Histogram
	PagesWrittenCounter      metric.Int64Counter
	ActiveReadersUpDownCount metric.Int64UpDownCounter
}

// NewStorageMetrics creates and registers all the metrics for the storage engine.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	cacheHits, err := meter.Int64Counter(
		"gojokv.cache.hits",
		metric.WithDescription("Page cache lookups served from memory."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"gojokv.cache.misses",
		metric.WithDescription("Page cache lookups that had to read the file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cacheEvictions, err := meter.Int64Counter(
		"gojokv.cache.evictions",
		metric.WithDescription("Decoded pages evicted from the page cache."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commits, err := meter.Int64Counter(
		"gojokv.tx.commits",
		metric.WithDescription("Read-write transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rollbacks, err := meter.Int64Counter(
		"gojokv.tx.rollbacks",
		metric.WithDescription("Read-write transactions rolled back."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitLatency, err := meter.Int64Histogram(
		"gojokv.tx.commit.duration",
		metric.WithDescription("The latency of commits, including syncs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	pagesWritten, err := meter.Int64Counter(
		"gojokv.pages.written",
		metric.WithDescription("Pages written by commits, meta pages included."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	activeReaders, err := meter.Int64UpDownCounter(
		"gojokv.tx.read.active",
		metric.WithDescription("Number of open read-only transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		CacheHitsCounter:         cacheHits,
		CacheMissesCounter:       cacheMisses,
		CacheEvictionsCounter:    cacheEvictions,
		CommitsCounter:           commits,
		RollbacksCounter:         rollbacks,
		CommitLatencyHistogram:   commitLatency,
		PagesWrittenCounter:      pagesWritten,
		ActiveReadersUpDownCount: activeReaders,
	}, nil
}

// GlobalStorageMetrics builds the instruments from the global meter provider,
// which is a no-op until telemetry is configured. It never returns nil.
func GlobalStorageMetrics() *StorageMetrics {
	m, err := NewStorageMetrics(otel.Meter(InstrumentationName))
	if err != nil {
		otel.Handle(err)
		m, _ = NewStorageMetrics(noop.NewMeterProvider().Meter(InstrumentationName))
	}
	return m
}
