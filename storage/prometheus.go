package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(
		PromGCDurationMilliseconds,
		PromSwarmsCount,
		PromSeedersCount,
		PromLeechersCount,
	)
}

// PromGCDurationMilliseconds tracks the duration of reaper passes.
var PromGCDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "hachi_storage_gc_duration_milliseconds",
	Help:    "The time it takes to perform swarm garbage collection",
	Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
})

// PromSwarmsCount tracks the number of swarms.
var PromSwarmsCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "hachi_storage_swarms_count",
	Help: "The number of swarms tracked",
})

// PromSeedersCount tracks the number of seeders across all swarms.
var PromSeedersCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "hachi_storage_seeders_count",
	Help: "The number of seeders tracked",
})

// PromLeechersCount tracks the number of leechers across all swarms.
var PromLeechersCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "hachi_storage_leechers_count",
	Help: "The number of leechers tracked",
})

// RecordGCDuration records the duration of a reaper pass.
func RecordGCDuration(duration time.Duration) {
	PromGCDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
