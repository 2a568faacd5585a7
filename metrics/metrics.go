package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type TimelapseAPIMetrics struct {
	CreateJobRequestCount     prometheus.Counter
	HTTPRequestsInFlight      prometheus.Gauge
	JobsInFlight              prometheus.Gauge
	JobResults                *prometheus.CounterVec
	DispatchFailures          *prometheus.CounterVec
	ChunkTranscodeDurationSec prometheus.Histogram
	MergeDurationSec          prometheus.Histogram
}

func NewMetrics() *TimelapseAPIMetrics {
	m := &TimelapseAPIMetrics{
		CreateJobRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "create_job_request_count",
			Help: "The total number of requests to /api/timelapse",
		}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "The number of HTTP requests currently being served",
		}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "timelapse_jobs_in_flight",
			Help: "The number of timelapse jobs in a non-terminal state",
		}),
		JobResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "timelapse_job_results",
			Help: "The total number of finished timelapse jobs, broken up by outcome",
		}, []string{"outcome"}),
		DispatchFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "timelapse_dispatch_failures",
			Help: "The total number of failed dispatches to worker instances, broken up by task kind",
		}, []string{"kind"}),
		ChunkTranscodeDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunk_transcode_duration_seconds",
			Help:    "Time taken to transcode a single chunk",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		MergeDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "merge_duration_seconds",
			Help:    "Time taken to merge processed chunks into the final artifact",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
	}

	return m
}

var Metrics = NewMetrics()
