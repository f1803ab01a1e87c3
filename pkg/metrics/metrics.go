package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imagegend_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	// Worker pool metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagegend_queue_depth",
			Help: "Number of tasks waiting in the submission queue",
		},
	)

	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagegend_workers_busy",
			Help: "Number of workers currently running a task",
		},
	)

	// Provider metrics
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imagegend_provider_request_duration_seconds",
			Help:    "Upstream generation request duration in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)

	ProviderRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegend_provider_retries_total",
			Help: "Total number of retried upstream requests by provider",
		},
		[]string{"provider"},
	)

	ImagesProduced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegend_images_produced_total",
			Help: "Total number of image attempts by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	// Storage metrics
	BytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imagegend_storage_bytes_written_total",
			Help: "Total image bytes written to the byte store",
		},
	)

	// Progress bus metrics
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imagegend_events_dropped_total",
			Help: "Total progress events dropped on full subscriber buffers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegend_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imagegend_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(ProviderRetries)
	prometheus.MustRegister(ImagesProduced)
	prometheus.MustRegister(BytesWritten)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
