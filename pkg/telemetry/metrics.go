package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Domain collectors live in the default Prometheus registry under the
// kiln namespace, so the control plane's /metrics handler picks them
// up without any extra wiring.
var (
	metricTrainingJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Name:      "training_jobs_total",
		Help:      "Training jobs by terminal status.",
	}, []string{"status"})

	metricTrainingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kiln",
		Name:      "training_duration_seconds",
		Help:      "Wall-clock training time per backend.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"backend"})

	metricInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Name:      "invocations_total",
		Help:      "Inference requests by endpoint.",
	}, []string{"endpoint"})

	metricInvocationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kiln",
		Name:      "invocation_latency_seconds",
		Help:      "Inference request latency.",
		Buckets:   prometheus.DefBuckets,
	})

	metricDatasetDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Name:      "dataset_downloads_total",
		Help:      "Dataset archive downloads by dataset name.",
	}, []string{"dataset"})

	metricObjectBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Name:      "object_bytes_total",
		Help:      "Bytes written to the object store by bucket.",
	}, []string{"bucket"})

	metricStorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Name:      "storage_operations_total",
		Help:      "Object store operations by kind.",
	}, []string{"operation"})

	metricStorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Name:      "storage_errors_total",
		Help:      "Failed object store operations by kind.",
	}, []string{"operation"})

	metricActiveEndpoints = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kiln",
		Name:      "active_endpoints",
		Help:      "Endpoint servers currently serving.",
	})
)

// RecordTrainingJob counts a job reaching a terminal status.
func RecordTrainingJob(status string) {
	metricTrainingJobs.WithLabelValues(status).Inc()
}

// RecordTrainingDuration observes how long a training run took.
func RecordTrainingDuration(backend string, d time.Duration) {
	metricTrainingDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// RecordInvocation counts an inference request against an endpoint.
func RecordInvocation(endpoint string) {
	metricInvocations.WithLabelValues(endpoint).Inc()
}

// RecordInvocationLatency observes end-to-end inference latency.
func RecordInvocationLatency(d time.Duration) {
	metricInvocationLatency.Observe(d.Seconds())
}

// RecordDatasetDownload counts a dataset archive download.
func RecordDatasetDownload(dataset string) {
	metricDatasetDownloads.WithLabelValues(dataset).Inc()
}

// RecordObjectBytes adds bytes written to a bucket.
func RecordObjectBytes(bucket string, n int64) {
	if n < 0 {
		return
	}
	metricObjectBytes.WithLabelValues(bucket).Add(float64(n))
}

// RecordStorageOperation counts a completed object store operation.
func RecordStorageOperation(op string) {
	metricStorageOperations.WithLabelValues(op).Inc()
}

// RecordStorageError counts a failed object store operation.
func RecordStorageError(op string) {
	metricStorageErrors.WithLabelValues(op).Inc()
}

// SetActiveEndpoints overrides the serving endpoint count, used when
// reconciling state at startup.
func SetActiveEndpoints(count int) {
	metricActiveEndpoints.Set(float64(count))
}

// IncActiveEndpoints marks one more endpoint as serving.
func IncActiveEndpoints() {
	metricActiveEndpoints.Inc()
}

// DecActiveEndpoints marks one endpoint as stopped.
func DecActiveEndpoints() {
	metricActiveEndpoints.Dec()
}
