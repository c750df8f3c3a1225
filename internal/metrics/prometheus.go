package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for broker metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	jobsTotal          *prometheus.CounterVec
	vmsCreated         prometheus.Counter
	vmsStopped         prometheus.Counter
	vmsCrashed         prometheus.Counter
	workerTransitions  *prometheus.CounterVec

	// Histograms
	jobDuration *prometheus.HistogramVec

	// Gauges
	uptime     prometheus.GaugeFunc
	poolFree   *prometheus.GaugeVec
	poolTotal  *prometheus.GaugeVec
	poolTarget *prometheus.GaugeVec
	queueDepth prometheus.Gauge
	deadJobs   prometheus.Gauge
}

// Default histogram buckets for job duration, in milliseconds.
var defaultBuckets = []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of jobs completed, by image and status",
			},
			[]string{"image", "status"},
		),

		vmsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_created_total",
				Help:      "Total VMs created",
			},
		),

		vmsStopped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_stopped_total",
				Help:      "Total VMs stopped",
			},
		),

		vmsCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_crashed_total",
				Help:      "Total VMs that crashed mid-run",
			},
		),

		workerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_transitions_total",
				Help:      "Total worker state machine transitions",
			},
			[]string{"from", "to"},
		),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_milliseconds",
				Help:      "Duration of job runs in milliseconds",
				Buckets:   buckets,
			},
			[]string{"image", "timed_out"},
		),

		poolFree: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_free_vms",
				Help:      "Current number of free (unassigned) VMs by image",
			},
			[]string{"image"},
		),

		poolTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_total_vms",
				Help:      "Current total number of VMs (free + assigned) by image",
			},
			[]string{"image"},
		),

		poolTarget: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_target_vms",
				Help:      "Configured target pool size by image",
			},
			[]string{"image"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of pending (unassigned) jobs",
			},
		),

		deadJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dead_jobs",
				Help:      "Current number of jobs retained in the dead-job ring",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the broker daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.jobsTotal,
		pm.vmsCreated,
		pm.vmsStopped,
		pm.vmsCrashed,
		pm.workerTransitions,
		pm.jobDuration,
		pm.uptime,
		pm.poolFree,
		pm.poolTotal,
		pm.poolTarget,
		pm.queueDepth,
		pm.deadJobs,
	)

	promMetrics = pm
}

// RecordPrometheusJobCompletion records a job completion in Prometheus
// collectors.
func RecordPrometheusJobCompletion(image string, durationMs int64, success bool, timedOut bool) {
	if promMetrics == nil {
		return
	}

	status := "succeeded"
	if !success {
		status = "failed"
	}
	promMetrics.jobsTotal.WithLabelValues(image, status).Inc()

	timedOutLabel := "false"
	if timedOut {
		timedOutLabel = "true"
	}
	promMetrics.jobDuration.WithLabelValues(image, timedOutLabel).Observe(float64(durationMs))
}

// RecordPrometheusVMCreated records a VM creation in Prometheus.
func RecordPrometheusVMCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCreated.Inc()
}

// RecordPrometheusVMStopped records a VM stop in Prometheus.
func RecordPrometheusVMStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsStopped.Inc()
}

// RecordPrometheusVMCrashed records a VM crash in Prometheus.
func RecordPrometheusVMCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCrashed.Inc()
}

// RecordWorkerTransition records a worker state machine transition
// (spec.md §4.D).
func RecordWorkerTransition(from, to string) {
	if promMetrics == nil {
		return
	}
	promMetrics.workerTransitions.WithLabelValues(from, to).Inc()
}

// SetPoolFree sets the free-VM gauge for an image (spec.md §4.B).
func SetPoolFree(image string, free int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolFree.WithLabelValues(image).Set(float64(free))
}

// SetPoolTotal sets the total-VM gauge for an image.
func SetPoolTotal(image string, total int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolTotal.WithLabelValues(image).Set(float64(total))
}

// SetPoolTarget sets the configured target gauge for an image.
func SetPoolTarget(image string, target int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolTarget.WithLabelValues(image).Set(float64(target))
}

// SetQueueDepth sets the pending-job queue depth gauge (spec.md §4.C).
func SetQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.Set(float64(depth))
}

// SetDeadJobs sets the dead-job ring size gauge.
func SetDeadJobs(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.deadJobs.Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
