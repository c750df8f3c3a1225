// Package metrics collects and exposes broker runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-image counters + time series),
//     with JSONHandler and TimeSeriesHandler to expose it as JSON; the
//     façade's server does not mount either, and its /metrics route
//     serves the Prometheus registry.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// Keeping both lets a single binary run with no external dependency
// while still exporting a scrape endpoint when one is wanted.
//
// # Concurrency — hot path
//
// RecordJobCompletion is called by each Worker every time it
// reaches DONE or FAILED and must be as fast as possible. It uses atomic
// increments for global counters and dispatches a lightweight event onto
// a buffered channel (tsChan) for the time-series worker to process
// asynchronously. This avoids holding any lock on the hot path.
//
// The per-image ImageMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores the per-image entries is
// read-heavy and write-once-per-new-image, the ideal use case for
// sync.Map.
//
// # Invariants
//
//   - TotalJobs == SucceededJobs + FailedJobs (maintained by
//     RecordJobCompletion).
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are
//     counted in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Completions  int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes broker runtime metrics.
type Metrics struct {
	// Job metrics
	TotalJobs     atomic.Int64
	SucceededJobs atomic.Int64
	FailedJobs    atomic.Int64
	TimeoutJobs   atomic.Int64
	RetriedJobs   atomic.Int64

	// Duration metrics (in milliseconds)
	TotalDurationMs atomic.Int64
	MinDurationMs   atomic.Int64
	MaxDurationMs   atomic.Int64

	// VM metrics
	VMsCreated atomic.Int64
	VMsStopped atomic.Int64
	VMsCrashed atomic.Int64

	// Per-image metrics
	imageMetrics sync.Map // image -> *ImageMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention
// on the hot completion path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// ImageMetrics tracks metrics for a single image.
type ImageMetrics struct {
	TotalJobs     atomic.Int64
	SucceededJobs atomic.Int64
	FailedJobs    atomic.Int64
	TimeoutJobs   atomic.Int64
	RetriedJobs   atomic.Int64
	TotalMs       atomic.Int64
	MinMs         atomic.Int64
	MaxMs         atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinDurationMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordJobCompletion records a finished job. spec.md §4.D treats DONE
// and FAILED both as completions; success distinguishes them.
func (m *Metrics) RecordJobCompletion(image string, durationMs int64, success bool, timedOut bool, retries int) {
	m.TotalJobs.Add(1)

	if success {
		m.SucceededJobs.Add(1)
	} else {
		m.FailedJobs.Add(1)
	}
	if timedOut {
		m.TimeoutJobs.Add(1)
	}
	if retries > 0 {
		m.RetriedJobs.Add(int64(retries))
	}

	m.TotalDurationMs.Add(durationMs)
	updateMin(&m.MinDurationMs, durationMs)
	updateMax(&m.MaxDurationMs, durationMs)

	im := m.getImageMetrics(image)
	im.TotalJobs.Add(1)
	if success {
		im.SucceededJobs.Add(1)
	} else {
		im.FailedJobs.Add(1)
	}
	if timedOut {
		im.TimeoutJobs.Add(1)
	}
	if retries > 0 {
		im.RetriedJobs.Add(int64(retries))
	}
	im.TotalMs.Add(durationMs)
	updateMin(&im.MinMs, durationMs)
	updateMax(&im.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)

	RecordPrometheusJobCompletion(image, durationMs, success, timedOut)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot completion path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called
// from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Completions++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordVMCreated records a new VM creation.
func (m *Metrics) RecordVMCreated() {
	m.VMsCreated.Add(1)
	RecordPrometheusVMCreated()
}

// RecordVMStopped records a VM being stopped.
func (m *Metrics) RecordVMStopped() {
	m.VMsStopped.Add(1)
	RecordPrometheusVMStopped()
}

// RecordVMCrashed records a VM crash (spec.md §7 "VM crashed mid-run").
func (m *Metrics) RecordVMCrashed() {
	m.VMsCrashed.Add(1)
	RecordPrometheusVMCrashed()
}

func (m *Metrics) getImageMetrics(image string) *ImageMetrics {
	if v, ok := m.imageMetrics.Load(image); ok {
		return v.(*ImageMetrics)
	}

	im := &ImageMetrics{}
	im.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.imageMetrics.LoadOrStore(image, im)
	return actual.(*ImageMetrics)
}

// GetImageMetrics returns the metrics for a specific image, or nil if
// none have been recorded yet.
func (m *Metrics) GetImageMetrics(image string) *ImageMetrics {
	if v, ok := m.imageMetrics.Load(image); ok {
		return v.(*ImageMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalJobs.Load()
	avgDuration := float64(0)
	if total > 0 {
		avgDuration = float64(m.TotalDurationMs.Load()) / float64(total)
	}

	minDuration := m.MinDurationMs.Load()
	if minDuration == int64(^uint64(0)>>1) {
		minDuration = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"jobs": map[string]interface{}{
			"total":    total,
			"success":  m.SucceededJobs.Load(),
			"failed":   m.FailedJobs.Load(),
			"timeout":  m.TimeoutJobs.Load(),
			"retried":  m.RetriedJobs.Load(),
			"rate_pct": successPercentage(m.SucceededJobs.Load(), total),
		},
		"duration_ms": map[string]interface{}{
			"avg": avgDuration,
			"min": minDuration,
			"max": m.MaxDurationMs.Load(),
		},
		"vms": map[string]interface{}{
			"created": m.VMsCreated.Load(),
			"stopped": m.VMsStopped.Load(),
			"crashed": m.VMsCrashed.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}
}

// ImageStats returns per-image metrics.
func (m *Metrics) ImageStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.imageMetrics.Range(func(key, value interface{}) bool {
		image := key.(string)
		im := value.(*ImageMetrics)

		total := im.TotalJobs.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(im.TotalMs.Load()) / float64(total)
		}

		minMs := im.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[image] = map[string]interface{}{
			"total":   total,
			"success": im.SucceededJobs.Load(),
			"failed":  im.FailedJobs.Load(),
			"timeout": im.TimeoutJobs.Load(),
			"retried": im.RetriedJobs.Load(),
			"avg_ms":  avgMs,
			"min_ms":  minMs,
			"max_ms":  im.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["images"] = m.ImageStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"completions":  bucket.Completions,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func successPercentage(succeeded, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(succeeded) / float64(total) * 100
}
