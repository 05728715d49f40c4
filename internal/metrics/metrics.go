// Package metrics holds the Prometheus collectors shared by the acquisition
// pipeline. Collectors are package globals registered once on first use.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solarpi_session_state",
		Help: "Current connection state per device (1 for the active state)",
	}, []string{"device_kind", "state"})
	SessionTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarpi_session_transitions_total",
		Help: "Connection state transitions per device and target state",
	}, []string{"device_kind", "state"})
	DecodeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarpi_decode_errors_total",
		Help: "Rejected frames per device and error kind",
	}, []string{"device_kind", "kind"})
	MeasurementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarpi_measurements_total",
		Help: "Decoded measurements per device",
	}, []string{"device_kind"})

	// Sink metrics
	SamplesWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarpi_samples_written_total",
		Help: "Rows durably appended per device",
	}, []string{"device_kind"})
	SampleWriteErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarpi_sample_write_errors_total",
		Help: "Rows dropped after exhausting write retries per device",
	}, []string{"device_kind"})
	SinkFlushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solarpi_sink_flush_total",
		Help: "Completed flush transactions",
	})
	SinkFlushDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "solarpi_sink_flush_duration_seconds",
		Help:    "Duration of flush transactions including retries",
		Buckets: prometheus.DefBuckets,
	})
	SinkBatchSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solarpi_sink_batch_size",
		Help: "Rows in the last flushed batch",
	})
	SinkQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solarpi_sink_queue_depth",
		Help: "Measurements waiting for the writer",
	})
	SinkDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solarpi_sink_degraded",
		Help: "1 while the last flush ended in a dropped batch",
	})

	// Radio and host metrics
	AdapterResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solarpi_adapter_resets_total",
		Help: "Bluetooth adapter power cycles",
	})
	EnclosureReading = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solarpi_enclosure_reading",
		Help: "Last enclosure sensor reading per field",
	}, []string{"field"})

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarpi_http_requests_total",
		Help: "Served HTTP requests per route pattern and status code",
	}, []string{"route", "code"})

	registerOnce sync.Once
)

func init() {
	InitMetrics()
}

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SessionState,
			SessionTransitionsTotal,
			DecodeErrorsTotal,
			MeasurementsTotal,
			SamplesWrittenTotal,
			SampleWriteErrorsTotal,
			SinkFlushTotal,
			SinkFlushDurationSeconds,
			SinkBatchSize,
			SinkQueueDepth,
			SinkDegraded,
			AdapterResetsTotal,
			EnclosureReading,
			HTTPRequestsTotal,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	InitMetrics()
	return promhttp.Handler()
}

// RecordTransition moves the device's state gauge to state.
func RecordTransition(kind, from, to string) {
	if from != "" {
		SessionState.WithLabelValues(kind, from).Set(0)
	}
	SessionState.WithLabelValues(kind, to).Set(1)
	SessionTransitionsTotal.WithLabelValues(kind, to).Inc()
}

// RecordFlush tracks one completed flush of n rows.
func RecordFlush(n int, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	SinkFlushTotal.Inc()
	SinkFlushDurationSeconds.Observe(duration.Seconds())
	SinkBatchSize.Set(float64(n))
}

// SetDegraded mirrors the sink's degraded flag.
func SetDegraded(v bool) {
	if v {
		SinkDegraded.Set(1)
		return
	}
	SinkDegraded.Set(0)
}
