package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	blocksDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rhx",
			Subsystem: "stream",
			Name:      "blocks_decoded_total",
			Help:      "Waveform blocks decoded across all connection generations.",
		},
	)
	resyncBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rhx",
			Subsystem: "stream",
			Name:      "resync_bytes_total",
			Help:      "Bytes skipped while searching for the block magic.",
		},
	)
	streamFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rhx",
			Subsystem: "stream",
			Name:      "faults_total",
			Help:      "Decoder stream faults by kind.",
		},
		[]string{"kind"},
	)
	listenerErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rhx",
			Subsystem: "stream",
			Name:      "listener_errors_total",
			Help:      "Block or fault listeners that returned an error or panicked.",
		},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rhx",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Reconnect loops started, by trigger reason.",
		},
		[]string{"reason"},
	)
	connectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rhx",
			Subsystem: "session",
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts by channel.",
		},
		[]string{"channel"},
	)
	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rhx",
			Subsystem: "session",
			Name:      "connected",
			Help:      "1 while both connections are up and the decoder is running.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rhx",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rhx",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Collectors lists every collector owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		blocksDecoded, resyncBytes, streamFaults, listenerErrors,
		reconnects, connectFailures, connected,
		httpRequests, httpDuration,
	}
}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler serves the default registry after registering this package's
// collectors.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordBlock() {
	blocksDecoded.Inc()
}

func RecordResync(skipped int) {
	resyncBytes.Add(float64(skipped))
}

func RecordStreamFault(kind string) {
	streamFaults.WithLabelValues(kind).Inc()
}

func RecordListenerError() {
	listenerErrors.Inc()
}

func RecordReconnect(reason string) {
	reconnects.WithLabelValues(reason).Inc()
}

func RecordConnectFailure(channel string) {
	connectFailures.WithLabelValues(channel).Inc()
}

func SetConnected(up bool) {
	if up {
		connected.Set(1)
		return
	}
	connected.Set(0)
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
