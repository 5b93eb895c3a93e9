package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blackhole"

var processedRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "How many HTTP requests processed, partitioned by route, method and status code.",
	},
	[]string{"route", "method", "code"},
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "http_request_duration_seconds",
	Help:      "How long it took to process the request, partitioned by route, method and status code.",
	Buckets:   []float64{.001, .005, .01, .05, .1, .3, 1, 5},
},
	[]string{"route", "method", "code"},
)

var recordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "records_total",
	Help:      "How many requests were captured into the request log.",
})

var recordBytes = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "record_bytes_total",
	Help:      "How many bytes were appended to the request log file.",
})

var recordErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "record_errors_total",
	Help:      "How many records could not be written to the request log file.",
})

var streamDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "stream_dropped_total",
	Help:      "How many records were not delivered to a slow live subscriber.",
})

var streamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "stream_subscribers",
	Help:      "Number of connected live subscribers.",
})

var infoGuage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "info",
	Help:      "Information about the blackhole version and commit hash",
}, []string{"version", "commit"})

func SetInfo(version, commit string) {
	infoGuage.With(prometheus.Labels{
		"version": version,
		"commit":  commit,
	}).Set(1)
}

func HttpProcessedRequest(route string, method string, code int) {
	processedRequests.With(prometheus.Labels{
		"route":  route,
		"method": method,
		"code":   strconv.FormatInt(int64(code), 10),
	}).Inc()
}

func HttpRequestDuration(route string, method string, code int, duration float64) {
	requestDuration.With(prometheus.Labels{
		"route":  route,
		"method": method,
		"code":   strconv.FormatInt(int64(code), 10),
	}).Observe(duration)
}

func RecordAppended(bytes int) {
	recordsTotal.Inc()
	recordBytes.Add(float64(bytes))
}

func RecordError() {
	recordErrors.Inc()
}

func StreamDropped() {
	streamDropped.Inc()
}

func StreamSubscribers(n int) {
	streamSubscribers.Set(float64(n))
}

func SetupHandler() http.Handler {
	req := prometheus.NewRegistry()

	req.MustRegister(
		collectors.NewGoCollector(),
		infoGuage,
		processedRequests,
		requestDuration,
		recordsTotal,
		recordBytes,
		recordErrors,
		streamDropped,
		streamSubscribers,
	)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(req, promhttp.HandlerOpts{}))

	return mux
}
