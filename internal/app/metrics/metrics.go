package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swapgraph",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapgraph",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swapgraph",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	matchingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapgraph",
			Subsystem: "matching",
			Name:      "runs_total",
			Help:      "Total number of matching runs.",
		},
		[]string{"limited"},
	)

	matchingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "swapgraph",
			Subsystem: "matching",
			Name:      "run_duration_seconds",
			Help:      "Duration of matching runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	matchingSelected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "swapgraph",
			Subsystem: "matching",
			Name:      "proposals_selected_total",
			Help:      "Total number of cycle proposals selected across runs.",
		},
	)

	settlementTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapgraph",
			Subsystem: "settlement",
			Name:      "transitions_total",
			Help:      "Total number of settlement state transitions.",
		},
		[]string{"to"},
	)

	receiptsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swapgraph",
			Subsystem: "settlement",
			Name:      "receipts_total",
			Help:      "Total number of receipts issued.",
		},
		[]string{"final_state"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		matchingRuns,
		matchingDuration,
		matchingSelected,
		settlementTransitions,
		receiptsIssued,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordMatchingRun records one matching run and its selection size.
func RecordMatchingRun(duration time.Duration, selected int, limited bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	matchingRuns.WithLabelValues(strconv.FormatBool(limited)).Inc()
	matchingDuration.Observe(duration.Seconds())
	matchingSelected.Add(float64(selected))
}

// RecordSettlementTransition records one timeline state transition.
func RecordSettlementTransition(to string) {
	settlementTransitions.WithLabelValues(to).Inc()
}

// RecordReceipt records one issued receipt.
func RecordReceipt(finalState string) {
	receiptsIssued.WithLabelValues(finalState).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses resource ids so the label set stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "swap-intents":
		if len(parts) == 1 {
			return "/swap-intents"
		}
		if len(parts) >= 3 {
			return "/swap-intents/:id/" + parts[2]
		}
		return "/swap-intents/:id"
	case "cycle-proposals":
		if len(parts) == 1 {
			return "/cycle-proposals"
		}
		if len(parts) >= 3 {
			return "/cycle-proposals/:id/" + parts[2]
		}
		return "/cycle-proposals/:id"
	case "settlement":
		if len(parts) >= 3 {
			return "/settlement/:cycle_id/" + parts[2]
		}
		return "/settlement/:cycle_id"
	case "receipts":
		return "/receipts/:cycle_id"
	case "vault":
		if len(parts) >= 6 {
			return "/vault/custody/snapshots/:id/holdings/:holding_id/proof"
		}
		if len(parts) >= 4 {
			return "/vault/custody/snapshots/:id"
		}
		return "/vault/custody/snapshots"
	default:
		return "/" + parts[0]
	}
}
