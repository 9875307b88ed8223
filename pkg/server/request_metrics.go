package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/theroutercompany/exception_handling/internal/values"
	"github.com/theroutercompany/exception_handling/pkg/metrics"
)

type requestMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newRequestMetrics(reg *metrics.Registry) *requestMetrics {
	if reg == nil {
		return nil
	}
	return &requestMetrics{
		requests: reg.CounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Completed HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		duration: reg.HistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *requestMetrics) track(r *http.Request, status int, elapsed time.Duration) {
	if m == nil || r == nil {
		return
	}
	route := routeLabel(r.URL.Path)
	m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// routeLabel keeps label cardinality bounded regardless of client input.
func routeLabel(path string) string {
	switch p := strings.ToLower(strings.TrimSuffix(path, "/")); {
	case p == values.BasePath, p == values.ExceptionPath, p == values.PanicPath:
		return p
	case values.Match(p):
		return values.BasePath + "/*"
	case p == "/health", p == "/readyz", p == "/openapi.json", p == "/metrics":
		return p
	default:
		return "other"
	}
}
