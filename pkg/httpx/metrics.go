package httpx

import "github.com/prometheus/client_golang/prometheus"

var (
	HttpRequestDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "http_client",
		Name:      "request_duration_seconds",
		Help:      "The latency of outgoing HTTP requests.",
	}, []string{"client", "method", "code"})
	HttpRequestsInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "http_client",
		Name:      "requests_inflight",
		Help:      "The number of outgoing requests in flight at the same time.",
	}, []string{"client"})
)

func RegisterMetrics(registerer prometheus.Registerer) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	registerer.MustRegister(HttpRequestDurHistogram)
	registerer.MustRegister(HttpRequestsInflight)
}
