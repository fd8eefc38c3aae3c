package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DefaultRegisterer and DefaultGatherer are the implementations of the
	// prometheus Registerer and Gatherer interfaces that all metrics operations
	// will use. They are variables so that packages that embed this library can
	// replace them at runtime, instead of having to pass around specific
	// registries.
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	ProbeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relayscan_probe_total",
		Help: "Total number of relay capability tests.",
	}, []string{"test", "result"})
	ProbeDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayscan_probe_duration_seconds",
		Help:    "The duration of a single capability test against a relay.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"test"})
	LocateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relayscan_locate_total",
		Help: "Total number of relay geolocation attempts.",
	}, []string{"result"})
	DNSDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "relayscan_dns_duration_seconds",
		Help: "The duration of resolving a relay hostname.",
	}, []string{"resolver"})
	DatasetRanges = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayscan_dataset_ranges",
		Help: "Number of IP ranges loaded from the geolocation dataset.",
	}, []string{"coords"})
	PipelineRelays = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayscan_pipeline_relays",
		Help: "Number of relays that passed each pipeline stage in the last run.",
	}, []string{"stage"})
	WorkerUnitsInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayscan_worker_units_inflight",
		Help: "The number of work units executing at the same time.",
	}, []string{"pool"})
)

func Register() {
	DefaultRegisterer.MustRegister(ProbeTotal)
	DefaultRegisterer.MustRegister(ProbeDurHistogram)
	DefaultRegisterer.MustRegister(LocateTotal)
	DefaultRegisterer.MustRegister(DNSDurHistogram)
	DefaultRegisterer.MustRegister(DatasetRanges)
	DefaultRegisterer.MustRegister(PipelineRelays)
	DefaultRegisterer.MustRegister(WorkerUnitsInflight)
}
