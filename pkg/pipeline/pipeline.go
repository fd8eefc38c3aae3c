package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/relayscan/relayscan/internal/option"
	"github.com/relayscan/relayscan/pkg/history"
	"github.com/relayscan/relayscan/pkg/locate"
	"github.com/relayscan/relayscan/pkg/metrics"
	"github.com/relayscan/relayscan/pkg/probe"
	"github.com/relayscan/relayscan/pkg/workerpool"
)

const (
	stageCandidates = "candidates"
	stageCapable    = "capable"
	stageLocated    = "located"
)

type Prober interface {
	Probe(ctx context.Context, relayURL string) probe.Result
}

type Locator interface {
	Locate(ctx context.Context, relayURL string) (locate.GeoResult, bool)
}

var (
	_ Prober  = &probe.Prober{}
	_ Locator = &locate.Resolver{}
)

type Config struct {
	History           *history.Store
	Kind              int
	ProbeConcurrency  int
	LocateConcurrency int
	ProbeTimeout      time.Duration
	LocateTimeout     time.Duration
	RateLimit         float64
}

type Option = option.Option[Config]

func WithProbeConcurrency(n int) Option {
	return func(cfg *Config) error {
		if n < 1 {
			return errors.New("probe concurrency must be at least 1")
		}
		cfg.ProbeConcurrency = n
		return nil
	}
}

func WithLocateConcurrency(n int) Option {
	return func(cfg *Config) error {
		if n < 1 {
			return errors.New("locate concurrency must be at least 1")
		}
		cfg.LocateConcurrency = n
		return nil
	}
}

// WithProbeTimeout bounds a whole probe unit, read and write test included.
func WithProbeTimeout(d time.Duration) Option {
	return func(cfg *Config) error {
		cfg.ProbeTimeout = d
		return nil
	}
}

func WithLocateTimeout(d time.Duration) Option {
	return func(cfg *Config) error {
		cfg.LocateTimeout = d
		return nil
	}
}

// WithRateLimit limits how many relays are dialed per second.
func WithRateLimit(perSecond float64) Option {
	return func(cfg *Config) error {
		cfg.RateLimit = perSecond
		return nil
	}
}

// WithHistory records each run in the store.
func WithHistory(store *history.Store, kind int) Option {
	return func(cfg *Config) error {
		cfg.History = store
		cfg.Kind = kind
		return nil
	}
}

type Stats struct {
	Started    time.Time
	Finished   time.Time
	Candidates int
	Capable    int
	Located    int
	RunID      uuid.UUID
}

type Report struct {
	Probes  []probe.Result
	Capable []string
	Results []locate.GeoResult
	Stats   Stats
}

func defaultConfig() Config {
	return Config{
		ProbeConcurrency:  workerpool.DefaultConcurrency,
		LocateConcurrency: workerpool.DefaultConcurrency,
	}
}

// Run probes every relay and geolocates the capable ones. The probe stage
// completes before the locate stage starts.
func Run(ctx context.Context, prober Prober, locator Locator, relays []string, opts ...Option) (Report, error) {
	cfg, err := option.Build(defaultConfig(), opts...)
	if err != nil {
		return Report{}, err
	}
	log := logr.FromContextOrDiscard(ctx).WithName("pipeline")

	stats := Stats{Started: time.Now(), Candidates: len(relays)}
	metrics.PipelineRelays.WithLabelValues(stageCandidates).Set(float64(len(relays)))

	probes, err := probeStage(ctx, prober, relays, cfg)
	if err != nil {
		return Report{}, err
	}
	capable := []string{}
	for _, res := range probes {
		if res.Capable() {
			capable = append(capable, res.URL)
		}
	}
	stats.Capable = len(capable)
	metrics.PipelineRelays.WithLabelValues(stageCapable).Set(float64(len(capable)))
	log.Info("probe stage complete", "candidates", len(relays), "capable", len(capable))

	results, err := locateStage(ctx, locator, capable, cfg)
	if err != nil {
		return Report{}, err
	}
	stats.Located = len(results)
	stats.Finished = time.Now()
	metrics.PipelineRelays.WithLabelValues(stageLocated).Set(float64(len(results)))
	log.Info("locate stage complete", "capable", len(capable), "located", len(results))

	if cfg.History != nil {
		run, err := cfg.History.RecordRun(history.Run{
			Started:    stats.Started,
			Finished:   stats.Finished,
			Kind:       cfg.Kind,
			Candidates: stats.Candidates,
			Capable:    stats.Capable,
			Located:    stats.Located,
		}, capable)
		if err != nil {
			return Report{}, err
		}
		stats.RunID = run.ID
	}

	return Report{
		Probes:  probes,
		Capable: capable,
		Results: results,
		Stats:   stats,
	}, nil
}

// Probe runs only the probe stage and returns results in input order.
func Probe(ctx context.Context, prober Prober, relays []string, opts ...Option) ([]probe.Result, error) {
	cfg, err := option.Build(defaultConfig(), opts...)
	if err != nil {
		return nil, err
	}
	return probeStage(ctx, prober, relays, cfg)
}

// Locate runs only the locate stage and returns the located relays in input order.
func Locate(ctx context.Context, locator Locator, relays []string, opts ...Option) ([]locate.GeoResult, error) {
	cfg, err := option.Build(defaultConfig(), opts...)
	if err != nil {
		return nil, err
	}
	return locateStage(ctx, locator, relays, cfg)
}

type indexed struct {
	url   string
	index int
}

func index(relays []string) []indexed {
	units := make([]indexed, 0, len(relays))
	for i, relay := range relays {
		units = append(units, indexed{url: relay, index: i})
	}
	return units
}

func probeStage(ctx context.Context, prober Prober, relays []string, cfg Config) ([]probe.Result, error) {
	log := logr.FromContextOrDiscard(ctx).WithName("pipeline")

	poolOpts := []workerpool.Option{
		workerpool.WithName("probe"),
		workerpool.WithConcurrency(cfg.ProbeConcurrency),
		workerpool.WithUnitTimeout(cfg.ProbeTimeout),
	}
	if cfg.RateLimit > 0 {
		poolOpts = append(poolOpts, workerpool.WithRateLimit(cfg.RateLimit, 1))
	}
	outcomes, err := workerpool.Run(ctx, index(relays), func(ctx context.Context, unit indexed) (probe.Result, error) {
		return prober.Probe(ctx, unit.url), nil
	}, poolOpts...)
	if err != nil {
		return nil, err
	}
	// Units that never started would be reported as incapable relays.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("probe stage interrupted: %w", err)
	}

	results := make([]probe.Result, len(relays))
	for _, outcome := range outcomes {
		res := outcome.Result
		if outcome.Err != nil {
			log.V(4).Info("probe unit failed", "relay", outcome.Unit.url, "err", outcome.Err)
			res = probe.Result{URL: outcome.Unit.url, ReadErr: outcome.Err, WriteErr: outcome.Err}
		}
		results[outcome.Unit.index] = res
	}
	return results, nil
}

func locateStage(ctx context.Context, locator Locator, relays []string, cfg Config) ([]locate.GeoResult, error) {
	log := logr.FromContextOrDiscard(ctx).WithName("pipeline")

	outcomes, err := workerpool.Run(ctx, index(relays), func(ctx context.Context, unit indexed) (*locate.GeoResult, error) {
		res, ok := locator.Locate(ctx, unit.url)
		if !ok {
			return nil, nil
		}
		return &res, nil
	}, workerpool.WithName("locate"), workerpool.WithConcurrency(cfg.LocateConcurrency), workerpool.WithUnitTimeout(cfg.LocateTimeout))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("locate stage interrupted: %w", err)
	}

	located := make([]*locate.GeoResult, len(relays))
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			log.V(4).Info("locate unit failed", "relay", outcome.Unit.url, "err", outcome.Err)
			continue
		}
		located[outcome.Unit.index] = outcome.Result
	}
	results := []locate.GeoResult{}
	for _, res := range located {
		if res != nil {
			results = append(results, *res)
		}
	}
	return results, nil
}
