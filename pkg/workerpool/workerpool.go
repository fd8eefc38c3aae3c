package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relayscan/relayscan/internal/option"
	"github.com/relayscan/relayscan/pkg/metrics"
)

const DefaultConcurrency = 10

var ErrUnitTimeout = errors.New("unit timed out")

// PanicError is returned as the unit error when the worker panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.Value)
}

// Outcome is the result of running the worker against a single unit.
type Outcome[T, R any] struct {
	Unit     T
	Result   R
	Err      error
	Duration time.Duration
}

type Config struct {
	Limiter     *rate.Limiter
	Name        string
	Concurrency int
	UnitTimeout time.Duration
}

type Option = option.Option[Config]

// WithConcurrency sets the maximum amount of units executing at once.
func WithConcurrency(n int) Option {
	return func(cfg *Config) error {
		if n < 1 {
			return errors.New("concurrency must be at least 1")
		}
		cfg.Concurrency = n
		return nil
	}
}

// WithUnitTimeout bounds the time each unit may run. The unit context is
// cancelled when the timeout fires.
func WithUnitTimeout(d time.Duration) Option {
	return func(cfg *Config) error {
		if d < 0 {
			return errors.New("unit timeout cannot be negative")
		}
		cfg.UnitTimeout = d
		return nil
	}
}

// WithRateLimit limits how many units may start per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(cfg *Config) error {
		if perSecond <= 0 {
			return errors.New("rate limit must be positive")
		}
		if burst < 1 {
			burst = 1
		}
		cfg.Limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithName sets the pool name used in logs and metrics.
func WithName(name string) Option {
	return func(cfg *Config) error {
		cfg.Name = name
		return nil
	}
}

// Run executes worker once for every unit with bounded concurrency and returns
// the outcomes in completion order. A failing or panicking unit never stops
// its siblings. When ctx is cancelled units that have not started are
// reported with the context error.
func Run[T, R any](ctx context.Context, units []T, worker func(context.Context, T) (R, error), opts ...Option) ([]Outcome[T, R], error) {
	cfg, err := option.Build(Config{
		Name:        "default",
		Concurrency: DefaultConcurrency,
	}, opts...)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return []Outcome[T, R]{}, nil
	}

	log := logr.FromContextOrDiscard(ctx).WithName("workerpool").WithValues("pool", cfg.Name)
	inflight := metrics.WorkerUnitsInflight.WithLabelValues(cfg.Name)

	// The group context is never cancelled by unit errors as workers always return nil.
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(min(cfg.Concurrency, len(units)))
	outcomeCh := make(chan Outcome[T, R], len(units))
	log.V(1).Info("starting units", "units", len(units), "concurrency", min(cfg.Concurrency, len(units)))
	for _, unit := range units {
		g.Go(func() error {
			if cfg.Limiter != nil {
				if err := cfg.Limiter.Wait(gCtx); err != nil {
					outcomeCh <- Outcome[T, R]{Unit: unit, Err: err}
					return nil
				}
			}
			if err := gCtx.Err(); err != nil {
				outcomeCh <- Outcome[T, R]{Unit: unit, Err: err}
				return nil
			}
			inflight.Inc()
			defer inflight.Dec()
			outcome := runUnit(gCtx, unit, worker, cfg.UnitTimeout)
			if outcome.Err != nil {
				var panicErr *PanicError
				if errors.As(outcome.Err, &panicErr) {
					log.Error(outcome.Err, "unit panicked", "stack", string(panicErr.Stack))
				}
			}
			outcomeCh <- outcome
			return nil
		})
	}
	//nolint: errcheck // Workers never return errors.
	g.Wait()
	close(outcomeCh)

	outcomes := make([]Outcome[T, R], 0, len(units))
	for outcome := range outcomeCh {
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func runUnit[T, R any](ctx context.Context, unit T, worker func(context.Context, T) (R, error), timeout time.Duration) Outcome[T, R] {
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// The worker runs on its own goroutine so a unit ignoring its context
	// still releases the slot once the deadline passes.
	resultCh := make(chan Outcome[T, R], 1)
	go func() {
		resultCh <- call(ctx, unit, worker)
	}()
	var outcome Outcome[T, R]
	select {
	case outcome = <-resultCh:
	case <-ctx.Done():
		select {
		case outcome = <-resultCh:
		default:
			outcome = Outcome[T, R]{Unit: unit, Err: ctx.Err()}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				outcome.Err = fmt.Errorf("%w after %s: %w", ErrUnitTimeout, timeout, ctx.Err())
			}
		}
	}
	outcome.Duration = time.Since(start)
	return outcome
}

func call[T, R any](ctx context.Context, unit T, worker func(context.Context, T) (R, error)) (outcome Outcome[T, R]) {
	outcome.Unit = unit
	defer func() {
		if v := recover(); v != nil {
			var zero R
			outcome.Result = zero
			outcome.Err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	outcome.Result, outcome.Err = worker(ctx, unit)
	return outcome
}
