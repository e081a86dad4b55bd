package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/perilstack/lossengine/internal/chunker"
	"github.com/perilstack/lossengine/internal/formula"
	"github.com/perilstack/lossengine/pkg/types"
)

const tracerName = "github.com/perilstack/lossengine/internal/engine"

// RunStats describes one completed (or failed) run. It is handed to the
// engine's Observer after every call to Run.
type RunStats struct {
	Formula   string
	Records   int
	Chunks    int
	Workers   int
	Duration  time.Duration
	TotalLoss float64
	Err       error
}

// Observer receives RunStats after each run. Implementations must be safe
// for concurrent use when runs overlap.
type Observer interface {
	ObserveRun(RunStats)
}

// Engine dispatches loss computations over a per-run worker pool.
//
// An Engine holds only immutable configuration, so concurrent calls to Run
// are independent of each other.
type Engine struct {
	formula  formula.Formula
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time // injectable for deterministic tests
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver registers o to receive RunStats after every run.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithTracer overrides the OpenTelemetry tracer. The default is taken from
// the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New returns an Engine that applies f. A nil f selects the default
// exponential formula.
func New(f formula.Formula, opts ...Option) *Engine {
	if f == nil {
		f = formula.Exponential{}
	}
	e := &Engine{
		formula: f,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Formula returns the formula this engine applies.
func (e *Engine) Formula() formula.Formula { return e.formula }

// Run computes the loss of every record using up to workers goroutines.
//
// The dataset is split into ceil(N/workers) sized chunks, each chunk is
// computed independently, and the results are joined in chunk order: the
// returned Losses line up with records and TotalLoss is their chunk-order
// sum. An empty dataset yields a zero total and no worker is started.
//
// Any failing chunk fails the whole run with a *ChunkError naming the
// chunk's record range; no partial result is returned.
func (e *Engine) Run(ctx context.Context, records []types.Record, p formula.Params, workers int) (types.AggregateResult, error) {
	start := e.now()
	res, chunks, err := e.run(ctx, records, p, workers)
	stats := RunStats{
		Formula:   e.formula.Name(),
		Records:   len(records),
		Chunks:    chunks,
		Workers:   workers,
		Duration:  e.now().Sub(start),
		TotalLoss: res.TotalLoss,
		Err:       err,
	}
	if e.observer != nil {
		e.observer.ObserveRun(stats)
	}

	if err != nil {
		if errors.Is(err, ErrInconsistent) {
			slog.Error("engine: inconsistent aggregate", "records", len(records), "err", err)
		}
		return types.AggregateResult{}, err
	}
	slog.Debug("engine: run complete",
		"formula", stats.Formula,
		"records", stats.Records,
		"chunks", stats.Chunks,
		"workers", workers,
		"duration", stats.Duration,
		"total_loss", res.TotalLoss,
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, records []types.Record, p formula.Params, workers int) (types.AggregateResult, int, error) {
	if workers < 1 {
		return types.AggregateResult{}, 0, fmt.Errorf("engine: %w, got %d", ErrInvalidWorkers, workers)
	}
	if err := p.Validate(); err != nil {
		return types.AggregateResult{}, 0, err
	}
	if v, ok := e.formula.(formula.ParamValidator); ok {
		if err := v.ValidateParams(p); err != nil {
			return types.AggregateResult{}, 0, err
		}
	}

	n := len(records)
	if n == 0 {
		return types.AggregateResult{Losses: []float64{}}, 0, nil
	}

	size := chunker.Size(n, workers)
	c, err := chunker.New(records, size)
	if err != nil {
		return types.AggregateResult{}, 0, err
	}
	chunks := c.Len()

	ctx, span := e.tracer.Start(ctx, "lossengine.run", trace.WithAttributes(
		attribute.String("formula", e.formula.Name()),
		attribute.Int("records", n),
		attribute.Int("workers", workers),
		attribute.Int("chunk_size", size),
		attribute.Int("chunks", chunks),
	))
	defer span.End()

	partials, err := newPool(min(workers, chunks), e.formula, p, e.tracer).run(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		return types.AggregateResult{}, chunks, err
	}

	res, err := Combine(partials, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "combine failed")
		return types.AggregateResult{}, chunks, err
	}
	span.SetAttributes(attribute.Float64("total_loss", res.TotalLoss))
	return res, chunks, nil
}
