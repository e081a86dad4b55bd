package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/perilstack/lossengine/internal/chunker"
	"github.com/perilstack/lossengine/internal/formula"
)

// outcome is the slot a worker fills for one chunk.
type outcome struct {
	partial Partial
	err     error
	done    bool
}

// pool is a fixed set of worker goroutines scoped to a single run.
// It is created by Engine.Run and discarded when the run returns.
type pool struct {
	size    int
	formula formula.Formula
	params  formula.Params
	tracer  trace.Tracer
}

func newPool(size int, f formula.Formula, p formula.Params, tracer trace.Tracer) *pool {
	if size < 1 {
		size = 1
	}
	return &pool{size: size, formula: f, params: p, tracer: tracer}
}

// run feeds every chunk from c to the workers and returns the partials in
// chunk order. The first failing chunk (lowest index) fails the whole run;
// remaining chunks are skipped once a failure is seen.
func (p *pool) run(ctx context.Context, c *chunker.Chunker) ([]Partial, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]outcome, c.Len())
	tasks := make(chan chunker.Chunk)

	var wg sync.WaitGroup
	wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go func() {
			defer wg.Done()
			for ch := range tasks {
				if runCtx.Err() != nil {
					continue
				}
				o := p.exec(runCtx, ch)
				if o.err != nil {
					cancel()
				}
				results[ch.Index] = o
			}
		}()
	}

dispatch:
	for ch := range c.All() {
		select {
		case tasks <- ch:
		case <-runCtx.Done():
			break dispatch
		}
	}
	close(tasks)
	wg.Wait()

	for _, o := range results {
		if o.err != nil {
			return nil, o.err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("engine: run interrupted: %w", err)
	}

	partials := make([]Partial, len(results))
	for i, o := range results {
		if !o.done {
			return nil, fmt.Errorf("engine: %w: chunk %d produced no result", ErrInconsistent, i)
		}
		partials[i] = o.partial
	}
	return partials, nil
}

// exec applies the formula to one chunk. A panic in the formula is turned
// into an ErrWorkerFailure for that chunk so sibling workers are unaffected.
func (p *pool) exec(ctx context.Context, ch chunker.Chunk) (o outcome) {
	_, span := p.tracer.Start(ctx, "lossengine.chunk", trace.WithAttributes(
		attribute.Int("chunk.index", ch.Index),
		attribute.Int("chunk.offset", ch.Offset),
		attribute.Int("chunk.records", len(ch.Records)),
	))
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: chunkErr(ch, fmt.Errorf("%w: panic: %v", ErrWorkerFailure, r))}
		}
		if o.err != nil {
			span.RecordError(o.err)
			span.SetStatus(codes.Error, "chunk failed")
		}
		span.End()
	}()

	b, err := p.formula.Compute(ch.Records, p.params)
	if err != nil {
		return outcome{err: chunkErr(ch, rebase(err, ch.Offset))}
	}
	if len(b.Losses) != len(ch.Records) {
		return outcome{err: chunkErr(ch, fmt.Errorf("%w: %d losses for %d records",
			ErrInconsistent, len(b.Losses), len(ch.Records)))}
	}
	return outcome{
		partial: Partial{Offset: ch.Offset, Total: b.Total, Losses: b.Losses},
		done:    true,
	}
}

func chunkErr(ch chunker.Chunk, err error) *ChunkError {
	return &ChunkError{Chunk: ch.Index, Start: ch.Offset, End: ch.End(), Err: err}
}

// rebase shifts a chunk-local record position onto the whole dataset.
// The formula's error value is copied, not modified.
func rebase(err error, offset int) error {
	var re *formula.RecordError
	if !errors.As(err, &re) || error(re) != err {
		return err
	}
	shifted := *re
	shifted.Position += offset
	return &shifted
}
