package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perilstack/lossengine/internal/alerts"
	"github.com/perilstack/lossengine/internal/chunker"
	"github.com/perilstack/lossengine/internal/config"
	"github.com/perilstack/lossengine/internal/engine"
	"github.com/perilstack/lossengine/internal/formula"
	"github.com/perilstack/lossengine/internal/metrics"
	"github.com/perilstack/lossengine/internal/store"
	"github.com/perilstack/lossengine/pkg/types"
)

// ErrInvalidRequest marks a request rejected before the engine ran.
var ErrInvalidRequest = errors.New("invalid request")

// Defaults are the run parameters used when a request leaves them unset.
type Defaults struct {
	Formula string
	Params  formula.Params
	// Workers of zero derives the pool size from the host.
	Workers int
}

// DefaultsFromConfig converts the engine config section.
func DefaultsFromConfig(cfg config.EngineConfig) Defaults {
	return Defaults{Formula: cfg.Formula, Params: cfg.Params(), Workers: cfg.Workers}
}

// Request asks for one run. Nil parameter pointers and a zero Workers take
// the service defaults.
type Request struct {
	Records      []types.Record
	Formula      string
	DiscountRate *float64
	HorizonYears *int
	Workers      int
}

// Service runs estimates on behalf of the REST and gRPC front ends and
// records every run in the store.
//
// Service is safe for concurrent use.
type Service struct {
	store      *store.Store
	alerts     *alerts.Engine
	metrics    *metrics.Registry
	maxRecords int

	mu        sync.RWMutex
	defaults  Defaults
	listeners []func(*store.Run)

	newID func() string
	now   func() time.Time
}

// New wires a Service. alerts and reg may be nil.
func New(d Defaults, maxRecords int, st *store.Store, al *alerts.Engine, reg *metrics.Registry) *Service {
	s := &Service{
		store:      st,
		alerts:     al,
		metrics:    reg,
		maxRecords: maxRecords,
		defaults:   d,
		newID:      uuid.NewString,
		now:        time.Now,
	}
	if reg != nil {
		reg.AddGauge("runs_retained", "Runs currently held in the run store.", func() float64 {
			return float64(st.Count())
		})
	}
	return s
}

// SetDefaults replaces the run defaults, for example after a config reload.
// Runs already in flight keep the values they started with.
func (s *Service) SetDefaults(d Defaults) {
	s.mu.Lock()
	s.defaults = d
	s.mu.Unlock()
	slog.Info("service: defaults updated",
		"formula", d.Formula, "discount_rate", d.Params.DiscountRate,
		"horizon_years", d.Params.HorizonYears, "workers", d.Workers)
}

// Defaults returns the current run defaults.
func (s *Service) Defaults() Defaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// Subscribe registers fn to be called with every run when it starts and
// again when it finishes. fn must not block.
func (s *Service) Subscribe(fn func(*store.Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Store exposes the run store for read-only queries.
func (s *Service) Store() *store.Store { return s.store }

// Alerts returns the alert engine, or nil when alerting is not configured.
func (s *Service) Alerts() *alerts.Engine { return s.alerts }

// Estimate runs the engine for req and records the result. The returned
// Run is non-nil whenever the engine was started, including on failure, so
// callers can report its ID.
func (s *Service) Estimate(ctx context.Context, req Request) (*store.Run, error) {
	d := s.Defaults()

	name := req.Formula
	if name == "" {
		name = d.Formula
	}
	f, err := formula.ByName(name)
	if err != nil {
		return nil, fmt.Errorf("service: %w: %v", ErrInvalidRequest, err)
	}

	p := d.Params
	if req.DiscountRate != nil {
		p.DiscountRate = *req.DiscountRate
	}
	if req.HorizonYears != nil {
		p.HorizonYears = *req.HorizonYears
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("service: %w: %v", ErrInvalidRequest, err)
	}

	if req.Workers < 0 {
		return nil, fmt.Errorf("service: %w: workers must not be negative", ErrInvalidRequest)
	}
	if s.maxRecords > 0 && len(req.Records) > s.maxRecords {
		return nil, fmt.Errorf("service: %w: %d records exceeds limit of %d",
			ErrInvalidRequest, len(req.Records), s.maxRecords)
	}

	workers := req.Workers
	if workers == 0 {
		workers = d.Workers
	}
	if workers == 0 {
		workers = engine.DefaultWorkers()
	}

	run := &store.Run{
		ID:          s.newID(),
		State:       store.StateRunning,
		Formula:     f.Name(),
		Params:      p,
		Workers:     workers,
		Records:     len(req.Records),
		BuildingIDs: buildingIDs(req.Records),
		StartedAt:   s.now().UTC(),
	}
	s.publish(run)

	var opts []engine.Option
	if s.metrics != nil {
		opts = append(opts, engine.WithObserver(s.metrics))
	}
	res, runErr := engine.New(f, opts...).Run(ctx, req.Records, p, workers)

	done := *run
	done.FinishedAt = s.now().UTC()
	if runErr != nil {
		done.State = store.StateFailed
		done.Error = runErr.Error()
		done.ErrorReason = metrics.Reason(runErr)
		slog.Warn("service: run failed", "run", done.ID, "reason", done.ErrorReason, "err", runErr)
	} else {
		done.State = store.StateSucceeded
		done.TotalLoss = res.TotalLoss
		done.Losses = res.Losses
		done.Chunks = chunker.Count(len(req.Records), chunker.Size(len(req.Records), workers))
		slog.Info("service: run complete",
			"run", done.ID, "formula", done.Formula, "records", done.Records,
			"workers", workers, "duration", done.Duration(), "total_loss", done.TotalLoss)
	}
	s.publish(&done)

	if s.alerts != nil {
		s.alerts.Evaluate(&done)
	}
	if runErr != nil {
		return &done, fmt.Errorf("service: run %s: %w", done.ID, runErr)
	}
	return &done, nil
}

func (s *Service) publish(run *store.Run) {
	s.store.Put(run)
	s.mu.RLock()
	ls := s.listeners
	s.mu.RUnlock()
	for _, fn := range ls {
		fn(run)
	}
}

// IsInvalid reports whether err was caused by the request's content rather
// than by the server.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, formula.ErrMalformedRecord) ||
		errors.Is(err, formula.ErrDomain) ||
		errors.Is(err, engine.ErrInvalidWorkers)
}

// buildingIDs returns the record IDs, or nil when no record has one.
func buildingIDs(records []types.Record) []string {
	var ids []string
	for i, r := range records {
		if r.ID == "" {
			continue
		}
		if ids == nil {
			ids = make([]string, len(records))
		}
		ids[i] = r.ID
	}
	return ids
}
