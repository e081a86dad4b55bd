package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/perilstack/lossengine/internal/formula"
)

// State is the lifecycle stage of a run.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Run is one engine invocation as recorded by the service.
// A Run is replaced, never mutated, once it has been Put.
type Run struct {
	ID      string
	State   State
	Formula string
	Params  formula.Params
	Workers int
	Records int
	Chunks  int

	TotalLoss float64
	Losses    []float64

	// BuildingIDs holds the per-record IDs for ByID lookups; nil when no
	// record carried one.
	BuildingIDs []string

	Error       string
	ErrorReason string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall-clock time of a finished run, or zero while running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// MaxLoss returns the largest per-record loss, or zero for an empty run.
func (r *Run) MaxLoss() float64 {
	var m float64
	for i, v := range r.Losses {
		if i == 0 || v > m {
			m = v
		}
	}
	return m
}

// MeanLoss returns TotalLoss divided by the record count.
func (r *Run) MeanLoss() float64 {
	if r.Records == 0 {
		return 0
	}
	return r.TotalLoss / float64(r.Records)
}

// entry is a run together with the time it was last written.
type entry struct {
	run       *Run
	updatedAt time.Time
}

// Store is a thread-safe in-memory run store keyed by run ID. Runs that have
// not been updated within the TTL are hidden from List and removed by Run.
type Store struct {
	mu   sync.RWMutex
	data map[string]*entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put stores or replaces the run with run.ID.
// Callers must not modify run after calling Put.
func (s *Store) Put(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[run.ID] = &entry{run: run, updatedAt: s.now()}
}

// Get returns the run with the given ID. An expired run that has not been
// evicted yet is still returned.
func (s *Store) Get(id string) (*Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[id]
	if !ok {
		return nil, false
	}
	return e.run, true
}

// List returns live runs, most recently started first.
func (s *Store) List() []*Run {
	s.mu.RLock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]*Run, 0, len(s.data))
	for _, e := range s.data {
		if e.updatedAt.After(cutoff) {
			out = append(out, e.run)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of runs held, including expired ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// CountByState returns how many held runs are in each state.
func (s *Store) CountByState() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[State]int, 3)
	for _, e := range s.data {
		out[e.run.State]++
	}
	return out
}

// Evict removes runs last written at or before now minus TTL and returns
// how many were removed. Running entries are kept regardless of age.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, e := range s.data {
		if e.run.State == StateRunning {
			continue
		}
		if !e.updatedAt.After(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Run evicts expired runs every half TTL (at least once a second) until ctx
// is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted expired runs", "count", n)
			}
		}
	}
}
