package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/perilstack/lossengine/internal/engine"
	"github.com/perilstack/lossengine/internal/formula"
)

const namespace = "lossengine"

// DurationBuckets are the upper bounds, in seconds, of the run duration
// histogram.
var DurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}

type runKey struct {
	formula string
	status  string
	reason  string
}

// Registry accumulates engine run statistics and renders them in the
// Prometheus text exposition format. It implements engine.Observer.
type Registry struct {
	mu sync.Mutex

	runs      map[runKey]uint64
	records   map[string]uint64
	chunks    map[string]uint64
	lastTotal map[string]float64
	workers   map[string]float64

	bucketCounts []uint64
	durSum       float64
	durCount     uint64

	gauges map[string]gaugeFunc
}

type gaugeFunc struct {
	help string
	fn   func() float64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		runs:         make(map[runKey]uint64),
		records:      make(map[string]uint64),
		chunks:       make(map[string]uint64),
		lastTotal:    make(map[string]float64),
		workers:      make(map[string]float64),
		bucketCounts: make([]uint64, len(DurationBuckets)),
		gauges:       make(map[string]gaugeFunc),
	}
}

// ObserveRun records one finished run.
func (r *Registry) ObserveRun(s engine.RunStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, reason := "success", ""
	if s.Err != nil {
		status, reason = "error", Reason(s.Err)
	}
	r.runs[runKey{formula: s.Formula, status: status, reason: reason}]++
	if s.Err != nil {
		return
	}

	r.records[s.Formula] += uint64(s.Records)
	r.chunks[s.Formula] += uint64(s.Chunks)
	r.lastTotal[s.Formula] = s.TotalLoss
	r.workers[s.Formula] = float64(s.Workers)

	sec := s.Duration.Seconds()
	r.durSum += sec
	r.durCount++
	for i, ub := range DurationBuckets {
		if sec <= ub {
			r.bucketCounts[i]++
		}
	}
}

// AddGauge registers a gauge whose value is read from fn at gather time.
// The name is prefixed with the lossengine namespace.
func (r *Registry) AddGauge(name, help string, fn func() float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[namespace+"_"+name] = gaugeFunc{help: help, fn: fn}
}

// Reason classifies a run error into a short label value.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, formula.ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(err, formula.ErrDomain):
		return "domain"
	case errors.Is(err, engine.ErrWorkerFailure):
		return "worker_failure"
	case errors.Is(err, engine.ErrInconsistent):
		return "inconsistent"
	case errors.Is(err, engine.ErrInvalidWorkers):
		return "invalid_workers"
	default:
		return "other"
	}
}

// Gather snapshots every metric family, sorted by name.
func (r *Registry) Gather() []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*dto.MetricFamily

	runs := family("runs_total", "Engine runs by formula and outcome.", dto.MetricType_COUNTER)
	for _, k := range sortedRunKeys(r.runs) {
		runs.Metric = append(runs.Metric, &dto.Metric{
			Label:   labels("formula", k.formula, "status", k.status, "reason", k.reason),
			Counter: &dto.Counter{Value: proto.Float64(float64(r.runs[k]))},
		})
	}
	out = append(out, runs)

	out = append(out,
		perFormula("records_total", "Records processed by successful runs.", dto.MetricType_COUNTER, toFloat(r.records)),
		perFormula("chunks_total", "Chunks processed by successful runs.", dto.MetricType_COUNTER, toFloat(r.chunks)),
		perFormula("last_total_loss", "Total projected loss of the most recent successful run.", dto.MetricType_GAUGE, r.lastTotal),
		perFormula("last_workers", "Worker count of the most recent successful run.", dto.MetricType_GAUGE, r.workers),
	)

	hist := family("run_duration_seconds", "Wall-clock duration of successful runs.", dto.MetricType_HISTOGRAM)
	h := &dto.Histogram{
		SampleCount: proto.Uint64(r.durCount),
		SampleSum:   proto.Float64(r.durSum),
	}
	for i, ub := range DurationBuckets {
		h.Bucket = append(h.Bucket, &dto.Bucket{
			UpperBound:      proto.Float64(ub),
			CumulativeCount: proto.Uint64(r.bucketCounts[i]),
		})
	}
	hist.Metric = []*dto.Metric{{Histogram: h}}
	out = append(out, hist)

	for name, g := range r.gauges {
		out = append(out, &dto.MetricFamily{
			Name:   proto.String(name),
			Help:   proto.String(g.help),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(g.fn())}}},
		})
	}

	// The text format rejects families without samples.
	kept := out[:0]
	for _, mf := range out {
		if len(mf.Metric) > 0 {
			kept = append(kept, mf)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].GetName() < kept[j].GetName() })
	return kept
}

// WriteText writes every family to w in the text exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	for _, mf := range r.Gather() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("metrics: write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Handler serves the registry for Prometheus scrapes.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		if err := r.WriteText(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func family(name, help string, t dto.MetricType) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(namespace + "_" + name),
		Help: proto.String(help),
		Type: t.Enum(),
	}
}

func perFormula(name, help string, t dto.MetricType, values map[string]float64) *dto.MetricFamily {
	mf := family(name, help, t)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m := &dto.Metric{Label: labels("formula", k)}
		if t == dto.MetricType_COUNTER {
			m.Counter = &dto.Counter{Value: proto.Float64(values[k])}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(values[k])}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// labels builds label pairs from alternating names and values, dropping
// empty values.
func labels(kv ...string) []*dto.LabelPair {
	var out []*dto.LabelPair
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		out = append(out, &dto.LabelPair{Name: proto.String(kv[i]), Value: proto.String(kv[i+1])})
	}
	return out
}

func toFloat(m map[string]uint64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = float64(v)
	}
	return out
}

func sortedRunKeys(m map[runKey]uint64) []runKey {
	keys := make([]runKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.formula != b.formula {
			return a.formula < b.formula
		}
		if a.status != b.status {
			return a.status < b.status
		}
		return a.reason < b.reason
	})
	return keys
}
