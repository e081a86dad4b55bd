package api

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perilstack/lossengine/internal/store"
	"github.com/perilstack/lossengine/pkg/types"
)

// RunRequest is the body of POST /api/v1/runs. Records keeps the dataset
// wire format so missing attributes are rejected the same way as files.
type RunRequest struct {
	Records      json.RawMessage `json:"records"`
	Formula      string          `json:"formula,omitempty"`
	DiscountRate *float64        `json:"discount_rate,omitempty"`
	HorizonYears *int            `json:"horizon_years,omitempty"`
	Workers      int             `json:"workers,omitempty"`
}

// RunResponse describes one run in GET /api/v1/runs, GET /api/v1/runs/{id}
// and the WebSocket stream. Losses and ByBuilding are only filled when
// requested with ?losses=true, and are omitted for a run with no records.
type RunResponse struct {
	ID           string  `json:"id"`
	State        string  `json:"state"`
	Formula      string  `json:"formula"`
	DiscountRate float64 `json:"discount_rate"`
	HorizonYears int     `json:"horizon_years"`
	Workers      int     `json:"workers"`
	Records      int     `json:"records"`
	Chunks       int     `json:"chunks"`

	TotalLoss float64 `json:"total_loss"`
	// TotalLossDisplay is TotalLoss rounded half-up to cents.
	TotalLossDisplay string  `json:"total_loss_display"`
	MaxLoss          float64 `json:"max_loss"`
	MeanLoss         float64 `json:"mean_loss"`

	DurationMs float64 `json:"duration_ms"`
	StartedAt  string  `json:"started_at"`            // RFC3339
	FinishedAt string  `json:"finished_at,omitempty"` // RFC3339

	Error       string `json:"error,omitempty"`
	ErrorReason string `json:"error_reason,omitempty"`

	Losses     []float64          `json:"losses,omitempty"`
	ByBuilding map[string]float64 `json:"by_building,omitempty"`
}

// RunListResponse is the payload of GET /api/v1/runs.
type RunListResponse struct {
	Runs        []RunResponse `json:"runs"`
	GeneratedAt string        `json:"generated_at"` // RFC3339
}

// HealthResponse is the payload of GET /api/v1/health.
type HealthResponse struct {
	Status         string  `json:"status"`
	RunsRetained   int     `json:"runs_retained"`
	RunsRunning    int     `json:"runs_running"`
	RunsSucceeded  int     `json:"runs_succeeded"`
	RunsFailed     int     `json:"runs_failed"`
	AlertCount     int     `json:"alert_count"`
	LogicalCPUs    int     `json:"logical_cpus"`
	DefaultWorkers int     `json:"default_workers"`
	MemUsedPct     float64 `json:"mem_used_pct"`
	MemAvailableMB uint64  `json:"mem_available_mb"`
}

// DefaultsResponse is the payload of GET /api/v1/defaults.
type DefaultsResponse struct {
	Formula      string   `json:"formula"`
	Formulas     []string `json:"formulas"`
	DiscountRate float64  `json:"discount_rate"`
	HorizonYears int      `json:"horizon_years"`
	Workers      int      `json:"workers"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
	RunID string `json:"run_id,omitempty"`
}

// Money rounds v to cents for display. Non-finite values are printed as-is.
func Money(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return decimal.NewFromFloat(v).StringFixed(2)
}

// ToRunResponse maps a stored run to its JSON representation.
func ToRunResponse(r *store.Run, withLosses bool) RunResponse {
	out := RunResponse{
		ID:               r.ID,
		State:            string(r.State),
		Formula:          r.Formula,
		DiscountRate:     r.Params.DiscountRate,
		HorizonYears:     r.Params.HorizonYears,
		Workers:          r.Workers,
		Records:          r.Records,
		Chunks:           r.Chunks,
		TotalLoss:        r.TotalLoss,
		TotalLossDisplay: Money(r.TotalLoss),
		MaxLoss:          r.MaxLoss(),
		MeanLoss:         r.MeanLoss(),
		DurationMs:       float64(r.Duration().Microseconds()) / 1000,
		StartedAt:        r.StartedAt.UTC().Format(time.RFC3339),
		Error:            r.Error,
		ErrorReason:      r.ErrorReason,
	}
	if !r.FinishedAt.IsZero() {
		out.FinishedAt = r.FinishedAt.UTC().Format(time.RFC3339)
	}
	if withLosses && r.State == store.StateSucceeded {
		out.Losses = r.Losses
		if r.BuildingIDs != nil {
			recs := make([]types.Record, len(r.BuildingIDs))
			for i, id := range r.BuildingIDs {
				recs[i].ID = id
			}
			out.ByBuilding = types.AggregateResult{TotalLoss: r.TotalLoss, Losses: r.Losses}.ByID(recs)
		}
	}
	return out
}

// BuildRunList lists the live runs in st, newest first, without losses.
func BuildRunList(st *store.Store) RunListResponse {
	runs := st.List()
	out := RunListResponse{
		Runs:        make([]RunResponse, 0, len(runs)),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, r := range runs {
		out.Runs = append(out.Runs, ToRunResponse(r, false))
	}
	return out
}
