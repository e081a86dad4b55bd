package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/perilstack/lossengine/internal/dataset"
	"github.com/perilstack/lossengine/internal/engine"
	"github.com/perilstack/lossengine/internal/formula"
	"github.com/perilstack/lossengine/internal/metrics"
	"github.com/perilstack/lossengine/internal/service"
	"github.com/perilstack/lossengine/internal/store"
)

// maxBodyBytes bounds a POST /api/v1/runs body.
const maxBodyBytes = 1 << 30

// Handler serves /api/v1/* and /metrics.
type Handler struct {
	svc     *service.Service
	metrics *metrics.Registry
	mux     *http.ServeMux
}

// New creates a Handler for svc and registers all routes. reg may be nil,
// in which case /metrics is not served.
func New(svc *service.Service, reg *metrics.Registry) http.Handler {
	h := &Handler{svc: svc, metrics: reg, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/defaults", h.defaults)
	h.mux.HandleFunc("/api/v1/runs", h.runs)
	h.mux.HandleFunc("/api/v1/runs/", h.getRun) // subtree, extracts {id}
	h.mux.HandleFunc("/api/v1/alerts", h.alerts)
	if reg != nil {
		h.mux.Handle("/metrics", reg.Handler())
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// runs serves GET (list) and POST (create) on /api/v1/runs.
func (h *Handler) runs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jsonResp(w, http.StatusOK, BuildRunList(h.svc.Store()))
	case http.MethodPost:
		h.createRun(w, r)
	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			jsonErr(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		jsonErr(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}

	raw := bytes.TrimSpace(req.Records)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("[]")
	}
	records, err := dataset.Decode(bytes.NewReader(raw))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.svc.Estimate(r.Context(), service.Request{
		Records:      records,
		Formula:      req.Formula,
		DiscountRate: req.DiscountRate,
		HorizonYears: req.HorizonYears,
		Workers:      req.Workers,
	})
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			slog.Error("api: run failed", "err", err)
		}
		resp := errorResponse{Error: err.Error()}
		if run != nil {
			resp.RunID = run.ID
		}
		jsonResp(w, code, resp)
		return
	}
	jsonResp(w, http.StatusCreated, ToRunResponse(run, r.URL.Query().Get("losses") == "true"))
}

// getRun serves GET /api/v1/runs/{id}[?losses=true].
func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if id == "" {
		h.runs(w, r)
		return
	}
	run, ok := h.svc.Store().Get(id)
	if !ok {
		jsonErr(w, http.StatusNotFound, "run not found")
		return
	}
	jsonResp(w, http.StatusOK, ToRunResponse(run, r.URL.Query().Get("losses") == "true"))
}

// health serves GET /api/v1/health: run counts plus host CPU and memory.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st := h.svc.Store()
	counts := st.CountByState()
	resp := HealthResponse{
		Status:         "ok",
		RunsRetained:   st.Count(),
		RunsRunning:    counts[store.StateRunning],
		RunsSucceeded:  counts[store.StateSucceeded],
		RunsFailed:     counts[store.StateFailed],
		LogicalCPUs:    engine.AvailableParallelism(),
		DefaultWorkers: engine.DefaultWorkers(),
	}
	if al := h.svc.Alerts(); al != nil {
		resp.AlertCount = len(al.Active())
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedPct = vm.UsedPercent
		resp.MemAvailableMB = vm.Available / (1 << 20)
	} else {
		slog.Debug("api: memory stats unavailable", "err", err)
	}
	jsonResp(w, http.StatusOK, resp)
}

// defaults serves GET /api/v1/defaults.
func (h *Handler) defaults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	d := h.svc.Defaults()
	name := d.Formula
	if name == "" {
		name = formula.Exponential{}.Name()
	}
	jsonResp(w, http.StatusOK, DefaultsResponse{
		Formula:      name,
		Formulas:     formula.Names(),
		DiscountRate: d.Params.DiscountRate,
		HorizonYears: d.Params.HorizonYears,
		Workers:      d.Workers,
	})
}

// alerts serves GET /api/v1/alerts.
func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	al := h.svc.Alerts()
	if al == nil {
		jsonResp(w, http.StatusOK, []struct{}{})
		return
	}
	jsonResp(w, http.StatusOK, al.Active())
}

// --- helpers ----------------------------------------------------------------

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case service.IsInvalid(err):
		return http.StatusBadRequest
	case metrics.Reason(err) == "cancelled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
