package api_test

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/perilstack/lossengine/internal/alerts"
	"github.com/perilstack/lossengine/internal/api"
	"github.com/perilstack/lossengine/internal/config"
	"github.com/perilstack/lossengine/internal/metrics"
	"github.com/perilstack/lossengine/internal/service"
	"github.com/perilstack/lossengine/internal/store"
)

const scenarioBody = `{
  "records": [
    {"buildingId": "b1", "floor_area": 100, "construction_cost": 500000, "hazard_probability": 0.1, "inflation_rate": 0.02},
    {"buildingId": "b2", "floor_area": 200, "construction_cost": 1000000, "hazard_probability": 0.05, "inflation_rate": 0.03},
    {"buildingId": "b3", "floor_area": 50, "construction_cost": 250000, "hazard_probability": 0.2, "inflation_rate": 0.01}
  ],
  "workers": 2
}`

// --- test helpers -----------------------------------------------------------

func newHandler(t *testing.T, rules ...config.AlertRule) (http.Handler, *service.Service) {
	t.Helper()
	al, err := alerts.New(config.AlertsConfig{Rules: rules})
	if err != nil {
		t.Fatal(err)
	}
	reg := metrics.New()
	svc := service.New(service.DefaultsFromConfig(config.Default().Engine), 10, store.New(time.Hour), al, reg)
	return api.New(svc, reg), svc
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- runs -------------------------------------------------------------------

func TestCreateRun_Scenario(t *testing.T) {
	h, _ := newHandler(t)
	rr := post(t, h, "/api/v1/runs?losses=true", scenarioBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	var run api.RunResponse
	decode(t, rr, &run)

	if run.State != "succeeded" || run.Records != 3 || run.Workers != 2 || run.Chunks != 2 {
		t.Errorf("run = %+v", run)
	}
	if len(run.Losses) != 3 || len(run.ByBuilding) != 3 {
		t.Fatalf("losses = %v, by_building = %v", run.Losses, run.ByBuilding)
	}
	want := 500000 * math.Exp(0.02*100/1000) * 0.1 / math.Pow(1.05, 10)
	if math.Abs(run.ByBuilding["b1"]-want) > 1e-6 {
		t.Errorf("by_building[b1] = %v, want %v", run.ByBuilding["b1"], want)
	}
	var sum float64
	for _, v := range run.Losses {
		sum += v
	}
	if math.Abs(run.TotalLoss-sum) > 1e-6 {
		t.Errorf("total %v != sum of losses %v", run.TotalLoss, sum)
	}
	if run.TotalLossDisplay != api.Money(run.TotalLoss) {
		t.Errorf("display = %q", run.TotalLossDisplay)
	}
}

func TestCreateRun_BadInput(t *testing.T) {
	h, _ := newHandler(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", "{", http.StatusBadRequest},
		{"unknown field", `{"recs": []}`, http.StatusBadRequest},
		{"missing attribute", `{"records": [{"floor_area": 1, "construction_cost": 1, "inflation_rate": 0}]}`, http.StatusBadRequest},
		{"hazard out of range", `{"records": [{"floor_area": 1, "construction_cost": 1, "hazard_probability": 3, "inflation_rate": 0}]}`, http.StatusBadRequest},
		{"unknown formula", `{"records": [], "formula": "linear"}`, http.StatusBadRequest},
		{"maintenance zero rate", `{"records": [], "formula": "maintenance", "discount_rate": 0}`, http.StatusBadRequest},
		{"too many records", `{"records": [` + strings.Repeat(`{"floor_area":1,"construction_cost":1,"hazard_probability":0,"inflation_rate":0},`, 10) +
			`{"floor_area":1,"construction_cost":1,"hazard_probability":0,"inflation_rate":0}]}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := post(t, h, "/api/v1/runs", tc.body)
			if rr.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tc.want, rr.Body)
			}
		})
	}
}

func TestCreateRun_FailureReportsRunID(t *testing.T) {
	h, _ := newHandler(t)
	rr := post(t, h, "/api/v1/runs", `{"records": [{"floor_area": -1, "construction_cost": 1, "hazard_probability": 0, "inflation_rate": 0}]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Error string `json:"error"`
		RunID string `json:"run_id"`
	}
	decode(t, rr, &body)
	if body.RunID == "" || !strings.Contains(body.Error, "floor_area") {
		t.Fatalf("body = %+v", body)
	}

	rr = get(t, h, "/api/v1/runs/"+body.RunID)
	var run api.RunResponse
	decode(t, rr, &run)
	if run.State != "failed" || run.ErrorReason != "malformed_record" {
		t.Errorf("stored run = %+v", run)
	}
}

func TestCreateRun_OverflowingTotalFails(t *testing.T) {
	h, svc := newHandler(t)
	big := `{"floor_area": 0, "construction_cost": 1e308, "hazard_probability": 1, "inflation_rate": 0}`
	body := `{"records": [` + big + `, ` + big + `], "discount_rate": 0, "horizon_years": 0, "workers": 2}`

	rr := post(t, h, "/api/v1/runs", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	var resp struct {
		RunID string `json:"run_id"`
	}
	decode(t, rr, &resp)

	run, ok := svc.Store().Get(resp.RunID)
	if !ok || run.State != store.StateFailed || run.ErrorReason != "domain" {
		t.Fatalf("stored run = %+v", run)
	}
	if math.IsInf(run.TotalLoss, 0) {
		t.Errorf("failed run kept an infinite total")
	}

	if rr := get(t, h, "/api/v1/runs"); rr.Code != http.StatusOK {
		t.Errorf("list status = %d after overflow", rr.Code)
	}
}

func TestBuildRunList_NonFiniteTotal(t *testing.T) {
	st := store.New(time.Hour)
	st.Put(&store.Run{ID: "inf", State: store.StateSucceeded, TotalLoss: math.Inf(1), StartedAt: time.Now()})

	list := api.BuildRunList(st)
	if len(list.Runs) != 1 || list.Runs[0].TotalLossDisplay != "+Inf" {
		t.Errorf("list = %+v", list)
	}
}

func TestGetRun_EmptySucceededRun(t *testing.T) {
	h, _ := newHandler(t)
	rr := post(t, h, "/api/v1/runs", `{"records": []}`)
	var created api.RunResponse
	decode(t, rr, &created)

	rr = get(t, h, "/api/v1/runs/"+created.ID+"?losses=true")
	var got api.RunResponse
	decode(t, rr, &got)
	if got.State != "succeeded" || got.Records != 0 || got.TotalLoss != 0 || len(got.Losses) != 0 {
		t.Errorf("run = %+v", got)
	}
}

func TestListAndGetRun(t *testing.T) {
	h, _ := newHandler(t)
	rr := post(t, h, "/api/v1/runs", scenarioBody)
	var created api.RunResponse
	decode(t, rr, &created)
	if created.Losses != nil {
		t.Errorf("losses included without ?losses=true")
	}

	rr = get(t, h, "/api/v1/runs")
	var list api.RunListResponse
	decode(t, rr, &list)
	if len(list.Runs) != 1 || list.Runs[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	rr = get(t, h, "/api/v1/runs/"+created.ID+"?losses=true")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var got api.RunResponse
	decode(t, rr, &got)
	if len(got.Losses) != 3 {
		t.Errorf("losses = %v", got.Losses)
	}

	if rr := get(t, h, "/api/v1/runs/nope"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newHandler(t)
	for _, path := range []string{"/api/v1/health", "/api/v1/alerts", "/api/v1/defaults", "/api/v1/runs/x"} {
		rr := post(t, h, path, "{}")
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, want 405", path, rr.Code)
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/v1/runs", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /api/v1/runs = %d, want 405", rr.Code)
	}
}

// --- health, defaults, alerts, metrics --------------------------------------

func TestHealth(t *testing.T) {
	h, _ := newHandler(t)
	post(t, h, "/api/v1/runs", scenarioBody)
	post(t, h, "/api/v1/runs", `{"records": [{"floor_area": 1, "construction_cost": 1, "hazard_probability": 9, "inflation_rate": 0}]}`)

	var resp api.HealthResponse
	decode(t, get(t, h, "/api/v1/health"), &resp)
	if resp.Status != "ok" || resp.RunsRetained != 2 || resp.RunsSucceeded != 1 || resp.RunsFailed != 1 {
		t.Errorf("health = %+v", resp)
	}
	if resp.LogicalCPUs < 1 || resp.DefaultWorkers < 1 {
		t.Errorf("cpu fields = %d/%d", resp.LogicalCPUs, resp.DefaultWorkers)
	}
}

func TestDefaults_ReflectsSetDefaults(t *testing.T) {
	h, svc := newHandler(t)
	d := svc.Defaults()
	d.Formula = "maintenance"
	d.Workers = 5
	svc.SetDefaults(d)

	var resp api.DefaultsResponse
	decode(t, get(t, h, "/api/v1/defaults"), &resp)
	if resp.Formula != "maintenance" || resp.Workers != 5 || len(resp.Formulas) != 3 {
		t.Errorf("defaults = %+v", resp)
	}
}

func TestAlerts(t *testing.T) {
	h, _ := newHandler(t, config.AlertRule{Name: "any-loss", Condition: "total_loss > 0", Severity: "info"})
	post(t, h, "/api/v1/runs", scenarioBody)

	var got []alerts.Alert
	decode(t, get(t, h, "/api/v1/alerts"), &got)
	if len(got) != 1 || got[0].RuleName != "any-loss" || got[0].State != "firing" {
		t.Errorf("alerts = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newHandler(t)
	post(t, h, "/api/v1/runs", scenarioBody)

	rr := get(t, h, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"lossengine_runs_total", "lossengine_records_total", "lossengine_runs_retained 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestMoney(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.00"},
		{1234.5, "1234.50"},
		{30757.11543466541, "30757.12"},
		{2.675, "2.68"},
		{math.Inf(1), "+Inf"},
		{math.Inf(-1), "-Inf"},
	}
	for _, tc := range tests {
		if got := api.Money(tc.in); got != tc.want {
			t.Errorf("Money(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
