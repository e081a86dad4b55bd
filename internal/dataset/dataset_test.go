package dataset

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/perilstack/lossengine/internal/config"
	"github.com/perilstack/lossengine/internal/formula"
	"github.com/perilstack/lossengine/pkg/types"
)

const sampleJSON = `[
  {"buildingId": "b1", "floor_area": 100, "construction_cost": 500000, "hazard_probability": 0.1, "inflation_rate": 0.02},
  {"buildingId": 2, "floor_area": 200, "construction_cost": 1000000, "hazard_probability": 0.05, "inflation_rate": 0.03},
  {"floor_area": 0, "construction_cost": 250000, "hazard_probability": 0, "inflation_rate": -0.01}
]`

func TestDecode(t *testing.T) {
	recs, err := Decode(strings.NewReader(sampleJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	want := types.Record{ID: "b1", FloorArea: 100, ConstructionCost: 500000, HazardProbability: 0.1, InflationRate: 0.02}
	if recs[0] != want {
		t.Errorf("recs[0] = %+v, want %+v", recs[0], want)
	}
	if recs[1].ID != "2" {
		t.Errorf("numeric buildingId: got %q, want \"2\"", recs[1].ID)
	}
	if recs[2].ID != "" || recs[2].InflationRate != -0.01 {
		t.Errorf("recs[2] = %+v", recs[2])
	}
}

func TestDecode_Empty(t *testing.T) {
	recs, err := Decode(strings.NewReader("[]"))
	if err != nil {
		t.Fatalf("Decode([]): %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("len = %d, want 0", len(recs))
	}
}

func TestDecode_MissingField(t *testing.T) {
	doc := `[
	  {"floor_area": 1, "construction_cost": 1, "hazard_probability": 0.1, "inflation_rate": 0},
	  {"floor_area": 1, "construction_cost": 1, "inflation_rate": 0}
	]`
	_, err := Decode(strings.NewReader(doc))
	if !errors.Is(err, formula.ErrMalformedRecord) {
		t.Fatalf("err = %v, want ErrMalformedRecord", err)
	}
	var re *formula.RecordError
	if !errors.As(err, &re) {
		t.Fatalf("err %T does not wrap *formula.RecordError", err)
	}
	if re.Position != 1 || re.Field != "hazard_probability" {
		t.Errorf("RecordError = %+v, want position 1 field hazard_probability", re)
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct{ name, doc string }{
		{"not json", "{{"},
		{"object not array", `{"floor_area": 1}`},
		{"string value", `[{"floor_area": "big", "construction_cost": 1, "hazard_probability": 0, "inflation_rate": 0}]`},
		{"bool id", `[{"buildingId": true, "floor_area": 1, "construction_cost": 1, "hazard_probability": 0, "inflation_rate": 0}]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tc.doc)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestWriteReadFile_RoundTrip(t *testing.T) {
	recs, err := Decode(strings.NewReader(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"data.json", "data.json.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := WriteFile(path, recs); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			got, err := ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if len(got) != len(recs) {
				t.Fatalf("len = %d, want %d", len(got), len(recs))
			}
			for i := range recs {
				if got[i] != recs[i] {
					t.Errorf("record %d: got %+v, want %+v", i, got[i], recs[i])
				}
			}
		})
	}
}

func TestReadFile_ZstdIsCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json.zst")
	recs, _ := Replicate([]types.Record{{FloorArea: 1, ConstructionCost: 2, HazardProbability: 0.5}}, 5000)
	if err := WriteFile(path, recs); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// zstd frame magic number, little-endian 0xFD2FB528.
	if len(raw) < 4 || raw[0] != 0x28 || raw[1] != 0xB5 || raw[2] != 0x2F || raw[3] != 0xFD {
		t.Fatalf("file does not start with a zstd frame header: % x", raw[:min(4, len(raw))])
	}
}

func TestReadFile_Missing(t *testing.T) {
	if _, err := ReadFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReplicate(t *testing.T) {
	base := []types.Record{{ID: "first", FloorArea: 1}, {ID: "second"}}

	same, err := Replicate(base, 1)
	if err != nil || len(same) != 2 {
		t.Fatalf("Replicate(n=1) = %d records, %v", len(same), err)
	}

	out, err := Replicate(base, 4)
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	for i, r := range out {
		if r.ID != "first" {
			t.Errorf("out[%d].ID = %q, want first", i, r.ID)
		}
	}

	if _, err := Replicate(nil, 10); !errors.Is(err, ErrEmpty) {
		t.Errorf("Replicate(nil, 10) err = %v, want ErrEmpty", err)
	}
}

func TestFetch_Auth(t *testing.T) {
	t.Setenv("TEST_DATASET_KEY", "s3cret")
	t.Setenv("TEST_DATASET_TOKEN", "tok")
	t.Setenv("TEST_DATASET_PASS", "pw")

	tests := []struct {
		name  string
		auth  config.AuthConfig
		check func(*http.Request) bool
	}{
		{"apikey", config.AuthConfig{Mode: "apikey", KeyEnv: "TEST_DATASET_KEY"},
			func(r *http.Request) bool { return r.Header.Get("x-api-key") == "s3cret" }},
		{"apikey custom header", config.AuthConfig{Mode: "apikey", Header: "X-Data-Key", KeyEnv: "TEST_DATASET_KEY"},
			func(r *http.Request) bool { return r.Header.Get("X-Data-Key") == "s3cret" }},
		{"bearer", config.AuthConfig{Mode: "bearer", TokenEnv: "TEST_DATASET_TOKEN"},
			func(r *http.Request) bool { return r.Header.Get("Authorization") == "Bearer tok" }},
		{"basic", config.AuthConfig{Mode: "basic", Username: "u", PasswordEnv: "TEST_DATASET_PASS"},
			func(r *http.Request) bool { u, p, ok := r.BasicAuth(); return ok && u == "u" && p == "pw" }},
		{"none", config.AuthConfig{Mode: "none"},
			func(r *http.Request) bool { return r.Header.Get("Authorization") == "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !tc.check(r) {
					http.Error(w, "denied", http.StatusUnauthorized)
					return
				}
				_, _ = w.Write([]byte(sampleJSON))
			}))
			defer srv.Close()

			client, err := NewHTTPClient(config.DatasetConfig{Auth: tc.auth})
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}
			recs, err := Fetch(context.Background(), client, srv.URL)
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if len(recs) != 3 {
				t.Errorf("len = %d, want 3", len(recs))
			}
		})
	}
}

func TestFetch_NonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone fishing", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.Client(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v, want status 503", err)
	}
}

func TestFetch_ZstdBody(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll([]byte(sampleJSON), nil)
	enc.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "zstd")
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	recs, err := Fetch(context.Background(), srv.Client(), srv.URL+"/portfolio")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 3 || recs[0].ID != "b1" {
		t.Errorf("recs = %+v", recs)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o600); err != nil {
		t.Fatal(err)
	}

	recs, err := Load(context.Background(), config.DatasetConfig{Path: path, Replicate: 7})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(recs) != 7 || recs[6].ID != "b1" {
		t.Errorf("Load replicated = %d records, last %+v", len(recs), recs[len(recs)-1])
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleJSON))
	}))
	defer srv.Close()
	recs, err = Load(context.Background(), config.DatasetConfig{Path: "ignored.json", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("Load(endpoint): %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("Load(endpoint) = %d records, want 3", len(recs))
	}

	if _, err := Load(context.Background(), config.DatasetConfig{}); err == nil {
		t.Error("Load with no source: expected error")
	}
}

func TestNewHTTPClient_MTLSMissingCert(t *testing.T) {
	_, err := NewHTTPClient(config.DatasetConfig{Auth: config.AuthConfig{
		Mode: "mtls", CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem",
	}})
	if err == nil {
		t.Fatal("expected error for missing client cert")
	}
}
