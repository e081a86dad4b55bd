package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/perilstack/lossengine/internal/dataset"
	"github.com/perilstack/lossengine/internal/service"
	"github.com/perilstack/lossengine/internal/store"
	"github.com/perilstack/lossengine/pkg/types"
)

// Result is the decoded Estimate response.
type Result struct {
	RunID       string
	Formula     string
	Workers     int
	Records     int
	Chunks      int
	TotalLoss   float64
	DurationMs  float64
	Losses      []float64
	BuildingIDs []string
}

// EncodeRequest converts req into the Struct sent to Estimate. Losses are
// only returned by the server when includeLosses is set.
func EncodeRequest(req service.Request, includeLosses bool) (*structpb.Struct, error) {
	raw, err := json.Marshal(req.Records)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode records: %w", err)
	}
	var records []any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("rpc: encode records: %w", err)
	}

	m := map[string]any{
		"records":        records,
		"include_losses": includeLosses,
	}
	if req.Formula != "" {
		m["formula"] = req.Formula
	}
	if req.DiscountRate != nil {
		m["discount_rate"] = *req.DiscountRate
	}
	if req.HorizonYears != nil {
		m["horizon_years"] = float64(*req.HorizonYears)
	}
	if req.Workers != 0 {
		m["workers"] = float64(req.Workers)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode request: %w", err)
	}
	return s, nil
}

// decodeRequest is the server-side inverse of EncodeRequest. Records go
// through dataset.Decode so missing attributes are rejected exactly as they
// are for files.
func decodeRequest(in *structpb.Struct) (service.Request, bool, error) {
	var req service.Request
	fields := in.GetFields()

	rv, ok := fields["records"]
	if !ok || rv.GetListValue() == nil {
		return req, false, fmt.Errorf("records must be a list")
	}
	raw, err := json.Marshal(rv.AsInterface())
	if err != nil {
		return req, false, fmt.Errorf("records: %w", err)
	}
	records, err := dataset.Decode(bytes.NewReader(raw))
	if err != nil {
		return req, false, err
	}
	req.Records = records

	if v, ok := fields["formula"]; ok {
		req.Formula = v.GetStringValue()
	}
	if v, ok := fields["discount_rate"]; ok {
		d := v.GetNumberValue()
		req.DiscountRate = &d
	}
	if v, ok := fields["horizon_years"]; ok {
		n, err := integer("horizon_years", v)
		if err != nil {
			return req, false, err
		}
		req.HorizonYears = &n
	}
	if v, ok := fields["workers"]; ok {
		n, err := integer("workers", v)
		if err != nil {
			return req, false, err
		}
		req.Workers = n
	}
	return req, fields["include_losses"].GetBoolValue(), nil
}

func integer(name string, v *structpb.Value) (int, error) {
	f := v.GetNumberValue()
	if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok || f != float64(int(f)) {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return int(f), nil
}

// encodeResult builds the Estimate response for a finished run.
func encodeResult(run *store.Run, includeLosses bool) (*structpb.Struct, error) {
	m := map[string]any{
		"run_id":      run.ID,
		"formula":     run.Formula,
		"workers":     float64(run.Workers),
		"records":     float64(run.Records),
		"chunks":      float64(run.Chunks),
		"total_loss":  run.TotalLoss,
		"duration_ms": float64(run.Duration().Microseconds()) / 1000,
	}
	if includeLosses {
		losses := make([]any, len(run.Losses))
		for i, l := range run.Losses {
			losses[i] = l
		}
		m["losses"] = losses
		if run.BuildingIDs != nil {
			ids := make([]any, len(run.BuildingIDs))
			for i, id := range run.BuildingIDs {
				ids[i] = id
			}
			m["building_ids"] = ids
		}
	}
	return structpb.NewStruct(m)
}

// DecodeResult reads an Estimate response.
func DecodeResult(s *structpb.Struct) Result {
	f := s.GetFields()
	r := Result{
		RunID:      f["run_id"].GetStringValue(),
		Formula:    f["formula"].GetStringValue(),
		Workers:    int(f["workers"].GetNumberValue()),
		Records:    int(f["records"].GetNumberValue()),
		Chunks:     int(f["chunks"].GetNumberValue()),
		TotalLoss:  f["total_loss"].GetNumberValue(),
		DurationMs: f["duration_ms"].GetNumberValue(),
	}
	if l := f["losses"].GetListValue(); l != nil {
		r.Losses = make([]float64, len(l.GetValues()))
		for i, v := range l.GetValues() {
			r.Losses[i] = v.GetNumberValue()
		}
	}
	if l := f["building_ids"].GetListValue(); l != nil {
		r.BuildingIDs = make([]string, len(l.GetValues()))
		for i, v := range l.GetValues() {
			r.BuildingIDs[i] = v.GetStringValue()
		}
	}
	return r
}

// ByID maps building IDs (or positions, for records without one) to their
// loss. It is empty unless losses were requested.
func (r Result) ByID() map[string]float64 {
	records := make([]types.Record, len(r.Losses))
	for i := range records {
		if i < len(r.BuildingIDs) {
			records[i].ID = r.BuildingIDs[i]
		}
	}
	return types.AggregateResult{TotalLoss: r.TotalLoss, Losses: r.Losses}.ByID(records)
}
