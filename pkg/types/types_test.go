package types

import "testing"

func TestAggregateResult_ByID(t *testing.T) {
	records := []Record{
		{ID: "b-1"},
		{},
		{ID: "b-3"},
	}
	res := AggregateResult{TotalLoss: 6, Losses: []float64{1, 2, 3}}

	got := res.ByID(records)
	want := map[string]float64{"b-1": 1, "1": 2, "b-3": 3}

	if len(got) != len(want) {
		t.Fatalf("ByID len = %d, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("ByID[%q] = %v, want %v", k, got[k], v)
		}
	}
}

func TestAggregateResult_Len(t *testing.T) {
	if got := (AggregateResult{}).Len(); got != 0 {
		t.Errorf("Len() of zero result = %d, want 0", got)
	}
	if got := (AggregateResult{Losses: make([]float64, 4)}).Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}
}
