package types

import "strconv"

// Record is one building's input attributes. Records are read-only once
// loaded; no component mutates a Record after creation.
type Record struct {
	// ID is the building identifier. Optional: some callers supply bare
	// attribute rows, in which case position is the only identity.
	ID string `json:"buildingId,omitempty"`

	// FloorArea in square metres. Zero is valid.
	FloorArea float64 `json:"floor_area"`

	// ConstructionCost is the replacement cost of the building.
	ConstructionCost float64 `json:"construction_cost"`

	// HazardProbability is the probability of the hazard event, in [0, 1].
	HazardProbability float64 `json:"hazard_probability"`

	// InflationRate is a small signed fraction, e.g. 0.02 or -0.01.
	InflationRate float64 `json:"inflation_rate"`
}

// AggregateResult is the output of one engine run.
//
// TotalLoss is the fold of per-chunk partial totals in chunk order, and
// Losses[i] is the estimate for the i-th input record.
type AggregateResult struct {
	TotalLoss float64   `json:"total_loss"`
	Losses    []float64 `json:"losses"`
}

// Len returns the number of per-record estimates.
func (r AggregateResult) Len() int { return len(r.Losses) }

// ByID maps each record's ID to its loss estimate. Records without an ID
// are keyed by their decimal position in the input. records must be the
// slice the result was computed from.
func (r AggregateResult) ByID(records []Record) map[string]float64 {
	out := make(map[string]float64, len(r.Losses))
	for i, loss := range r.Losses {
		if i >= len(records) {
			break
		}
		key := records[i].ID
		if key == "" {
			key = strconv.Itoa(i)
		}
		out[key] = loss
	}
	return out
}
