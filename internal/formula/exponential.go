package formula

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/perilstack/lossengine/pkg/types"
)

// areaScale converts floor area to the exponent's unit (per 1000 m²).
const areaScale = 1000.0

// Exponential is the default loss formula, evaluated column-wise:
//
//	loss = construction_cost * exp(inflation_rate * floor_area / 1000)
//	       * hazard_probability / (1 + discount_rate)^horizon_years
type Exponential struct{}

func (Exponential) Name() string { return "exponential" }

// Compute gathers the chunk into columns and applies each step of the
// formula to the whole column at once.
func (Exponential) Compute(records []types.Record, p Params) (Batch, error) {
	n := len(records)
	if n == 0 {
		return Batch{Losses: []float64{}}, nil
	}

	area := make([]float64, n)
	inflation := make([]float64, n)
	cost := make([]float64, n)
	hazard := make([]float64, n)
	for i, r := range records {
		if err := validateRecord(i, r); err != nil {
			return Batch{}, err
		}
		area[i] = r.FloorArea
		inflation[i] = r.InflationRate
		cost[i] = r.ConstructionCost
		hazard[i] = r.HazardProbability
	}

	// losses starts as the exponent and is scaled in place.
	losses := floats.MulTo(make([]float64, n), inflation, area)
	for i, x := range losses {
		losses[i] = math.Exp(x / areaScale)
	}
	floats.Mul(losses, cost)
	floats.Mul(losses, hazard)
	floats.Scale(1/p.DiscountFactor(), losses)

	return finish(losses)
}

// Scalar evaluates the same formula as Exponential one record at a time.
// It is the reference the vectorised path is checked against.
type Scalar struct{}

func (Scalar) Name() string { return "exponential-scalar" }

func (Scalar) Compute(records []types.Record, p Params) (Batch, error) {
	discount := p.DiscountFactor()
	losses := make([]float64, len(records))
	for i, r := range records {
		if err := validateRecord(i, r); err != nil {
			return Batch{}, err
		}
		growth := math.Exp(r.InflationRate * r.FloorArea / areaScale)
		losses[i] = r.ConstructionCost * growth * r.HazardProbability / discount
	}
	return finish(losses)
}
