package formula

import (
	"fmt"
	"math"

	"github.com/perilstack/lossengine/pkg/types"
)

// MaintenanceRatePerSqm is the flat annual maintenance cost per square metre.
const MaintenanceRatePerSqm = 50.0

// Maintenance is the additive variant of the loss formula: the discounted
// risk-adjusted future cost plus the perpetuity value of maintenance.
//
//	future   = construction_cost * floor_area * (1 + inflation_rate)^n
//	loss     = future * hazard_probability / (1 + discount_rate)^n
//	         + floor_area * 50 / discount_rate
type Maintenance struct{}

func (Maintenance) Name() string { return "maintenance" }

// ValidateParams rejects a zero discount rate, which would make the
// maintenance perpetuity infinite.
func (Maintenance) ValidateParams(p Params) error {
	if p.DiscountRate == 0 {
		return fmt.Errorf("formula: maintenance: %w: discount_rate must be non-zero", ErrDomain)
	}
	return nil
}

func (m Maintenance) Compute(records []types.Record, p Params) (Batch, error) {
	if err := m.ValidateParams(p); err != nil {
		return Batch{}, err
	}
	years := float64(p.HorizonYears)
	discount := p.DiscountFactor()
	losses := make([]float64, len(records))
	for i, r := range records {
		if err := validateRecord(i, r); err != nil {
			return Batch{}, err
		}
		future := r.ConstructionCost * r.FloorArea * math.Pow(1+r.InflationRate, years)
		presentValue := future * r.HazardProbability / discount
		losses[i] = presentValue + r.FloorArea*MaintenanceRatePerSqm/p.DiscountRate
	}
	return finish(losses)
}
