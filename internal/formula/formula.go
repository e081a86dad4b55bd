package formula

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/perilstack/lossengine/pkg/types"
)

// Default parameter values used when the caller does not supply them.
const (
	DefaultDiscountRate = 0.05
	DefaultHorizonYears = 10
)

var (
	// ErrMalformedRecord marks a record with a field missing or out of domain.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrDomain marks an arithmetic domain failure: a non-finite result or
	// parameters the formula cannot be evaluated with.
	ErrDomain = errors.New("arithmetic domain error")
)

// Params are the portfolio-wide inputs shared by every record in a run.
type Params struct {
	DiscountRate float64 `json:"discount_rate" yaml:"discount_rate"`
	HorizonYears int     `json:"horizon_years" yaml:"horizon_years"`
}

// DefaultParams returns the reference parameters: 5% over 10 years.
func DefaultParams() Params {
	return Params{DiscountRate: DefaultDiscountRate, HorizonYears: DefaultHorizonYears}
}

// Validate reports whether p can be used to discount a loss.
func (p Params) Validate() error {
	if math.IsNaN(p.DiscountRate) || math.IsInf(p.DiscountRate, 0) {
		return fmt.Errorf("formula: discount_rate must be finite, got %v", p.DiscountRate)
	}
	if p.DiscountRate <= -1 {
		return fmt.Errorf("formula: discount_rate must be greater than -1, got %v", p.DiscountRate)
	}
	if p.HorizonYears < 0 {
		return fmt.Errorf("formula: horizon_years must not be negative, got %d", p.HorizonYears)
	}
	return nil
}

// DiscountFactor returns (1 + DiscountRate)^HorizonYears.
func (p Params) DiscountFactor() float64 {
	return math.Pow(1+p.DiscountRate, float64(p.HorizonYears))
}

// Batch is the result of applying a formula to one slice of records.
// Losses[i] belongs to the i-th input record; Total is their in-order sum.
type Batch struct {
	Total  float64
	Losses []float64
}

// Formula maps a batch of records to per-record loss estimates.
//
// Implementations must be pure: no shared mutable state and no I/O, so that
// the engine can call Compute from many goroutines at once.
type Formula interface {
	Name() string
	Compute(records []types.Record, p Params) (Batch, error)
}

// ParamValidator is implemented by formulas with parameter constraints
// beyond Params.Validate.
type ParamValidator interface {
	ValidateParams(p Params) error
}

// RecordError identifies the record a formula rejected. Position is the
// index within the slice handed to Compute; the engine rebases it onto the
// whole dataset.
type RecordError struct {
	Position int
	Field    string
	Value    float64
	Err      error
}

func (e *RecordError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("record %d: %v", e.Position, e.Err)
	}
	return fmt.Sprintf("record %d: %s = %v: %v", e.Position, e.Field, e.Value, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

var registry = map[string]Formula{
	Exponential{}.Name(): Exponential{},
	Scalar{}.Name():      Scalar{},
	Maintenance{}.Name(): Maintenance{},
}

// ByName returns the registered formula with the given name.
// An empty name selects the default exponential formula.
func ByName(name string) (Formula, error) {
	if name == "" {
		return Exponential{}, nil
	}
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("formula: unknown formula %q (want one of %v)", name, Names())
	}
	return f, nil
}

// Names lists the registered formula names in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// validateRecord rejects records whose fields fall outside the formula's
// domain. Zero area and zero hazard are valid; so is negative inflation.
func validateRecord(pos int, r types.Record) error {
	fields := [...]struct {
		name string
		v    float64
	}{
		{"floor_area", r.FloorArea},
		{"construction_cost", r.ConstructionCost},
		{"hazard_probability", r.HazardProbability},
		{"inflation_rate", r.InflationRate},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return &RecordError{Position: pos, Field: f.name, Value: f.v, Err: ErrMalformedRecord}
		}
	}
	if r.FloorArea < 0 {
		return &RecordError{Position: pos, Field: "floor_area", Value: r.FloorArea, Err: ErrMalformedRecord}
	}
	if r.ConstructionCost < 0 {
		return &RecordError{Position: pos, Field: "construction_cost", Value: r.ConstructionCost, Err: ErrMalformedRecord}
	}
	if r.HazardProbability < 0 || r.HazardProbability > 1 {
		return &RecordError{Position: pos, Field: "hazard_probability", Value: r.HazardProbability, Err: ErrMalformedRecord}
	}
	return nil
}

// finish checks every loss is finite and sums them in input order.
func finish(losses []float64) (Batch, error) {
	var total float64
	for i, v := range losses {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Batch{}, &RecordError{Position: i, Err: ErrDomain}
		}
		total += v
		if math.IsInf(total, 0) {
			return Batch{}, &RecordError{Position: i, Err: fmt.Errorf("%w: running total overflows", ErrDomain)}
		}
	}
	return Batch{Total: total, Losses: losses}, nil
}
