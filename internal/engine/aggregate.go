package engine

import (
	"fmt"
	"math"

	"github.com/perilstack/lossengine/internal/formula"
	"github.com/perilstack/lossengine/pkg/types"
)

// Partial is one chunk's contribution: its global offset, its in-order
// loss total and its per-record losses.
type Partial struct {
	Offset int
	Total  float64
	Losses []float64
}

// Combine folds chunk results, given in chunk submission order, into the
// final result for a dataset of n records.
//
// TotalLoss is summed partial by partial in the order given, never in
// completion order, so repeated runs produce bit-identical totals. The
// partials must tile [0, n) exactly; anything else is ErrInconsistent. A
// total that leaves the float64 range is formula.ErrDomain.
func Combine(partials []Partial, n int) (types.AggregateResult, error) {
	losses := make([]float64, 0, n)
	var total float64
	for i, p := range partials {
		if p.Offset != len(losses) {
			return types.AggregateResult{}, fmt.Errorf("engine: combine: %w: chunk %d starts at %d, want %d",
				ErrInconsistent, i, p.Offset, len(losses))
		}
		if len(losses)+len(p.Losses) > n {
			return types.AggregateResult{}, fmt.Errorf("engine: combine: %w: chunk %d overruns %d records",
				ErrInconsistent, i, n)
		}
		losses = append(losses, p.Losses...)
		total += p.Total
		if math.IsInf(total, 0) || math.IsNaN(total) {
			return types.AggregateResult{}, fmt.Errorf("engine: combine: %w: total overflows at chunk %d",
				formula.ErrDomain, i)
		}
	}
	if len(losses) != n {
		return types.AggregateResult{}, fmt.Errorf("engine: combine: %w: %d losses for %d records",
			ErrInconsistent, len(losses), n)
	}
	return types.AggregateResult{TotalLoss: total, Losses: losses}, nil
}
