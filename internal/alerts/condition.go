package alerts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/perilstack/lossengine/internal/store"
)

// condition is a parsed rule expression of the form "field op value".
//
// Numeric fields:
//
//	total_loss > 1e9
//	max_loss >= 5e6
//	mean_loss > 20000
//	record_count > 1000000
//	duration_ms > 30000
//	workers < 2
//
// String fields accept == and !=:
//
//	state == failed
//	reason == malformed_record
//	formula != exponential
type condition struct {
	field     string
	op        string
	threshold float64
	text      string
}

var numericFields = map[string]func(*store.Run) float64{
	"total_loss":   func(r *store.Run) float64 { return r.TotalLoss },
	"max_loss":     func(r *store.Run) float64 { return r.MaxLoss() },
	"mean_loss":    func(r *store.Run) float64 { return r.MeanLoss() },
	"record_count": func(r *store.Run) float64 { return float64(r.Records) },
	"duration_ms":  func(r *store.Run) float64 { return float64(r.Duration().Milliseconds()) },
	"workers":      func(r *store.Run) float64 { return float64(r.Workers) },
}

var stringFields = map[string]func(*store.Run) string{
	"state":   func(r *store.Run) string { return string(r.State) },
	"reason":  func(r *store.Run) string { return r.ErrorReason },
	"formula": func(r *store.Run) string { return r.Formula },
}

// parseCondition validates expr and returns its compiled form.
func parseCondition(expr string) (condition, error) {
	parts := strings.Fields(expr)
	if len(parts) != 3 {
		return condition{}, fmt.Errorf("condition %q: want \"field op value\"", expr)
	}
	c := condition{field: parts[0], op: parts[1], text: parts[2]}

	if _, ok := stringFields[c.field]; ok {
		if c.op != "==" && c.op != "!=" {
			return condition{}, fmt.Errorf("condition %q: %s supports only == and !=", expr, c.field)
		}
		return c, nil
	}
	if _, ok := numericFields[c.field]; !ok {
		return condition{}, fmt.Errorf("condition %q: unknown field %q", expr, c.field)
	}
	switch c.op {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return condition{}, fmt.Errorf("condition %q: unknown operator %q", expr, c.op)
	}
	v, err := strconv.ParseFloat(c.text, 64)
	if err != nil {
		return condition{}, fmt.Errorf("condition %q: threshold: %w", expr, err)
	}
	c.threshold = v
	return c, nil
}

// eval reports whether the condition holds for r and the numeric value it
// was tested on (zero for string fields).
func (c condition) eval(r *store.Run) (bool, float64) {
	if get, ok := stringFields[c.field]; ok {
		got := get(r)
		if c.op == "==" {
			return got == c.text, 0
		}
		return got != c.text, 0
	}
	// Numeric thresholds are meaningless for a run that produced no result.
	if r.State != store.StateSucceeded {
		return false, 0
	}
	v := numericFields[c.field](r)
	return compareFloat(v, c.op, c.threshold), v
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
