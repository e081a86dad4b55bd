package report

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
)

// Summary is what the CLI prints after a run, local or remote.
type Summary struct {
	RunID     string // empty for local runs
	Formula   string
	Records   int
	Workers   int
	Duration  time.Duration
	TotalLoss float64
	// Losses and IDs are printed one per line when set. IDs may be shorter
	// than Losses or empty; missing IDs are shown as the record position.
	Losses []float64
	IDs    []string
}

// Check is the outcome of comparing a run with the scalar reference.
type Check struct {
	Reference   float64
	MaxRelError float64
	Tolerance   float64
}

// OK reports whether the run stayed within tolerance.
func (c Check) OK() bool { return c.MaxRelError <= c.Tolerance }

// Printer writes summaries to one output. Colours are used only when the
// output is a terminal.
type Printer struct {
	w       io.Writer
	label   lipgloss.Style
	value   lipgloss.Style
	total   lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
}

// New returns a Printer for w.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:       w,
		label:   r.NewStyle().Foreground(lipgloss.Color("#6EC4F4")),
		value:   r.NewStyle().Foreground(lipgloss.Color("#7D56F4")),
		total:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#6EF4A1")),
		success: r.NewStyle().Foreground(lipgloss.Color("#6EF4A1")),
		failure: r.NewStyle().Foreground(lipgloss.Color("#F45E6E")),
	}
}

// Money formats v as dollars rounded half-up to cents.
func Money(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "$" + decimal.NewFromFloat(v).StringFixed(2)
}

// Summary prints the run header, optional per-building losses and the total.
func (p *Printer) Summary(s Summary) error {
	if s.RunID != "" {
		if err := p.line("Run", s.RunID); err != nil {
			return err
		}
	}
	if err := p.line("Formula", s.Formula); err != nil {
		return err
	}
	if err := p.line("Records", strconv.Itoa(s.Records)); err != nil {
		return err
	}
	if err := p.line("Workers", strconv.Itoa(s.Workers)); err != nil {
		return err
	}
	if err := p.line("Duration", s.Duration.String()); err != nil {
		return err
	}

	for i, loss := range s.Losses {
		id := strconv.Itoa(i)
		if i < len(s.IDs) && s.IDs[i] != "" {
			id = s.IDs[i]
		}
		if _, err := fmt.Fprintf(p.w, "  %s %s\n", p.label.Render(id+":"), p.value.Render(Money(loss))); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintln(p.w, p.total.Render("Total Projected Loss: "+Money(s.TotalLoss)))
	return err
}

// Check prints the scalar comparison.
func (p *Printer) Check(c Check) error {
	msg := fmt.Sprintf("Scalar check: reference %s, max relative error %.3g", Money(c.Reference), c.MaxRelError)
	if c.OK() {
		_, err := fmt.Fprintln(p.w, p.success.Render(msg+" (ok)"))
		return err
	}
	_, err := fmt.Fprintln(p.w, p.failure.Render(fmt.Sprintf("%s exceeds tolerance %.3g", msg, c.Tolerance)))
	return err
}

// Error prints err in the failure style.
func (p *Printer) Error(err error) {
	fmt.Fprintln(p.w, p.failure.Render("Error: "+err.Error())) //nolint:errcheck
}

func (p *Printer) line(label, value string) error {
	_, err := fmt.Fprintf(p.w, "%s %s\n", p.label.Render(label+":"), p.value.Render(value))
	return err
}
