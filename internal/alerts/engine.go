package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/perilstack/lossengine/internal/config"
	"github.com/perilstack/lossengine/internal/store"
)

const (
	defaultCooldown = 15 * time.Minute
	maxHistoryLen   = 200
	recentWindow    = time.Hour
)

// Alert is one alert event produced by the rule engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	RunID      string     `json:"run_id"`
	Formula    string     `json:"formula"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	Condition  string     `json:"condition"`
	Records    int        `json:"records"`
	TotalLoss  float64    `json:"total_loss"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"
}

type rule struct {
	config.AlertRule
	cond condition
}

// Engine evaluates alert rules against finished runs and delivers webhook
// notifications when a rule fires or resolves. Alerts are keyed by rule and
// formula: a later run of the same formula that no longer matches resolves
// the alert.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules    []rule
	webhooks []config.WebhookConfig

	mu       sync.Mutex
	active   map[string]*Alert    // key: "rule:formula"
	lastFire map[string]time.Time // for cooldown
	history  []*Alert             // recently resolved

	client *http.Client
	now    func() time.Time
	notify func(*Alert) // delivery hook; asynchronous by default
}

// New builds an Engine from cfg. Every rule condition is parsed up front.
// An Engine with no rules is valid and Evaluate is then a no-op.
func New(cfg config.AlertsConfig) (*Engine, error) {
	e := &Engine{
		webhooks: cfg.Webhooks,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	e.notify = func(a *Alert) { go e.deliver(a) }

	for _, r := range cfg.Rules {
		c, err := parseCondition(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("alerts: rule %q: %w", r.Name, err)
		}
		e.rules = append(e.rules, rule{AlertRule: r, cond: c})
	}
	return e, nil
}

// Evaluate tests every rule against run. Running runs are ignored.
func (e *Engine) Evaluate(run *store.Run) {
	if len(e.rules) == 0 || run.State == store.StateRunning {
		return
	}

	now := e.now()
	for _, r := range e.rules {
		key := r.Name + ":" + run.Formula
		fires, value := r.cond.eval(run)

		e.mu.Lock()
		var out *Alert
		switch {
		case fires:
			cooldown := r.Cooldown
			if cooldown <= 0 {
				cooldown = defaultCooldown
			}
			if last, ok := e.lastFire[key]; ok && now.Sub(last) < cooldown {
				break
			}
			sev := r.Severity
			if sev == "" {
				sev = "warning"
			}
			a := &Alert{
				ID:        fmt.Sprintf("%s:%s:%d", r.Name, run.ID, now.UnixNano()),
				RuleName:  r.Name,
				RunID:     run.ID,
				Formula:   run.Formula,
				Severity:  sev,
				Value:     value,
				Condition: r.Condition,
				Records:   run.Records,
				TotalLoss: run.TotalLoss,
				Message: fmt.Sprintf("[%s] %s fired on run %s (%s): %s, value %.2f",
					sev, r.Name, run.ID, run.Formula, r.Condition, value),
				FiredAt:   now,
				State:     "firing",
			}
			e.active[key] = a
			e.lastFire[key] = now
			cp := *a
			out = &cp
			slog.Warn("alerts: rule fired", "rule", r.Name, "run", run.ID, "value", value, "severity", sev)

		default:
			a, ok := e.active[key]
			if !ok {
				break
			}
			resolved := now
			a.State = "resolved"
			a.ResolvedAt = &resolved
			delete(e.active, key)
			e.history = append(e.history, a)
			if len(e.history) > maxHistoryLen {
				e.history = e.history[len(e.history)-maxHistoryLen:]
			}
			cp := *a
			out = &cp
			slog.Info("alerts: rule resolved", "rule", r.Name, "run", run.ID)
		}
		e.mu.Unlock()

		if out != nil {
			e.notify(out)
		}
	}
}

// Active returns copies of firing alerts plus alerts resolved within the
// last hour, newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindow)
	out := make([]*Alert, 0, len(e.active))
	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}
