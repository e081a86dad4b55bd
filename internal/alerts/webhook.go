package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
)

// fact is one labelled value shown in chat notifications.
type fact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// payloadFunc renders an alert as the JSON body one webhook type expects.
type payloadFunc func(*Alert) any

var payloads = map[string]payloadFunc{
	"slack":     slackPayload,
	"teams":     teamsPayload,
	"http":      genericPayload,
	"pagerduty": genericPayload,
}

func genericPayload(a *Alert) any { return map[string]any{"alert": a} }

// deliver posts a to every configured webhook whose URL is set. Delivery
// errors are logged and do not affect other webhooks.
func (e *Engine) deliver(a *Alert) {
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}
		render, ok := payloads[wh.Type]
		if !ok {
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}
		body, err := json.Marshal(render(a))
		if err == nil {
			err = e.post(url, body)
		}
		if err != nil {
			slog.Error("alerts: webhook delivery failed", "type", wh.Type, "rule", a.RuleName, "run", a.RunID, "err", err)
			continue
		}
		slog.Debug("alerts: webhook delivered", "type", wh.Type, "rule", a.RuleName, "state", a.State)
	}
}

// headline is the one-line summary used as Slack text and Teams title.
func headline(a *Alert) string {
	verb := "fired"
	if a.State == "resolved" {
		verb = "resolved"
	}
	return fmt.Sprintf("%s %s %s on %s run %s", severityLabel(a.Severity), a.RuleName, verb, a.Formula, a.RunID)
}

// facts lists the run context shared by the chat payloads.
func facts(a *Alert) []fact {
	return []fact{
		{"Run", a.RunID},
		{"Formula", a.Formula},
		{"Records", strconv.Itoa(a.Records)},
		{"Total loss", money(a.TotalLoss)},
		{"Condition", a.Condition},
		{"Observed", strconv.FormatFloat(a.Value, 'f', 2, 64)},
	}
}

func slackPayload(a *Alert) any {
	fs := facts(a)
	fields := make([]map[string]any, len(fs))
	for i, f := range fs {
		fields[i] = map[string]any{"title": f.Name, "value": f.Value, "short": true}
	}
	return map[string]any{
		"text": headline(a),
		"attachments": []map[string]any{{
			"color":  "#" + severityColor(a.Severity),
			"fields": fields,
		}},
	}
}

func teamsPayload(a *Alert) any {
	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(a.Severity),
		"summary":    a.RuleName,
		"title":      headline(a),
		"sections":   []map[string]any{{"facts": facts(a)}},
	}
}

func (e *Engine) post(url string, body []byte) error {
	resp, err := e.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// money renders v in dollars, rounded half-up to cents.
func money(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "$" + decimal.NewFromFloat(v).StringFixed(2)
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s string) string {
	switch s {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
