// Package alerts evaluates threshold rules against finished runs, such as
// "total_loss > 1e9" or "state == failed", and posts firing and resolved
// alerts to Slack, Teams or generic HTTP webhooks.
package alerts
