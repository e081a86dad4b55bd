// Package api implements the lossserver REST API.
//
// New(svc, registry) returns an http.Handler that serves:
//
//	POST /api/v1/runs             run an estimate synchronously, 201 + RunResponse
//	GET  /api/v1/runs             live runs, newest first
//	GET  /api/v1/runs/{id}        one run; ?losses=true adds per-record losses
//	GET  /api/v1/health           run counts, host CPU and memory
//	GET  /api/v1/defaults         current engine defaults and formula names
//	GET  /api/v1/alerts           firing and recently resolved alerts
//	GET  /metrics                 Prometheus text exposition
//
// Malformed input answers 400, unknown runs 404 and engine failures 500.
// JSON types are defined in types.go. No external HTTP framework is used.
package api
