// Package ws streams run updates to WebSocket clients at /ws/stream.
//
// On connect a client receives the current run list. After that it gets a
// "run" event whenever a run starts or finishes (Hub.Publish, registered
// with the service) and a fresh "runs" list every interval:
//
//	{"event": "run",  "data": { /* api.RunResponse */ }}
//	{"event": "runs", "data": { /* api.RunListResponse */ }}
//
// Per-record losses are never streamed; fetch them from the REST API.
package ws
