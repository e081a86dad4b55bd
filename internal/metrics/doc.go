// Package metrics exposes engine run statistics in the Prometheus text
// format.
//
// Registry implements engine.Observer. Each ObserveRun updates counters for
// runs (by formula, status and failure reason), records and chunks, a
// duration histogram and last-run gauges. Gather builds client_model
// MetricFamily values directly and WriteText encodes them with expfmt, so
// no global Prometheus registry is involved.
package metrics
