// Package config loads and watches the YAML configuration shared by the
// lossengine CLI and the lossserver daemon.
//
// Top-level sections:
//   - log: level (debug|info|warn|error)
//   - engine: formula, discount_rate, horizon_years, workers (0 = derive
//     from available parallelism)
//   - dataset: path or endpoint, replicate, timeout, auth, tls
//   - server: grpc_port, http_port, auth, runs (ttl, max_records), alerts,
//     stream_interval
//
// Secrets are never stored in the file. Auth sections name environment
// variables (key_env, token_env, password_env, url_env) and the accessor
// methods resolve them at use time.
//
// Load(path) applies defaults, decodes the YAML over them and validates the
// result. Watch(ctx, path, onChange) reloads the file with fsnotify and
// hands every valid new Config to onChange.
package config
