// Package service is the application layer of lossserver. It resolves
// request parameters against hot-reloadable defaults, runs the engine,
// records the run in the store, evaluates alert rules and notifies
// subscribers such as the WebSocket hub.
package service
