// Package store keeps finished and in-flight runs in memory for the query
// API, evicting them after a TTL.
package store
