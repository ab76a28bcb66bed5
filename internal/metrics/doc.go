// Package metrics defines the Prometheus collectors for live relay sessions,
// upstream credential exchanges, background jobs and the HTTP API.
package metrics
