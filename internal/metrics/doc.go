// Package metrics defines the Prometheus metrics for recordings and the HTTP API.
package metrics
