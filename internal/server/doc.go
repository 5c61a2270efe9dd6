// Package server implements the HTTP control surface for a capture session: start and
// stop recording, report progress, serve the finalized WAV, and expose Prometheus metrics.
package server
