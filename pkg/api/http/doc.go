// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Trigger event submission
//   - Run listing, status, result and cancellation
//   - Workflow and worker pool inspection
//   - Health checks and Prometheus metrics
package http
