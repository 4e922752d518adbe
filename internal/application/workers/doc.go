// Package workers implements the bounded worker pool job instances run on.
//
// The pool manages a fixed number of goroutines that:
//   - Take job tasks submitted by the run scheduler
//   - Run them to completion, one task per worker at a time
//   - Report idle/busy/stopped status for health checks
//
// The health monitor tracks worker status and logs metrics.
package workers
