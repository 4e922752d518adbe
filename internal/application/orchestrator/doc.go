// Package orchestrator implements the run scheduler.
//
// The manager coordinates runs by:
//   - Resolving triggers against the loaded workflows
//   - Expanding each job's matrix into job instances
//   - Cancelling superseded runs through their concurrency group
//   - Dispatching job instances to the worker pool as their needs complete
//   - Persisting run state and publishing lifecycle events
//
// The validator ensures workflows are well-formed with valid, acyclic needs.
package orchestrator
