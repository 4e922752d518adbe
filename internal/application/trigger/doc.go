// Package trigger decides whether an incoming version-control event starts a
// workflow run and derives the run's concurrency group.
package trigger
