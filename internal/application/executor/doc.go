// Package executor runs the steps of one job instance in a fresh workspace.
//
// Steps run strictly in order. The first failing step fails the job and
// every later step is reported Skipped. Cancelling the context interrupts
// the running step (shell steps lose their whole process group) and the
// job is reported Cancelled; a job or step timeout fails it instead.
//
// Actions may return post actions, which run in reverse order once the
// steps are done unless the job was cancelled.
package executor
