// Package workflow parses GitHub-Actions-shaped workflow definitions.
//
// A workflow declares its trigger filters, an optional concurrency group,
// and a set of independent jobs. Jobs may be replicated across a matrix;
// Matrix.Expand yields one binding per cross-product cell. Strings may embed
// ${{ ... }} expressions which Context.Expand resolves against the github,
// env and matrix contexts.
package workflow
