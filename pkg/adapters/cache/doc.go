// Package cache provides dependency cache implementations.
//
// Implementations:
//   - redis: Redis strings with TTL, shared across engine instances
//   - memory: In-process map, for single-node use and testing
//
// Cache entries are advisory. A missing, expired or corrupted entry only
// makes a job slower, never incorrect.
package cache
