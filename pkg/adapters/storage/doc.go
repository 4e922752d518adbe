// Package storage provides run storage implementations.
//
// Implementations:
//   - redis: Redis with JSON serialization and TTL
//   - sqlite: SQLite run history with per-step execution records
//   - memory: In-memory for testing and one-shot CLI runs
package storage
