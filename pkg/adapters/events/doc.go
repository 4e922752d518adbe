// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams, every subscriber sees every event
//   - memory: In-process fan-out for single-node deployments and tests
package events
