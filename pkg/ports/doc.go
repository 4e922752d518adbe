// Package ports declares the interfaces the orchestration core depends on.
// Adapters under pkg/adapters implement them.
package ports
