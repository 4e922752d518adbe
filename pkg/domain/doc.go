// Package domain holds the core types shared by every dagci component:
// triggers, concurrency groups, runs, job instances, step states and the
// events published while a run progresses.
package domain
