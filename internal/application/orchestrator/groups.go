package orchestrator

import "sync"

// groupEntry is an active run registered under a concurrency key.
type groupEntry struct {
	exec       *execution
	superseded bool
}

// groupRegistry tracks active runs per concurrency key. A run is inserted
// when it starts and removed when it reaches a terminal state.
type groupRegistry struct {
	mu     sync.Mutex
	active map[string][]*groupEntry
}

func newGroupRegistry() *groupRegistry {
	return &groupRegistry{active: make(map[string][]*groupEntry)}
}

// acquire registers exec under key. With cancelInProgress set, every
// other run under the key that was not already superseded is marked
// superseded and returned so the caller can cancel it.
func (g *groupRegistry) acquire(key string, exec *execution, cancelInProgress bool) []*execution {
	g.mu.Lock()
	defer g.mu.Unlock()

	var victims []*execution
	if cancelInProgress {
		for _, e := range g.active[key] {
			if !e.superseded {
				e.superseded = true
				victims = append(victims, e.exec)
			}
		}
	}
	g.active[key] = append(g.active[key], &groupEntry{exec: exec})
	return victims
}

// release removes exec from key.
func (g *groupRegistry) release(key string, exec *execution) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries := g.active[key]
	for i, e := range entries {
		if e.exec == exec {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(g.active, key)
		return
	}
	g.active[key] = entries
}

// live returns the IDs of runs under key that are not superseded.
func (g *groupRegistry) live(key string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ids []string
	for _, e := range g.active[key] {
		if !e.superseded {
			ids = append(ids, e.exec.runID)
		}
	}
	return ids
}
