package relation

import "sync"

// guard admits at most one in-flight mutation per entity.
type guard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newGuard() *guard {
	return &guard{held: make(map[string]struct{})}
}

// tryAcquire locks entityID and reports whether it was free. Callers that
// get false must drop the request, not queue or retry it.
func (g *guard) tryAcquire(entityID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.held[entityID]; busy {
		return false
	}
	g.held[entityID] = struct{}{}
	return true
}

// release unlocks entityID. Must run exactly once per successful tryAcquire.
func (g *guard) release(entityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, entityID)
}

func (g *guard) locked(entityID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.held[entityID]
	return busy
}
