package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// Guard is the set of jobs this process is currently submitting or watching.
// It is process-local and lost on restart; the job's stored status is the
// durable check behind it.
type Guard struct {
	mu  sync.Mutex
	ids map[uuid.UUID]struct{}
}

func NewGuard() *Guard {
	return &Guard{ids: make(map[uuid.UUID]struct{})}
}

// TryAdd adds id and reports whether it was absent.
func (g *Guard) TryAdd(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.ids[id]; ok {
		return false
	}
	g.ids[id] = struct{}{}
	return true
}

func (g *Guard) Remove(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ids, id)
}

func (g *Guard) Has(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.ids[id]
	return ok
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ids)
}
