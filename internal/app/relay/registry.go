package relay

import (
	"sort"
	"sync"

	"github.com/bulios/stocks/internal/domain/quote"
)

// ConnectionSnapshot is a point-in-time copy of a registered connection.
type ConnectionSnapshot struct {
	ID      string
	Symbols quote.SymbolSet
}

// Registry tracks the current subscription set of every open connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]quote.SymbolSet
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:    sync.RWMutex{},
		conns: make(map[string]quote.SymbolSet),
	}
}

// Open registers id with an empty symbol set. It returns false when id is already registered.
func (r *Registry) Open(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		return false
	}
	r.conns[id] = quote.SymbolSet{}
	return true
}

// Close removes id and returns the set it held. The second result is false when id was not registered,
// which makes repeated close notifications harmless.
func (r *Registry) Close(id string) (quote.SymbolSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	return previous, true
}

// ReplaceSymbols swaps the symbol set of id and returns the previous one.
// Unknown ids are not created; the second result reports whether id was registered.
func (r *Registry) ReplaceSymbols(id string, next quote.SymbolSet) (quote.SymbolSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	r.conns[id] = next.Clone()
	return previous, true
}

// Symbols returns a copy of the set currently held by id.
func (r *Registry) Symbols(id string) (quote.SymbolSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return set.Clone(), true
}

// Snapshot returns a deep copy of all connections ordered by id.
func (r *Registry) Snapshot() []ConnectionSnapshot {
	r.mu.RLock()
	out := make([]ConnectionSnapshot, 0, len(r.conns))
	for id, set := range r.conns {
		out = append(out, ConnectionSnapshot{ID: id, Symbols: set.Clone()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
