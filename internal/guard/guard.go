// Package guard rejects status batches that belong to a request other than the tracked one.
package guard

import "sync"

// Guard holds the currently tracked request id. The zero value tracks nothing and adopts the
// first id it sees. It is safe for concurrent use.
type Guard struct {
	mu      sync.Mutex
	tracked string
}

// New returns a Guard tracking id. An empty id means "adopt the first batch".
func New(id string) *Guard {
	return &Guard{tracked: id}
}

// Track replaces the tracked id.
func (g *Guard) Track(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracked = id
}

// Tracked returns the tracked id, or "" when unset.
func (g *Guard) Tracked() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tracked
}

// Reset clears the tracked id.
func (g *Guard) Reset() {
	g.Track("")
}

// Accept reports whether a batch carrying id may be applied. When nothing is tracked yet the
// carried id is adopted and accepted.
func (g *Guard) Accept(carried string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tracked == "" {
		g.tracked = carried
		return true
	}
	return carried == g.tracked
}
