package oracle

import (
	"sync"
	"time"

	"SynthLedger/internal/valuation"
)

// Store caches the latest observation per price feed. It implements
// valuation.PriceSource and is fed by the NATS price subscriber; updates and
// engine reads run on different goroutines, hence the lock.
type Store struct {
	mu     sync.RWMutex
	points map[string]valuation.PricePoint
}

func NewStore() *Store {
	return &Store{
		points: make(map[string]valuation.PricePoint),
	}
}

// Update records a new observation for a feed and reports whether it was
// accepted. Older-than-current updates are dropped so a delayed redelivery
// cannot roll a price back.
func (s *Store) Update(feed string, price int64, updatedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.points[feed]; ok && current.UpdatedAt.After(updatedAt) {
		return false
	}
	s.points[feed] = valuation.PricePoint{Price: price, UpdatedAt: updatedAt}
	return true
}

// Latest returns the newest observation for a feed.
func (s *Store) Latest(feed string) (valuation.PricePoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.points[feed]
	return p, ok
}

// Feeds returns all feeds with at least one observation.
func (s *Store) Feeds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.points))
	for feed := range s.points {
		out = append(out, feed)
	}
	return out
}
