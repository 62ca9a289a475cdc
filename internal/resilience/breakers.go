package resilience

import (
	"sort"
	"sync"
)

// Breakers is a named set of breakers created on first use. Entries live for
// the lifetime of the set.
type Breakers struct {
	cfg  BreakerConfig
	opts []BreakerOption

	mu    sync.RWMutex
	items map[string]*Breaker
}

// NewBreakers constructs an empty set; every breaker it creates uses cfg and opts.
func NewBreakers(cfg BreakerConfig, opts ...BreakerOption) *Breakers {
	return &Breakers{cfg: cfg, opts: opts, items: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it if needed.
func (s *Breakers) Get(name string) *Breaker {
	s.mu.RLock()
	b := s.items[name]
	s.mu.RUnlock()
	if b != nil {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b = s.items[name]; b == nil {
		b = NewBreaker(name, s.cfg, s.opts...)
		s.items[name] = b
	}
	return b
}

// Snapshots returns all breakers sorted by name.
func (s *Breakers) Snapshots() []BreakerSnapshot {
	s.mu.RLock()
	out := make([]BreakerSnapshot, 0, len(s.items))
	for _, b := range s.items {
		out = append(out, b.Snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
