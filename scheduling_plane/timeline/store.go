package timeline

import (
	"sync"
	"time"
)

// DecisionEvent traces one step in the life of a scheduling decision.
type DecisionEvent struct {
	RefID     string            `json:"ref_id"` // group, slot or plan id
	Stage     string            `json:"stage"`  // DETECTED, SELECTED, RELEASED, CONFIRMED, REJECTED, EXPIRED, ADJUSTED, FORCED
	Timestamp time.Time         `json:"timestamp"`
	FactoryID string            `json:"factory_id"`
	ActorID   string            `json:"actor_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store keeps a bounded in-memory trail of decision events for the dashboard
// and debugging. Oldest events are dropped once capacity is hit.
type Store struct {
	events []DecisionEvent
	cap    int
	mu     sync.RWMutex
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Store{
		events: make([]DecisionEvent, 0, capacity),
		cap:    capacity,
	}
}

func (s *Store) Record(e DecisionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if len(s.events) >= s.cap {
		// Drop the oldest half rather than shifting on every append.
		keep := s.cap / 2
		copy(s.events, s.events[len(s.events)-keep:])
		s.events = s.events[:keep]
	}
	s.events = append(s.events, e)
}

func (s *Store) GetEvents(refID string) []DecisionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []DecisionEvent
	for _, e := range s.events {
		if e.RefID == refID {
			results = append(results, e)
		}
	}
	return results
}

func (s *Store) GetFactoryEvents(factoryID string, limit int) []DecisionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []DecisionEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].FactoryID == factoryID {
			results = append(results, s.events[i])
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}
	return results
}
