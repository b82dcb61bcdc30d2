package session

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
)

// SubscriptionSet is the ordered set of topic filters the client wants
// active. It outlives connections and is replayed after a reconnect.
type SubscriptionSet struct {
	mu      sync.Mutex
	order   []string
	entries map[string]packet.Subscription
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{entries: make(map[string]packet.Subscription)}
}

// Add inserts filters at the end; an existing filter keeps its position and
// takes the new QoS.
func (s *SubscriptionSet) Add(subscriptions ...packet.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subscription := range subscriptions {
		if _, exists := s.entries[subscription.TopicFilter]; !exists {
			s.order = append(s.order, subscription.TopicFilter)
		}
		s.entries[subscription.TopicFilter] = subscription
	}
}

func (s *SubscriptionSet) Remove(filters ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, filter := range filters {
		if _, exists := s.entries[filter]; !exists {
			continue
		}
		delete(s.entries, filter)
		for i, f := range s.order {
			if f == filter {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

func (s *SubscriptionSet) Contains(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.entries[filter]
	return exists
}

func (s *SubscriptionSet) Snapshot() []packet.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]packet.Subscription, 0, len(s.order))
	for _, filter := range s.order {
		result = append(result, s.entries[filter])
	}
	return result
}

func (s *SubscriptionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
