// Package stream tracks live display panel connections grouped by area.
package stream

import (
	"sort"
	"sync"

	"clinic-paging/internal/calls"
	"clinic-paging/pkg/metrics"
)

// Subscriber is one live panel connection. Its channel is closed when the
// subscriber is unregistered or dropped for falling behind.
type Subscriber struct {
	AreaID int64
	ch     chan calls.Payload
}

func (s *Subscriber) Events() <-chan calls.Payload { return s.ch }

// Registry maps area ids to live subscribers. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	areas  map[int64]map[*Subscriber]struct{}
	buffer int
}

func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = 8
	}
	return &Registry{areas: map[int64]map[*Subscriber]struct{}{}, buffer: buffer}
}

// Register adds a subscriber for areaID. The returned func removes it and is
// safe to call more than once.
func (r *Registry) Register(areaID int64) (*Subscriber, func()) {
	s := &Subscriber{AreaID: areaID, ch: make(chan calls.Payload, r.buffer)}

	r.mu.Lock()
	set, ok := r.areas[areaID]
	if !ok {
		set = map[*Subscriber]struct{}{}
		r.areas[areaID] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()
	metrics.Subscribers.Inc()

	return s, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.removeLocked(s)
	}
}

// removeLocked deletes s if still present. Caller holds r.mu.
func (r *Registry) removeLocked(s *Subscriber) bool {
	set, ok := r.areas[s.AreaID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.areas, s.AreaID)
	}
	close(s.ch)
	metrics.Subscribers.Dec()
	return true
}

// Areas returns the ids of areas with at least one subscriber, ascending.
func (r *Registry) Areas() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.areas))
	for id := range r.areas {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Count(areaID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.areas[areaID])
}

// Broadcast hands p to every subscriber of areaID without blocking.
// Subscribers whose buffer is full are dropped. It returns how many
// subscribers received p.
func (r *Registry) Broadcast(areaID int64, p calls.Payload) int {
	var slow []*Subscriber
	delivered := 0

	r.mu.RLock()
	for s := range r.areas[areaID] {
		select {
		case s.ch <- p:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	r.mu.RUnlock()

	if len(slow) > 0 {
		r.mu.Lock()
		for _, s := range slow {
			if r.removeLocked(s) {
				metrics.DroppedSubscribers.Inc()
			}
		}
		r.mu.Unlock()
	}
	return delivered
}

// CloseAll unregisters every subscriber and closes its channel, which ends
// the streams relaying them. It returns how many were closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.areas {
		for s := range set {
			if r.removeLocked(s) {
				n++
			}
		}
	}
	return n
}
