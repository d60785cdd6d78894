package analytics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const defaultRingCapacity = 10_000

// MemoryStore keeps the most recent events in a fixed-size ring buffer.
// Oldest events are overwritten once the ring is full; that overwrite is not
// counted as a drop, it is the backend working as designed.
type MemoryStore struct {
	mu    sync.RWMutex
	ring  []Event
	next  int
	count int

	recorded atomic.Uint64
}

// NewMemoryStore creates a ring of the given capacity. Zero or negative uses
// the default.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &MemoryStore{ring: make([]Event, capacity)}
}

func (s *MemoryStore) Record(e Event) {
	s.recorded.Add(1)
	s.mu.Lock()
	s.ring[s.next] = e
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
	s.mu.Unlock()
}

func (s *MemoryStore) Query(_ context.Context, start, end time.Time, limit int) ([]Event, error) {
	s.mu.RLock()
	events := s.snapshot()
	s.mu.RUnlock()

	var out []Event
	for _, e := range events {
		if e.CreatedAt.Before(start) || !e.CreatedAt.Before(end) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Aggregate(_ context.Context, start, end time.Time) ([]ModelAggregate, error) {
	s.mu.RLock()
	events := s.snapshot()
	s.mu.RUnlock()

	byModel := make(map[string]*ModelAggregate)
	latencySum := make(map[string]uint64)
	for _, e := range events {
		if e.CreatedAt.Before(start) || !e.CreatedAt.Before(end) {
			continue
		}
		agg, ok := byModel[e.Model]
		if !ok {
			agg = &ModelAggregate{Model: e.Model}
			byModel[e.Model] = agg
		}
		agg.Requests++
		if e.Status >= 400 {
			agg.Errors++
		}
		agg.InputTokens += uint64(e.InputTokens)
		agg.OutputTokens += uint64(e.OutputTokens)
		latencySum[e.Model] += uint64(e.LatencyMs)
	}

	out := make([]ModelAggregate, 0, len(byModel))
	for model, agg := range byModel {
		if agg.Requests > 0 {
			agg.AvgLatencyMs = float64(latencySum[model]) / float64(agg.Requests)
		}
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Requests > out[j].Requests })
	return out, nil
}

func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	held := uint64(s.count)
	s.mu.RUnlock()
	return Stats{
		Backend:  "memory",
		Recorded: s.recorded.Load(),
		Held:     held,
	}
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.next = 0
	s.count = 0
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// snapshot copies live entries in insertion order. Callers hold s.mu.
func (s *MemoryStore) snapshot() []Event {
	out := make([]Event, 0, s.count)
	start := s.next - s.count
	for i := 0; i < s.count; i++ {
		idx := (start + i + len(s.ring)) % len(s.ring)
		out = append(out, s.ring[idx])
	}
	return out
}
