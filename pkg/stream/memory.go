package stream

import (
	"context"
	"sync"

	"github.com/settld-labs/settld/pkg/eventchain"
)

// MemoryStore keeps streams in process memory. The mutex covers the full
// head-check-then-append section, so concurrent appends against the same
// expected head resolve to exactly one winner.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string][]eventchain.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]eventchain.Event)}
}

func (s *MemoryStore) Head(_ context.Context, id ID) (Head, error) {
	if err := id.Validate(); err != nil {
		return Head{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.streams[id.String()]
	return Head{ChainHash: eventchain.Head(events), Length: len(events)}, nil
}

func (s *MemoryStore) Append(_ context.Context, id ID, expectedHead string, ev eventchain.Event) (Head, error) {
	if err := id.Validate(); err != nil {
		return Head{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.streams[id.String()]
	current := eventchain.Head(events)
	if current != expectedHead {
		return Head{}, headConflict(id, expectedHead, current)
	}
	next, err := eventchain.Append(events, ev)
	if err != nil {
		return Head{}, err
	}
	s.streams[id.String()] = next
	return Head{ChainHash: ev.ChainHash, Length: len(next)}, nil
}

func (s *MemoryStore) Events(_ context.Context, id ID) ([]eventchain.Event, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.streams[id.String()]
	out := make([]eventchain.Event, len(events))
	copy(out, events)
	return out, nil
}
