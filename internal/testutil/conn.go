package testutil

import "sync"

// StubConnectivity is a scriptable offline.Connectivity. Tests flip it
// with SetOnline and subscribers are notified like the real monitor:
// once immediately on subscribe, then on every change.
type StubConnectivity struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int
}

// NewStubConnectivity creates a StubConnectivity in the given state.
func NewStubConnectivity(online bool) *StubConnectivity {
	return &StubConnectivity{online: online, subs: make(map[int]func(bool))}
}

func (s *StubConnectivity) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *StubConnectivity) Subscribe(fn func(online bool)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	online := s.online
	s.mu.Unlock()

	fn(online)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// SetOnline changes the state, notifying subscribers on a transition.
func (s *StubConnectivity) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	fns := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range fns {
		fn(online)
	}
}
