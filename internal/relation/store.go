package relation

import (
	"sort"
	"sync"
)

// State is the client-side view of one user-to-entity relation.
type State struct {
	EntityID   string `json:"entityId"`
	Active     bool   `json:"active"`
	Count      int    `json:"count"`
	Processing bool   `json:"processing"`
}

// Change is delivered to subscribers after every write.
type Change struct {
	Relation string
	EntityID string
	Previous State
	Current  State
}

// Store is a reactive map from entity id to State.
//
// Only the engine writes; everything else reads or subscribes. Subscribers
// run synchronously on the writing goroutine after the store lock is
// released, so they may call Read but must not block or call back into the
// engine's mutators.
type Store struct {
	relation string

	mu     sync.RWMutex
	states map[string]State

	subMu   sync.RWMutex
	subs    map[uint64]func(Change)
	nextSub uint64
}

// NewStore creates an empty store for the named relation.
func NewStore(relation string) *Store {
	return &Store{
		relation: relation,
		states:   make(map[string]State),
		subs:     make(map[uint64]func(Change)),
	}
}

// Relation returns the relation name.
func (s *Store) Relation() string {
	return s.relation
}

// Read returns the state for entityID, or the zero state if it was never
// initialized.
func (s *Store) Read(entityID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.states[entityID]; ok {
		return st
	}
	return State{EntityID: entityID}
}

// Len returns the number of entities held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// Snapshot returns a copy of every state.
func (s *Store) Snapshot() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]State, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}

// ActiveIDs returns the sorted ids of entities the user currently holds.
func (s *Store) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.states))
	for id, st := range s.states {
		if st.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers fn for every change. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// write replaces the state of st.EntityID and notifies subscribers.
func (s *Store) write(st State) {
	s.mu.Lock()
	prev, ok := s.states[st.EntityID]
	if !ok {
		prev = State{EntityID: st.EntityID}
	}
	s.states[st.EntityID] = st
	s.mu.Unlock()

	s.notify([]Change{{Relation: s.relation, EntityID: st.EntityID, Previous: prev, Current: st}})
}

// batch applies several writes at once. Writes to the same entity coalesce
// and each touched entity is notified once, with its final value.
func (s *Store) batch(fn func(put func(State))) {
	pending := make(map[string]State)
	fn(func(st State) { pending[st.EntityID] = st })
	if len(pending) == 0 {
		return
	}

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	changes := make([]Change, 0, len(ids))
	s.mu.Lock()
	for _, id := range ids {
		prev, ok := s.states[id]
		if !ok {
			prev = State{EntityID: id}
		}
		s.states[id] = pending[id]
		changes = append(changes, Change{Relation: s.relation, EntityID: id, Previous: prev, Current: pending[id]})
	}
	s.mu.Unlock()

	s.notify(changes)
}

func (s *Store) notify(changes []Change) {
	s.subMu.RLock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()

	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}
