package chat

import (
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ishenli/investment-agent/store"
)

// Change is delivered to subscribers after a scope's list was replaced.
type Change struct {
	Scope    Scope
	Version  uint64
	Messages []*store.ChatMessage
}

// ConversationStore is the single source of truth for every scope's list.
// Lists are immutable snapshots; every mutation installs a new one.
type ConversationStore struct {
	mu       sync.RWMutex
	lists    map[Scope][]*store.ChatMessage
	versions map[Scope]uint64

	subMu  sync.RWMutex
	subs   map[int]func(Change)
	nextID int
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		lists:    make(map[Scope][]*store.ChatMessage),
		versions: make(map[Scope]uint64),
		subs:     make(map[int]func(Change)),
	}
}

var equateEmpty = cmpopts.EquateEmpty()

// Dispatch reduces action against the scope's current list. It reports
// whether the list changed; deep-equal results are discarded so the list
// identity and version stay the same and nobody is notified.
func (s *ConversationStore) Dispatch(scope Scope, action Action) bool {
	s.mu.Lock()
	current := s.lists[scope]
	next := Reduce(current, action)
	if sameList(current, next) {
		s.mu.Unlock()
		return false
	}
	s.lists[scope] = next
	s.versions[scope]++
	change := Change{Scope: scope, Version: s.versions[scope], Messages: next}
	s.mu.Unlock()

	s.notify(change)
	return true
}

// Hydrate installs list as the scope's list, e.g. after loading it from
// persistence. Current messages for which keep reports true survive: they
// replace the loaded row with the same id, and ones missing from list are
// appended in their current order. The merge reads the current list under the
// store lock, so no update dispatched before it is lost. keep may be nil.
func (s *ConversationStore) Hydrate(scope Scope, list []*store.ChatMessage, keep func(*store.ChatMessage) bool) {
	s.mu.Lock()
	current := s.lists[scope]
	live := make(map[string]*store.ChatMessage)
	if keep != nil {
		for _, m := range current {
			if keep(m) {
				live[m.ID] = m
			}
		}
	}

	snapshot := make([]*store.ChatMessage, 0, len(list)+len(live))
	loaded := make(map[string]struct{}, len(list))
	for _, m := range list {
		loaded[m.ID] = struct{}{}
		if cur, ok := live[m.ID]; ok {
			snapshot = append(snapshot, cur)
			continue
		}
		snapshot = append(snapshot, m.Clone())
	}
	for _, m := range current {
		if _, ok := loaded[m.ID]; ok {
			continue
		}
		if _, ok := live[m.ID]; ok {
			snapshot = append(snapshot, m)
		}
	}

	if sameList(current, snapshot) {
		s.mu.Unlock()
		return
	}
	s.lists[scope] = snapshot
	s.versions[scope]++
	change := Change{Scope: scope, Version: s.versions[scope], Messages: snapshot}
	s.mu.Unlock()

	s.notify(change)
}

// Messages returns the scope's current list. Callers must not mutate it.
func (s *ConversationStore) Messages(scope Scope) []*store.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lists[scope]
}

// Message returns a copy of one message, or nil.
func (s *ConversationStore) Message(scope Scope, id string) *store.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.lists[scope], id); i >= 0 {
		return s.lists[scope][i].Clone()
	}
	return nil
}

// Version increments every time the scope's list is replaced.
func (s *ConversationStore) Version(scope Scope) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[scope]
}

// Subscribe registers fn for every change. fn runs synchronously on the
// dispatching goroutine and must not call Dispatch.
func (s *ConversationStore) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
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

func (s *ConversationStore) notify(change Change) {
	s.subMu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}

func sameList(a, b []*store.ChatMessage) bool {
	if len(a) != len(b) {
		return false
	}
	return cmp.Equal(a, b, equateEmpty)
}
