package ledger

import (
	"PPSync/service/protocol"
	"encoding/json"
	"sync"
)

var kinds = []protocol.EntityKind{protocol.KindProject, protocol.KindTask, protocol.KindComment}

// Store is the client's local replica: ordered entities per kind, newest first,
// plus the last presence snapshot per project.
type Store struct {
	mu       sync.RWMutex
	items    map[protocol.EntityKind][]Entity
	presence map[string]protocol.Presence
}

func NewStore() *Store {
	s := &Store{
		items:    make(map[protocol.EntityKind][]Entity, len(kinds)),
		presence: make(map[string]protocol.Presence),
	}
	for _, k := range kinds {
		s.items[k] = []Entity{}
	}
	return s
}

// Load replaces one kind wholesale, e.g. after the initial fetch.
func (s *Store) Load(kind protocol.EntityKind, list []Entity) {
	cp := make([]Entity, 0, len(list))
	for _, e := range list {
		cp = append(cp, e.Clone())
	}
	s.mu.Lock()
	s.items[kind] = cp
	s.mu.Unlock()
}

func (s *Store) List(kind protocol.EntityKind) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0, len(s.items[kind]))
	for _, e := range s.items[kind] {
		out = append(out, e.Clone())
	}
	return out
}

func (s *Store) Get(kind protocol.EntityKind, id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(kind, id)
	if i < 0 {
		return nil, false
	}
	return s.items[kind][i].Clone(), true
}

func (s *Store) Presence(projectID string) (protocol.Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[projectID]
	return p, ok
}

// Snapshot is a canonical JSON rendering of every kind; two stores with equal
// contents produce equal bytes.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := make(map[protocol.EntityKind][]Entity, len(s.items))
	for k, v := range s.items {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// ---- helpers, caller holds s.mu ----

func (s *Store) indexLocked(kind protocol.EntityKind, id string) int {
	if id == "" {
		return -1
	}
	for i, e := range s.items[kind] {
		if e.ID() == id {
			return i
		}
	}
	return -1
}

func (s *Store) insertLocked(kind protocol.EntityKind, at int, e Entity) {
	list := s.items[kind]
	if at < 0 {
		at = 0
	}
	if at > len(list) {
		at = len(list)
	}
	list = append(list, nil)
	copy(list[at+1:], list[at:])
	list[at] = e
	s.items[kind] = list
}

func (s *Store) removeLocked(kind protocol.EntityKind, i int) Entity {
	list := s.items[kind]
	e := list[i]
	s.items[kind] = append(list[:i:i], list[i+1:]...)
	return e
}

func (s *Store) setPresenceLocked(p protocol.Presence) {
	s.presence[p.ProjectID] = p
}
