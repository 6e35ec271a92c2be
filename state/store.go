// Package state implements the replicated key/value store: a per-key
// last-writer-wins register resolved by version then origin. Merging is
// idempotent and order-independent, so correctness never depends on delivery
// order or exactly-once delivery, only on eventual delivery.
package state

import (
	"sort"
	"time"

	"hivemesh/mesh"
	"hivemesh/protocol"
)

// Entry is one replicated register.
type Entry struct {
	Value     string
	Version   uint64
	Origin    mesh.NodeID
	UpdatedAt time.Time
}

// WatchFunc observes an accepted value change.
type WatchFunc func(key, old, new string)

// Wildcard subscribes a watcher to every key.
const Wildcard = "*"

// Store owns the replicated map. It is mutated only from the node tick and
// carries no locks.
type Store struct {
	self     mesh.NodeID
	entries  map[string]Entry
	watchers map[string][]WatchFunc
}

// New creates an empty store for the local node.
func New(self mesh.NodeID) *Store {
	return &Store{
		self:     self,
		entries:  make(map[string]Entry),
		watchers: make(map[string][]WatchFunc),
	}
}

// Set applies a local write: the per-key version is incremented and the
// entry stamped with the local origin. Returns the new entry and true when
// the write took effect; writing an unchanged value is a no-op.
func (s *Store) Set(key, value string, now time.Time) (Entry, bool) {
	old, exists := s.entries[key]
	if exists && old.Value == value {
		return old, false
	}
	e := Entry{
		Value:     value,
		Version:   1,
		Origin:    s.self,
		UpdatedAt: now,
	}
	if exists {
		e.Version = old.Version + 1
	}
	s.entries[key] = e
	s.fire(key, old.Value, value)
	return e, true
}

// ApplyRemote merges one remote update. Accepted iff the version is strictly
// newer, or equal with the lower origin ID winning the tie. Anything older is
// silently dropped: last writer wins, not last arrival.
func (s *Store) ApplyRemote(key, value string, version uint64, origin mesh.NodeID, now time.Time) bool {
	if key == "" {
		return false
	}
	cur, exists := s.entries[key]
	if exists {
		if version < cur.Version {
			return false
		}
		if version == cur.Version && origin >= cur.Origin {
			return false
		}
	}
	s.entries[key] = Entry{
		Value:     value,
		Version:   version,
		Origin:    origin,
		UpdatedAt: now,
	}
	if cur.Value != value {
		s.fire(key, cur.Value, value)
	}
	return true
}

// Merge applies a full remote map entry-by-entry through the same rule as
// live updates. Returns the number of accepted entries.
func (s *Store) Merge(entries []protocol.StateSet, now time.Time) int {
	accepted := 0
	for _, e := range entries {
		if s.ApplyRemote(e.Key, e.Value, e.Version, e.Origin, now) {
			accepted++
		}
	}
	return accepted
}

// Get returns the current value for a key, or the default.
func (s *Store) Get(key, def string) string {
	if e, ok := s.entries[key]; ok {
		return e.Value
	}
	return def
}

// Entry returns the full register for a key.
func (s *Store) Entry(key string) (Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Len returns the number of keys held.
func (s *Store) Len() int { return len(s.entries) }

// Watch registers a callback fired exactly once per accepted change for the
// key, or for every key when key is "*".
func (s *Store) Watch(key string, fn WatchFunc) {
	s.watchers[key] = append(s.watchers[key], fn)
}

func (s *Store) fire(key, old, new string) {
	for _, fn := range s.watchers[key] {
		fn(key, old, new)
	}
	if key != Wildcard {
		for _, fn := range s.watchers[Wildcard] {
			fn(key, old, new)
		}
	}
}

// Snapshot exports the full map in wire form, sorted by key for stable
// output.
func (s *Store) Snapshot() []protocol.StateSet {
	out := make([]protocol.StateSet, 0, len(s.entries))
	for k, e := range s.entries {
		out = append(out, protocol.StateSet{
			Key:     k,
			Value:   e.Value,
			Version: e.Version,
			Origin:  e.Origin,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
