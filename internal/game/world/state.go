// Package world holds the shared world aggregate: every logged-in player and
// their position.
package world

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Position is a point in world space.
type Position struct {
	X float64
	Y float64
	Z float64
}

// Player is an account's presence in the world.
type Player struct {
	// Name is the account name.
	Name string
	// SessionID is the session the player is connected through.
	SessionID string
	// Position is the last reported position.
	Position Position
	// JoinedAt is when the player entered the world.
	JoinedAt time.Time
}

type snapshot map[string]Player

// State is the shared world. Writers are serialized; readers load an
// immutable snapshot without locking.
type State struct {
	mu      sync.Mutex // serializes writers
	players atomic.Pointer[snapshot]
}

// NewState creates an empty world.
func NewState() *State {
	s := &State{}
	empty := snapshot{}
	s.players.Store(&empty)
	return s
}

// mutate copies the current snapshot, applies fn and publishes the result.
// Caller must hold s.mu.
func (s *State) mutate(fn func(next snapshot) bool) bool {
	cur := *s.players.Load()
	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	if !fn(next) {
		return false
	}
	s.players.Store(&next)
	return true
}

// Upsert inserts or replaces the player keyed by p.Name.
//
// Precondition: p.Name must be non-empty.
// Postcondition: Get(p.Name) returns p.
func (s *State) Upsert(p Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutate(func(next snapshot) bool {
		next[p.Name] = p
		return true
	})
}

// Remove deletes the named player. Removing an absent player is a no-op.
//
// Postcondition: Returns true if a player was removed.
func (s *State) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(func(next snapshot) bool {
		if _, ok := next[name]; !ok {
			return false
		}
		delete(next, name)
		return true
	})
}

// UpdatePosition sets the position of an existing player; last writer wins.
//
// Postcondition: Returns false and changes nothing if the player is absent.
func (s *State) UpdatePosition(name string, pos Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(func(next snapshot) bool {
		p, ok := next[name]
		if !ok {
			return false
		}
		p.Position = pos
		next[name] = p
		return true
	})
}

// Get returns the named player.
func (s *State) Get(name string) (Player, bool) {
	p, ok := (*s.players.Load())[name]
	return p, ok
}

// AllPlayers returns a copy of every player sorted by name. Later mutations
// do not affect the returned slice.
func (s *State) AllPlayers() []Player {
	cur := *s.players.Load()
	out := make([]Player, 0, len(cur))
	for _, p := range cur {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of players in the world.
func (s *State) Len() int {
	return len(*s.players.Load())
}
