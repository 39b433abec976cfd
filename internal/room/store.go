package room

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("connection is not in the room")
)

// JoinResult describes the room after a join
type JoinResult struct {
	State
	// Added is false when the connection was already on the roster
	Added bool
	Name  string
}

// LeaveResult describes the room after a leave
type LeaveResult struct {
	State
	Name    string
	Deleted bool
}

// Summary is the public view of an active room
type Summary struct {
	ID           string
	Language     Language
	Participants int
}

// Store owns every live room. Each room is guarded by its own mutex; the
// store mutex only protects the id -> room map and is never held while a
// room mutex is being acquired.
//
// Mutating calls take an optional commit hook. It runs while the room is
// still locked, after the mutation, so whatever it enqueues is ordered the
// same way the mutations were. Hooks must not block.
type Store struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

func NewStore() *Store {
	return &Store{rooms: make(map[string]*Room)}
}

func (s *Store) lookup(id string) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[id]
}

func (s *Store) getOrCreate(id string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		r = NewRoom(id)
		s.rooms[id] = r
	}
	return r
}

// remove drops r from the map unless a newer record already took its slot
func (s *Store) remove(r *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[r.ID] == r {
		delete(s.rooms, r.ID)
	}
}

// Join adds connID to the room, creating the room on first use. Joining
// twice with the same connection id leaves the roster untouched.
func (s *Store) Join(roomID, connID, name string, commit func(JoinResult)) JoinResult {
	for {
		r := s.getOrCreate(roomID)
		r.mu.Lock()
		if r.dead {
			// Lost a race with the last leave; the map entry is about to go.
			r.mu.Unlock()
			s.remove(r)
			continue
		}

		res := JoinResult{Name: name}
		if idx := r.indexOf(connID); idx >= 0 {
			res.Name = r.roster[idx].Name
		} else {
			r.roster = append(r.roster, Member{ConnID: connID, Name: name})
			res.Added = true
		}
		res.State = r.snapshot()
		if commit != nil {
			commit(res)
		}
		r.mu.Unlock()
		return res
	}
}

// mutate runs fn on a live room under its lock
func (s *Store) mutate(roomID string, fn func(r *Room)) error {
	r := s.lookup(roomID)
	if r == nil {
		return ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return ErrRoomNotFound
	}
	fn(r)
	return nil
}

// ApplyEdit replaces the buffer wholesale. Last writer wins.
func (s *Store) ApplyEdit(roomID, buffer string, commit func(State)) error {
	return s.mutate(roomID, func(r *Room) {
		r.buffer = buffer
		if commit != nil {
			commit(r.snapshot())
		}
	})
}

// ApplyLanguage replaces the language tag. Last writer wins.
func (s *Store) ApplyLanguage(roomID string, lang Language, commit func(State)) error {
	return s.mutate(roomID, func(r *Room) {
		r.language = lang
		if commit != nil {
			commit(r.snapshot())
		}
	})
}

// Leave removes connID from the roster and deletes the room once it is empty
func (s *Store) Leave(roomID, connID string, commit func(LeaveResult)) (LeaveResult, error) {
	var (
		res   LeaveResult
		found bool
		gone  *Room
	)
	err := s.mutate(roomID, func(r *Room) {
		idx := r.indexOf(connID)
		if idx < 0 {
			return
		}
		found = true
		res.Name = r.roster[idx].Name
		r.roster = append(r.roster[:idx], r.roster[idx+1:]...)
		if len(r.roster) == 0 {
			r.dead = true
			res.Deleted = true
			gone = r
		}
		res.State = r.snapshot()
		if commit != nil {
			commit(res)
		}
	})
	if err != nil {
		return res, err
	}
	if !found {
		return res, ErrNotMember
	}
	if gone != nil {
		s.remove(gone)
	}
	return res, nil
}

// Snapshot returns a copy of the room's current state
func (s *Store) Snapshot(roomID string) (State, bool) {
	r := s.lookup(roomID)
	if r == nil {
		return State{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return State{}, false
	}
	return r.snapshot(), true
}

// Rooms lists live rooms ordered by id
func (s *Store) Rooms() []Summary {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.dead {
			out = append(out, Summary{ID: r.ID, Language: r.language, Participants: len(r.roster)})
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live rooms
func (s *Store) Len() int {
	return len(s.Rooms())
}
