// Package room holds the in-memory room registry used by the signaling
// service.
//
// The registry owns both the room table and the derived connection→rooms
// index. The two are mutated together under a single lock so they can never
// disagree; callers must not cache membership across calls.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	// ErrInvalidID is returned when a caller-supplied room id violates the
	// length policy.
	ErrInvalidID = errors.New("invalid room id")

	// ErrAlreadyExists is returned when creating a room under an id that is
	// already live.
	ErrAlreadyExists = errors.New("room already exists")

	// ErrNotFound is returned when the named room does not exist.
	ErrNotFound = errors.New("room not found")

	// ErrFull is returned when a join would exceed the room's capacity.
	ErrFull = errors.New("room is full")
)

const (
	// MinIDLength and MaxIDLength bound caller-supplied room ids, measured in
	// runes. Server-generated ids (UUIDv4) are exempt.
	MinIDLength = 3
	MaxIDLength = 20

	// DefaultCapacity is the two-party call model.
	DefaultCapacity = 2
)

// Info is a defensive snapshot of a room, safe to hand to encoders and
// broadcast code while the registry keeps mutating.
type Info struct {
	ID        string    `json:"id"`
	Users     []string  `json:"users"`
	Creator   string    `json:"creator"`
	CreatedAt time.Time `json:"createdAt"`
}

type state struct {
	id        string
	users     []string // join order
	creator   string
	createdAt time.Time
}

func (s *state) contains(conn string) bool {
	for _, u := range s.users {
		if u == conn {
			return true
		}
	}
	return false
}

func (s *state) remove(conn string) bool {
	for i, u := range s.users {
		if u == conn {
			s.users = append(s.users[:i], s.users[i+1:]...)
			return true
		}
	}
	return false
}

// Registry is the authoritative room table.
//
// All methods are safe for concurrent use. Mutations ("read membership, check
// capacity, write membership") happen atomically under one mutex, so two
// racing joins can never both land in a room with a single free slot.
type Registry struct {
	mu       sync.Mutex
	capacity int
	rooms    map[string]*state
	byConn   map[string]map[string]struct{} // connection id -> set of room ids

	now func() time.Time
}

// NewRegistry returns an empty registry. capacity <= 0 selects
// DefaultCapacity.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		rooms:    make(map[string]*state),
		byConn:   make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// Capacity reports the configured per-room member limit.
func (r *Registry) Capacity() int {
	return r.capacity
}

// Create inserts a new room with creator as its only member and returns the
// room id.
//
// If desiredID is empty a fresh UUIDv4 is generated; otherwise desiredID must
// be MinIDLength..MaxIDLength runes and not collide with a live room.
func (r *Registry) Create(creator, desiredID string) (string, error) {
	if desiredID != "" {
		if n := utf8.RuneCountInString(desiredID); n < MinIDLength || n > MaxIDLength {
			return "", ErrInvalidID
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := desiredID
	if id == "" {
		for {
			id = uuid.NewString()
			if _, taken := r.rooms[id]; !taken {
				break
			}
		}
	} else if _, taken := r.rooms[id]; taken {
		return "", ErrAlreadyExists
	}

	r.rooms[id] = &state{
		id:        id,
		users:     []string{creator},
		creator:   creator,
		createdAt: r.now(),
	}
	r.indexAddLocked(creator, id)

	return id, nil
}

// Join adds conn to the room. Joining a room one is already a member of is a
// no-op.
func (r *Registry) Join(roomID, conn string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if s.contains(conn) {
		return nil
	}
	if len(s.users) >= r.capacity {
		return ErrFull
	}

	s.users = append(s.users, conn)
	r.indexAddLocked(conn, roomID)
	return nil
}

// Leave removes conn from the room.
//
// removed reports whether conn was actually a member; a leave for an unknown
// room or a room the connection never joined is a no-op (removed=false).
// deleted reports whether the room was destroyed because its last member left;
// a zero-member room never survives a Leave.
func (r *Registry) Leave(roomID, conn string) (removed, deleted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.rooms[roomID]
	if !ok {
		return false, false
	}
	if !s.remove(conn) {
		return false, false
	}
	r.indexRemoveLocked(conn, roomID)

	if len(s.users) == 0 {
		delete(r.rooms, roomID)
		return true, true
	}
	return true, false
}

// Get returns a snapshot of the named room.
func (r *Registry) Get(roomID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.rooms[roomID]
	if !ok {
		return Info{}, false
	}
	return s.snapshot(), true
}

// IsMember reports whether conn is currently a member of the named room.
func (r *Registry) IsMember(roomID, conn string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.rooms[roomID]
	return ok && s.contains(conn)
}

// Members returns the current member list of the named room in join order.
// The returned slice is a copy.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	users := make([]string, len(s.users))
	copy(users, s.users)
	return users
}

// All returns snapshots of every live room, ordered by creation time (id as
// tie-breaker) so directory broadcasts are stable.
func (r *Registry) All() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.rooms))
	for _, s := range r.rooms {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RoomsOf returns the ids of every room conn belongs to. The result is a copy
// taken from the maintained index, not a table scan.
func (r *Registry) RoomsOf(conn string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byConn[conn]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (s *state) snapshot() Info {
	users := make([]string, len(s.users))
	copy(users, s.users)
	return Info{
		ID:        s.id,
		Users:     users,
		Creator:   s.creator,
		CreatedAt: s.createdAt,
	}
}

func (r *Registry) indexAddLocked(conn, roomID string) {
	set := r.byConn[conn]
	if set == nil {
		set = make(map[string]struct{})
		r.byConn[conn] = set
	}
	set[roomID] = struct{}{}
}

func (r *Registry) indexRemoveLocked(conn, roomID string) {
	set := r.byConn[conn]
	if set == nil {
		return
	}
	delete(set, roomID)
	if len(set) == 0 {
		delete(r.byConn, conn)
	}
}
