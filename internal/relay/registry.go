package relay

import (
	"sort"
	"sync"
)

// PlayerRef is the public summary of a member exposed by room snapshots.
type PlayerRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// RoomSnapshot is a point-in-time view of one room.
type RoomSnapshot struct {
	RoomID      string      `json:"roomId"`
	PlayerCount int         `json:"playerCount"`
	Players     []PlayerRef `json:"players"`
}

// Registry maps room ids to their members keyed by connection id.
//
// Invariant: no room with zero members is retained after Remove returns.
//
// The relay loop is the only writer; the mutex lets the HTTP surface read
// concurrently. All read methods return copies.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Member // roomID → connID → member
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]*Member),
	}
}

// roomLocked returns the member set for roomID, creating it when absent.
// Caller must hold the write lock.
func (r *Registry) roomLocked(roomID string) map[string]*Member {
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]*Member)
		r.rooms[roomID] = room
	}
	return room
}

// EnsureRoom creates roomID if it is absent.
//
// Postcondition: Returns true when the room was created by this call.
func (r *Registry) EnsureRoom(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.rooms[roomID]
	r.roomLocked(roomID)
	return !existed
}

// Insert stores m in roomID, creating the room if it does not exist.
// An existing member with the same connection id is replaced.
//
// Precondition: roomID and m.ID must be non-empty.
func (r *Registry) Insert(roomID string, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := m
	r.roomLocked(roomID)[m.ID] = &stored
}

// Remove deletes connID from roomID and drops the room once it is empty.
//
// Postcondition: Returns the removed member and whether the room was deleted.
// ok is false when the member was not present.
func (r *Registry) Remove(roomID, connID string) (removed Member, roomDeleted bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return Member{}, false, false
	}
	m, exists := room[connID]
	if !exists {
		return Member{}, false, false
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
		roomDeleted = true
	}
	return *m, roomDeleted, true
}

// Update applies fn to the stored member in place.
//
// Postcondition: Returns a copy of the updated member, or ok=false when absent.
func (r *Registry) Update(roomID, connID string, fn func(*Member)) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.rooms[roomID][connID]
	if !ok {
		return Member{}, false
	}
	fn(m)
	return *m, true
}

// Get returns a copy of one member.
func (r *Registry) Get(roomID, connID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.rooms[roomID][connID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members returns copies of every member in roomID except excludeID.
// Pass an empty excludeID to enumerate all members.
//
// Postcondition: Returns a non-nil slice (may be empty).
func (r *Registry) Members(roomID, excludeID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[roomID]
	out := make([]Member, 0, len(room))
	for id, m := range room {
		if id == excludeID {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// ConnIDs returns the connection ids in roomID.
func (r *Registry) ConnIDs(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[roomID]
	out := make([]string, 0, len(room))
	for id := range room {
		out = append(out, id)
	}
	return out
}

// IsEmpty reports whether roomID has no members. Absent rooms are empty.
func (r *Registry) IsEmpty(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID]) == 0
}

// HasRoom reports whether roomID is present.
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Snapshot returns the public summary of roomID, ordered by username then id.
//
// Postcondition: Returns (snapshot, true) if the room exists, or ok=false otherwise.
func (r *Registry) Snapshot(roomID string) (RoomSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return RoomSnapshot{}, false
	}
	players := make([]PlayerRef, 0, len(room))
	for _, m := range room {
		players = append(players, PlayerRef{ID: m.ID, Username: m.Username})
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].Username != players[j].Username {
			return players[i].Username < players[j].Username
		}
		return players[i].ID < players[j].ID
	})
	return RoomSnapshot{
		RoomID:      roomID,
		PlayerCount: len(room),
		Players:     players,
	}, true
}

// RoomIDs returns every room id currently present.
func (r *Registry) RoomIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	return out
}

// SweepEmpty deletes every room with zero members.
//
// Postcondition: Returns the ids of the rooms removed; non-empty rooms are untouched.
func (r *Registry) SweepEmpty() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, room := range r.rooms {
		if len(room) == 0 {
			delete(r.rooms, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// RoomCount returns the number of rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// MemberCount returns the number of members across all rooms.
func (r *Registry) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, room := range r.rooms {
		n += len(room)
	}
	return n
}
