package internal

import "sync"

// RoomPresence tracks which users are online in which rooms on this process.
// It holds the online subset only, never the persisted membership list, and
// prunes empty rooms immediately. The authoritative cross-process answer to
// "is this user online" lives in the shared presence store, not here.
type RoomPresence struct {
	mu    sync.RWMutex
	rooms map[string]map[int64]bool
}

func NewRoomPresence() *RoomPresence {
	return &RoomPresence{rooms: make(map[string]map[int64]bool)}
}

// Add puts the user in the room's online set and reports whether the user
// was newly added (false when another of their sessions already had the
// room open).
func (p *RoomPresence) Add(room string, userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[room] == nil {
		p.rooms[room] = make(map[int64]bool)
	}
	if p.rooms[room][userID] {
		return false
	}
	p.rooms[room][userID] = true
	return true
}

// Remove drops the user from the room's online set and reports whether
// presence actually changed.
func (p *RoomPresence) Remove(room string, userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.rooms[room]
	if !ok || !members[userID] {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(p.rooms, room)
	}
	return true
}

// Contains reports whether the user is online in the room.
func (p *RoomPresence) Contains(room string, userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rooms[room][userID]
}

// OnlineUsers returns a snapshot copy of the room's online set. Callers must
// not assume it stays valid once they yield.
func (p *RoomPresence) OnlineUsers(room string) []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	members := p.rooms[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]int64, 0, len(members))
	for uid := range members {
		out = append(out, uid)
	}
	return out
}

// RoomCount reports the number of rooms with at least one online user.
func (p *RoomPresence) RoomCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rooms)
}
