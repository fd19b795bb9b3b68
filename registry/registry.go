// Package registry implements the rendezvous side of the system: a
// concurrency-safe table of rooms that brokers membership, locking and
// passwords for ad-hoc sessions. Mutations on one room are mutually
// exclusive; rooms never block each other.
package registry

import (
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"golang.org/x/crypto/bcrypt"

	"roomlink/model"
	"roomlink/pkg/utils"
)

// EventType discriminates registry notifications.
type EventType string

const (
	EventPeerJoined  EventType = "peer-joined"
	EventPeerLeft    EventType = "peer-left"
	EventRoomExpired EventType = "room-expired"
)

// Event describes a successful mutation, delivered to the other members
// of the affected room so they can react without polling.
type Event struct {
	Type EventType      `json:"type"`
	Room string         `json:"room"`
	Peer model.Identity `json:"peer"`
}

// Notifier receives registry events. The signaling layer implements it by
// pushing to the members' open connections.
type Notifier interface {
	Notify(evt Event)
}

// NopNotifier discards events; useful for tests and tooling.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}

// Registry owns the room table. The outer RWMutex guards only the map;
// each room carries its own lock for membership mutation.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	ttl      time.Duration
	notifier Notifier
}

func New(ttl time.Duration, n Notifier) *Registry {
	if n == nil {
		n = NopNotifier{}
	}
	return &Registry{
		rooms:    make(map[string]*Room),
		ttl:      ttl,
		notifier: n,
	}
}

func (reg *Registry) get(code string) (*Room, bool) {
	reg.mu.RLock()
	r, ok := reg.rooms[code]
	reg.mu.RUnlock()
	return r, ok
}

// Create registers a new room with owner as its first member and arms the
// eviction timer. The room code must be 6 uppercase alphanumerics.
func (reg *Registry) Create(code, password string, owner model.Identity) error {
	if !utils.IsCodeValid(code) {
		return ErrBadCode
	}

	room, err := newRoom(code, password, owner)
	if err != nil {
		return err
	}

	reg.mu.Lock()
	if _, exists := reg.rooms[code]; exists {
		reg.mu.Unlock()
		return ErrRoomExists
	}
	// armed before the room is visible, so a concurrent Leave-driven
	// delete always sees the timer
	room.evict = time.AfterFunc(reg.ttl, func() { reg.sweep(code) })
	reg.rooms[code] = room
	reg.mu.Unlock()

	log.Infof("room %s created by %s", code, owner.Username)
	return nil
}

// Join adds candidate to the room and returns the other current members,
// so the candidate learns who to connect to. Re-joining with the same
// username and IP is an idempotent re-query of the peer list.
func (reg *Registry) Join(code string, candidate model.Identity, password string) ([]model.Identity, error) {
	room, ok := reg.get(code)
	if !ok {
		return nil, ErrRoomNotFound
	}

	room.mu.Lock()
	before := len(room.members)
	others, err := room.admit(candidate, password)
	joined := err == nil && len(room.members) > before
	room.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if joined {
		log.Infof("room %s: %s joined", code, candidate.Username)
		reg.notifier.Notify(Event{Type: EventPeerJoined, Room: code, Peer: candidate})
	}
	return others, nil
}

// Lock closes the room to new members. Owner only, matched by endpoint.
func (reg *Registry) Lock(code string, requester model.Identity) bool {
	return reg.setLocked(code, requester, true)
}

// Unlock reopens the room. Owner only.
func (reg *Registry) Unlock(code string, requester model.Identity) bool {
	return reg.setLocked(code, requester, false)
}

func (reg *Registry) setLocked(code string, requester model.Identity, locked bool) bool {
	room, ok := reg.get(code)
	if !ok {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if !room.isOwner(requester) {
		return false
	}
	room.locked = locked
	return true
}

// ChangePassword succeeds only for the owner presenting the correct old
// password.
func (reg *Registry) ChangePassword(code string, requester model.Identity, old, new_ string) bool {
	room, ok := reg.get(code)
	if !ok {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if !room.isOwner(requester) {
		return false
	}
	if bcrypt.CompareHashAndPassword(room.passwordHash, []byte(old)) != nil {
		return false
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(new_), bcrypt.DefaultCost)
	if err != nil {
		return false
	}
	room.passwordHash = hash
	return true
}

// Leave removes the member connected from ip and deletes the room once it
// becomes empty.
func (reg *Registry) Leave(code, ip string) {
	room, ok := reg.get(code)
	if !ok {
		return
	}

	room.mu.Lock()
	left, removed, empty := room.drop(ip)
	room.mu.Unlock()

	if !removed {
		return
	}
	log.Infof("room %s: %s left", code, left.Username)
	if empty {
		reg.delete(code, room)
		return
	}
	reg.notifier.Notify(Event{Type: EventPeerLeft, Room: code, Peer: left})
}

// Members returns the current roster of a room.
func (reg *Registry) Members(code string) ([]model.Identity, error) {
	room, ok := reg.get(code)
	if !ok {
		return nil, ErrRoomNotFound
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]model.Identity, len(room.members))
	copy(out, room.members)
	return out, nil
}

// List snapshots every live room for the listing endpoint.
func (reg *Registry) List() []model.RoomInfo {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()

	out := make([]model.RoomInfo, len(rooms))
	for i, r := range rooms {
		out[i] = r.Info()
	}
	return out
}

// sweep is the eviction timer callback: a room that never reached two
// members is deleted when its timer fires. No-op if the room is already
// gone or got saved in the meantime.
func (reg *Registry) sweep(code string) {
	room, ok := reg.get(code)
	if !ok {
		return
	}
	room.mu.Lock()
	saved := room.saved
	members := append([]model.Identity(nil), room.members...)
	room.mu.Unlock()
	if saved {
		return
	}

	if reg.delete(code, room) {
		log.Infof("room %s expired", code)
		for _, m := range members {
			reg.notifier.Notify(Event{Type: EventRoomExpired, Room: code, Peer: m})
		}
	}
}

// delete unregisters the room and disarms its timer. Check-then-act runs
// under the map lock so a concurrent sweep cannot double-delete.
func (reg *Registry) delete(code string, room *Room) bool {
	reg.mu.Lock()
	current, ok := reg.rooms[code]
	if !ok || current != room {
		reg.mu.Unlock()
		return false
	}
	delete(reg.rooms, code)
	reg.mu.Unlock()

	if room.evict != nil {
		room.evict.Stop()
	}
	log.Infof("room %s deleted", code)
	return true
}
