package registry

import (
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"roomlink/model"
)

// Room is the mutable aggregate of identities meeting under one code.
// All mutation goes through the registry, which holds r.mu for the
// duration of each operation; cross-room operations never contend.
type Room struct {
	code         string
	passwordHash []byte
	owner        model.Identity
	members      []model.Identity
	locked       bool
	saved        bool
	createdAt    time.Time

	mu    sync.Mutex
	evict *time.Timer
}

func newRoom(code, password string, owner model.Identity) (*Room, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &Room{
		code:         code,
		passwordHash: hash,
		owner:        owner,
		members:      []model.Identity{owner},
		createdAt:    time.Now(),
	}, nil
}

// memberByHost returns the member connected from ip, if any.
func (r *Room) memberByHost(ip string) (model.Identity, bool) {
	for _, m := range r.members {
		if m.IP == ip {
			return m, true
		}
	}
	return model.Identity{}, false
}

// othersOf returns every member except the one with the given username+IP.
func (r *Room) othersOf(id model.Identity) []model.Identity {
	out := make([]model.Identity, 0, len(r.members))
	for _, m := range r.members {
		if m.Username == id.Username && m.IP == id.IP {
			continue
		}
		out = append(out, m)
	}
	return out
}

// admit validates candidate against the room invariants and appends it.
// Error priority: locked, password, username, endpoint.
func (r *Room) admit(candidate model.Identity, password string) ([]model.Identity, error) {
	// Idempotent re-query: an already-registered identity gets the
	// current peer list without re-validation.
	for _, m := range r.members {
		if m.Username == candidate.Username && m.IP == candidate.IP {
			return r.othersOf(candidate), nil
		}
	}

	if r.locked {
		return nil, ErrRoomLocked
	}
	if bcrypt.CompareHashAndPassword(r.passwordHash, []byte(password)) != nil {
		return nil, ErrPasswordMismatch
	}
	for _, m := range r.members {
		if m.Username == candidate.Username {
			return nil, ErrUsernameTaken
		}
	}
	for _, m := range r.members {
		if m.SameHost(candidate) {
			return nil, ErrDuplicateEndpoint
		}
	}

	others := r.othersOf(candidate)
	r.members = append(r.members, candidate)
	if len(r.members) >= 2 {
		r.saved = true
	}
	return others, nil
}

// drop removes the member connected from ip and reports whether the room
// is now empty.
func (r *Room) drop(ip string) (model.Identity, bool, bool) {
	for i, m := range r.members {
		if m.IP == ip {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return m, true, len(r.members) == 0
		}
	}
	return model.Identity{}, false, len(r.members) == 0
}

func (r *Room) isOwner(requester model.Identity) bool {
	return r.owner.IP == requester.IP
}

// Info snapshots the room for the listing endpoint.
func (r *Room) Info() model.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.members))
	for i, m := range r.members {
		names[i] = m.Username
	}
	return model.RoomInfo{
		Code:    r.code,
		Members: names,
		Locked:  r.locked,
		Saved:   r.saved,
	}
}
