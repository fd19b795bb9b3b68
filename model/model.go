package model

import (
	"net"
	"strconv"
)

// Identity represents a participant: a display name bound to the public
// endpoint it advertised at join time. Values are immutable.
type Identity struct {
	Username string `json:"username"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
}

// Addr renders the identity's endpoint as "ip:port".
func (i Identity) Addr() string {
	return net.JoinHostPort(i.IP, strconv.Itoa(i.Port))
}

// SameHost reports whether both identities come from the same IP.
// Rooms allow one connection per network identity.
func (i Identity) SameHost(other Identity) bool {
	return i.IP == other.IP
}

// RoomInfo is the wire-facing view of a room returned by the listing endpoint.
type RoomInfo struct {
	Code    string   `json:"code"`
	Members []string `json:"members"`
	Locked  bool     `json:"locked"`
	Saved   bool     `json:"saved"`
}
