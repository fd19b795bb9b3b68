// Package signal defines the JSON wire protocol spoken over the
// signaling channel, and the client side of it.
package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"roomlink/model"
	"roomlink/pkg/utils"
)

// Message types. join/created/joined/error carry registry semantics;
// offer/answer/ice are opaque transport negotiation relayed verbatim;
// bye is graceful teardown. peer-joined/peer-left/room-expired are pushed
// by the server when the room changes under you.
const (
	TypeJoin           = "join"
	TypeCreated        = "created"
	TypeJoined         = "joined"
	TypeError          = "error"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICE            = "ice"
	TypeBye            = "bye"
	TypePeerJoined     = "peer-joined"
	TypePeerLeft       = "peer-left"
	TypeRoomExpired    = "room-expired"
	TypeLock           = "lock"
	TypeUnlock         = "unlock"
	TypeChangePassword = "change-password"
	TypeOK             = "ok"
)

// Message is the single envelope for all signaling traffic. Only the
// fields relevant to a given type are populated.
type Message struct {
	Type     string           `json:"type"`
	Room     string           `json:"room,omitempty"`
	From     string           `json:"from,omitempty"`
	To       string           `json:"to,omitempty"`
	User     string           `json:"user,omitempty"`
	Password string           `json:"password,omitempty"`
	OldPass  string           `json:"old_password,omitempty"`
	Create   bool             `json:"create,omitempty"`
	Endpoint string           `json:"endpoint,omitempty"`
	Peers    []model.Identity `json:"peers,omitempty"`
	Message  string           `json:"message,omitempty"`
	PubKey   string           `json:"pub_key,omitempty"`
	Key      string           `json:"key,omitempty"`
	SDP      string           `json:"sdp,omitempty"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
}

// Relayable reports whether the message is forwarded to peers rather than
// handled by the registry. Relayable messages require a bound channel.
func (m *Message) Relayable() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICE, TypeBye:
		return true
	}
	return false
}

// Validate checks a client-to-server message.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeJoin:
		if !utils.IsCodeValid(m.Room) {
			return fmt.Errorf("invalid '%s' request, room code must be %d uppercase alphanumerics", m.Type, utils.RoomCodeLength)
		}
		if !utils.IsNameValid(m.From) {
			return fmt.Errorf("invalid '%s' request, param 'from' is required", m.Type)
		}
	case TypeOffer, TypeAnswer, TypeICE:
		if strings.TrimSpace(m.From) == "" {
			return fmt.Errorf("invalid '%s' request, param 'from' is required", m.Type)
		}
	case TypeBye, TypeLock, TypeUnlock:
		// no payload beyond the bound identity
	case TypeChangePassword:
		if m.Password == "" || m.OldPass == "" {
			return fmt.Errorf("invalid '%s' request, old and new passwords are required", m.Type)
		}
	default:
		return fmt.Errorf("invalid request type: '%s'", m.Type)
	}
	return nil
}

// Marshal serializes the message, panicking never: the envelope contains
// only marshalable fields.
func (m *Message) Marshal() []byte {
	b, _ := json.Marshal(m)
	return b
}
