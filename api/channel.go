package api

import (
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/labstack/gommon/log"

	"roomlink/model"
	"roomlink/pkg/utils"
	"roomlink/signal"
)

// Channel is one live signaling connection. It starts unbound; a
// successful join binds it to a room and an identity, which authorizes
// the relaying and room-management operations. An abnormal disconnect of
// a bound channel removes its member from the registry before cleanup.
type Channel struct {
	id   string
	conn net.Conn
	api  *API

	wmu sync.Mutex

	mu       sync.Mutex
	room     string
	identity model.Identity
	bound    bool
}

func newChannel(conn net.Conn, a *API) *Channel {
	return &Channel{
		id:   uuid.NewString(),
		conn: conn,
		api:  a,
	}
}

// GetID satisfies websocket.Subscriber.
func (ch *Channel) GetID() string {
	return ch.id
}

// Send pushes one text frame. Safe for concurrent use.
func (ch *Channel) Send(b []byte) error {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	return wsutil.WriteServerText(ch.conn, b)
}

// Username reports the bound member's name; empty while unbound.
func (ch *Channel) Username() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.identity.Username
}

func (ch *Channel) binding() (string, model.Identity, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.room, ch.identity, ch.bound
}

func (ch *Channel) bind(room string, id model.Identity) {
	ch.mu.Lock()
	ch.room = room
	ch.identity = id
	ch.bound = true
	ch.mu.Unlock()
	ch.api.channels.Subscribe(ch, signalPrefix+room)
}

func (ch *Channel) sendError(text string) {
	m := signal.Message{Type: signal.TypeError, Message: text}
	if err := ch.Send(m.Marshal()); err != nil {
		log.Debugf("error reply to %s failed: %v", ch.id, err)
	}
}

// serve is the channel's read loop. It exits on the first read error,
// which covers both graceful closes and dead connections.
func (ch *Channel) serve() {
	defer ch.teardown()

	for {
		b, err := wsutil.ReadClientText(ch.conn)
		if err != nil {
			return
		}

		var m signal.Message
		if err = json.Unmarshal(b, &m); err != nil {
			ch.sendError("malformed message")
			continue
		}
		if err = m.Validate(); err != nil {
			ch.sendError(err.Error())
			continue
		}

		switch {
		case m.Type == signal.TypeJoin:
			ch.handleJoin(&m)
		case m.Relayable():
			done := ch.handleRelay(&m)
			if done {
				return
			}
		case m.Type == signal.TypeLock || m.Type == signal.TypeUnlock:
			ch.handleSetLocked(m.Type == signal.TypeLock)
		case m.Type == signal.TypeChangePassword:
			ch.handleChangePassword(&m)
		default:
			ch.sendError("unsupported message type: " + m.Type)
		}
	}
}

// handleJoin runs the rendezvous: create or join, then bind. The reply
// carries the existing roster so the joiner knows who to call.
func (ch *Channel) handleJoin(m *signal.Message) {
	if _, _, bound := ch.binding(); bound {
		ch.sendError("already joined a room")
		return
	}

	id, err := identityFromEndpoint(m.From, m.Endpoint)
	if err != nil {
		ch.sendError(err.Error())
		return
	}

	if m.Create {
		if err = ch.api.reg.Create(m.Room, m.Password, id); err != nil {
			ch.sendError(err.Error())
			return
		}
		ch.bind(m.Room, id)
		reply := signal.Message{Type: signal.TypeCreated, Room: m.Room}
		if err = ch.Send(reply.Marshal()); err != nil {
			log.Debugf("created reply to %s failed: %v", ch.id, err)
		}
		return
	}

	others, err := ch.api.reg.Join(m.Room, id, m.Password)
	if err != nil {
		ch.sendError(err.Error())
		return
	}
	ch.bind(m.Room, id)
	reply := signal.Message{Type: signal.TypeJoined, Room: m.Room, Peers: others}
	if err = ch.Send(reply.Marshal()); err != nil {
		log.Debugf("joined reply to %s failed: %v", ch.id, err)
	}
}

// handleRelay forwards transport negotiation to the room. The server
// stamps the sender's bound identity over whatever the client claimed.
// Returns true when the message ends the session (bye).
func (ch *Channel) handleRelay(m *signal.Message) bool {
	room, id, bound := ch.binding()
	if !bound {
		ch.sendError("join a room first")
		return false
	}

	m.Room = room
	m.From = id.Username
	if err := ch.api.broker.Publish(m.Marshal(), signalPrefix+room); err != nil {
		log.Errorf("relay publish failed for room %s: %v", room, err)
		ch.sendError("relay failed")
		return false
	}
	return m.Type == signal.TypeBye
}

func (ch *Channel) handleSetLocked(locked bool) {
	room, id, bound := ch.binding()
	if !bound {
		ch.sendError("join a room first")
		return
	}

	var ok bool
	if locked {
		ok = ch.api.reg.Lock(room, id)
	} else {
		ok = ch.api.reg.Unlock(room, id)
	}
	if !ok {
		ch.sendError("only the room owner can do that")
		return
	}
	reply := signal.Message{Type: signal.TypeOK}
	if err := ch.Send(reply.Marshal()); err != nil {
		log.Debugf("ok reply to %s failed: %v", ch.id, err)
	}
}

func (ch *Channel) handleChangePassword(m *signal.Message) {
	room, id, bound := ch.binding()
	if !bound {
		ch.sendError("join a room first")
		return
	}
	if !ch.api.reg.ChangePassword(room, id, m.OldPass, m.Password) {
		ch.sendError("password change refused")
		return
	}
	reply := signal.Message{Type: signal.TypeOK}
	if err := ch.Send(reply.Marshal()); err != nil {
		log.Debugf("ok reply to %s failed: %v", ch.id, err)
	}
}

// teardown leaves the registry before dropping the subscription, so the
// peer-left push still reaches the remaining members.
func (ch *Channel) teardown() {
	room, id, bound := ch.binding()
	if bound {
		ch.api.reg.Leave(room, id.IP)
		ch.api.channels.Unsubscribe(ch, signalPrefix+room)
	}
	if err := ch.conn.Close(); err != nil {
		log.Debugf("close of %s: %v", ch.id, err)
	}
}

// identityFromEndpoint builds the member identity from the username and
// the "ip:port" endpoint the client discovered for itself.
func identityFromEndpoint(username, endpoint string) (model.Identity, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(endpoint))
	if err != nil {
		return model.Identity{}, errors.New("param 'endpoint' must be ip:port")
	}
	port := utils.ParseInt(portStr, 0, 1, 65535)
	if host == "" || port == 0 {
		return model.Identity{}, errors.New("param 'endpoint' must be ip:port")
	}
	return model.Identity{Username: username, IP: host, Port: port}, nil
}
