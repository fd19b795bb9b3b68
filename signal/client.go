package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"roomlink/model"
)

// PeerWaiter is the transport-agnostic "tell me when the other side is
// here" contract. The websocket client satisfies it with pushed events;
// the HTTP poller satisfies it by re-querying the roster.
type PeerWaiter interface {
	WaitForPeer(ctx context.Context) (model.Identity, error)
}

// ErrRoomExpired is returned when the server evicts the room before a
// second peer arrived.
var ErrRoomExpired = errors.New("room expired before a peer arrived")

// ErrPeerGone is returned when the peer leaves mid-negotiation.
var ErrPeerGone = errors.New("peer left before completing negotiation")

// Client is one participant's long-lived signaling connection.
// Recv must be called from a single goroutine; Send is safe for
// concurrent use.
type Client struct {
	conn net.Conn
	name string
	room string

	wmu sync.Mutex
}

// WebsocketURL converts an http(s) server URL into the ws(s) signaling
// endpoint.
func WebsocketURL(raw string) string {
	rest, found := strings.CutPrefix(raw, "https://")
	scheme := "wss"
	if !found {
		rest = strings.TrimPrefix(raw, "http://")
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, strings.TrimRight(rest, "/"))
}

// Dial opens the signaling connection. rawURL is the server's base http(s)
// or ws(s) URL.
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	u := rawURL
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		u = WebsocketURL(rawURL)
	}
	conn, br, _, err := ws.Dial(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("signaling dial failed: %w", err)
	}
	if br != nil {
		ws.PutReader(br)
	}
	return &Client{conn: conn}, nil
}

// Join issues a create/join request and blocks for the server's verdict.
// On success it returns the current peer roster (empty when creating).
func (c *Client) Join(room, username, password string, create bool, endpoint model.Identity) ([]model.Identity, error) {
	c.name = username
	c.room = room
	req := &Message{
		Type:     TypeJoin,
		Room:     room,
		From:     username,
		Password: password,
		Create:   create,
		Endpoint: endpoint.Addr(),
	}
	if err := c.Send(req); err != nil {
		return nil, err
	}

	for {
		m, err := c.Recv()
		if err != nil {
			return nil, err
		}
		switch m.Type {
		case TypeCreated:
			return nil, nil
		case TypeJoined:
			return m.Peers, nil
		case TypeError:
			return nil, errors.New(m.Message)
		default:
			// stray pushes before the ack are dropped
		}
	}
}

// Send writes one message to the server.
func (c *Client) Send(m *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteClientText(c.conn, m.Marshal())
}

// Recv blocks for the next server frame.
func (c *Client) Recv() (*Message, error) {
	b, err := wsutil.ReadServerText(c.conn)
	if err != nil {
		return nil, err
	}
	var m Message
	if err = json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// WaitForPeer consumes pushed events until another participant joins the
// bound room.
func (c *Client) WaitForPeer(ctx context.Context) (model.Identity, error) {
	type result struct {
		id  model.Identity
		err error
	}
	res := make(chan result, 1)
	go func() {
		for {
			m, err := c.Recv()
			if err != nil {
				res <- result{err: err}
				return
			}
			switch m.Type {
			case TypePeerJoined:
				if len(m.Peers) > 0 {
					res <- result{id: m.Peers[0]}
					return
				}
			case TypeRoomExpired:
				res <- result{err: ErrRoomExpired}
				return
			case TypeError:
				res <- result{err: errors.New(m.Message)}
				return
			}
		}
	}()

	select {
	case r := <-res:
		return r.id, r.err
	case <-ctx.Done():
		return model.Identity{}, ctx.Err()
	}
}

// WaitForAnswer consumes frames until the peer's answer arrives. The
// peer leaving, the room expiring or ctx running out end the wait.
func (c *Client) WaitForAnswer(ctx context.Context) (*Message, error) {
	return c.waitFor(ctx, TypeAnswer)
}

// WaitForOffer is the answering side's counterpart of WaitForAnswer.
func (c *Client) WaitForOffer(ctx context.Context) (*Message, error) {
	return c.waitFor(ctx, TypeOffer)
}

func (c *Client) waitFor(ctx context.Context, want string) (*Message, error) {
	type result struct {
		m   *Message
		err error
	}
	res := make(chan result, 1)
	go func() {
		for {
			m, err := c.Recv()
			if err != nil {
				res <- result{err: err}
				return
			}
			switch m.Type {
			case want:
				res <- result{m: m}
				return
			case TypePeerLeft:
				res <- result{err: ErrPeerGone}
				return
			case TypeRoomExpired:
				res <- result{err: ErrRoomExpired}
				return
			case TypeError:
				res <- result{err: errors.New(m.Message)}
				return
			}
		}
	}()

	select {
	case r := <-res:
		return r.m, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Bye announces graceful teardown and closes the connection.
func (c *Client) Bye() error {
	_ = c.Send(&Message{Type: TypeBye, From: c.name})
	return c.conn.Close()
}

// Close tears the connection down without a goodbye.
func (c *Client) Close() error {
	return c.conn.Close()
}
