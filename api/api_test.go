package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomlink/config"
	"roomlink/model"
	"roomlink/pkg/msgbroker"
	"roomlink/signal"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestAPIWithTTL(t, time.Hour)
}

func newTestAPIWithTTL(t *testing.T, ttl time.Duration) *API {
	t.Helper()
	cfg := &config.Config{
		HttpPort:   0,
		RoomTTL:    ttl,
		MaxWorkers: 4,
	}
	a, err := New(cfg, msgbroker.NewMemoryBroker())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func roomQuery(room, user, ip string, port int, password string) string {
	q := url.Values{}
	q.Set("room_code", room)
	q.Set("username", user)
	q.Set("peer_ip", ip)
	q.Set("peer_port", fmt.Sprint(port))
	if password != "" {
		q.Set("password", password)
	}
	return q.Encode()
}

func doGet(t *testing.T, a *API, path, query string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path+"?"+query, nil)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	body := make(map[string]json.RawMessage)
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestPing(t *testing.T) {
	a := newTestAPI(t)
	rec, _ := doGet(t, a, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPollingRendezvous(t *testing.T) {
	a := newTestAPI(t)

	rec, body := doGet(t, a, "/room/new", roomQuery("AB12CD", "alice", "198.51.100.1", 4000, "s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"AB12CD"`, string(body["room_code"]))

	// creator alone keeps getting "come back later"
	rec, _ = doGet(t, a, "/room/join", roomQuery("AB12CD", "alice", "198.51.100.1", 4000, "s3cret"))
	assert.Equal(t, http.StatusTooEarly, rec.Code)

	// second participant completes the rendezvous
	rec, body = doGet(t, a, "/room/join", roomQuery("AB12CD", "bob", "198.51.100.2", 4001, "s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)
	var peers []model.Identity
	require.NoError(t, json.Unmarshal(body["peers"], &peers))
	require.Len(t, peers, 1)
	assert.Equal(t, "alice", peers[0].Username)
	assert.Equal(t, "198.51.100.1:4000", peers[0].Addr())

	// now the creator sees bob
	rec, body = doGet(t, a, "/room/join", roomQuery("AB12CD", "alice", "198.51.100.1", 4000, "s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(body["peers"], &peers))
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].Username)
}

func TestPollingErrors(t *testing.T) {
	a := newTestAPI(t)

	rec, _ := doGet(t, a, "/room/new", roomQuery("AB12CD", "alice", "198.51.100.1", 4000, "s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)

	cases := []struct {
		name  string
		path  string
		query string
		code  int
	}{
		{"missing username", "/room/new", roomQuery("ZZ99ZZ", "", "198.51.100.9", 4000, ""), http.StatusBadRequest},
		{"bad room code", "/room/join", roomQuery("nope", "bob", "198.51.100.2", 4001, ""), http.StatusBadRequest},
		{"duplicate room", "/room/new", roomQuery("AB12CD", "carol", "198.51.100.3", 4002, ""), http.StatusConflict},
		{"unknown room", "/room/join", roomQuery("ZZ99ZZ", "bob", "198.51.100.2", 4001, ""), http.StatusNotFound},
		{"wrong password", "/room/join", roomQuery("AB12CD", "bob", "198.51.100.2", 4001, "wrong"), http.StatusForbidden},
		{"username taken", "/room/join", roomQuery("AB12CD", "alice", "198.51.100.7", 4007, "s3cret"), http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := doGet(t, a, tc.path, tc.query)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestNewRoomGeneratesCode(t *testing.T) {
	a := newTestAPI(t)
	rec, body := doGet(t, a, "/room/new", roomQuery("", "alice", "198.51.100.1", 4000, ""))
	require.Equal(t, http.StatusOK, rec.Code)

	var code string
	require.NoError(t, json.Unmarshal(body["room_code"], &code))
	assert.Len(t, code, 6)
}

func TestListRooms(t *testing.T) {
	a := newTestAPI(t)
	rec, _ := doGet(t, a, "/room/new", roomQuery("AB12CD", "alice", "198.51.100.1", 4000, ""))
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doGet(t, a, "/rooms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rooms []model.RoomInfo
	require.NoError(t, json.Unmarshal(body["rooms"], &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "AB12CD", rooms[0].Code)
}

func dialSignal(t *testing.T, srv *httptest.Server) *signal.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := signal.Dial(ctx, srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWebsocketRendezvousAndRelay(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	alice := dialSignal(t, srv)
	bob := dialSignal(t, srv)

	aliceID := model.Identity{Username: "alice", IP: "198.51.100.1", Port: 4000}
	bobID := model.Identity{Username: "bob", IP: "198.51.100.2", Port: 4001}

	peers, err := alice.Join("AB12CD", "alice", "", true, aliceID)
	require.NoError(t, err)
	assert.Empty(t, peers)

	peers, err = bob.Join("AB12CD", "bob", "", false, bobID)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, aliceID, peers[0])

	// alice learns about bob from the push
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	joined, err := alice.WaitForPeer(ctx)
	require.NoError(t, err)
	assert.Equal(t, bobID, joined)

	// offer/answer relay, addressed and stamped by the server
	require.NoError(t, alice.Send(&signal.Message{
		Type: signal.TypeOffer, To: "bob", PubKey: "-----BEGIN PUBLIC KEY-----", Endpoint: aliceID.Addr(),
	}))
	m, err := bob.Recv()
	require.NoError(t, err)
	assert.Equal(t, signal.TypeOffer, m.Type)
	assert.Equal(t, "alice", m.From)
	assert.Equal(t, aliceID.Addr(), m.Endpoint)

	require.NoError(t, bob.Send(&signal.Message{
		Type: signal.TypeAnswer, To: "alice", Key: "d3JhcHBlZA==", Endpoint: bobID.Addr(),
	}))
	m, err = alice.Recv()
	require.NoError(t, err)
	assert.Equal(t, signal.TypeAnswer, m.Type)
	assert.Equal(t, "bob", m.From)
	assert.Equal(t, bobID.Addr(), m.Endpoint)

	// goodbye and the membership update both reach alice, in either order
	require.NoError(t, bob.Bye())
	var types []string
	for i := 0; i < 2; i++ {
		m, err = alice.Recv()
		require.NoError(t, err)
		assert.Equal(t, "bob", m.From)
		types = append(types, m.Type)
	}
	assert.ElementsMatch(t, []string{signal.TypeBye, signal.TypePeerLeft}, types)
}

func TestWebsocketLockAndErrors(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	alice := dialSignal(t, srv)
	aliceID := model.Identity{Username: "alice", IP: "198.51.100.1", Port: 4000}
	_, err := alice.Join("AB12CD", "alice", "", true, aliceID)
	require.NoError(t, err)

	// relaying before joining is refused
	stranger := dialSignal(t, srv)
	require.NoError(t, stranger.Send(&signal.Message{Type: signal.TypeOffer, From: "eve"}))
	m, err := stranger.Recv()
	require.NoError(t, err)
	assert.Equal(t, signal.TypeError, m.Type)

	// owner locks the room
	require.NoError(t, alice.Send(&signal.Message{Type: signal.TypeLock}))
	m, err = alice.Recv()
	require.NoError(t, err)
	assert.Equal(t, signal.TypeOK, m.Type)

	bob := dialSignal(t, srv)
	_, err = bob.Join("AB12CD", "bob", "", false, model.Identity{Username: "bob", IP: "198.51.100.2", Port: 4001})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
}

func TestWaitForAnswerEndsWhenPeerLeaves(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	alice := dialSignal(t, srv)
	bob := dialSignal(t, srv)

	_, err := alice.Join("AB12CD", "alice", "", true, model.Identity{Username: "alice", IP: "198.51.100.1", Port: 4000})
	require.NoError(t, err)
	_, err = bob.Join("AB12CD", "bob", "", false, model.Identity{Username: "bob", IP: "198.51.100.2", Port: 4001})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = alice.WaitForPeer(ctx)
	require.NoError(t, err)

	// bob drops before ever answering; the creator must not wait forever
	require.NoError(t, bob.Close())
	_, err = alice.WaitForAnswer(ctx)
	assert.ErrorIs(t, err, signal.ErrPeerGone)
}

func TestWebsocketRoomExpiryReachesCreator(t *testing.T) {
	a := newTestAPIWithTTL(t, 100*time.Millisecond)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	alice := dialSignal(t, srv)
	_, err := alice.Join("AB12CD", "alice", "", true, model.Identity{Username: "alice", IP: "198.51.100.1", Port: 4000})
	require.NoError(t, err)

	// nobody joins; the eviction must be pushed to the lone member
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = alice.WaitForPeer(ctx)
	assert.ErrorIs(t, err, signal.ErrRoomExpired)
}

func TestWebsocketDisconnectNotifiesPeers(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	alice := dialSignal(t, srv)
	bob := dialSignal(t, srv)

	_, err := alice.Join("AB12CD", "alice", "", true, model.Identity{Username: "alice", IP: "198.51.100.1", Port: 4000})
	require.NoError(t, err)
	_, err = bob.Join("AB12CD", "bob", "", false, model.Identity{Username: "bob", IP: "198.51.100.2", Port: 4001})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = alice.WaitForPeer(ctx)
	require.NoError(t, err)

	// bob's connection dies without a bye
	require.NoError(t, bob.Close())

	m, err := alice.Recv()
	require.NoError(t, err)
	assert.Equal(t, signal.TypePeerLeft, m.Type)
	require.Len(t, m.Peers, 1)
	assert.Equal(t, "bob", m.Peers[0].Username)
}
