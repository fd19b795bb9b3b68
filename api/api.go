// Package api exposes the rendezvous service: a websocket signaling
// endpoint plus the HTTP polling variant of the same room operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gobwas/ws"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"roomlink/config"
	"roomlink/model"
	"roomlink/pkg/msgbroker"
	"roomlink/pkg/utils"
	"roomlink/pkg/websocket"
	"roomlink/registry"
	"roomlink/signal"
)

// signalPrefix namespaces per-room broker channels.
const signalPrefix = "signal:"

// API wires the registry, the message broker and the live websocket
// connections together. It is also the registry's Notifier: membership
// events go through the broker so every server instance can push them
// to its local subscribers.
type API struct {
	cfg      *config.Config
	router   *echo.Echo
	reg      *registry.Registry
	broker   msgbroker.MessageBroker
	channels websocket.Channels
	wp       *workerpool.WorkerPool
}

func New(cfg *config.Config, broker msgbroker.MessageBroker) (*API, error) {
	a := &API{
		cfg:      cfg,
		broker:   broker,
		channels: websocket.NewChannels(),
		wp:       workerpool.New(cfg.MaxWorkers),
	}
	a.reg = registry.New(cfg.RoomTTL, a)

	if err := broker.Subscribe(signalPrefix+"*", a.dispatch); err != nil {
		return nil, fmt.Errorf("broker subscription failed: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/", a.ping)
	e.GET("/rooms", a.listRooms)
	e.GET("/room/new", a.newRoom)
	e.GET("/room/join", a.joinRoom)
	e.GET("/ws", a.serveWS)

	a.router = e
	return a, nil
}

// Start blocks serving HTTP until Close.
func (a *API) Start() error {
	return a.router.Start(fmt.Sprintf(":%d", a.cfg.HttpPort))
}

// Close drains the fanout pool and shuts the server down.
func (a *API) Close(ctx context.Context) error {
	err := a.router.Shutdown(ctx)
	a.wp.StopWait()
	return err
}

// Notify publishes a registry event on the room's signaling channel.
// For membership changes, From carries the subject so dispatch never
// echoes the event back to the member who caused it. Expiry is the
// opposite: the subject is the member who must be told, so it is
// addressed via To.
func (a *API) Notify(evt registry.Event) {
	m := signal.Message{
		Type:  string(evt.Type),
		Room:  evt.Room,
		Peers: []model.Identity{evt.Peer},
	}
	if evt.Type == registry.EventRoomExpired {
		m.To = evt.Peer.Username
	} else {
		m.From = evt.Peer.Username
	}
	if err := a.broker.Publish(m.Marshal(), signalPrefix+evt.Room); err != nil {
		log.Errorf("event publish failed for room %s: %v", evt.Room, err)
	}
}

// dispatch fans one broker message out to the local subscribers of its
// room channel, honoring the envelope's addressing.
func (a *API) dispatch(msg *msgbroker.Message) {
	var m signal.Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		log.Warnf("dropping malformed broker message on %s: %v", msg.Channel, err)
		return
	}

	for _, sub := range a.channels.GetSubscribers(msg.Channel) {
		if ch, ok := sub.(*Channel); ok {
			if m.From != "" && ch.Username() == m.From {
				continue
			}
			if m.To != "" && ch.Username() != m.To {
				continue
			}
		}
		sub := sub
		a.wp.Submit(func() {
			if err := sub.Send(msg.Data); err != nil {
				log.Warnf("push to %s failed: %v", sub.GetID(), err)
			}
		})
	}
}

func (a *API) ping(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "time": time.Now().Unix()})
}

func (a *API) listRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"rooms": a.reg.List()})
}

// identityFromQuery decodes the polling variant's common parameters.
func identityFromQuery(c echo.Context) (model.Identity, string, string, error) {
	code := c.QueryParam("room_code")
	id := model.Identity{
		Username: c.QueryParam("username"),
		IP:       c.QueryParam("peer_ip"),
		Port:     utils.ParseInt(c.QueryParam("peer_port"), 0, 1, 65535),
	}
	if !utils.IsNameValid(id.Username) {
		return id, "", "", errors.New("param 'username' is required")
	}
	if id.IP == "" || id.Port == 0 {
		return id, "", "", errors.New("params 'peer_ip' and 'peer_port' are required")
	}
	return id, code, c.QueryParam("password"), nil
}

// newRoom registers a room over plain HTTP. When no room_code is given
// the server picks one and returns it.
func (a *API) newRoom(c echo.Context) error {
	id, code, password, err := identityFromQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": err.Error()})
	}
	if code == "" {
		code = utils.RandCode()
	} else if !utils.IsCodeValid(code) {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": registry.ErrBadCode.Error()})
	}

	if err = a.reg.Create(code, password, id); err != nil {
		return c.JSON(roomErrorStatus(err), echo.Map{"status": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "room_code": code})
}

// joinRoom is the polling rendezvous: it (re-)admits the caller and
// returns the other members, or 425 while the caller is still alone.
func (a *API) joinRoom(c echo.Context) error {
	id, code, password, err := identityFromQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": err.Error()})
	}
	if !utils.IsCodeValid(code) {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": registry.ErrBadCode.Error()})
	}

	others, err := a.reg.Join(code, id, password)
	if err != nil {
		return c.JSON(roomErrorStatus(err), echo.Map{"status": err.Error()})
	}
	if len(others) == 0 {
		return c.JSON(http.StatusTooEarly, echo.Map{"status": "waiting for peer"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "peers": others})
}

// roomErrorStatus maps registry errors onto the polling protocol's
// status codes.
func roomErrorStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrPasswordMismatch):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrRoomLocked):
		return http.StatusNotAcceptable
	case errors.Is(err, registry.ErrRoomExists),
		errors.Is(err, registry.ErrUsernameTaken),
		errors.Is(err, registry.ErrDuplicateEndpoint):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// serveWS upgrades to the signaling websocket and hands the connection
// to its channel loop.
func (a *API) serveWS(c echo.Context) error {
	conn, _, _, err := ws.UpgradeHTTP(c.Request(), c.Response())
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return err
	}
	ch := newChannel(conn, a)
	go ch.serve()
	return nil
}
