package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"roomlink/model"
	"roomlink/registry"
)

// Poller is the HTTP rendezvous variant: room creation and peer discovery
// by fixed-interval re-query, for transports that cannot push. It
// implements the same PeerWaiter contract as the websocket client.
type Poller struct {
	Base     string
	Self     model.Identity
	Password string
	Interval time.Duration

	HTTPClient *http.Client
	room       string
}

func NewPoller(base string, self model.Identity, room, password string) *Poller {
	return &Poller{
		Base:       base,
		Self:       self,
		Password:   password,
		Interval:   2 * time.Second,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		room:       room,
	}
}

type rosterResponse struct {
	Status string           `json:"status"`
	Peers  []model.Identity `json:"peers"`
}

func (p *Poller) query(ctx context.Context, path string) (int, *rosterResponse, error) {
	q := url.Values{}
	q.Set("room_code", p.room)
	q.Set("username", p.Self.Username)
	q.Set("peer_ip", p.Self.IP)
	q.Set("peer_port", strconv.Itoa(p.Self.Port))
	if p.Password != "" {
		q.Set("password", p.Password)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Base+path+"?"+q.Encode(), nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var body rosterResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, &body, nil
}

// Create registers the room over HTTP.
func (p *Poller) Create(ctx context.Context) error {
	code, _, err := p.query(ctx, "/room/new")
	if err != nil {
		return err
	}
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return registry.ErrRoomExists
	default:
		return fmt.Errorf("room creation failed with status %d", code)
	}
}

// WaitForPeer polls the join endpoint until another participant shows up.
// 425 means "no peer yet, come back"; every other non-200 is terminal.
func (p *Poller) WaitForPeer(ctx context.Context) (model.Identity, error) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		code, body, err := p.query(ctx, "/room/join")
		if err != nil {
			return model.Identity{}, err
		}
		switch code {
		case http.StatusOK:
			for _, peer := range body.Peers {
				if peer.Username != p.Self.Username {
					return peer, nil
				}
			}
			// roster echoed only ourselves; keep polling
		case http.StatusTooEarly:
			// no peer yet
		case http.StatusNotFound:
			return model.Identity{}, registry.ErrRoomNotFound
		case http.StatusForbidden:
			return model.Identity{}, registry.ErrPasswordMismatch
		case http.StatusNotAcceptable:
			return model.Identity{}, registry.ErrRoomLocked
		case http.StatusConflict:
			return model.Identity{}, fmt.Errorf("conflicting identity: %s", body.Status)
		default:
			return model.Identity{}, fmt.Errorf("join failed with status %d", code)
		}

		select {
		case <-ctx.Done():
			return model.Identity{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
