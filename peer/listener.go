package peer

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
)

// listen is the single reader of the socket. Every inbound datagram
// refreshes liveness; control tokens drive the handshake and keepalive
// state machines, sentinel-tagged frames feed the data pipeline.
func (s *Session) listen() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, net.ErrClosed) {
					s.fail(err)
				}
			}
			return
		}
		if !addr.IP.Equal(s.remote.IP) {
			log.Debugf("ignoring datagram from unexpected host %s", addr)
			continue
		}

		s.mu.Lock()
		s.received = true
		s.lastSeen = time.Now()
		s.mu.Unlock()

		payload := buf[:n]
		if len(payload) > 0 && payload[0] == dataSentinel {
			s.markConnected()
			data := make([]byte, len(payload)-1)
			copy(data, payload[1:])
			s.handleData(data)
			continue
		}

		switch token := string(bytes.TrimRight(payload, "\x00")); {
		case token == tokenConfirm:
			s.markConnected()
		case token == tokenPing:
			if err := s.writeControl(tokenPong); err != nil {
				log.Debugf("pong send failed: %v", err)
			}
		case token == tokenPong:
			// lastSeen already refreshed
		case strings.HasPrefix(token, helloPrefix):
			// probe from the peer; the prober will confirm
		default:
			log.Debugf("ignoring unknown token from %s: %q", s.remote, token)
		}
	}
}

// monitor keeps the connection warm with periodic pings and declares the
// peer gone after IdleTimeout of silence. Runs only after markConnected.
func (s *Session) monitor() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		idle := time.Since(s.lastSeen)
		s.mu.Unlock()

		if idle > s.cfg.IdleTimeout {
			log.Warnf("peer %s silent for %s, declaring disconnect", s.remote, idle.Truncate(time.Second))
			s.fail(ErrPeerDisconnected)
			return
		}
		if err := s.writeControl(tokenPing); err != nil {
			log.Debugf("ping send failed: %v", err)
		}
	}
}
