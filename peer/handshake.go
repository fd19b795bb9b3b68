package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"
)

// Handshake punches through both NATs: it launches the listener and the
// prober, then blocks until two-way reachability is confirmed, the
// timeout elapses, or ctx is cancelled. Safe to call once per session.
func (s *Session) Handshake(ctx context.Context) error {
	go s.listen()
	go s.probe()

	timeout := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timeout.Stop()

	select {
	case <-s.connectedCh:
		return nil
	case <-timeout.C:
		s.fail(ErrHandshakeTimeout)
		return ErrHandshakeTimeout
	case <-ctx.Done():
		s.fail(ctx.Err())
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// probe fires HELLO tokens at the remote endpoint until the first
// inbound datagram proves its NAT mapping is open, then acknowledges
// with a single CONFIRMRECEIVED and stops.
func (s *Session) probe() {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	seq := 0
	for {
		s.mu.Lock()
		connected, received := s.connected, s.received
		s.mu.Unlock()

		if connected {
			return
		}
		if received {
			if err := s.writeControl(tokenConfirm); err != nil {
				log.Warnf("confirm send failed: %v", err)
			}
			s.markConnected()
			return
		}

		seq++
		token := fmt.Sprintf("%s%s #%d", helloPrefix, s.name, seq)
		if err := s.writeControl(token); err != nil {
			log.Debugf("probe send failed: %v", err)
		}

		select {
		case <-ticker.C:
		case <-s.done:
			return
		}
	}
}

// markConnected flips the session into its established state and starts
// the liveness monitor. Idempotent: probes and inbound confirms can race.
func (s *Session) markConnected() {
	s.connectOnce.Do(func() {
		s.mu.Lock()
		s.connected = true
		s.lastSeen = time.Now()
		s.mu.Unlock()
		close(s.connectedCh)
		go s.monitor()
		log.Infof("connected to %s", s.remote)
	})
}
