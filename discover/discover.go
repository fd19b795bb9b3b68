// Package discover resolves the caller's public endpoint through STUN.
// Requests go out over the caller's own UDP socket so the discovered
// mapping is the one the hole-punch handshake will use.
package discover

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/pion/stun/v3"

	"roomlink/model"
)

// NATType is a coarse classification of the NAT in front of the caller.
type NATType string

const (
	NATNone      NATType = "none"
	NATCone      NATType = "cone"
	NATSymmetric NATType = "symmetric"
	NATUnknown   NATType = "unknown"
)

// ErrUnreachable is returned when no STUN server answered within the
// retry budget.
var ErrUnreachable = errors.New("no STUN server reachable")

// DefaultServers are queried in order; two are needed for the symmetric
// NAT check.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

const (
	maxAttempts = 3
	baseTimeout = 500 * time.Millisecond
)

// PublicEndpoint queries the servers over conn and returns the publicly
// mapped endpoint plus a NAT classification. It retries each server a
// bounded number of times with growing timeouts before giving up.
func PublicEndpoint(ctx context.Context, conn *net.UDPConn, servers []string) (model.Identity, NATType, error) {
	if len(servers) == 0 {
		servers = DefaultServers
	}

	var mapped []*net.UDPAddr
	for _, server := range servers {
		addr, err := bindingRequest(ctx, conn, server)
		if err != nil {
			log.Warnf("stun query to %s failed: %v", server, err)
			continue
		}
		mapped = append(mapped, addr)
		if len(mapped) == 2 {
			break
		}
	}
	if len(mapped) == 0 {
		return model.Identity{}, NATUnknown, ErrUnreachable
	}

	ep := model.Identity{IP: mapped[0].IP.String(), Port: mapped[0].Port}
	return ep, classify(conn, mapped), nil
}

// bindingRequest performs one STUN binding transaction with retries.
func bindingRequest(ctx context.Context, conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		if _, err = conn.WriteToUDP(req.Raw, serverAddr); err != nil {
			return nil, err
		}

		timeout := baseTimeout << attempt
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		for {
			n, from, rerr := conn.ReadFromUDP(buf)
			if rerr != nil {
				break // deadline hit, next attempt
			}
			if !from.IP.Equal(serverAddr.IP) || !stun.IsMessage(buf[:n]) {
				// unrelated datagram arrived during discovery
				continue
			}
			resp := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if derr := resp.Decode(); derr != nil {
				continue
			}
			if resp.TransactionID != req.TransactionID {
				continue
			}
			var xorAddr stun.XORMappedAddress
			if gerr := xorAddr.GetFrom(resp); gerr != nil {
				return nil, gerr
			}
			_ = conn.SetReadDeadline(time.Time{})
			return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	return nil, ErrUnreachable
}

// classify compares the mappings: identical local and mapped endpoints
// mean no NAT; differing mappings across servers mean a symmetric NAT;
// otherwise some cone variant.
func classify(conn *net.UDPConn, mapped []*net.UDPAddr) NATType {
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if ok && local.Port == mapped[0].Port && local.IP.Equal(mapped[0].IP) {
		return NATNone
	}
	if len(mapped) < 2 {
		return NATUnknown
	}
	if mapped[0].Port != mapped[1].Port || !mapped[0].IP.Equal(mapped[1].IP) {
		return NATSymmetric
	}
	return NATCone
}
