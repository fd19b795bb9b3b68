package discover

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSTUN answers binding requests with the given mapped endpoint.
func fakeSTUN(t *testing.T, mappedIP net.IP, mappedPort int) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err = req.Decode(); err != nil {
				continue
			}
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: mappedIP, Port: mappedPort},
			)
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(resp.Raw, from)
		}
	}()
	return conn.LocalAddr().String()
}

func TestPublicEndpoint(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	mapped := net.IPv4(203, 0, 113, 7)
	srv1 := fakeSTUN(t, mapped, 40000)
	srv2 := fakeSTUN(t, mapped, 40000)

	ep, nat, err := PublicEndpoint(context.Background(), conn, []string{srv1, srv2})
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ep.IP)
	assert.Equal(t, 40000, ep.Port)
	assert.Equal(t, NATCone, nat)
}

func TestPublicEndpointSymmetric(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	mapped := net.IPv4(203, 0, 113, 7)
	srv1 := fakeSTUN(t, mapped, 40000)
	srv2 := fakeSTUN(t, mapped, 40001) // a different mapping per destination

	ep, nat, err := PublicEndpoint(context.Background(), conn, []string{srv1, srv2})
	require.NoError(t, err)
	assert.Equal(t, 40000, ep.Port)
	assert.Equal(t, NATSymmetric, nat)
}

func TestPublicEndpointNoNAT(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	// the server reports exactly the socket's own endpoint
	local := conn.LocalAddr().(*net.UDPAddr)
	srv := fakeSTUN(t, local.IP, local.Port)

	_, nat, err := PublicEndpoint(context.Background(), conn, []string{srv})
	require.NoError(t, err)
	assert.Equal(t, NATNone, nat)
}

func TestPublicEndpointUnreachable(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	// a closed port: every attempt times out
	dead, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	require.NoError(t, dead.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, nat, err := PublicEndpoint(ctx, conn, []string{deadAddr})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, NATUnknown, nat)
}
