package transport_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netseal/netseal"
	"github.com/netseal/netseal/issuer"
	"github.com/netseal/netseal/nsdef"
	"github.com/netseal/netseal/token"
	"github.com/netseal/netseal/transport"
)

// TestHandshakeOverUDP runs the full handshake between a real client and
// server over loopback UDP sockets.
func TestHandshakeOverUDP(t *testing.T) {
	require := require.New(t)

	serverTransport, err := transport.ListenUDP(transport.UDPOpt{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:0"),
	})
	require.NoError(err)
	defer serverTransport.Close()
	serverAddr := serverTransport.LocalAddr()

	clientTransport, err := transport.ListenUDP(transport.UDPOpt{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:0"),
	})
	require.NoError(err)
	defer clientTransport.Close()

	var key nsdef.Key
	require.NoError(token.GenerateKey(&key))

	server, err := netseal.NewServer(netseal.ServerOpt{
		Transport:  serverTransport,
		Addr:       serverAddr,
		PrivateKey: key,
		MaxClients: 4,
	})
	require.NoError(err)

	client, err := netseal.NewClient(netseal.ClientOpt{
		Transport: clientTransport,
	})
	require.NoError(err)

	grant := mintGrant(t, key, serverAddr)
	client.Connect(serverAddr, 0.0, grant.ClientID, grant.TokenData, grant.TokenNonce,
		grant.ClientToServerKey, grant.ServerToClientKey)

	start := time.Now()
	deadline := start.Add(5 * time.Second)
	for time.Now().Before(deadline) {
		now := time.Since(start).Seconds()
		client.SendPackets(now)
		server.ReceivePackets(now)
		server.SendPackets(now)
		client.ReceivePackets(now)
		if client.State() == netseal.StateConnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(netseal.StateConnected, client.State())
	require.Equal(1, server.NumConnectedClients())
	require.Equal(grant.ClientID, server.ClientID(0))
}

func mintGrant(t *testing.T, key nsdef.Key, serverAddr netip.AddrPort) *issuer.Grant {
	t.Helper()

	is, err := issuer.Open(issuer.Config{
		DBPath:     t.TempDir() + "/mints.db",
		PrivateKey: key,
		ProtocolID: 1,
	})
	require.NoError(t, err)
	defer is.Close()

	grant, err := is.Mint(0x1111, []netip.AddrPort{serverAddr})
	require.NoError(t, err)
	return grant
}

// TestHandshakeOverQUIC runs the handshake with the client dialing the
// server through QUIC datagrams.
func TestHandshakeOverQUIC(t *testing.T) {
	require := require.New(t)

	serverTransport, err := transport.ListenQUIC(transport.QuicOpt{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:0"),
		Accept:     true,
	})
	require.NoError(err)
	defer serverTransport.Close()
	serverAddr := serverTransport.LocalAddr()

	clientTransport, err := transport.ListenQUIC(transport.QuicOpt{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:0"),
	})
	require.NoError(err)
	defer clientTransport.Close()

	var key nsdef.Key
	require.NoError(token.GenerateKey(&key))

	server, err := netseal.NewServer(netseal.ServerOpt{
		Transport:  serverTransport,
		Addr:       serverAddr,
		PrivateKey: key,
		MaxClients: 4,
	})
	require.NoError(err)

	client, err := netseal.NewClient(netseal.ClientOpt{
		Transport: clientTransport,
	})
	require.NoError(err)

	grant := mintGrant(t, key, serverAddr)
	client.Connect(serverAddr, 0.0, grant.ClientID, grant.TokenData, grant.TokenNonce,
		grant.ClientToServerKey, grant.ServerToClientKey)

	start := time.Now()
	deadline := start.Add(10 * time.Second)
	for time.Now().Before(deadline) {
		now := time.Since(start).Seconds()
		client.SendPackets(now)
		server.ReceivePackets(now)
		server.SendPackets(now)
		client.ReceivePackets(now)
		if client.State() == netseal.StateConnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(netseal.StateConnected, client.State())
	require.Equal(1, server.NumConnectedClients())
}
