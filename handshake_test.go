package netseal

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netseal/netseal/nsdef"
	"github.com/netseal/netseal/nsmock"
	"github.com/netseal/netseal/token"
)

// endToEnd wires a real client and server over the in-memory network, with
// the issuer's role played by mintRequest-style token generation.
type endToEnd struct {
	f *serverFixture

	clientAddr      netip.AddrPort
	clientTransport *nsmock.Transport
	client          *Client

	connectToken *token.ConnectToken
	tokenData    [nsdef.ConnectTokenBytes]byte
	tokenNonce   nsdef.Nonce
}

func newEndToEnd(t *testing.T, maxClients int) *endToEnd {
	t.Helper()

	e := &endToEnd{
		f:          newServerFixture(t, maxClients),
		clientAddr: netip.MustParseAddrPort("192.168.0.1:50000"),
	}
	e.clientTransport = e.f.network.Attach(e.clientAddr)

	var err error
	e.client, err = NewClient(ClientOpt{
		Transport:                  e.clientTransport,
		Observer:                   nsmock.TestObserver{T: t},
		ConnectionRequestSendRate:  0.1,
		ConnectionResponseSendRate: 0.1,
		ConnectionHeartBeatRate:    0.1,
		ConnectionTimeOut:          5.0,
	})
	require.NoError(t, err)
	return e
}

// mint issues a token for the client the way an out-of-band issuer would.
func (e *endToEnd) mint(t *testing.T, clientID uint64) {
	t.Helper()

	var err error
	e.connectToken, err = token.GenerateConnectToken(clientID, []netip.AddrPort{e.f.addr}, 1, e.f.wallClock+100)
	require.NoError(t, err)
	require.NoError(t, token.GenerateNonce(&e.tokenNonce))
	data, err := token.EncryptConnectToken(e.connectToken, nil, &e.tokenNonce, &e.f.key)
	require.NoError(t, err)
	copy(e.tokenData[:], data)
}

func (e *endToEnd) connect(now float64, clientID uint64) {
	e.client.Connect(e.f.addr, now, clientID, e.tokenData[:], e.tokenNonce,
		e.connectToken.ClientToServerKey, e.connectToken.ServerToClientKey)
}

// tick advances both endpoints one driver round at the given time.
func (e *endToEnd) tick(now float64) {
	e.client.SendPackets(now)
	e.f.server.ReceivePackets(now)
	e.f.server.SendPackets(now)
	e.f.server.CheckForTimeOut(now)
	e.client.ReceivePackets(now)
	e.client.CheckForTimeOut(now)
}

func TestHandshakeHappyPath(t *testing.T) {
	require := require.New(t)

	e := newEndToEnd(t, 4)
	e.mint(t, 0x1111)
	e.connect(0.0, 0x1111)

	// t=0: request. t=0.01: server challenges. t=0.02..: client responds,
	// server allocates slot 0 and confirms, client lands in Connected.
	e.client.SendPackets(0.0)
	e.f.server.ReceivePackets(0.01)
	e.client.ReceivePackets(0.02)
	require.Equal(StateSendingChallengeResponse, e.client.State())

	e.client.SendPackets(0.1)
	e.f.server.ReceivePackets(0.11)
	require.Equal(1, e.f.server.NumConnectedClients())
	require.Equal(uint64(0x1111), e.f.server.ClientID(0))
	require.Equal(e.clientAddr, e.f.server.ClientAddress(0))
	require.Equal([]int{0}, e.f.callbacks.Connected)

	e.client.ReceivePackets(0.12)
	require.Equal(StateConnected, e.client.State())
	e.f.checkInvariants(t)
}

func TestHandshakeSurvivesPacketLoss(t *testing.T) {
	require := require.New(t)

	e := newEndToEnd(t, 4)
	e.mint(t, 0x2222)
	e.connect(0.0, 0x2222)

	// Drop the first request on the floor; the cadence loop retransmits
	// until the handshake completes.
	e.clientTransport.DropSends = true
	e.client.SendPackets(0.0)
	e.clientTransport.DropSends = false

	for now := 0.1; now < 2.0; now += 0.1 {
		e.tick(now)
		if e.client.State() == StateConnected {
			break
		}
	}
	require.Equal(StateConnected, e.client.State())
	require.Equal(1, e.f.server.NumConnectedClients())
}

func TestHandshakeReplayAfterEstablished(t *testing.T) {
	require := require.New(t)

	e := newEndToEnd(t, 4)
	e.mint(t, 0x1111)
	e.connect(0.0, 0x1111)
	for now := 0.0; now < 1.0; now += 0.1 {
		e.tick(now)
		if e.client.State() == StateConnected {
			break
		}
	}
	require.Equal(StateConnected, e.client.State())

	// An attacker replays the captured request bytes from its own address.
	attackerAddr := netip.MustParseAddrPort("172.16.0.66:50000")
	attacker := e.f.network.Attach(attackerAddr)
	replay := &nsdef.ConnectionRequest{
		ConnectTokenData:  e.tokenData,
		ConnectTokenNonce: e.tokenNonce,
	}
	attacker.SendPacket(e.f.addr, replay)
	e.f.server.ReceivePackets(2.0)

	// No challenge for the attacker and no new slot.
	require.Equal(0, attacker.Pending())
	require.Equal(1, e.f.server.NumConnectedClients())
	e.f.checkInvariants(t)
}

func TestSessionStaysAliveOnHeartbeats(t *testing.T) {
	require := require.New(t)

	e := newEndToEnd(t, 4)
	e.mint(t, 0x3333)
	e.connect(0.0, 0x3333)

	// Run well past the connection timeout; the heartbeat cadence on both
	// sides keeps the session alive throughout.
	for now := 0.0; now < 12.0; now += 0.05 {
		e.tick(now)
	}
	require.Equal(StateConnected, e.client.State())
	require.Equal(1, e.f.server.NumConnectedClients())
}

func TestGracefulDisconnectEndToEnd(t *testing.T) {
	require := require.New(t)

	e := newEndToEnd(t, 4)
	e.mint(t, 0x1111)
	e.connect(0.0, 0x1111)
	for now := 0.0; now < 1.0; now += 0.1 {
		e.tick(now)
		if e.client.State() == StateConnected {
			break
		}
	}
	require.Equal(StateConnected, e.client.State())
	require.Equal(1, e.f.server.NumConnectedClients())

	e.client.Disconnect(10.0)
	require.Equal(StateDisconnected, e.client.State())

	e.f.server.ReceivePackets(10.01)
	require.Equal(0, e.f.server.NumConnectedClients())
	require.Equal([]int{0}, e.f.callbacks.Disconnected)
	require.Empty(e.f.callbacks.TimedOut)
	e.f.checkInvariants(t)
}

func TestServerTimesOutSilentClient(t *testing.T) {
	require := require.New(t)

	e := newEndToEnd(t, 4)
	e.mint(t, 0x4444)
	e.connect(0.0, 0x4444)
	connectedAt := 0.0
	for now := 0.0; now < 1.0; now += 0.1 {
		e.tick(now)
		if e.client.State() == StateConnected {
			connectedAt = now
			break
		}
	}
	require.Equal(StateConnected, e.client.State())

	// The client goes silent; the server notices once the timeout passes.
	e.f.server.CheckForTimeOut(connectedAt + 4.9)
	require.Equal(1, e.f.server.NumConnectedClients())
	e.f.server.CheckForTimeOut(connectedAt + 5.2)
	require.Equal(0, e.f.server.NumConnectedClients())
	require.Equal([]int{0}, e.f.callbacks.TimedOut)
}
