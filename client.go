package netseal

import (
	"net/netip"

	"github.com/netseal/netseal/nsdef"
)

// ClientOpt configures a Client. Zero values take the package defaults.
type ClientOpt struct {
	// Transport carries packets to and from the server.
	Transport nsdef.Transport

	// Observer receives log lines. May be nil.
	Observer nsdef.Observer

	ConnectionRequestSendRate  float64
	ConnectionResponseSendRate float64
	ConnectionHeartBeatRate    float64

	ConnectionRequestTimeOut float64
	ChallengeResponseTimeOut float64
	ConnectionTimeOut        float64
}

// Client drives the connecting side of the handshake: it retransmits the
// connection request until challenged, echoes the challenge until confirmed,
// then heartbeats until disconnected or timed out. Like the server it is a
// single-threaded machine driven by SendPackets, ReceivePackets and
// CheckForTimeOut.
type Client struct {
	opt       ClientOpt
	transport nsdef.Transport
	observer  nsdef.Observer

	state         ClientState
	serverAddress netip.AddrPort
	clientID      uint64

	connectTokenData    [nsdef.ConnectTokenBytes]byte
	connectTokenNonce   nsdef.Nonce
	challengeTokenData  [nsdef.ChallengeTokenBytes]byte
	challengeTokenNonce nsdef.Nonce

	lastPacketSendTime    float64
	lastPacketReceiveTime float64
}

// NewClient creates a client in the disconnected state.
func NewClient(opt ClientOpt) (*Client, error) {
	if opt.Transport == nil {
		return nil, ErrNoTransport
	}
	if opt.ConnectionRequestSendRate <= 0 {
		opt.ConnectionRequestSendRate = DefaultConnectionRequestSendRate
	}
	if opt.ConnectionResponseSendRate <= 0 {
		opt.ConnectionResponseSendRate = DefaultConnectionResponseSendRate
	}
	if opt.ConnectionHeartBeatRate <= 0 {
		opt.ConnectionHeartBeatRate = DefaultConnectionHeartBeatRate
	}
	if opt.ConnectionRequestTimeOut <= 0 {
		opt.ConnectionRequestTimeOut = DefaultConnectionRequestTimeOut
	}
	if opt.ChallengeResponseTimeOut <= 0 {
		opt.ChallengeResponseTimeOut = DefaultChallengeResponseTimeOut
	}
	if opt.ConnectionTimeOut <= 0 {
		opt.ConnectionTimeOut = DefaultConnectionTimeOut
	}

	c := &Client{
		opt:       opt,
		transport: opt.Transport,
		observer:  opt.Observer,
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	c.resetConnectionData()
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	return c.state
}

// ServerAddress returns the address of the server this client is connecting
// or connected to. Invalid when disconnected.
func (c *Client) ServerAddress() netip.AddrPort {
	return c.serverAddress
}

// Connect begins a fresh handshake toward serverAddress using the encrypted
// connect token delivered by the issuer. Any in-progress session is torn
// down first. The channel keys travel alongside the opaque token so the
// client can install its encryption mapping without being able to open the
// token itself.
func (c *Client) Connect(serverAddress netip.AddrPort, now float64, clientID uint64, connectTokenData []byte, connectTokenNonce nsdef.Nonce, clientToServerKey, serverToClientKey nsdef.Key) {
	c.Disconnect(now)

	c.serverAddress = serverAddress
	c.setState(StateSendingConnectionRequest)

	// Backdate the send timer so the first request goes out on the next
	// SendPackets tick.
	c.lastPacketSendTime = now - 1.0
	c.lastPacketReceiveTime = now
	c.clientID = clientID
	copy(c.connectTokenData[:], connectTokenData)
	c.connectTokenNonce = connectTokenNonce

	c.transport.ResetEncryptionMappings()
	c.transport.AddEncryptionMapping(c.serverAddress, serverToClientKey[:], clientToServerKey[:])
}

// Disconnect ends the session. When connected, one best-effort disconnect
// packet goes to the server and the transport is flushed before the
// encryption mappings are cleared, so the notice is not sent unreadable.
func (c *Client) Disconnect(now float64) {
	if c.state == StateConnected {
		c.observer.Logf("client: disconnecting (client id %016x)", c.clientID)

		packet := c.transport.CreatePacket(nsdef.PacketConnectionDisconnect)
		if packet != nil {
			c.sendPacketToServer(packet, now)
			c.transport.WritePackets(now)
		}
	}

	c.resetConnectionData()
}

// SendPackets emits the packet the current state calls for, if its send
// timer has elapsed: requests while requesting, responses while responding,
// heartbeats while connected.
func (c *Client) SendPackets(now float64) {
	switch c.state {
	case StateSendingConnectionRequest:
		if c.lastPacketSendTime+c.opt.ConnectionRequestSendRate > now {
			return
		}
		c.observer.Logf("client: sending connection request to %s", c.serverAddress)

		packet, _ := c.transport.CreatePacket(nsdef.PacketConnectionRequest).(*nsdef.ConnectionRequest)
		if packet == nil {
			return
		}
		packet.ConnectTokenData = c.connectTokenData
		packet.ConnectTokenNonce = c.connectTokenNonce
		c.sendPacketToServer(packet, now)

	case StateSendingChallengeResponse:
		if c.lastPacketSendTime+c.opt.ConnectionResponseSendRate > now {
			return
		}
		c.observer.Logf("client: sending challenge response to %s", c.serverAddress)

		packet, _ := c.transport.CreatePacket(nsdef.PacketConnectionResponse).(*nsdef.ConnectionResponse)
		if packet == nil {
			return
		}
		packet.ChallengeTokenData = c.challengeTokenData
		packet.ChallengeTokenNonce = c.challengeTokenNonce
		c.sendPacketToServer(packet, now)

	case StateConnected:
		if c.lastPacketSendTime+c.opt.ConnectionHeartBeatRate > now {
			return
		}
		packet := c.transport.CreatePacket(nsdef.PacketConnectionHeartBeat)
		if packet == nil {
			return
		}
		c.sendPacketToServer(packet, now)
	}
}

// ReceivePackets drains the transport and dispatches each packet to the
// matching handler. Packets from anyone but the server, and packets whose
// kind is not legal in the current state, are dropped.
func (c *Client) ReceivePackets(now float64) {
	for {
		packet, from := c.transport.ReceivePacket()
		if packet == nil {
			break
		}

		switch p := packet.(type) {
		case *nsdef.ConnectionDenied:
			c.processConnectionDenied(p, from, now)
		case *nsdef.ConnectionChallenge:
			c.processConnectionChallenge(p, from, now)
		case *nsdef.ConnectionHeartBeat:
			c.processConnectionHeartBeat(p, from, now)
		case *nsdef.ConnectionDisconnect:
			c.processConnectionDisconnect(p, from, now)
		}

		c.transport.DestroyPacket(packet)
	}
}

// CheckForTimeOut applies the per-phase receive timeout: each in-flight
// phase has its own terminal timeout state, and a connected client that
// stops hearing from the server disconnects itself.
func (c *Client) CheckForTimeOut(now float64) {
	switch c.state {
	case StateSendingConnectionRequest:
		if c.lastPacketReceiveTime+c.opt.ConnectionRequestTimeOut < now {
			c.observer.Logf("client: connection request timed out")
			c.setState(StateConnectionRequestTimedOut)
		}

	case StateSendingChallengeResponse:
		if c.lastPacketReceiveTime+c.opt.ChallengeResponseTimeOut < now {
			c.observer.Logf("client: challenge response timed out")
			c.setState(StateChallengeResponseTimedOut)
		}

	case StateConnected:
		if c.lastPacketReceiveTime+c.opt.ConnectionTimeOut < now {
			c.observer.Logf("client: connection timed out")
			c.setState(StateConnectionTimedOut)
			c.Disconnect(now)
		}
	}
}

// resetConnectionData scrubs all session state, token material included,
// and clears the transport's encryption mappings.
func (c *Client) resetConnectionData() {
	c.serverAddress = netip.AddrPort{}
	c.setState(StateDisconnected)
	c.lastPacketSendTime = -1000.0
	c.lastPacketReceiveTime = -1000.0
	c.clientID = 0
	c.connectTokenData = [nsdef.ConnectTokenBytes]byte{}
	c.connectTokenNonce = nsdef.Nonce{}
	c.challengeTokenData = [nsdef.ChallengeTokenBytes]byte{}
	c.challengeTokenNonce = nsdef.Nonce{}
	c.transport.ResetEncryptionMappings()
}

func (c *Client) sendPacketToServer(packet nsdef.Packet, now float64) {
	c.transport.SendPacket(c.serverAddress, packet)
	c.lastPacketSendTime = now
}

func (c *Client) processConnectionDenied(_ *nsdef.ConnectionDenied, from netip.AddrPort, _ float64) {
	if c.state != StateSendingConnectionRequest {
		return
	}
	if from != c.serverAddress {
		return
	}
	c.observer.Logf("client: connection denied by %s", from)
	c.setState(StateConnectionDenied)
}

func (c *Client) processConnectionChallenge(packet *nsdef.ConnectionChallenge, from netip.AddrPort, now float64) {
	if c.state != StateSendingConnectionRequest {
		return
	}
	if from != c.serverAddress {
		return
	}
	c.observer.Logf("client: received challenge from %s", from)

	c.challengeTokenData = packet.ChallengeTokenData
	c.challengeTokenNonce = packet.ChallengeTokenNonce

	c.setState(StateSendingChallengeResponse)
	c.lastPacketReceiveTime = now
}

func (c *Client) processConnectionHeartBeat(_ *nsdef.ConnectionHeartBeat, from netip.AddrPort, now float64) {
	if c.state != StateSendingChallengeResponse && c.state != StateConnected {
		return
	}
	if from != c.serverAddress {
		return
	}

	if c.state == StateSendingChallengeResponse {
		c.observer.Logf("client: connected to %s", from)

		// The handshake is done; neither token is needed again. Scrub both
		// so compromised client memory cannot replay them.
		c.connectTokenData = [nsdef.ConnectTokenBytes]byte{}
		c.connectTokenNonce = nsdef.Nonce{}
		c.challengeTokenData = [nsdef.ChallengeTokenBytes]byte{}
		c.challengeTokenNonce = nsdef.Nonce{}

		c.setState(StateConnected)
	}

	c.lastPacketReceiveTime = now
}

func (c *Client) processConnectionDisconnect(_ *nsdef.ConnectionDisconnect, from netip.AddrPort, now float64) {
	if c.state != StateConnected {
		return
	}
	if from != c.serverAddress {
		return
	}
	c.Disconnect(now)
}
