package netseal

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/netseal/netseal/nsdef"
	"github.com/netseal/netseal/token"
)

var (
	// ErrNoTransport is returned when a Server or Client is constructed
	// without a transport.
	ErrNoTransport = errors.New("netseal: transport is required")

	// ErrInvalidServerAddress is returned when a Server is constructed with
	// an invalid listen address.
	ErrInvalidServerAddress = errors.New("netseal: invalid server address")
)

// ServerOpt configures a Server. Zero values take the package defaults.
type ServerOpt struct {
	// Transport carries packets to and from clients.
	Transport nsdef.Transport

	// Addr is the address this server is reachable on. Connect tokens are
	// only honored if their whitelist contains this address.
	Addr netip.AddrPort

	// PrivateKey seals challenge tokens and opens connect tokens. It is
	// shared with the issuer and with nothing else.
	PrivateKey nsdef.Key

	// MaxClients bounds the number of simultaneous sessions.
	MaxClients int

	// MaxConnectTokenEntries sizes the replay cache. Defaults to
	// DefaultConnectTokenEntryFactor * MaxClients.
	MaxConnectTokenEntries int

	// Callbacks receives slot lifecycle events. May be nil.
	Callbacks Callbacks

	// Observer receives log lines. May be nil.
	Observer nsdef.Observer

	// WallClock supplies seconds since epoch for the connect token expiry
	// check. Defaults to the system clock. It is independent of the
	// monotonic `now` passed to the driver entrypoints.
	WallClock func() uint64

	// ConnectionHeartBeatRate is how often a heartbeat is sent to each
	// connected client, in seconds.
	ConnectionHeartBeatRate float64

	// ConnectionConfirmSendRate bounds how often a retransmitted challenge
	// response earns an extra heartbeat.
	ConnectionConfirmSendRate float64

	// ConnectionTimeOut is how long a slot may go without receiving before
	// it is torn down.
	ConnectionTimeOut float64
}

// Server is the connection establishment and liveness engine for one listen
// address. It owns the slot table, the replay cache and the private key; the
// caller owns the clock and drives the server by calling SendPackets,
// ReceivePackets and CheckForTimeOut in its update loop.
type Server struct {
	opt       ServerOpt
	transport nsdef.Transport
	addr      netip.AddrPort
	callbacks Callbacks
	observer  nsdef.Observer
	wallClock func() uint64

	privateKey          nsdef.Key
	challengeTokenNonce uint64

	numConnectedClients int
	slots               []clientSlot
	tokenCache          *connectTokenCache
}

// NewServer creates a server. The returned server is idle until its driver
// entrypoints are called.
func NewServer(opt ServerOpt) (*Server, error) {
	if opt.Transport == nil {
		return nil, ErrNoTransport
	}
	if !opt.Addr.IsValid() {
		return nil, ErrInvalidServerAddress
	}
	if opt.MaxClients <= 0 {
		opt.MaxClients = DefaultMaxClients
	}
	if opt.MaxConnectTokenEntries <= 0 {
		opt.MaxConnectTokenEntries = DefaultConnectTokenEntryFactor * opt.MaxClients
	}
	if opt.ConnectionHeartBeatRate <= 0 {
		opt.ConnectionHeartBeatRate = DefaultConnectionHeartBeatRate
	}
	if opt.ConnectionConfirmSendRate <= 0 {
		opt.ConnectionConfirmSendRate = DefaultConnectionConfirmSendRate
	}
	if opt.ConnectionTimeOut <= 0 {
		opt.ConnectionTimeOut = DefaultConnectionTimeOut
	}

	s := &Server{
		opt:        opt,
		transport:  opt.Transport,
		addr:       opt.Addr,
		privateKey: opt.PrivateKey,
		callbacks:  opt.Callbacks,
		observer:   opt.Observer,
		wallClock:  opt.WallClock,
		slots:      make([]clientSlot, opt.MaxClients),
		tokenCache: newConnectTokenCache(opt.MaxConnectTokenEntries),
	}
	if s.callbacks == nil {
		s.callbacks = nopCallbacks{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.wallClock == nil {
		s.wallClock = wallClockNow
	}
	return s, nil
}

// NumConnectedClients returns the number of occupied slots.
func (s *Server) NumConnectedClients() int {
	return s.numConnectedClients
}

// ClientID returns the client id bound to slot i, or 0 if the slot is free.
func (s *Server) ClientID(i int) uint64 {
	return s.slots[i].clientID
}

// ClientAddress returns the address bound to slot i. The address is invalid
// if the slot is free.
func (s *Server) ClientAddress(i int) netip.AddrPort {
	return s.slots[i].address
}

// SendPackets emits a heartbeat to every connected slot whose send timer has
// elapsed.
func (s *Server) SendPackets(now float64) {
	for i := range s.slots {
		if !s.slots[i].connected {
			continue
		}
		if s.slots[i].lastPacketSendTime+s.opt.ConnectionHeartBeatRate > now {
			continue
		}
		packet := s.transport.CreatePacket(nsdef.PacketConnectionHeartBeat)
		if packet == nil {
			continue
		}
		s.sendPacketToConnectedClient(i, packet, now)
	}
}

// ReceivePackets drains the transport and dispatches each packet to the
// matching handler. Unknown packet kinds are dropped.
func (s *Server) ReceivePackets(now float64) {
	for {
		packet, from := s.transport.ReceivePacket()
		if packet == nil {
			break
		}

		switch p := packet.(type) {
		case *nsdef.ConnectionRequest:
			s.processConnectionRequest(p, from, now)
		case *nsdef.ConnectionResponse:
			s.processConnectionResponse(p, from, now)
		case *nsdef.ConnectionHeartBeat:
			s.processConnectionHeartBeat(p, from, now)
		case *nsdef.ConnectionDisconnect:
			s.processConnectionDisconnect(p, from, now)
		}

		s.transport.DestroyPacket(packet)
	}
}

// CheckForTimeOut disconnects every slot that has gone silent for longer
// than the connection timeout. Running it twice at the same instant is a
// no-op the second time.
func (s *Server) CheckForTimeOut(now float64) {
	for i := range s.slots {
		if !s.slots[i].connected {
			continue
		}
		if s.slots[i].lastPacketReceiveTime+s.opt.ConnectionTimeOut < now {
			s.observer.Logf("server: client in slot %d timed out", i)
			s.callbacks.OnClientTimedOut(i)
			s.DisconnectClient(i, now)
		}
	}
}

// DisconnectClient tears down slot i: the disconnect callback fires, a
// best-effort disconnect packet goes out to the slot's address, and the slot
// is reset.
func (s *Server) DisconnectClient(i int, now float64) {
	if !s.slots[i].connected {
		return
	}

	s.callbacks.OnClientDisconnect(i)

	packet := s.transport.CreatePacket(nsdef.PacketConnectionDisconnect)
	if packet != nil {
		s.sendPacketToConnectedClient(i, packet, now)
	}

	s.resetSlot(i)
	s.numConnectedClients--
}

func (s *Server) sendPacketToConnectedClient(i int, packet nsdef.Packet, now float64) {
	s.slots[i].lastPacketSendTime = now
	s.transport.SendPacket(s.slots[i].address, packet)
}

// sendDenied emits the courtesy packet for the server-full rejection.
func (s *Server) sendDenied(to netip.AddrPort) {
	packet := s.transport.CreatePacket(nsdef.PacketConnectionDenied)
	if packet == nil {
		return
	}
	s.transport.SendPacket(to, packet)
}

// processConnectionRequest runs the ordered acceptance checks for a
// connection request. Cheap and side-effect-free checks come first; the
// replay cache is only consulted once the request is otherwise admissible,
// so a full server never consumes a cache entry.
func (s *Server) processConnectionRequest(packet *nsdef.ConnectionRequest, from netip.AddrPort, now float64) {
	connectToken, err := token.DecryptConnectToken(packet.ConnectTokenData[:], nil, &packet.ConnectTokenNonce, &s.privateKey)
	if err != nil {
		s.observer.Logf("server: failed to decrypt connect token from %s: %v", from, err)
		return
	}

	whitelisted := false
	for _, a := range connectToken.ServerAddresses {
		if a == s.addr {
			whitelisted = true
			break
		}
	}
	if !whitelisted {
		s.observer.Logf("server: address %s not in connect token whitelist", s.addr)
		return
	}

	if connectToken.ClientID == 0 {
		s.observer.Logf("server: connect token client id is zero")
		return
	}

	if s.IsConnected(from, connectToken.ClientID) {
		s.observer.Logf("server: client %016x already connected from %s", connectToken.ClientID, from)
		return
	}

	if connectToken.ExpiryTimestamp <= s.wallClock() {
		s.observer.Logf("server: connect token expired for client %016x", connectToken.ClientID)
		return
	}

	if !s.transport.AddEncryptionMapping(from, connectToken.ClientToServerKey[:], connectToken.ServerToClientKey[:]) {
		s.observer.Logf("server: failed to add encryption mapping for %s", from)
		return
	}

	if s.numConnectedClients == len(s.slots) {
		s.observer.Logf("server: denied connection request from %s, server is full", from)
		s.sendDenied(from)
		return
	}

	if !s.tokenCache.findOrAdd(from, packet.ConnectTokenData[:nsdef.MacBytes], now) {
		s.observer.Logf("server: connect token already used from another address, dropping request from %s", from)
		return
	}

	challengeToken, err := token.GenerateChallengeToken(connectToken, from, s.addr, packet.ConnectTokenData[:nsdef.MacBytes])
	if err != nil {
		s.observer.Logf("server: failed to generate challenge token: %v", err)
		return
	}

	challengePacket, _ := s.transport.CreatePacket(nsdef.PacketConnectionChallenge).(*nsdef.ConnectionChallenge)
	if challengePacket == nil {
		return
	}

	s.writeChallengeNonce(&challengePacket.ChallengeTokenNonce)

	data, err := token.EncryptChallengeToken(challengeToken, nil, &challengePacket.ChallengeTokenNonce, &s.privateKey)
	if err != nil {
		s.observer.Logf("server: failed to encrypt challenge token: %v", err)
		return
	}
	copy(challengePacket.ChallengeTokenData[:], data)

	s.challengeTokenNonce++

	s.observer.Logf("server: sent challenge to %s", from)
	s.transport.SendPacket(from, challengePacket)
}

// writeChallengeNonce encodes the 64-bit challenge counter into the low
// eight bytes of the nonce, little endian. The high four bytes stay zero.
func (s *Server) writeChallengeNonce(nonce *nsdef.Nonce) {
	*nonce = nsdef.Nonce{}
	binary.LittleEndian.PutUint64(nonce[:8], s.challengeTokenNonce)
}

// processConnectionResponse accepts a challenge echo: if the embedded
// address and identity check out and the slot does not already exist, a
// free slot is bound and the session is established.
func (s *Server) processConnectionResponse(packet *nsdef.ConnectionResponse, from netip.AddrPort, now float64) {
	challengeToken, err := token.DecryptChallengeToken(packet.ChallengeTokenData[:], nil, &packet.ChallengeTokenNonce, &s.privateKey)
	if err != nil {
		s.observer.Logf("server: failed to decrypt challenge token from %s: %v", from, err)
		return
	}

	if challengeToken.ClientAddress != from {
		s.observer.Logf("server: challenge token client address does not match %s", from)
		return
	}

	if challengeToken.ServerAddress != s.addr {
		s.observer.Logf("server: challenge token server address does not match")
		return
	}

	// A response for a session we already honored means the heartbeat that
	// confirmed the connection was lost. Re-confirm, rate limited by the
	// confirm send window.
	if existing := s.findByAddressAndID(from, challengeToken.ClientID); existing != -1 {
		if s.slots[existing].lastPacketSendTime+s.opt.ConnectionConfirmSendRate < now {
			heartbeat := s.transport.CreatePacket(nsdef.PacketConnectionHeartBeat)
			if heartbeat != nil {
				s.sendPacketToConnectedClient(existing, heartbeat, now)
			}
		}
		return
	}

	if s.numConnectedClients == len(s.slots) {
		s.observer.Logf("server: denied connection response from %s, server is full", from)
		s.sendDenied(from)
		return
	}

	i := s.findFreeSlot()
	if i == -1 {
		return
	}

	s.connectClient(i, challengeToken, now)
}

// connectClient binds slot i to the identity and address carried by a
// verified challenge token, fires the connect callback, and immediately
// seeds the client's liveness timer with a heartbeat.
func (s *Server) connectClient(i int, challengeToken *token.ChallengeToken, now float64) {
	s.numConnectedClients++

	s.slots[i].connected = true
	s.slots[i].clientID = challengeToken.ClientID
	s.slots[i].address = challengeToken.ClientAddress
	s.slots[i].connectTime = now
	s.slots[i].lastPacketSendTime = now
	s.slots[i].lastPacketReceiveTime = now

	s.observer.Logf("server: client %016x connected in slot %d", challengeToken.ClientID, i)
	s.callbacks.OnClientConnect(i)

	packet := s.transport.CreatePacket(nsdef.PacketConnectionHeartBeat)
	if packet != nil {
		s.sendPacketToConnectedClient(i, packet, now)
	}
}

func (s *Server) processConnectionHeartBeat(_ *nsdef.ConnectionHeartBeat, from netip.AddrPort, now float64) {
	i := s.findByAddress(from)
	if i == -1 {
		return
	}
	s.slots[i].lastPacketReceiveTime = now
}

func (s *Server) processConnectionDisconnect(_ *nsdef.ConnectionDisconnect, from netip.AddrPort, now float64) {
	i := s.findByAddress(from)
	if i == -1 {
		return
	}
	s.DisconnectClient(i, now)
}
