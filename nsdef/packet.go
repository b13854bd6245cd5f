package nsdef

// PacketKind tags the six handshake packet variants.
type PacketKind uint8

const (
	PacketConnectionRequest PacketKind = iota
	PacketConnectionDenied
	PacketConnectionChallenge
	PacketConnectionResponse
	PacketConnectionHeartBeat
	PacketConnectionDisconnect
)

func (k PacketKind) String() string {
	switch k {
	case PacketConnectionRequest:
		return "connection request"
	case PacketConnectionDenied:
		return "connection denied"
	case PacketConnectionChallenge:
		return "connection challenge"
	case PacketConnectionResponse:
		return "connection response"
	case PacketConnectionHeartBeat:
		return "connection heartbeat"
	case PacketConnectionDisconnect:
		return "connection disconnect"
	}
	return "unknown"
}

// Packet is the tagged sum over the six handshake packet variants.
// Serialization is the transport's concern; these structs are the in-memory
// form handed across the Transport contract.
type Packet interface {
	Kind() PacketKind
}

// ConnectionRequest carries the client's encrypted connect token and the
// nonce it was sealed with. It is the only packet sent before an encryption
// mapping exists.
type ConnectionRequest struct {
	ConnectTokenData  [ConnectTokenBytes]byte
	ConnectTokenNonce Nonce
}

func (*ConnectionRequest) Kind() PacketKind { return PacketConnectionRequest }

// ConnectionDenied tells a requester the server is full.
type ConnectionDenied struct{}

func (*ConnectionDenied) Kind() PacketKind { return PacketConnectionDenied }

// ConnectionChallenge carries the server's encrypted challenge token.
type ConnectionChallenge struct {
	ChallengeTokenData  [ChallengeTokenBytes]byte
	ChallengeTokenNonce Nonce
}

func (*ConnectionChallenge) Kind() PacketKind { return PacketConnectionChallenge }

// ConnectionResponse echoes the challenge token back to the server.
type ConnectionResponse struct {
	ChallengeTokenData  [ChallengeTokenBytes]byte
	ChallengeTokenNonce Nonce
}

func (*ConnectionResponse) Kind() PacketKind { return PacketConnectionResponse }

// ConnectionHeartBeat keeps the peer's receive-side liveness timer alive.
type ConnectionHeartBeat struct{}

func (*ConnectionHeartBeat) Kind() PacketKind { return PacketConnectionHeartBeat }

// ConnectionDisconnect is a best-effort notice that the sender is going away.
type ConnectionDisconnect struct{}

func (*ConnectionDisconnect) Kind() PacketKind { return PacketConnectionDisconnect }

// NewPacket allocates a zero packet of the given kind, or nil for an unknown
// kind. Transports use it as the default CreatePacket implementation.
func NewPacket(kind PacketKind) Packet {
	switch kind {
	case PacketConnectionRequest:
		return &ConnectionRequest{}
	case PacketConnectionDenied:
		return &ConnectionDenied{}
	case PacketConnectionChallenge:
		return &ConnectionChallenge{}
	case PacketConnectionResponse:
		return &ConnectionResponse{}
	case PacketConnectionHeartBeat:
		return &ConnectionHeartBeat{}
	case PacketConnectionDisconnect:
		return &ConnectionDisconnect{}
	}
	return nil
}
