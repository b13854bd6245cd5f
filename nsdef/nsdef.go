// Package nsdef holds the wire definitions shared between the netseal
// client, server, token codec and transports: protocol constants, the six
// packet variants, and the transport contract.
package nsdef

import (
	"net/netip"
)

// Sizes of the fixed cryptographic quantities. These are pinned to the
// ChaCha20-Poly1305 AEAD: 32 byte keys, 12 byte IETF nonces, 16 byte tags.
const (
	// KeyBytes is the size of a symmetric channel key.
	KeyBytes = 32

	// NonceBytes is the size of an AEAD nonce.
	NonceBytes = 12

	// AuthBytes is the size of the AEAD authentication tag appended to a
	// sealed buffer.
	AuthBytes = 16

	// MacBytes is the number of leading ciphertext bytes used as a
	// quasi-unique identifier of a token use.
	MacBytes = 16
)

// Sizes of the two encrypted token envelopes. The serialized token is zero
// padded to the envelope size minus AuthBytes before sealing, so every
// ciphertext is exactly the envelope size.
const (
	ConnectTokenBytes   = 1024
	ChallengeTokenBytes = 256
)

// MaxServersPerConnectToken bounds the address whitelist carried inside a
// connect token.
const MaxServersPerConnectToken = 8

// Key is a symmetric channel key. Keys are copied by value between the
// connect token, the challenge token and the transport encryption mappings.
type Key = [KeyBytes]byte

// Nonce is an AEAD nonce.
type Nonce = [NonceBytes]byte

// Observer receives log lines from a client or server engine. Handshake
// rejections are dropped silently on the wire; the only trace they leave is
// here.
type Observer interface {
	Logf(format string, args ...any)
}

// Transport is the datagram layer underneath a client or server engine.
// The engine owns no sockets; it receives, sends and recycles packets
// through this contract. Implementations must make ReceivePacket
// non-blocking and must preserve per-peer FIFO ordering.
type Transport interface {
	// ReceivePacket returns the next queued inbound packet and its source
	// address, or nil if none is pending.
	ReceivePacket() (Packet, netip.AddrPort)

	// SendPacket queues or sends a packet to the given address. Delivery is
	// best effort.
	SendPacket(to netip.AddrPort, p Packet)

	// CreatePacket allocates a packet of the given kind, or nil if the
	// transport cannot allocate one.
	CreatePacket(kind PacketKind) Packet

	// DestroyPacket returns a packet to the transport once the engine is
	// done with it.
	DestroyPacket(p Packet)

	// AddEncryptionMapping installs the receive and send keys used for
	// post-handshake traffic with addr. Reports whether the mapping was
	// accepted.
	AddEncryptionMapping(addr netip.AddrPort, receiveKey, sendKey []byte) bool

	// ResetEncryptionMappings removes all installed encryption mappings.
	ResetEncryptionMappings()

	// WritePackets flushes any queued outbound packets to the network.
	WritePackets(now float64)
}
