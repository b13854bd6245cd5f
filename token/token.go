// Package token implements the two credentials that gate a netseal session:
// the connect token minted by an out-of-band issuer and presented by the
// client, and the challenge token the server uses to bind a handshake to a
// source address. Both are sealed into fixed-size AEAD envelopes so that a
// ciphertext never reveals how much of the envelope the token actually
// occupies.
package token

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/netseal/netseal/nsdef"
)

var (
	// ErrNoServerAddresses is returned when a connect token is generated
	// with an empty server whitelist.
	ErrNoServerAddresses = errors.New("token: no server addresses")

	// ErrTooManyServerAddresses is returned when a connect token is
	// generated with more addresses than fit in a token.
	ErrTooManyServerAddresses = errors.New("token: too many server addresses")

	// ErrZeroClientID is returned when a challenge token is generated from
	// a connect token with the reserved client id 0.
	ErrZeroClientID = errors.New("token: client id is zero")

	// ErrInvalidClientAddress is returned when a challenge token is bound
	// to an invalid client address.
	ErrInvalidClientAddress = errors.New("token: invalid client address")

	// ErrTokenTooLarge is returned when a serialized token does not fit its
	// envelope.
	ErrTokenTooLarge = errors.New("token: serialized token exceeds envelope")

	// ErrDecryptFailed is returned when an envelope fails AEAD
	// authentication.
	ErrDecryptFailed = errors.New("token: decrypt failed")
)

// ConnectToken is the plaintext form of the credential a prospective client
// presents in a connection request. It is minted by the issuer, sealed with
// the server's private key, and never travels in the clear.
type ConnectToken struct {
	ProtocolID      uint32
	ClientID        uint64
	ExpiryTimestamp uint64
	ServerAddresses []netip.AddrPort

	ClientToServerKey nsdef.Key
	ServerToClientKey nsdef.Key

	// Random makes each sealed token unique even when two tokens agree on
	// every other field.
	Random nsdef.Key
}

// ChallengeToken is the plaintext form of the credential the server sends
// back in a connection challenge. The client echoes the sealed form
// verbatim; only the server can open it.
type ChallengeToken struct {
	ClientID      uint64
	ClientAddress netip.AddrPort
	ServerAddress netip.AddrPort

	// ConnectTokenMac ties this challenge to one specific connect token
	// ciphertext.
	ConnectTokenMac [nsdef.MacBytes]byte

	ClientToServerKey nsdef.Key
	ServerToClientKey nsdef.Key

	Random nsdef.Key
}

// GenerateConnectToken mints a fresh connect token for clientID, valid on
// the given server addresses until expiry (absolute seconds since epoch).
// The two channel keys and the uniqueness entropy are drawn from
// crypto/rand.
func GenerateConnectToken(clientID uint64, serverAddresses []netip.AddrPort, protocolID uint32, expiry uint64) (*ConnectToken, error) {
	if len(serverAddresses) == 0 {
		return nil, ErrNoServerAddresses
	}
	if len(serverAddresses) > nsdef.MaxServersPerConnectToken {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyServerAddresses, len(serverAddresses), nsdef.MaxServersPerConnectToken)
	}

	t := &ConnectToken{
		ProtocolID:      protocolID,
		ClientID:        clientID,
		ExpiryTimestamp: expiry,
		ServerAddresses: append([]netip.AddrPort(nil), serverAddresses...),
	}
	if err := GenerateKey(&t.ClientToServerKey); err != nil {
		return nil, err
	}
	if err := GenerateKey(&t.ServerToClientKey); err != nil {
		return nil, err
	}
	if err := GenerateKey(&t.Random); err != nil {
		return nil, err
	}
	return t, nil
}

// GenerateChallengeToken binds a freshly validated connect token to the
// address the request arrived from. The channel keys are copied through so
// they survive to slot allocation even though the server keeps no state
// between request and response.
func GenerateChallengeToken(connect *ConnectToken, clientAddress, serverAddress netip.AddrPort, connectTokenMac []byte) (*ChallengeToken, error) {
	if connect.ClientID == 0 {
		return nil, ErrZeroClientID
	}
	if !clientAddress.IsValid() {
		return nil, ErrInvalidClientAddress
	}

	t := &ChallengeToken{
		ClientID:          connect.ClientID,
		ClientAddress:     clientAddress,
		ServerAddress:     serverAddress,
		ClientToServerKey: connect.ClientToServerKey,
		ServerToClientKey: connect.ServerToClientKey,
	}
	copy(t.ConnectTokenMac[:], connectTokenMac)
	if err := GenerateKey(&t.Random); err != nil {
		return nil, err
	}
	return t, nil
}
