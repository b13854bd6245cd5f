package issuer

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/fxamacker/cbor/v2"

	"github.com/netseal/netseal/nsdef"
)

// ErrBadGrant is returned when grant bytes do not decode to a well-formed
// grant.
var ErrBadGrant = errors.New("issuer: malformed grant")

// grantWire is the serialized form of a Grant for out-of-band delivery to
// the client (a file, a matchmaker response body).
type grantWire struct {
	ClientID        uint64   `cbor:"1,keyasint"`
	ServerAddresses [][]byte `cbor:"2,keyasint"`
	Expiry          uint64   `cbor:"3,keyasint"`
	TokenData       []byte   `cbor:"4,keyasint"`
	TokenNonce      []byte   `cbor:"5,keyasint"`
	ClientToServer  []byte   `cbor:"6,keyasint"`
	ServerToClient  []byte   `cbor:"7,keyasint"`
	Fingerprint     string   `cbor:"8,keyasint"`
}

// MarshalBinary serializes the grant for delivery.
func (g *Grant) MarshalBinary() ([]byte, error) {
	w := grantWire{
		ClientID:       g.ClientID,
		Expiry:         g.Expiry,
		TokenData:      g.TokenData,
		TokenNonce:     g.TokenNonce[:],
		ClientToServer: g.ClientToServerKey[:],
		ServerToClient: g.ServerToClientKey[:],
		Fingerprint:    g.Fingerprint,
	}
	for _, a := range g.ServerAddresses {
		b, err := a.MarshalBinary()
		if err != nil {
			return nil, err
		}
		w.ServerAddresses = append(w.ServerAddresses, b)
	}
	return cbor.Marshal(w)
}

// UnmarshalBinary reverses MarshalBinary.
func (g *Grant) UnmarshalBinary(data []byte) error {
	var w grantWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrBadGrant, err)
	}
	if len(w.TokenData) != nsdef.ConnectTokenBytes ||
		len(w.TokenNonce) != nsdef.NonceBytes ||
		len(w.ClientToServer) != nsdef.KeyBytes ||
		len(w.ServerToClient) != nsdef.KeyBytes ||
		len(w.ServerAddresses) == 0 {
		return ErrBadGrant
	}

	g.ClientID = w.ClientID
	g.Expiry = w.Expiry
	g.TokenData = w.TokenData
	copy(g.TokenNonce[:], w.TokenNonce)
	copy(g.ClientToServerKey[:], w.ClientToServer)
	copy(g.ServerToClientKey[:], w.ServerToClient)
	g.Fingerprint = w.Fingerprint
	g.ServerAddresses = g.ServerAddresses[:0]
	for _, b := range w.ServerAddresses {
		var a netip.AddrPort
		if err := a.UnmarshalBinary(b); err != nil {
			return fmt.Errorf("%w: %v", ErrBadGrant, err)
		}
		g.ServerAddresses = append(g.ServerAddresses, a)
	}
	return nil
}
