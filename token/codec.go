package token

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/fxamacker/cbor/v2"

	"github.com/netseal/netseal/nsdef"
)

// The canonical encoding is CBOR with integer keys, zero padded to the
// envelope's plaintext size. Decoding reads a single CBOR item and ignores
// the pad, so the round trip holds for every well-formed token regardless of
// how much of the envelope it fills.

type connectTokenWire struct {
	ProtocolID      uint32   `cbor:"1,keyasint"`
	ClientID        uint64   `cbor:"2,keyasint"`
	ExpiryTimestamp uint64   `cbor:"3,keyasint"`
	ServerAddresses [][]byte `cbor:"4,keyasint"`
	ClientToServer  []byte   `cbor:"5,keyasint"`
	ServerToClient  []byte   `cbor:"6,keyasint"`
	Random          []byte   `cbor:"7,keyasint"`
}

type challengeTokenWire struct {
	ClientID        uint64 `cbor:"1,keyasint"`
	ClientAddress   []byte `cbor:"2,keyasint"`
	ServerAddress   []byte `cbor:"3,keyasint"`
	ConnectTokenMac []byte `cbor:"4,keyasint"`
	ClientToServer  []byte `cbor:"5,keyasint"`
	ServerToClient  []byte `cbor:"6,keyasint"`
	Random          []byte `cbor:"7,keyasint"`
}

func marshalPadded(v any, size int) ([]byte, error) {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(raw) > size {
		return nil, fmt.Errorf("%w: %d > %d", ErrTokenTooLarge, len(raw), size)
	}
	padded := make([]byte, size)
	copy(padded, raw)
	return padded, nil
}

func unmarshalPadded(data []byte, v any) error {
	return cbor.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func addrToWire(a netip.AddrPort) ([]byte, error) {
	return a.MarshalBinary()
}

func addrFromWire(b []byte) (netip.AddrPort, error) {
	var a netip.AddrPort
	if err := a.UnmarshalBinary(b); err != nil {
		return netip.AddrPort{}, err
	}
	return a, nil
}

func (t *ConnectToken) marshal() ([]byte, error) {
	w := connectTokenWire{
		ProtocolID:      t.ProtocolID,
		ClientID:        t.ClientID,
		ExpiryTimestamp: t.ExpiryTimestamp,
		ClientToServer:  t.ClientToServerKey[:],
		ServerToClient:  t.ServerToClientKey[:],
		Random:          t.Random[:],
	}
	for _, a := range t.ServerAddresses {
		b, err := addrToWire(a)
		if err != nil {
			return nil, err
		}
		w.ServerAddresses = append(w.ServerAddresses, b)
	}
	return marshalPadded(w, nsdef.ConnectTokenBytes-nsdef.AuthBytes)
}

func (t *ConnectToken) unmarshal(data []byte) error {
	var w connectTokenWire
	if err := unmarshalPadded(data, &w); err != nil {
		return err
	}
	if len(w.ServerAddresses) == 0 {
		return ErrNoServerAddresses
	}
	if len(w.ServerAddresses) > nsdef.MaxServersPerConnectToken {
		return ErrTooManyServerAddresses
	}
	if len(w.ClientToServer) != nsdef.KeyBytes || len(w.ServerToClient) != nsdef.KeyBytes || len(w.Random) != nsdef.KeyBytes {
		return fmt.Errorf("token: bad key length in connect token")
	}

	t.ProtocolID = w.ProtocolID
	t.ClientID = w.ClientID
	t.ExpiryTimestamp = w.ExpiryTimestamp
	t.ServerAddresses = t.ServerAddresses[:0]
	for _, b := range w.ServerAddresses {
		a, err := addrFromWire(b)
		if err != nil {
			return err
		}
		t.ServerAddresses = append(t.ServerAddresses, a)
	}
	copy(t.ClientToServerKey[:], w.ClientToServer)
	copy(t.ServerToClientKey[:], w.ServerToClient)
	copy(t.Random[:], w.Random)
	return nil
}

func (t *ChallengeToken) marshal() ([]byte, error) {
	clientAddr, err := addrToWire(t.ClientAddress)
	if err != nil {
		return nil, err
	}
	serverAddr, err := addrToWire(t.ServerAddress)
	if err != nil {
		return nil, err
	}
	w := challengeTokenWire{
		ClientID:        t.ClientID,
		ClientAddress:   clientAddr,
		ServerAddress:   serverAddr,
		ConnectTokenMac: t.ConnectTokenMac[:],
		ClientToServer:  t.ClientToServerKey[:],
		ServerToClient:  t.ServerToClientKey[:],
		Random:          t.Random[:],
	}
	return marshalPadded(w, nsdef.ChallengeTokenBytes-nsdef.AuthBytes)
}

func (t *ChallengeToken) unmarshal(data []byte) error {
	var w challengeTokenWire
	if err := unmarshalPadded(data, &w); err != nil {
		return err
	}
	if len(w.ConnectTokenMac) != nsdef.MacBytes {
		return fmt.Errorf("token: bad mac length in challenge token")
	}
	if len(w.ClientToServer) != nsdef.KeyBytes || len(w.ServerToClient) != nsdef.KeyBytes || len(w.Random) != nsdef.KeyBytes {
		return fmt.Errorf("token: bad key length in challenge token")
	}

	t.ClientID = w.ClientID
	var err error
	if t.ClientAddress, err = addrFromWire(w.ClientAddress); err != nil {
		return err
	}
	if t.ServerAddress, err = addrFromWire(w.ServerAddress); err != nil {
		return err
	}
	copy(t.ConnectTokenMac[:], w.ConnectTokenMac)
	copy(t.ClientToServerKey[:], w.ClientToServer)
	copy(t.ServerToClientKey[:], w.ServerToClient)
	copy(t.Random[:], w.Random)
	return nil
}
