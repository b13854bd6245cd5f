// Package transport provides concrete datagram carriers for the netseal
// engines: a plain UDP transport and a QUIC datagram adapter for networks
// that mangle raw UDP. Both share the same frame codec and the same
// per-address encryption mappings installed by the engines during the
// handshake.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/netseal/netseal/nsdef"
	"github.com/netseal/netseal/token"
)

var (
	// ErrShortFrame is returned for datagrams too small to carry a frame.
	ErrShortFrame = errors.New("transport: short frame")

	// ErrUnknownKind is returned for frames with an unknown packet kind.
	ErrUnknownKind = errors.New("transport: unknown packet kind")

	// ErrNoMapping is returned when a sealed frame arrives from, or is
	// sent to, an address with no encryption mapping.
	ErrNoMapping = errors.New("transport: no encryption mapping")
)

// Frame layout. Connection requests travel in the clear (no keys exist for
// the peer yet): [kind:1][cbor body]. Every other kind is sealed with the
// per-address mapping: [kind:1][seq:8][AEAD(cbor body)]. The sequence
// number, zero-extended into the low bytes of the nonce, never repeats for
// a mapping's lifetime.
const (
	frameHeaderBytes       = 1
	sealedFrameHeaderBytes = 1 + 8
)

type connectionRequestWire struct {
	TokenData  []byte `cbor:"1,keyasint"`
	TokenNonce []byte `cbor:"2,keyasint"`
}

type challengeWire struct {
	TokenData  []byte `cbor:"1,keyasint"`
	TokenNonce []byte `cbor:"2,keyasint"`
}

type emptyWire struct{}

func marshalBody(p nsdef.Packet) ([]byte, error) {
	switch v := p.(type) {
	case *nsdef.ConnectionRequest:
		return cbor.Marshal(connectionRequestWire{
			TokenData:  v.ConnectTokenData[:],
			TokenNonce: v.ConnectTokenNonce[:],
		})
	case *nsdef.ConnectionChallenge:
		return cbor.Marshal(challengeWire{
			TokenData:  v.ChallengeTokenData[:],
			TokenNonce: v.ChallengeTokenNonce[:],
		})
	case *nsdef.ConnectionResponse:
		return cbor.Marshal(challengeWire{
			TokenData:  v.ChallengeTokenData[:],
			TokenNonce: v.ChallengeTokenNonce[:],
		})
	case *nsdef.ConnectionDenied, *nsdef.ConnectionHeartBeat, *nsdef.ConnectionDisconnect:
		return cbor.Marshal(emptyWire{})
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownKind, p)
}

func unmarshalBody(kind nsdef.PacketKind, body []byte) (nsdef.Packet, error) {
	switch kind {
	case nsdef.PacketConnectionRequest:
		var w connectionRequestWire
		if err := cbor.Unmarshal(body, &w); err != nil {
			return nil, err
		}
		if len(w.TokenData) != nsdef.ConnectTokenBytes || len(w.TokenNonce) != nsdef.NonceBytes {
			return nil, fmt.Errorf("transport: bad connection request size")
		}
		p := &nsdef.ConnectionRequest{}
		copy(p.ConnectTokenData[:], w.TokenData)
		copy(p.ConnectTokenNonce[:], w.TokenNonce)
		return p, nil

	case nsdef.PacketConnectionChallenge, nsdef.PacketConnectionResponse:
		var w challengeWire
		if err := cbor.Unmarshal(body, &w); err != nil {
			return nil, err
		}
		if len(w.TokenData) != nsdef.ChallengeTokenBytes || len(w.TokenNonce) != nsdef.NonceBytes {
			return nil, fmt.Errorf("transport: bad challenge size")
		}
		if kind == nsdef.PacketConnectionChallenge {
			p := &nsdef.ConnectionChallenge{}
			copy(p.ChallengeTokenData[:], w.TokenData)
			copy(p.ChallengeTokenNonce[:], w.TokenNonce)
			return p, nil
		}
		p := &nsdef.ConnectionResponse{}
		copy(p.ChallengeTokenData[:], w.TokenData)
		copy(p.ChallengeTokenNonce[:], w.TokenNonce)
		return p, nil

	case nsdef.PacketConnectionDenied:
		return &nsdef.ConnectionDenied{}, nil
	case nsdef.PacketConnectionHeartBeat:
		return &nsdef.ConnectionHeartBeat{}, nil
	case nsdef.PacketConnectionDisconnect:
		return &nsdef.ConnectionDisconnect{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
}

type mapping struct {
	receiveKey nsdef.Key
	sendKey    nsdef.Key
	sendSeq    uint64
}

// codec holds the per-address encryption mappings and turns packets into
// datagram frames and back. It is shared by the UDP and QUIC transports.
type codec struct {
	mu       sync.Mutex
	mappings map[netip.AddrPort]*mapping
}

func newCodec() *codec {
	return &codec{mappings: make(map[netip.AddrPort]*mapping)}
}

func (c *codec) addMapping(addr netip.AddrPort, receiveKey, sendKey []byte) bool {
	if len(receiveKey) != nsdef.KeyBytes || len(sendKey) != nsdef.KeyBytes {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := &mapping{}
	copy(m.receiveKey[:], receiveKey)
	copy(m.sendKey[:], sendKey)
	c.mappings[addr] = m
	return true
}

func (c *codec) resetMappings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mappings = make(map[netip.AddrPort]*mapping)
}

// encode turns a packet into the datagram to send to addr.
func (c *codec) encode(addr netip.AddrPort, p nsdef.Packet) ([]byte, error) {
	body, err := marshalBody(p)
	if err != nil {
		return nil, err
	}

	kind := p.Kind()
	if kind == nsdef.PacketConnectionRequest {
		frame := make([]byte, frameHeaderBytes+len(body))
		frame[0] = byte(kind)
		copy(frame[frameHeaderBytes:], body)
		return frame, nil
	}

	c.mu.Lock()
	m := c.mappings[addr]
	var seq uint64
	var key nsdef.Key
	if m != nil {
		m.sendSeq++
		seq = m.sendSeq
		key = m.sendKey
	}
	c.mu.Unlock()
	if m == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoMapping, addr)
	}

	var nonce nsdef.Nonce
	binary.LittleEndian.PutUint64(nonce[:8], seq)
	sealed, err := token.Seal(body, nil, &nonce, &key)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, sealedFrameHeaderBytes+len(sealed))
	frame[0] = byte(kind)
	binary.LittleEndian.PutUint64(frame[1:9], seq)
	copy(frame[sealedFrameHeaderBytes:], sealed)
	return frame, nil
}

// decode turns a received datagram from addr back into a packet.
func (c *codec) decode(addr netip.AddrPort, frame []byte) (nsdef.Packet, error) {
	if len(frame) < frameHeaderBytes {
		return nil, ErrShortFrame
	}
	kind := nsdef.PacketKind(frame[0])

	if kind == nsdef.PacketConnectionRequest {
		return unmarshalBody(kind, frame[frameHeaderBytes:])
	}

	if len(frame) < sealedFrameHeaderBytes+nsdef.AuthBytes {
		return nil, ErrShortFrame
	}

	c.mu.Lock()
	m := c.mappings[addr]
	var key nsdef.Key
	if m != nil {
		key = m.receiveKey
	}
	c.mu.Unlock()
	if m == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoMapping, addr)
	}

	var nonce nsdef.Nonce
	binary.LittleEndian.PutUint64(nonce[:8], binary.LittleEndian.Uint64(frame[1:9]))
	body, err := token.Open(frame[sealedFrameHeaderBytes:], nil, &nonce, &key)
	if err != nil {
		return nil, err
	}
	return unmarshalBody(kind, body)
}
