package transport

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/netseal/netseal/nsdef"
)

// maxDatagramBytes comfortably holds the largest frame (a connection
// request) with codec overhead.
const maxDatagramBytes = 1500

// defaultQueueSize bounds the inbound packet queue. The queue is the only
// edge between the socket reader goroutine and the single-threaded engine;
// overflow drops packets, which the handshake cadence absorbs like any
// other loss.
const defaultQueueSize = 256

// UDPOpt configures a UDP transport.
type UDPOpt struct {
	// ListenAddr is the local address to bind. Use port 0 for an
	// ephemeral client port.
	ListenAddr netip.AddrPort

	// QueueSize bounds the inbound queue. Defaults to defaultQueueSize.
	QueueSize int

	// Observer receives log lines for undecodable datagrams. May be nil.
	Observer nsdef.Observer
}

type received struct {
	packet nsdef.Packet
	from   netip.AddrPort
}

// UDPTransport carries netseal packets over a UDP socket. Sends are
// written to the socket immediately; WritePackets is a no-op kept for the
// Transport contract.
type UDPTransport struct {
	conn     *net.UDPConn
	codec    *codec
	observer nsdef.Observer
	queue    chan received
	done     chan struct{}
}

var _ nsdef.Transport = (*UDPTransport)(nil)

// ListenUDP binds a socket and starts the reader.
func ListenUDP(opt UDPOpt) (*UDPTransport, error) {
	if opt.QueueSize <= 0 {
		opt.QueueSize = defaultQueueSize
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(opt.ListenAddr))
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}

	t := &UDPTransport{
		conn:     conn,
		codec:    newCodec(),
		observer: opt.Observer,
		queue:    make(chan received, opt.QueueSize),
		done:     make(chan struct{}),
	}
	if t.observer == nil {
		t.observer = nopObserver{}
	}
	go t.readLoop()
	return t, nil
}

// LocalAddr returns the bound address, with the ephemeral port resolved.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close stops the reader and closes the socket.
func (t *UDPTransport) Close() error {
	close(t.done)
	return t.conn.Close()
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.observer.Logf("transport: read: %v", err)
			return
		}

		packet, err := t.codec.decode(from, buf[:n])
		if err != nil {
			t.observer.Logf("transport: dropped datagram from %s: %v", from, err)
			continue
		}

		select {
		case t.queue <- received{packet: packet, from: from}:
		default:
			t.observer.Logf("transport: inbound queue full, dropped %s from %s", packet.Kind(), from)
		}
	}
}

func (t *UDPTransport) ReceivePacket() (nsdef.Packet, netip.AddrPort) {
	select {
	case in := <-t.queue:
		return in.packet, in.from
	default:
		return nil, netip.AddrPort{}
	}
}

func (t *UDPTransport) SendPacket(to netip.AddrPort, p nsdef.Packet) {
	frame, err := t.codec.encode(to, p)
	if err != nil {
		t.observer.Logf("transport: cannot send %s to %s: %v", p.Kind(), to, err)
		return
	}
	if _, err := t.conn.WriteToUDPAddrPort(frame, to); err != nil {
		t.observer.Logf("transport: send to %s: %v", to, err)
	}
}

func (t *UDPTransport) CreatePacket(kind nsdef.PacketKind) nsdef.Packet {
	return nsdef.NewPacket(kind)
}

func (t *UDPTransport) DestroyPacket(p nsdef.Packet) {
	// Scrub token payloads before the packet goes back to the allocator.
	switch v := p.(type) {
	case *nsdef.ConnectionRequest:
		*v = nsdef.ConnectionRequest{}
	case *nsdef.ConnectionChallenge:
		*v = nsdef.ConnectionChallenge{}
	case *nsdef.ConnectionResponse:
		*v = nsdef.ConnectionResponse{}
	}
}

func (t *UDPTransport) AddEncryptionMapping(addr netip.AddrPort, receiveKey, sendKey []byte) bool {
	return t.codec.addMapping(addr, receiveKey, sendKey)
}

func (t *UDPTransport) ResetEncryptionMappings() {
	t.codec.resetMappings()
}

// WritePackets is a no-op: sends go straight to the socket.
func (t *UDPTransport) WritePackets(float64) {}

type nopObserver struct{}

func (nopObserver) Logf(string, ...any) {}
