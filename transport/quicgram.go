package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/netseal/netseal/nsdef"
)

// quicALPN is the ALPN tag for netseal-over-QUIC-datagrams.
const quicALPN = "netseal/1"

// quicDialTimeout bounds the on-demand dial performed by the first send to
// a new peer.
const quicDialTimeout = 5 * time.Second

// QuicOpt configures a QUIC datagram transport.
type QuicOpt struct {
	// ListenAddr is the local UDP address to bind. Use port 0 for an
	// ephemeral client port.
	ListenAddr netip.AddrPort

	// Accept enables the server role: inbound QUIC connections are
	// accepted and their datagrams surface through ReceivePacket. A pure
	// client leaves it false and only dials.
	Accept bool

	// QueueSize bounds the inbound queue. Defaults to defaultQueueSize.
	QueueSize int

	// Observer receives log lines. May be nil.
	Observer nsdef.Observer
}

// QuicTransport carries netseal packets as unreliable QUIC datagrams. It
// exists for deployments where middleboxes drop or throttle unrecognized
// UDP: QUIC traffic passes where a bespoke protocol does not. The QUIC
// layer contributes transport encryption only; session authentication still
// comes entirely from the token handshake, which is why the TLS identity
// here is a throwaway self-signed certificate and clients do not verify it.
type QuicTransport struct {
	codec    *codec
	observer nsdef.Observer
	queue    chan received

	udpConn   *net.UDPConn
	quicLayer *quic.Transport
	listener  *quic.Listener
	tlsConf   *tls.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[netip.AddrPort]*quic.Conn
}

var _ nsdef.Transport = (*QuicTransport)(nil)

// ListenQUIC binds a UDP socket and, when opt.Accept is set, starts
// accepting inbound QUIC connections on it.
func ListenQUIC(opt QuicOpt) (*QuicTransport, error) {
	if opt.QueueSize <= 0 {
		opt.QueueSize = defaultQueueSize
	}

	udpConn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(opt.ListenAddr))
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}

	tlsConf, err := ephemeralTLSConfig()
	if err != nil {
		udpConn.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &QuicTransport{
		codec:     newCodec(),
		observer:  opt.Observer,
		queue:     make(chan received, opt.QueueSize),
		udpConn:   udpConn,
		quicLayer: &quic.Transport{Conn: udpConn},
		tlsConf:   tlsConf,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[netip.AddrPort]*quic.Conn),
	}
	if t.observer == nil {
		t.observer = nopObserver{}
	}

	if opt.Accept {
		listener, err := t.quicLayer.Listen(tlsConf, &quic.Config{EnableDatagrams: true})
		if err != nil {
			cancel()
			udpConn.Close()
			return nil, fmt.Errorf("transport: listen quic: %w", err)
		}
		t.listener = listener
		t.wg.Add(1)
		go t.acceptLoop()
	}

	return t, nil
}

// LocalAddr returns the bound address, with the ephemeral port resolved.
func (t *QuicTransport) LocalAddr() netip.AddrPort {
	return t.udpConn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close tears down every connection and the socket.
func (t *QuicTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	for _, conn := range t.conns {
		conn.CloseWithError(0, "closing")
	}
	t.conns = make(map[netip.AddrPort]*quic.Conn)
	t.mu.Unlock()
	if t.listener != nil {
		t.listener.Close()
	}
	t.quicLayer.Close()
	err := t.udpConn.Close()
	t.wg.Wait()
	return err
}

func (t *QuicTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			return
		}
		t.adoptConn(conn)
	}
}

// adoptConn registers a connection for sending and starts draining its
// datagrams.
func (t *QuicTransport) adoptConn(conn *quic.Conn) netip.AddrPort {
	remote := conn.RemoteAddr().(*net.UDPAddr).AddrPort()

	t.mu.Lock()
	t.conns[remote] = conn
	t.mu.Unlock()

	t.wg.Add(1)
	go t.datagramLoop(conn, remote)
	return remote
}

func (t *QuicTransport) datagramLoop(conn *quic.Conn, remote netip.AddrPort) {
	defer t.wg.Done()
	for {
		frame, err := conn.ReceiveDatagram(t.ctx)
		if err != nil {
			t.mu.Lock()
			if t.conns[remote] == conn {
				delete(t.conns, remote)
			}
			t.mu.Unlock()
			return
		}

		packet, err := t.codec.decode(remote, frame)
		if err != nil {
			t.observer.Logf("transport: dropped datagram from %s: %v", remote, err)
			continue
		}

		select {
		case t.queue <- received{packet: packet, from: remote}:
		default:
			t.observer.Logf("transport: inbound queue full, dropped %s from %s", packet.Kind(), remote)
		}
	}
}

// getConn returns the connection for addr, dialing on demand.
func (t *QuicTransport) getConn(addr netip.AddrPort) (*quic.Conn, error) {
	t.mu.Lock()
	conn := t.conns[addr]
	t.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(t.ctx, quicDialTimeout)
	defer cancel()

	clientTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}
	conn, err := t.quicLayer.Dial(dialCtx, net.UDPAddrFromAddrPort(addr), clientTLS, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	t.adoptConn(conn)
	return conn, nil
}

func (t *QuicTransport) ReceivePacket() (nsdef.Packet, netip.AddrPort) {
	select {
	case in := <-t.queue:
		return in.packet, in.from
	default:
		return nil, netip.AddrPort{}
	}
}

func (t *QuicTransport) SendPacket(to netip.AddrPort, p nsdef.Packet) {
	frame, err := t.codec.encode(to, p)
	if err != nil {
		t.observer.Logf("transport: cannot send %s to %s: %v", p.Kind(), to, err)
		return
	}
	conn, err := t.getConn(to)
	if err != nil {
		t.observer.Logf("transport: %v", err)
		return
	}
	if err := conn.SendDatagram(frame); err != nil {
		t.observer.Logf("transport: send datagram to %s: %v", to, err)
	}
}

func (t *QuicTransport) CreatePacket(kind nsdef.PacketKind) nsdef.Packet {
	return nsdef.NewPacket(kind)
}

func (t *QuicTransport) DestroyPacket(p nsdef.Packet) {
	switch v := p.(type) {
	case *nsdef.ConnectionRequest:
		*v = nsdef.ConnectionRequest{}
	case *nsdef.ConnectionChallenge:
		*v = nsdef.ConnectionChallenge{}
	case *nsdef.ConnectionResponse:
		*v = nsdef.ConnectionResponse{}
	}
}

func (t *QuicTransport) AddEncryptionMapping(addr netip.AddrPort, receiveKey, sendKey []byte) bool {
	return t.codec.addMapping(addr, receiveKey, sendKey)
}

func (t *QuicTransport) ResetEncryptionMappings() {
	t.codec.resetMappings()
}

// WritePackets is a no-op: datagrams go straight to the connection.
func (t *QuicTransport) WritePackets(float64) {}

// ephemeralTLSConfig builds a throwaway self-signed server identity. The
// certificate authenticates nothing; see the QuicTransport doc comment.
func ephemeralTLSConfig() (*tls.Config, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generate tls key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "netseal"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, fmt.Errorf("transport: create tls certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certBytes},
			PrivateKey:  privKey,
		}},
		NextProtos: []string{quicALPN},
	}, nil
}
