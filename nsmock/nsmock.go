// Package nsmock provides in-memory test doubles for the netseal engines: a
// loopback packet network, transports with fault-injection knobs, and
// recorders for callbacks and observer output.
package nsmock

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/netseal/netseal/nsdef"
)

// Network is an in-memory packet switch. Each Transport attaches at an
// address; SendPacket on one transport enqueues a deep copy of the packet on
// the destination transport's inbound queue, preserving per-peer FIFO order.
type Network struct {
	mu    sync.Mutex
	nodes map[netip.AddrPort]*Transport
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[netip.AddrPort]*Transport)}
}

// Attach creates a transport bound to addr on this network.
func (n *Network) Attach(addr netip.AddrPort) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &Transport{network: n, addr: addr}
	n.nodes[addr] = t
	return t
}

// Detach removes the transport at addr; packets sent to it are dropped.
func (n *Network) Detach(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

func (n *Network) deliver(from, to netip.AddrPort, p nsdef.Packet) {
	n.mu.Lock()
	dst := n.nodes[to]
	n.mu.Unlock()
	if dst == nil {
		return
	}
	dst.enqueue(inbound{packet: clonePacket(p), from: from})
}

// clonePacket copies a packet so sender and receiver never share memory.
// All payload fields are fixed-size arrays, so a shallow struct copy is a
// deep copy.
func clonePacket(p nsdef.Packet) nsdef.Packet {
	switch v := p.(type) {
	case *nsdef.ConnectionRequest:
		c := *v
		return &c
	case *nsdef.ConnectionDenied:
		c := *v
		return &c
	case *nsdef.ConnectionChallenge:
		c := *v
		return &c
	case *nsdef.ConnectionResponse:
		c := *v
		return &c
	case *nsdef.ConnectionHeartBeat:
		c := *v
		return &c
	case *nsdef.ConnectionDisconnect:
		c := *v
		return &c
	}
	return nil
}

type inbound struct {
	packet nsdef.Packet
	from   netip.AddrPort
}

// Transport is an in-memory nsdef.Transport. The zero value is not usable;
// create one with Network.Attach.
//
// The fault-injection fields may be set between driver ticks:
// DropSends discards outbound packets, FailCreate makes CreatePacket return
// nil, FailAddMapping makes AddEncryptionMapping refuse.
type Transport struct {
	network *Network
	addr    netip.AddrPort

	mu    sync.Mutex
	queue []inbound

	DropSends      bool
	FailCreate     bool
	FailAddMapping bool

	// Events records the order of externally visible transport operations
	// ("send <kind>", "flush", "reset mappings", "add mapping <addr>") so
	// tests can assert ordering requirements such as flush-before-reset.
	Events []string

	mappings map[netip.AddrPort]mapping
}

type mapping struct {
	receiveKey [nsdef.KeyBytes]byte
	sendKey    [nsdef.KeyBytes]byte
}

var _ nsdef.Transport = (*Transport)(nil)

// Addr returns the address the transport is attached at.
func (t *Transport) Addr() netip.AddrPort { return t.addr }

func (t *Transport) enqueue(in inbound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, in)
}

func (t *Transport) ReceivePacket() (nsdef.Packet, netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil, netip.AddrPort{}
	}
	in := t.queue[0]
	t.queue = t.queue[1:]
	return in.packet, in.from
}

func (t *Transport) SendPacket(to netip.AddrPort, p nsdef.Packet) {
	t.record("send " + p.Kind().String())
	if t.DropSends {
		return
	}
	t.network.deliver(t.addr, to, p)
}

func (t *Transport) CreatePacket(kind nsdef.PacketKind) nsdef.Packet {
	if t.FailCreate {
		return nil
	}
	return nsdef.NewPacket(kind)
}

func (t *Transport) DestroyPacket(nsdef.Packet) {}

func (t *Transport) AddEncryptionMapping(addr netip.AddrPort, receiveKey, sendKey []byte) bool {
	if t.FailAddMapping {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mappings == nil {
		t.mappings = make(map[netip.AddrPort]mapping)
	}
	var m mapping
	copy(m.receiveKey[:], receiveKey)
	copy(m.sendKey[:], sendKey)
	t.mappings[addr] = m
	t.Events = append(t.Events, "add mapping "+addr.String())
	return true
}

func (t *Transport) ResetEncryptionMappings() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mappings = nil
	t.Events = append(t.Events, "reset mappings")
}

func (t *Transport) WritePackets(float64) {
	t.record("flush")
}

func (t *Transport) record(ev string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Events = append(t.Events, ev)
}

// HasMapping reports whether an encryption mapping is installed for addr.
func (t *Transport) HasMapping(addr netip.AddrPort) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.mappings[addr]
	return ok
}

// Pending returns the number of queued inbound packets.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// SentKinds returns the kinds of packets sent so far, in order.
func (t *Transport) SentKinds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var kinds []string
	for _, ev := range t.Events {
		if len(ev) > 5 && ev[:5] == "send " {
			kinds = append(kinds, ev[5:])
		}
	}
	return kinds
}

// CallbackRecorder is a netseal.Callbacks implementation that remembers
// every event it sees.
type CallbackRecorder struct {
	Connected    []int
	Disconnected []int
	TimedOut     []int
}

func (r *CallbackRecorder) OnClientConnect(i int)    { r.Connected = append(r.Connected, i) }
func (r *CallbackRecorder) OnClientDisconnect(i int) { r.Disconnected = append(r.Disconnected, i) }
func (r *CallbackRecorder) OnClientTimedOut(i int)   { r.TimedOut = append(r.TimedOut, i) }

// TestObserver forwards engine log lines to the test log.
type TestObserver struct {
	T *testing.T
}

func (o TestObserver) Logf(format string, args ...any) {
	o.T.Logf(format, args...)
}
