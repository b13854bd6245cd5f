package netseal

import (
	"net/netip"
)

// clientSlot is one of MaxClients per-client records on the server. A free
// slot is entirely zero: connected false, client id 0, invalid address.
type clientSlot struct {
	connected bool
	clientID  uint64
	address   netip.AddrPort

	connectTime           float64
	lastPacketSendTime    float64
	lastPacketReceiveTime float64
}

func (s *Server) resetSlot(i int) {
	s.slots[i] = clientSlot{}
}

// findFreeSlot returns the first unoccupied slot index, or -1.
func (s *Server) findFreeSlot() int {
	for i := range s.slots {
		if !s.slots[i].connected {
			return i
		}
	}
	return -1
}

// findByAddress returns the first connected slot bound to address, or -1.
func (s *Server) findByAddress(address netip.AddrPort) int {
	for i := range s.slots {
		if s.slots[i].connected && s.slots[i].address == address {
			return i
		}
	}
	return -1
}

// findByAddressAndID returns the first connected slot bound to both address
// and clientID, or -1.
func (s *Server) findByAddressAndID(address netip.AddrPort, clientID uint64) int {
	for i := range s.slots {
		if s.slots[i].connected && s.slots[i].address == address && s.slots[i].clientID == clientID {
			return i
		}
	}
	return -1
}

// IsConnectedID reports whether any connected slot carries clientID.
func (s *Server) IsConnectedID(clientID uint64) bool {
	for i := range s.slots {
		if s.slots[i].connected && s.slots[i].clientID == clientID {
			return true
		}
	}
	return false
}

// IsConnected reports whether a connected slot is bound to both address and
// clientID.
func (s *Server) IsConnected(address netip.AddrPort, clientID uint64) bool {
	return s.findByAddressAndID(address, clientID) != -1
}
