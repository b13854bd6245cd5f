package netseal

import "fmt"

// ClientState is the client connection lifecycle state.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateSendingConnectionRequest
	StateSendingChallengeResponse
	StateConnected

	// Terminal failure states. The client stays here until the next
	// Connect or Disconnect call.
	StateConnectionRequestTimedOut
	StateChallengeResponseTimedOut
	StateConnectionTimedOut
	StateConnectionDenied
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSendingConnectionRequest:
		return "sending connection request"
	case StateSendingChallengeResponse:
		return "sending challenge response"
	case StateConnected:
		return "connected"
	case StateConnectionRequestTimedOut:
		return "connection request timed out"
	case StateChallengeResponseTimedOut:
		return "challenge response timed out"
	case StateConnectionTimedOut:
		return "connection timed out"
	case StateConnectionDenied:
		return "connection denied"
	}
	return fmt.Sprintf("ClientState(%d)", int(s))
}

type clientTransition struct {
	from, to ClientState
}

// clientTransitions is the set of legal state changes. Disconnect resets to
// StateDisconnected from anywhere, so those edges are implicit.
var clientTransitions = map[clientTransition]bool{
	{StateDisconnected, StateSendingConnectionRequest}:              true,
	{StateSendingConnectionRequest, StateSendingChallengeResponse}:  true,
	{StateSendingConnectionRequest, StateConnectionDenied}:          true,
	{StateSendingConnectionRequest, StateConnectionRequestTimedOut}: true,
	{StateSendingChallengeResponse, StateConnected}:                 true,
	{StateSendingChallengeResponse, StateChallengeResponseTimedOut}: true,
	{StateConnected, StateConnectionTimedOut}:                       true,
}

// setState moves the client to a new state, panicking on a transition the
// table does not allow. An illegal transition is a programming error in the
// engine, never a remote-triggerable condition: every packet handler filters
// by state before calling setState.
func (c *Client) setState(to ClientState) {
	if to == StateDisconnected {
		c.state = to
		return
	}
	if !clientTransitions[clientTransition{c.state, to}] {
		panic(fmt.Sprintf("netseal: invalid client state transition: %s -> %s", c.state, to))
	}
	c.state = to
}
