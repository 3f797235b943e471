package channel

import "fmt"

// State is the handshake progress of a channel session.
type State uint8

const (
	// StateAwaitingM1 is the listener state and the initial responder state
	StateAwaitingM1 State = iota

	// StateAwaitingM2 is the initiator state after sending M1
	StateAwaitingM2

	// StateAwaitingM3 is the responder state after sending M2
	StateAwaitingM3

	// StateEstablished means transport keys are split and payloads flow
	StateEstablished

	// StateFailed means the handshake was abandoned and the session retired
	StateFailed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateAwaitingM1:
		return "awaiting-m1"
	case StateAwaitingM2:
		return "awaiting-m2"
	case StateAwaitingM3:
		return "awaiting-m3"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
