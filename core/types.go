package core

import (
	"fmt"
	"time"
)

// MaxFrameSize is the largest message body a transport frame can carry.
const MaxFrameSize = 65535

// MessageType defines the type of message being sent.
type MessageType uint8

// Message types. The key agreement types carry the three messages of the
// secure channel handshake.
const (
	// MessageTypePayload for application data
	MessageTypePayload MessageType = iota

	// MessageTypeKeyAgreementM1 for the first handshake message (-> e)
	MessageTypeKeyAgreementM1

	// MessageTypeKeyAgreementM2 for the second handshake message (<- e, ee, s, es)
	MessageTypeKeyAgreementM2

	// MessageTypeKeyAgreementM3 for the third handshake message (-> s, se)
	MessageTypeKeyAgreementM3

	// MessageTypeControl for node control messages
	MessageTypeControl
)

// String returns the string representation of MessageType.
func (t MessageType) String() string {
	switch t {
	case MessageTypePayload:
		return "payload"
	case MessageTypeKeyAgreementM1:
		return "m1"
	case MessageTypeKeyAgreementM2:
		return "m2"
	case MessageTypeKeyAgreementM3:
		return "m3"
	case MessageTypeControl:
		return "control"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// IsValid reports whether t is a known message type.
func (t MessageType) IsValid() bool {
	return t <= MessageTypeControl
}

// Message is the envelope routed between workers.
type Message struct {
	// Type indicates the message category
	Type MessageType

	// OnwardRoute holds the remaining hops
	OnwardRoute Route

	// ReturnRoute is how a reply finds its way back
	ReturnRoute Route

	// Body contains the actual message payload
	Body []byte

	// Hop is the address the router consumed to dispatch this message.
	// Local only, never serialized.
	Hop Address
}

// NewMessage creates a payload message for the given onward route.
func NewMessage(body []byte, onward ...Address) *Message {
	return &Message{
		Type:        MessageTypePayload,
		OnwardRoute: NewRoute(onward...),
		Body:        body,
	}
}

// Validate checks the frame size invariant and the message type.
func (m *Message) Validate() error {
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid message type %d", uint8(m.Type))
	}
	if len(m.Body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(m.Body), MaxFrameSize)
	}
	return nil
}

// Reply builds a message addressed along m's return route.
func (m *Message) Reply(body []byte, from ...Address) *Message {
	return &Message{
		Type:        MessageTypePayload,
		OnwardRoute: m.ReturnRoute.Clone(),
		ReturnRoute: NewRoute(from...),
		Body:        body,
	}
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := &Message{
		Type:        m.Type,
		OnwardRoute: m.OnwardRoute.Clone(),
		ReturnRoute: m.ReturnRoute.Clone(),
		Hop:         m.Hop,
	}
	if m.Body != nil {
		clone.Body = make([]byte, len(m.Body))
		copy(clone.Body, m.Body)
	}
	return clone
}

// String is used in log output.
func (m *Message) String() string {
	return fmt.Sprintf("%s onward=%s return=%s len=%d", m.Type, m.OnwardRoute, m.ReturnRoute, len(m.Body))
}

// WorkerRegistration asks the node to register a new worker. It is consumed
// at the next cycle boundary.
type WorkerRegistration struct {
	Address Address
	Handler MessageHandler
	Poller  Poller
}

// Result is what every handler and poller returns: whether the node should
// keep going, plus new messages and registrations for the next cycle.
// Removals name workers to drop at the cycle boundary, before the
// registrations are applied.
type Result struct {
	KeepGoing     bool
	Messages      []*Message
	Registrations []WorkerRegistration
	Removals      []Address
}

// Continue returns an empty Result that keeps the node running.
func Continue() Result {
	return Result{KeepGoing: true}
}

// Stop returns an empty Result that stops the node.
func Stop() Result {
	return Result{}
}

// Send appends messages and returns the result for chaining.
func (r Result) Send(msgs ...*Message) Result {
	r.Messages = append(r.Messages, msgs...)
	return r
}

// Spawn appends registrations and returns the result for chaining.
func (r Result) Spawn(regs ...WorkerRegistration) Result {
	r.Registrations = append(r.Registrations, regs...)
	return r
}

// Retire appends addresses to remove and returns the result for chaining.
func (r Result) Retire(addrs ...Address) Result {
	r.Removals = append(r.Removals, addrs...)
	return r
}

// Merge folds other into r. KeepGoing becomes false if either is false.
func (r Result) Merge(other Result) Result {
	r.KeepGoing = r.KeepGoing && other.KeepGoing
	r.Messages = append(r.Messages, other.Messages...)
	r.Registrations = append(r.Registrations, other.Registrations...)
	r.Removals = append(r.Removals, other.Removals...)
	return r
}

// WorkerState represents the current state of a Worker.
type WorkerState uint8

const (
	// WorkerStateIdle means the Worker is waiting for messages
	WorkerStateIdle WorkerState = iota

	// WorkerStateRunning means the Worker is processing a message
	WorkerStateRunning

	// WorkerStateStopped means the Worker asked the node to stop
	WorkerStateStopped
)

// String returns the string representation of WorkerState.
func (s WorkerState) String() string {
	switch s {
	case WorkerStateIdle:
		return "idle"
	case WorkerStateRunning:
		return "running"
	case WorkerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerStats contains runtime statistics for a Worker.
type WorkerStats struct {
	// Address of the Worker
	Address Address

	// Current state
	State WorkerState

	// Total messages processed
	MessagesProcessed uint64

	// Total polls
	Polls uint64

	// Messages currently in mailbox
	MailboxSize int

	// Messages currently in outbox
	OutboxSize int

	// Time when Worker was created
	CreatedAt time.Time

	// Last message processing time
	LastMessageAt time.Time
}
