package core

import (
	"context"
)

// MessageHandler processes messages addressed to a worker.
//
// The router strips the worker's own address before calling it, so
// msg.OnwardRoute starts at the next hop. Messages and registrations in the
// Result are applied at the next cycle boundary, never within the current one.
type MessageHandler interface {
	ProcessMessage(ctx context.Context, msg *Message) (Result, error)
}

// Poller is implemented by workers that want cpu time once per cycle.
type Poller interface {
	Poll(ctx context.Context) (Result, error)
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, msg *Message) (Result, error)

// ProcessMessage calls f(ctx, msg).
func (f HandlerFunc) ProcessMessage(ctx context.Context, msg *Message) (Result, error) {
	return f(ctx, msg)
}

// PollerFunc adapts a function to Poller.
type PollerFunc func(ctx context.Context) (Result, error)

// Poll calls f(ctx).
func (f PollerFunc) Poll(ctx context.Context) (Result, error) {
	return f(ctx)
}

// Registrar is the part of a node that handlers may hold on to for registering
// workers outside of a Result, e.g. from a launcher before Run.
type Registrar interface {
	Register(reg WorkerRegistration)
	Send(msgs ...*Message)
}
