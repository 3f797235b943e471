package core

import (
	"context"
	"fmt"
	"time"
)

// Worker is an addressable unit of application logic with a mailbox, an
// outbox, a message handler and optionally a poller.
//
// Messages reach a worker in two ways: dispatched by the Router, in which
// case the handler output goes straight back to the router, or queued in the
// mailbox and handed over by Deliver, in which case the output lands in the
// outbox until the registry collects it.
type Worker struct {
	address Address
	handler MessageHandler
	poller  Poller

	mailbox *Queue[*Message]
	outbox  *Queue[*Message]

	state             WorkerState
	messagesProcessed uint64
	polls             uint64
	createdAt         time.Time
	lastMessageAt     time.Time
}

// NewWorker creates a Worker from a registration.
func NewWorker(reg WorkerRegistration) *Worker {
	return &Worker{
		address:   reg.Address,
		handler:   reg.Handler,
		poller:    reg.Poller,
		mailbox:   NewAddressedQueue[*Message](reg.Address),
		outbox:    NewAddressedQueue[*Message](reg.Address),
		state:     WorkerStateIdle,
		createdAt: time.Now(),
	}
}

// Address returns the worker's address.
func (w *Worker) Address() Address {
	return w.address
}

// CanHandle reports whether the worker has a message handler.
func (w *Worker) CanHandle() bool {
	return w.handler != nil
}

// CanPoll reports whether the worker wants to be polled.
func (w *Worker) CanPoll() bool {
	return w.poller != nil
}

// Stopped reports whether the worker has asked the node to stop.
func (w *Worker) Stopped() bool {
	return w.state == WorkerStateStopped
}

// update rebinds the handler and poller after a re-registration. Nil
// capabilities in reg leave the existing ones in place.
func (w *Worker) update(reg WorkerRegistration) {
	if reg.Handler != nil {
		w.handler = reg.Handler
	}
	if reg.Poller != nil {
		w.poller = reg.Poller
	}
}

// Send puts msg in the worker's mailbox.
func (w *Worker) Send(msg *Message) {
	w.mailbox.Push(msg)
}

// ProcessMessage runs the handler on msg.
func (w *Worker) ProcessMessage(ctx context.Context, msg *Message) (Result, error) {
	if w.handler == nil {
		return Result{}, noHandler(w.address)
	}

	w.state = WorkerStateRunning
	w.messagesProcessed++
	w.lastMessageAt = time.Now()

	res, err := w.handler.ProcessMessage(ctx, msg)
	if err != nil {
		w.state = WorkerStateIdle
		return Result{}, fmt.Errorf("worker %s: %w", w.address, err)
	}
	w.settle(res)
	return res, nil
}

// Deliver drains the mailbox into the handler. Produced messages go to the
// outbox; registrations and removals are returned. Delivery stops at the
// first KeepGoing=false or error, leaving the rest of the mailbox for later.
func (w *Worker) Deliver(ctx context.Context) (Result, error) {
	out := Continue()
	for !w.mailbox.Empty() {
		msg, _ := w.mailbox.Pop()
		res, err := w.ProcessMessage(ctx, msg)
		if err != nil {
			return out, err
		}
		w.outbox.PushAll(res.Messages...)
		out = out.Spawn(res.Registrations...).Retire(res.Removals...)
		if !res.KeepGoing {
			out.KeepGoing = false
			return out, nil
		}
	}
	return out, nil
}

// Poll gives the worker its per-cycle execution opportunity. Produced
// messages go to the outbox.
func (w *Worker) Poll(ctx context.Context) (Result, error) {
	if w.poller == nil {
		return Continue(), nil
	}

	w.polls++
	res, err := w.poller.Poll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("worker %s poll: %w", w.address, err)
	}
	w.settle(res)
	w.outbox.PushAll(res.Messages...)
	return Result{KeepGoing: res.KeepGoing, Registrations: res.Registrations, Removals: res.Removals}, nil
}

// settle records the state the worker is left in after a call.
func (w *Worker) settle(res Result) {
	if !res.KeepGoing {
		w.state = WorkerStateStopped
		return
	}
	w.state = WorkerStateIdle
}

// TakeOutbox removes and returns everything in the outbox.
func (w *Worker) TakeOutbox() []*Message {
	return w.outbox.Take()
}

// Stats returns current runtime statistics for this Worker.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Address:           w.address,
		State:             w.state,
		MessagesProcessed: w.messagesProcessed,
		Polls:             w.polls,
		MailboxSize:       w.mailbox.Len(),
		OutboxSize:        w.outbox.Len(),
		CreatedAt:         w.createdAt,
		LastMessageAt:     w.lastMessageAt,
	}
}
