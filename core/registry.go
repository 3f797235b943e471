package core

import (
	"context"

	"go.uber.org/zap"
)

// Registry owns the set of live workers. Registrations are staged and
// applied as one batch at the cycle boundary so that iteration over the live
// set is never mutated mid-cycle.
type Registry struct {
	router *Router

	// Live workers and the order they were first registered in
	workers map[Address]*Worker
	order   []Address

	// Registrations and removals waiting for the next Apply
	staged   *Queue[WorkerRegistration]
	retiring *Queue[Address]

	// Log worker errors and carry on instead of failing the pass
	isolate bool

	log *zap.Logger
}

// NewRegistry creates a registry that binds worker handlers into router.
func NewRegistry(router *Router, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		router:   router,
		workers:  make(map[Address]*Worker),
		staged:   NewQueue[WorkerRegistration](),
		retiring: NewQueue[Address](),
		log:      log,
	}
}

// SetErrorIsolation makes Deliver and Poll log a failing worker and move on
// to the next one instead of returning the error.
func (r *Registry) SetErrorIsolation(on bool) {
	r.isolate = on
}

// Stage queues registrations for the next Apply.
func (r *Registry) Stage(regs ...WorkerRegistration) {
	r.staged.PushAll(regs...)
}

// Staged returns the number of registrations waiting for Apply.
func (r *Registry) Staged() int {
	return r.staged.Len()
}

// Retire queues workers for removal at the next Apply.
func (r *Registry) Retire(addrs ...Address) {
	r.retiring.PushAll(addrs...)
}

// Apply retires stopped workers and those queued by Retire, then applies
// every staged registration in order. A registration for a live address
// rebinds its capabilities; the worker keeps its mailbox and its place in
// the poll order. Returns the number of registrations applied.
func (r *Registry) Apply() int {
	for _, addr := range r.snapshot() {
		if w := r.workers[addr]; w != nil && w.Stopped() {
			r.log.Debug("retiring stopped worker", zap.Stringer("address", addr))
			r.Remove(addr)
		}
	}
	r.retiring.Drain(func(addr Address) {
		if r.Remove(addr) {
			r.log.Debug("retired worker", zap.Stringer("address", addr))
		}
	})

	n := 0
	r.staged.Drain(func(reg WorkerRegistration) {
		n++
		w, exists := r.workers[reg.Address]
		if exists {
			w.update(reg)
		} else {
			w = NewWorker(reg)
			r.workers[reg.Address] = w
			r.order = append(r.order, reg.Address)
		}
		if w.CanHandle() {
			r.router.Register(reg.Address, w)
		}
		r.log.Debug("registered worker",
			zap.Stringer("address", reg.Address),
			zap.Bool("replaced", exists),
			zap.Bool("handler", w.CanHandle()),
			zap.Bool("poller", w.CanPoll()))
	})
	return n
}

// Remove drops a worker from the live set and the router. Pending mailbox
// and outbox contents are discarded.
func (r *Registry) Remove(addr Address) bool {
	if _, ok := r.workers[addr]; !ok {
		return false
	}
	delete(r.workers, addr)
	for i, a := range r.order {
		if a == addr {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.router.Unregister(addr)
	return true
}

// Lookup finds a live worker.
func (r *Registry) Lookup(addr Address) (*Worker, bool) {
	w, ok := r.workers[addr]
	return w, ok
}

// Len returns the number of live workers.
func (r *Registry) Len() int {
	return len(r.workers)
}

// Send puts msg in the mailbox of the worker at addr.
func (r *Registry) Send(addr Address, msg *Message) error {
	w, ok := r.workers[addr]
	if !ok || !w.CanHandle() {
		return noHandler(addr)
	}
	w.Send(msg)
	return nil
}

// Deliver drains every worker's mailbox in registration order.
func (r *Registry) Deliver(ctx context.Context) (Result, error) {
	out := Continue()
	for _, addr := range r.snapshot() {
		w := r.workers[addr]
		res, err := w.Deliver(ctx)
		if err != nil {
			if !r.isolate {
				return out, err
			}
			r.log.Warn("dropping failed delivery", zap.Stringer("address", addr), zap.Error(err))
		}
		out = out.Merge(res)
		if !res.KeepGoing {
			return out, nil
		}
	}
	return out, nil
}

// Poll polls every poll-capable worker in registration order. The first
// worker asking to stop ends the pass.
func (r *Registry) Poll(ctx context.Context) (Result, error) {
	out := Continue()
	for _, addr := range r.snapshot() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		w := r.workers[addr]
		if !w.CanPoll() {
			continue
		}
		res, err := w.Poll(ctx)
		if err != nil {
			if !r.isolate {
				return out, err
			}
			r.log.Warn("poll failed", zap.Stringer("address", addr), zap.Error(err))
			continue
		}
		out = out.Merge(res)
		if !res.KeepGoing {
			r.log.Debug("worker asked to stop", zap.Stringer("address", addr))
			return out, nil
		}
	}
	return out, nil
}

// Collect drains every outbox in registration order.
func (r *Registry) Collect() []*Message {
	var msgs []*Message
	for _, addr := range r.order {
		msgs = append(msgs, r.workers[addr].TakeOutbox()...)
	}
	return msgs
}

// Stats returns statistics for all live workers in registration order.
func (r *Registry) Stats() []WorkerStats {
	stats := make([]WorkerStats, 0, len(r.order))
	for _, addr := range r.order {
		stats = append(stats, r.workers[addr].Stats())
	}
	return stats
}

func (r *Registry) snapshot() []Address {
	out := make([]Address, len(r.order))
	copy(out, r.order)
	return out
}
