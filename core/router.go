package core

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Router owns the dispatch table and the pending message queue. It is
// driven by the node's scheduling goroutine and is not safe for concurrent use.
type Router struct {
	// Map of address to handler
	handlers map[Address]MessageHandler

	// Messages waiting for the next Poll
	pending *Queue[*Message]

	// Well-known transport router address per transport address kind
	transports map[AddressKind]Address

	// Substituted for an empty onward route when set
	fallback *Address

	// Log and drop failing messages instead of aborting the cycle
	isolate bool

	log *zap.Logger

	dispatched uint64
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the router's logger.
func WithLogger(log *zap.Logger) RouterOption {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithFallbackAddress restores the legacy empty-route behavior: a message
// with no onward route is sent to addr instead of failing with
// ErrNoRouteSupplied.
func WithFallbackAddress(addr Address) RouterOption {
	return func(r *Router) {
		r.fallback = &addr
	}
}

// WithErrorIsolation makes a failing message non-fatal: the error is logged,
// the message is dropped and the cycle goes on.
func WithErrorIsolation(on bool) RouterOption {
	return func(r *Router) {
		r.isolate = on
	}
}

// WithTransportAddress sets the well-known handler address that owns all
// addresses of the given transport kind.
func WithTransportAddress(kind AddressKind, addr Address) RouterOption {
	return func(r *Router) {
		r.transports[kind] = addr
	}
}

// NewRouter creates a new Router instance.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		handlers: make(map[Address]MessageHandler),
		pending:  NewQueue[*Message](),
		transports: map[AddressKind]Address{
			AddressKindTCP: TCPTransportAddress,
			AddressKindUDP: UDPTransportAddress,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds handler to addr, replacing any previous binding.
func (r *Router) Register(addr Address, handler MessageHandler) {
	if _, exists := r.handlers[addr]; exists {
		r.log.Debug("replacing handler", zap.Stringer("address", addr))
	}
	r.handlers[addr] = handler
}

// Unregister removes the handler bound to addr and reports whether there was one.
func (r *Router) Unregister(addr Address) bool {
	if _, exists := r.handlers[addr]; !exists {
		return false
	}
	delete(r.handlers, addr)
	return true
}

// Lookup finds the handler bound to addr.
func (r *Router) Lookup(addr Address) (MessageHandler, bool) {
	h, ok := r.handlers[addr]
	return h, ok
}

// Addresses returns all registered addresses in a stable order.
func (r *Router) Addresses() []Address {
	addrs := make([]Address, 0, len(r.handlers))
	for a := range r.handlers {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 })
	return addrs
}

// Enqueue appends messages to the pending queue, preserving their order.
func (r *Router) Enqueue(msgs ...*Message) {
	for _, m := range msgs {
		if m != nil {
			r.pending.Push(m)
		}
	}
}

// Pending returns the number of messages waiting for dispatch.
func (r *Router) Pending() int {
	return r.pending.Len()
}

// Dispatched returns the number of messages handed to handlers so far.
func (r *Router) Dispatched() uint64 {
	return r.dispatched
}

// Poll drains the pending queue, dispatching each message to the handler
// registered for its front onward address. Output of handlers is accumulated
// for the next cycle. Draining stops early when a handler returns
// KeepGoing=false; the rest of the queue is left for the next call.
func (r *Router) Poll(ctx context.Context) (Result, error) {
	out := Continue()
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		msg, ok := r.pending.Pop()
		if !ok {
			return out, nil
		}

		res, err := r.dispatch(ctx, msg)
		if err != nil {
			if r.isolate {
				r.log.Warn("dropping message", zap.Stringer("message", msg), zap.Error(err))
				continue
			}
			return out, err
		}

		out = out.Merge(res)
		if !res.KeepGoing {
			r.log.Debug("handler asked to stop", zap.Stringer("address", msg.Hop),
				zap.Int("left_pending", r.pending.Len()))
			return out, nil
		}
	}
}

// dispatch strips the front address of msg and invokes its handler.
func (r *Router) dispatch(ctx context.Context, msg *Message) (Result, error) {
	if err := msg.Validate(); err != nil {
		return Result{}, err
	}

	if msg.OnwardRoute.Empty() {
		if r.fallback == nil {
			return Result{}, ErrNoRouteSupplied
		}
		msg.OnwardRoute = NewRoute(*r.fallback)
	}

	hop, rest, _ := msg.OnwardRoute.PopFront()
	msg.OnwardRoute = rest
	msg.Hop = hop

	key := hop
	if hop.IsTransport() {
		transport, ok := r.transports[hop.Kind()]
		if !ok {
			return Result{}, noHandler(hop)
		}
		key = transport
	}

	handler, ok := r.handlers[key]
	if !ok {
		return Result{}, noHandler(hop)
	}

	r.dispatched++
	r.log.Debug("dispatch", zap.Stringer("address", key), zap.Stringer("message", msg))
	return handler.ProcessMessage(ctx, msg)
}
