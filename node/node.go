// Package node implements the cooperative scheduler that drives a router,
// its transports and its workers in strict cycles.
package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/najoast/snode/core"
)

// DefaultQuantum is the pause between two cycles.
const DefaultQuantum = 100 * time.Millisecond

// Options contains configuration options for creating a Node.
type Options struct {
	// Name is a human-readable name used in log output
	Name string

	// Quantum is the pause between cycles. Zero means no pause.
	Quantum time.Duration

	// IsolateErrors logs and drops failing messages, mailbox deliveries and
	// polls instead of stopping the node
	IsolateErrors bool

	// FallbackAddress, when set, receives messages that have no onward route
	FallbackAddress *core.Address

	// Logger for the node and its router. Nil means no logging.
	Logger *zap.Logger
}

// DefaultOptions returns sensible default options.
func DefaultOptions() Options {
	return Options{
		Name:    "node",
		Quantum: DefaultQuantum,
	}
}

// Node is a single-threaded cooperative scheduler. Each cycle polls the
// router, delivers mailboxes, polls workers, then applies new registrations
// and enqueues new messages for the next cycle.
type Node struct {
	name     string
	router   *core.Router
	registry *core.Registry
	quantum  time.Duration
	log      *zap.Logger

	inCycle bool
	cycles  uint64
}

var _ core.Registrar = (*Node)(nil)

// New creates a Node.
func New(opts Options) *Node {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("node", opts.Name))

	routerOpts := []core.RouterOption{
		core.WithLogger(log.Named("router")),
		core.WithErrorIsolation(opts.IsolateErrors),
	}
	if opts.FallbackAddress != nil {
		routerOpts = append(routerOpts, core.WithFallbackAddress(*opts.FallbackAddress))
	}
	router := core.NewRouter(routerOpts...)
	registry := core.NewRegistry(router, log.Named("registry"))
	registry.SetErrorIsolation(opts.IsolateErrors)

	return &Node{
		name:     opts.Name,
		router:   router,
		registry: registry,
		quantum:  opts.Quantum,
		log:      log,
	}
}

// Name returns the node's name.
func (n *Node) Name() string {
	return n.name
}

// Router exposes the node's router.
func (n *Node) Router() *core.Router {
	return n.router
}

// Registry exposes the node's worker registry.
func (n *Node) Registry() *core.Registry {
	return n.registry
}

// Register adds a worker. Outside of a cycle it takes effect immediately;
// during a cycle it waits for the cycle boundary like any registration
// returned by a handler.
func (n *Node) Register(reg core.WorkerRegistration) {
	n.registry.Stage(reg)
	if !n.inCycle {
		n.registry.Apply()
	}
}

// Unregister removes a worker from the node immediately. Handlers and
// pollers remove workers with Result.Retire instead, which takes effect at
// the cycle boundary.
func (n *Node) Unregister(addr core.Address) bool {
	return n.registry.Remove(addr)
}

// Send enqueues messages for the next router poll.
func (n *Node) Send(msgs ...*core.Message) {
	n.router.Enqueue(msgs...)
}

// Spawn feeds a handler-style Result into the node: its removals are
// applied, its registrations registered and its messages sent.
func (n *Node) Spawn(res core.Result) {
	n.registry.Retire(res.Removals...)
	n.registry.Stage(res.Registrations...)
	if !n.inCycle {
		n.registry.Apply()
	}
	n.Send(res.Messages...)
}

// Cycles returns the number of completed cycles.
func (n *Node) Cycles() uint64 {
	return n.cycles
}

// Workers returns statistics of all live workers.
func (n *Node) Workers() []core.WorkerStats {
	return n.registry.Stats()
}

// RunCycle runs exactly one cycle and reports whether the node should keep going.
func (n *Node) RunCycle(ctx context.Context) (bool, error) {
	n.inCycle = true
	defer func() { n.inCycle = false }()

	// Step 1: drain the router
	res, err := n.router.Poll(ctx)
	if err != nil {
		return false, fmt.Errorf("router poll: %w", err)
	}

	// Step 2: mailboxes, then pollers
	if res.KeepGoing {
		delivered, err := n.registry.Deliver(ctx)
		if err != nil {
			return false, fmt.Errorf("mailbox delivery: %w", err)
		}
		res = res.Merge(delivered)
	}
	if res.KeepGoing {
		polled, err := n.registry.Poll(ctx)
		if err != nil {
			return false, fmt.Errorf("worker poll: %w", err)
		}
		res = res.Merge(polled)
	}

	// Step 3: removals, then registrations, become visible
	n.registry.Retire(res.Removals...)
	n.registry.Stage(res.Registrations...)
	applied := n.registry.Apply()

	// Step 4: messages become visible
	msgs := append(res.Messages, n.registry.Collect()...)
	n.router.Enqueue(msgs...)

	n.cycles++
	if applied > 0 || len(res.Removals) > 0 || len(msgs) > 0 {
		n.log.Debug("cycle",
			zap.Uint64("cycle", n.cycles),
			zap.Int("registrations", applied),
			zap.Int("removals", len(res.Removals)),
			zap.Int("messages", len(msgs)))
	}
	return res.KeepGoing, nil
}

// Run repeats cycles, pausing one quantum between them, until a component
// returns KeepGoing=false, an error occurs or ctx is cancelled. It returns
// nil on a cooperative stop and ctx.Err() on cancellation.
func (n *Node) Run(ctx context.Context) error {
	n.log.Info("node running",
		zap.Duration("quantum", n.quantum),
		zap.Int("workers", n.registry.Len()))

	for {
		keepGoing, err := n.RunCycle(ctx)
		if err != nil {
			n.log.Error("node stopped on error", zap.Uint64("cycle", n.cycles), zap.Error(err))
			return err
		}
		if !keepGoing {
			n.log.Info("node stopped", zap.Uint64("cycles", n.cycles))
			return nil
		}

		if n.quantum <= 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}

		timer := time.NewTimer(n.quantum)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
