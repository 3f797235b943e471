// Package transport provides the transport routers of a node. A transport
// router registers under a well-known worker address, receives every
// message whose next hop is an address of its kind, and writes it to the
// matching connection. Inbound frames are decoded on I/O goroutines and
// handed to the scheduling goroutine through a buffered channel that Poll
// drains.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/najoast/snode/core"
)

// Defaults
const (
	DefaultDialTimeout   = 5 * time.Second
	DefaultInboundBuffer = 1024
	DefaultWriteTimeout  = 10 * time.Second
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("transport closed")

// Transport is a transport router: a worker that owns all addresses of one
// address kind.
type Transport interface {
	core.MessageHandler
	core.Poller

	// Listen binds a local endpoint and accepts peers on it.
	Listen(endpoint string) (core.Address, error)

	// TryConnect opens a connection to endpoint and returns the address
	// that routes to it.
	TryConnect(ctx context.Context, endpoint string, timeout time.Duration) (core.Address, error)

	// Registration returns the worker registration for the node.
	Registration() core.WorkerRegistration

	// Close stops all I/O.
	Close() error
}

// Options configures a transport.
type Options struct {
	// DialTimeout bounds connects made on demand for an unknown endpoint
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration

	// InboundBuffer is the capacity of the queue between I/O goroutines
	// and the scheduler
	InboundBuffer int

	Logger *zap.Logger
}

// DefaultOptions returns sensible default options.
func DefaultOptions() Options {
	return Options{
		DialTimeout:   DefaultDialTimeout,
		WriteTimeout:  DefaultWriteTimeout,
		InboundBuffer: DefaultInboundBuffer,
	}
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = DefaultInboundBuffer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Statistics counts frames through a transport.
type Statistics struct {
	Connections    int
	FramesReceived uint64
	FramesSent     uint64
	DecodeErrors   uint64
}

// base is shared by the TCP and QUIC transports.
type base struct {
	kind    core.AddressKind
	address core.Address
	codec   *Codec
	opts    Options
	log     *zap.Logger

	inbound chan *core.Message
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	received     atomic.Uint64
	sent         atomic.Uint64
	decodeErrors atomic.Uint64
}

func (b *base) setup(kind core.AddressKind, address core.Address, opts Options) {
	opts = opts.withDefaults()
	b.kind = kind
	b.address = address
	b.codec = NewCodec()
	b.opts = opts
	b.log = opts.Logger.With(zap.Stringer("transport", kind))
	b.inbound = make(chan *core.Message, opts.InboundBuffer)
	b.done = make(chan struct{})
}

func (b *base) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// shutdown closes done once and reports whether this call did it.
func (b *base) shutdown() bool {
	first := false
	b.once.Do(func() {
		close(b.done)
		first = true
	})
	return first
}

// deliver decodes a frame from peer and queues it for the scheduler. It
// runs on I/O goroutines and blocks while the queue is full.
func (b *base) deliver(peer core.Address, frame []byte) {
	msg, err := b.codec.Decode(frame)
	if err != nil {
		b.decodeErrors.Add(1)
		b.log.Warn("dropping undecodable frame", zap.Stringer("peer", peer), zap.Error(err))
		return
	}
	msg.ReturnRoute = msg.ReturnRoute.Prepend(peer)
	b.received.Add(1)

	select {
	case b.inbound <- msg:
	case <-b.done:
	}
}

// Poll moves every queued inbound message into the node without blocking.
func (b *base) Poll(ctx context.Context) (core.Result, error) {
	res := core.Continue()
	for {
		select {
		case msg := <-b.inbound:
			res.Messages = append(res.Messages, msg)
		default:
			return res, nil
		}
	}
}

// encode checks that msg was dispatched for this transport and encodes it.
func (b *base) encode(msg *core.Message) (string, []byte, error) {
	if msg.Hop.Kind() != b.kind {
		return "", nil, fmt.Errorf("%s transport cannot reach %s", b.kind, msg.Hop)
	}
	frame, err := b.codec.Encode(msg)
	if err != nil {
		return "", nil, err
	}
	return msg.Hop.Endpoint(), frame, nil
}

func connectError(kind core.AddressKind, endpoint string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", core.ErrTransportConnect, kind, endpoint, err)
}

func bindError(kind core.AddressKind, endpoint string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", core.ErrTransportBind, kind, endpoint, err)
}
