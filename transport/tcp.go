package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/najoast/snode/core"
)

const frameHeaderSize = 4

// tcpConn is one framed TCP connection. Frames are written by a dedicated
// goroutine so the scheduler never blocks on a slow peer.
type tcpConn struct {
	id       string
	endpoint string
	peer     core.Address
	conn     net.Conn

	writeTimeout time.Duration
	sendChan     chan []byte
	done         chan struct{}
	closed       atomic.Bool

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

var connectionIDCounter atomic.Int64

func newTCPConn(conn net.Conn, endpoint string, peer core.Address, writeTimeout time.Duration) *tcpConn {
	return &tcpConn{
		id:           fmt.Sprintf("tcp-%d", connectionIDCounter.Add(1)),
		endpoint:     endpoint,
		peer:         peer,
		conn:         conn,
		writeTimeout: writeTimeout,
		sendChan:     make(chan []byte, 256),
		done:         make(chan struct{}),
	}
}

// send queues a frame for the write goroutine.
func (c *tcpConn) send(frame []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("connection %s is closed", c.id)
	}
	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.sendChan <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("connection %s is closed", c.id)
	case <-timer.C:
		return fmt.Errorf("connection %s: send queue full", c.id)
	}
}

func (c *tcpConn) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.conn.Close()
}

func (c *tcpConn) sendLoop(log *zap.Logger) {
	for {
		select {
		case frame := <-c.sendChan:
			if err := c.writeFrame(frame); err != nil {
				log.Debug("write failed", zap.String("conn", c.id), zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *tcpConn) writeFrame(frame []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	buf := make([]byte, frameHeaderSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[frameHeaderSize:], frame)
	n, err := c.conn.Write(buf)
	c.bytesWritten.Add(int64(n))
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *tcpConn) readFrame() ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxWireSize {
		return nil, fmt.Errorf("%w: frame of %d bytes (max %d)", ErrMalformed, n, MaxWireSize)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return nil, err
	}
	c.bytesRead.Add(int64(frameHeaderSize + n))
	return frame, nil
}

// TCP is the transport router for tcp addresses. Frames on the stream are
// prefixed with a big endian u32 length.
type TCP struct {
	base

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*tcpConn
}

// NewTCP creates a TCP transport router.
func NewTCP(opts Options) *TCP {
	t := &TCP{conns: make(map[string]*tcpConn)}
	t.setup(core.AddressKindTCP, core.TCPTransportAddress, opts)
	return t
}

// Registration returns the worker registration for the node.
func (t *TCP) Registration() core.WorkerRegistration {
	return core.WorkerRegistration{Address: t.address, Handler: t, Poller: t}
}

// Listen binds endpoint and accepts connections on it.
func (t *TCP) Listen(endpoint string) (core.Address, error) {
	if t.closed() {
		return core.Address{}, ErrClosed
	}
	l, err := net.Listen("tcp", endpoint)
	if err != nil {
		return core.Address{}, bindError(t.kind, endpoint, err)
	}
	local, err := core.TCPAddress(l.Addr().String())
	if err != nil {
		l.Close()
		return core.Address{}, bindError(t.kind, endpoint, err)
	}

	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(l)

	t.log.Info("listening", zap.Stringer("address", local))
	return local, nil
}

// LocalAddress returns the bound listen address, if any.
func (t *TCP) LocalAddress() (core.Address, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return core.Address{}, false
	}
	a, err := core.TCPAddress(t.listener.Addr().String())
	return a, err == nil
}

func (t *TCP) acceptLoop(l net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if !t.closed() {
				t.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		endpoint := conn.RemoteAddr().String()
		peer, err := core.TCPAddress(endpoint)
		if err != nil {
			t.log.Warn("rejecting peer", zap.String("remote", endpoint), zap.Error(err))
			conn.Close()
			continue
		}
		t.add(conn, endpoint, peer)
		t.log.Info("accepted connection", zap.Stringer("peer", peer))
	}
}

func (t *TCP) add(conn net.Conn, endpoint string, peer core.Address) *tcpConn {
	c := newTCPConn(conn, endpoint, peer, t.opts.WriteTimeout)

	t.mu.Lock()
	if t.closed() {
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	if old, ok := t.conns[endpoint]; ok {
		old.close()
	}
	t.conns[endpoint] = c
	t.mu.Unlock()

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		c.sendLoop(t.log)
	}()
	go func() {
		defer t.wg.Done()
		t.readLoop(c)
	}()
	return c
}

func (t *TCP) readLoop(c *tcpConn) {
	defer t.remove(c)
	for {
		frame, err := c.readFrame()
		if err != nil {
			if !c.closed.Load() && err != io.EOF {
				t.log.Debug("read failed", zap.Stringer("peer", c.peer), zap.Error(err))
			}
			return
		}
		t.deliver(c.peer, frame)
	}
}

func (t *TCP) remove(c *tcpConn) {
	c.close()
	t.mu.Lock()
	if t.conns[c.endpoint] == c {
		delete(t.conns, c.endpoint)
	}
	t.mu.Unlock()
	t.log.Debug("connection closed", zap.Stringer("peer", c.peer))
}

func (t *TCP) lookup(endpoint string) *tcpConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[endpoint]
}

// TryConnect dials endpoint unless a connection to it already exists.
func (t *TCP) TryConnect(ctx context.Context, endpoint string, timeout time.Duration) (core.Address, error) {
	if t.closed() {
		return core.Address{}, ErrClosed
	}
	peer, err := core.TCPAddress(endpoint)
	if err != nil {
		return core.Address{}, connectError(t.kind, endpoint, err)
	}
	if t.lookup(endpoint) != nil {
		return peer, nil
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return core.Address{}, connectError(t.kind, endpoint, err)
	}
	if t.add(conn, endpoint, peer) == nil {
		return core.Address{}, ErrClosed
	}
	t.log.Info("connected", zap.Stringer("peer", peer))
	return peer, nil
}

// ProcessMessage writes msg to the connection named by its hop, dialing on
// demand.
func (t *TCP) ProcessMessage(ctx context.Context, msg *core.Message) (core.Result, error) {
	endpoint, frame, err := t.encode(msg)
	if err != nil {
		return core.Result{}, err
	}

	c := t.lookup(endpoint)
	if c == nil {
		if _, err := t.TryConnect(ctx, endpoint, t.opts.DialTimeout); err != nil {
			return core.Result{}, err
		}
		if c = t.lookup(endpoint); c == nil {
			return core.Result{}, connectError(t.kind, endpoint, fmt.Errorf("connection dropped"))
		}
	}
	if err := c.send(frame); err != nil {
		return core.Result{}, connectError(t.kind, endpoint, err)
	}
	t.sent.Add(1)
	return core.Continue(), nil
}

// Connections returns the addresses of all open connections.
func (t *TCP) Connections() []core.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.Address, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Statistics returns frame counters.
func (t *TCP) Statistics() Statistics {
	t.mu.Lock()
	n := len(t.conns)
	t.mu.Unlock()
	return Statistics{
		Connections:    n,
		FramesReceived: t.received.Load(),
		FramesSent:     t.sent.Load(),
		DecodeErrors:   t.decodeErrors.Load(),
	}
}

// Close stops the listener and all connections and waits for their
// goroutines.
func (t *TCP) Close() error {
	if !t.shutdown() {
		return nil
	}

	t.mu.Lock()
	if t.listener != nil {
		t.listener.Close()
	}
	conns := make([]*tcpConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	t.wg.Wait()
	t.log.Info("closed")
	return nil
}
