package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/najoast/snode/core"
)

// ALPN protocol spoken on QUIC connections.
const quicProtocol = "snode"

// devTLSConfig returns a server and client TLS configuration backed by a
// fresh self-signed certificate. Peers are authenticated by secure channels
// running on top, so the client does not verify the certificate.
func devTLSConfig() (*tls.Config, *tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, nil, err
	}
	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{quicProtocol},
		MinVersion:   tls.VersionTLS13,
	}
	client := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicProtocol},
		MinVersion:         tls.VersionTLS13,
	}
	return server, client, nil
}

// quicPeer is one QUIC connection. Every frame travels on its own stream.
type quicPeer struct {
	endpoint string
	peer     core.Address
	conn     quic.Connection

	out    chan []byte
	done   chan struct{}
	closed atomic.Bool
}

func (p *quicPeer) close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.done)
	p.conn.CloseWithError(0, "")
}

// QUIC is the transport router for udp addresses.
type QUIC struct {
	base

	ctx    context.Context
	cancel context.CancelFunc

	serverTLS *tls.Config
	clientTLS *tls.Config
	config    *quic.Config

	mu       sync.Mutex
	listener *quic.Listener
	peers    map[string]*quicPeer
}

// NewQUIC creates a QUIC transport router.
func NewQUIC(opts Options) (*QUIC, error) {
	serverTLS, clientTLS, err := devTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("quic tls: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &QUIC{
		ctx:       ctx,
		cancel:    cancel,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		peers:     make(map[string]*quicPeer),
	}
	q.setup(core.AddressKindUDP, core.UDPTransportAddress, opts)
	q.config = &quic.Config{
		HandshakeIdleTimeout: q.opts.DialTimeout,
		MaxIdleTimeout:       time.Minute,
		KeepAlivePeriod:      15 * time.Second,
	}
	return q, nil
}

// Registration returns the worker registration for the node.
func (q *QUIC) Registration() core.WorkerRegistration {
	return core.WorkerRegistration{Address: q.address, Handler: q, Poller: q}
}

// Listen binds a UDP endpoint and accepts QUIC connections on it.
func (q *QUIC) Listen(endpoint string) (core.Address, error) {
	if q.closed() {
		return core.Address{}, ErrClosed
	}
	l, err := quic.ListenAddr(endpoint, q.serverTLS, q.config)
	if err != nil {
		return core.Address{}, bindError(q.kind, endpoint, err)
	}
	local, err := core.UDPAddress(l.Addr().String())
	if err != nil {
		l.Close()
		return core.Address{}, bindError(q.kind, endpoint, err)
	}

	q.mu.Lock()
	q.listener = l
	q.mu.Unlock()

	q.wg.Add(1)
	go q.acceptLoop(l)

	q.log.Info("listening", zap.Stringer("address", local))
	return local, nil
}

func (q *QUIC) acceptLoop(l *quic.Listener) {
	defer q.wg.Done()
	for {
		conn, err := l.Accept(q.ctx)
		if err != nil {
			if !q.closed() {
				q.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		endpoint := conn.RemoteAddr().String()
		peer, err := core.UDPAddress(endpoint)
		if err != nil {
			q.log.Warn("rejecting peer", zap.String("remote", endpoint), zap.Error(err))
			conn.CloseWithError(0, "bad address")
			continue
		}
		q.add(conn, endpoint, peer)
		q.log.Info("accepted connection", zap.Stringer("peer", peer))
	}
}

func (q *QUIC) add(conn quic.Connection, endpoint string, peer core.Address) *quicPeer {
	p := &quicPeer{
		endpoint: endpoint,
		peer:     peer,
		conn:     conn,
		out:      make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed() {
		q.mu.Unlock()
		conn.CloseWithError(0, "")
		return nil
	}
	if old, ok := q.peers[endpoint]; ok {
		old.close()
	}
	q.peers[endpoint] = p
	q.mu.Unlock()

	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		q.sendLoop(p)
	}()
	go func() {
		defer q.wg.Done()
		q.readLoop(p)
	}()
	return p
}

func (q *QUIC) sendLoop(p *quicPeer) {
	for {
		select {
		case frame := <-p.out:
			if err := q.writeStream(p, frame); err != nil {
				q.log.Debug("write failed", zap.Stringer("peer", p.peer), zap.Error(err))
				q.remove(p)
				return
			}
		case <-p.done:
			return
		}
	}
}

func (q *QUIC) writeStream(p *quicPeer, frame []byte) error {
	ctx, cancel := context.WithTimeout(q.ctx, q.opts.WriteTimeout)
	defer cancel()
	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if err := stream.SetWriteDeadline(time.Now().Add(q.opts.WriteTimeout)); err != nil {
		return err
	}
	if _, err := stream.Write(frame); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return stream.Close()
}

func (q *QUIC) readLoop(p *quicPeer) {
	defer q.remove(p)
	for {
		stream, err := p.conn.AcceptStream(q.ctx)
		if err != nil {
			if !p.closed.Load() && !q.closed() {
				q.log.Debug("accept stream failed", zap.Stringer("peer", p.peer), zap.Error(err))
			}
			return
		}
		frame, err := io.ReadAll(io.LimitReader(stream, MaxWireSize+1))
		stream.Close()
		if err != nil {
			q.log.Debug("read stream failed", zap.Stringer("peer", p.peer), zap.Error(err))
			continue
		}
		if len(frame) == 0 {
			continue
		}
		q.deliver(p.peer, frame)
	}
}

func (q *QUIC) remove(p *quicPeer) {
	p.close()
	q.mu.Lock()
	if q.peers[p.endpoint] == p {
		delete(q.peers, p.endpoint)
	}
	q.mu.Unlock()
}

func (q *QUIC) lookup(endpoint string) *quicPeer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peers[endpoint]
}

// TryConnect dials endpoint unless a connection to it already exists.
func (q *QUIC) TryConnect(ctx context.Context, endpoint string, timeout time.Duration) (core.Address, error) {
	if q.closed() {
		return core.Address{}, ErrClosed
	}
	peer, err := core.UDPAddress(endpoint)
	if err != nil {
		return core.Address{}, connectError(q.kind, endpoint, err)
	}
	if q.lookup(endpoint) != nil {
		return peer, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, endpoint, q.clientTLS, q.config)
	if err != nil {
		return core.Address{}, connectError(q.kind, endpoint, err)
	}
	if q.add(conn, endpoint, peer) == nil {
		return core.Address{}, ErrClosed
	}
	q.log.Info("connected", zap.Stringer("peer", peer))
	return peer, nil
}

// ProcessMessage writes msg on a new stream of the connection named by its
// hop, dialing on demand.
func (q *QUIC) ProcessMessage(ctx context.Context, msg *core.Message) (core.Result, error) {
	endpoint, frame, err := q.encode(msg)
	if err != nil {
		return core.Result{}, err
	}

	p := q.lookup(endpoint)
	if p == nil {
		if _, err := q.TryConnect(ctx, endpoint, q.opts.DialTimeout); err != nil {
			return core.Result{}, err
		}
		if p = q.lookup(endpoint); p == nil {
			return core.Result{}, connectError(q.kind, endpoint, fmt.Errorf("connection dropped"))
		}
	}

	timer := time.NewTimer(q.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case p.out <- frame:
	case <-p.done:
		return core.Result{}, connectError(q.kind, endpoint, fmt.Errorf("connection closed"))
	case <-timer.C:
		return core.Result{}, connectError(q.kind, endpoint, fmt.Errorf("send queue full"))
	}
	q.sent.Add(1)
	return core.Continue(), nil
}

// Connections returns the addresses of all open connections.
func (q *QUIC) Connections() []core.Address {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]core.Address, 0, len(q.peers))
	for _, p := range q.peers {
		out = append(out, p.peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Statistics returns frame counters.
func (q *QUIC) Statistics() Statistics {
	q.mu.Lock()
	n := len(q.peers)
	q.mu.Unlock()
	return Statistics{
		Connections:    n,
		FramesReceived: q.received.Load(),
		FramesSent:     q.sent.Load(),
		DecodeErrors:   q.decodeErrors.Load(),
	}
}

// Close stops the listener and all connections and waits for their
// goroutines.
func (q *QUIC) Close() error {
	if !q.shutdown() {
		return nil
	}
	q.cancel()

	q.mu.Lock()
	if q.listener != nil {
		q.listener.Close()
	}
	peers := make([]*quicPeer, 0, len(q.peers))
	for _, p := range q.peers {
		peers = append(peers, p)
	}
	q.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	q.wg.Wait()
	q.log.Info("closed")
	return nil
}
