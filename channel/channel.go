// Package channel implements secure channels: mutually authenticated,
// encrypted sessions between workers on different nodes, set up with a
// three message XX key exchange.
//
// A responder node runs a listener at core.ChannelZero. Each M1 it receives
// spawns a fresh responder session under its own address, so concurrent
// initiators never share handshake state. Every session owns two addresses:
// the session address the remote peer talks to, and a plaintext address
// local workers send to. Plaintext sent before the session is established
// is buffered and flushed by the session's poller.
//
// A session that fails its handshake, or does not finish it within the
// handshake timeout, destroys its ephemeral key and retires both of its
// addresses from the node on its next poll.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/najoast/snode/core"
	"github.com/najoast/snode/vault"
)

// DefaultHandshakeTimeout bounds how long a session may wait for the rest of
// its handshake.
const DefaultHandshakeTimeout = 30 * time.Second

var errHandshakeTimeout = errors.New("handshake timed out")

// Config configures channels and the sessions a listener spawns.
type Config struct {
	// Vault performs all cryptographic operations
	Vault vault.Vault

	// Identity is the static X25519 key. Zero means generate one.
	Identity vault.KeyHandle

	// Inner receives decrypted payloads. Its messages with an empty onward
	// route are encrypted and sent back to the peer.
	Inner core.MessageHandler

	// Trust decides whether a remote static key is acceptable. Nil trusts all.
	Trust func(remoteStatic []byte) error

	// OnEstablished is called once, from the session's poll, after the
	// handshake completes.
	OnEstablished func(*Channel)

	// HandshakeTimeout is how long a session may stay unestablished. Zero
	// means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	Logger *zap.Logger
}

func (cfg *Config) prepare() error {
	if cfg.Vault == nil {
		return fmt.Errorf("%w: no vault configured", core.ErrKeyExchange)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Identity != 0 {
		return nil
	}
	h, err := cfg.Vault.GenerateKeyPair(vault.SecretAttributes{Type: vault.KeyTypeX25519, Persistence: vault.Persistent})
	if err != nil {
		return keyExchange("generate identity", err)
	}
	cfg.Identity = h
	return nil
}

// Channel is either a listener or one side of a session. It runs on the
// node's scheduling goroutine only.
type Channel struct {
	cfg Config

	address   core.Address
	plaintext core.Address
	listener  bool
	initiator bool

	state  State
	hs     *handshake
	cipher *cipherState
	peer   core.Route

	remoteStatic []byte
	pending      *core.Queue[*core.Message]
	notify       bool

	started time.Time
	retired bool

	log *zap.Logger
}

func newAddress() core.Address {
	id := uuid.New()
	return core.WorkerAddress(id[:])
}

func newSession(cfg Config, initiator bool) (*Channel, error) {
	hs, err := newHandshake(cfg.Vault, cfg.Identity, initiator)
	if err != nil {
		return nil, err
	}
	addr := newAddress()
	return &Channel{
		cfg:       cfg,
		address:   addr,
		plaintext: newAddress(),
		initiator: initiator,
		state:     StateAwaitingM1,
		hs:        hs,
		pending:   core.NewAddressedQueue[*core.Message](addr),
		started:   time.Now(),
		log:       cfg.Logger.With(zap.Stringer("channel", addr)),
	}, nil
}

// Create starts an initiator session. route must lead to a responder's
// listener, typically [transport address, core.ChannelZero]. The returned
// Result carries M1 and the session's registrations; hand it to the node.
func Create(cfg Config, route core.Route) (*Channel, core.Result, error) {
	if route.Empty() {
		return nil, core.Result{}, core.ErrNoRouteSupplied
	}
	if err := cfg.prepare(); err != nil {
		return nil, core.Result{}, err
	}

	ch, err := newSession(cfg, true)
	if err != nil {
		return nil, core.Result{}, err
	}
	body, err := ch.hs.writeM1()
	if err != nil {
		return nil, core.Result{}, err
	}
	ch.state = StateAwaitingM2

	m1 := &core.Message{
		Type:        core.MessageTypeKeyAgreementM1,
		OnwardRoute: route.Clone(),
		ReturnRoute: core.NewRoute(ch.address),
		Body:        body,
	}
	ch.log.Debug("sent m1", zap.Stringer("route", route))
	return ch, core.Continue().Send(m1).Spawn(ch.Registrations()...), nil
}

// Listen creates the responder listener at core.ChannelZero.
func Listen(cfg Config) (*Channel, core.WorkerRegistration, error) {
	if err := cfg.prepare(); err != nil {
		return nil, core.WorkerRegistration{}, err
	}
	ch := &Channel{
		cfg:      cfg,
		address:  core.ChannelZero,
		listener: true,
		state:    StateAwaitingM1,
		log:      cfg.Logger.With(zap.Stringer("channel", core.ChannelZero)),
	}
	return ch, core.WorkerRegistration{Address: ch.address, Handler: ch}, nil
}

// Address returns the address the remote peer talks to.
func (ch *Channel) Address() core.Address { return ch.address }

// PlaintextAddress returns the address local workers send plaintext to.
// A listener has none.
func (ch *Channel) PlaintextAddress() core.Address { return ch.plaintext }

// State returns the handshake state.
func (ch *Channel) State() State { return ch.state }

// IsInitiator reports whether this side sent M1.
func (ch *Channel) IsInitiator() bool { return ch.initiator }

// RemoteStatic returns the authenticated static key of the peer, or nil
// before it is known.
func (ch *Channel) RemoteStatic() []byte { return ch.remoteStatic }

// PeerRoute returns the route to the remote session.
func (ch *Channel) PeerRoute() core.Route { return ch.peer.Clone() }

// Registrations returns the workers backing this channel.
func (ch *Channel) Registrations() []core.WorkerRegistration {
	if ch.listener {
		return []core.WorkerRegistration{{Address: ch.address, Handler: ch}}
	}
	return []core.WorkerRegistration{
		{Address: ch.address, Handler: ch, Poller: ch},
		{Address: ch.plaintext, Handler: plaintextHandler{ch}},
	}
}

func (ch *Channel) unexpected(msg *core.Message) error {
	return fmt.Errorf("channel %s: %w: %s in state %s", ch.address, core.ErrProtocolState, msg.Type, ch.state)
}

// ProcessMessage handles handshake messages and encrypted payloads arriving
// from the peer. A message that does not fit the current state is rejected
// with core.ErrProtocolState and leaves the channel untouched.
func (ch *Channel) ProcessMessage(ctx context.Context, msg *core.Message) (core.Result, error) {
	if ch.listener {
		if msg.Type != core.MessageTypeKeyAgreementM1 {
			return core.Result{}, ch.unexpected(msg)
		}
		return ch.accept(msg)
	}

	switch {
	case ch.state == StateAwaitingM2 && msg.Type == core.MessageTypeKeyAgreementM2:
		return ch.handleM2(msg)
	case ch.state == StateAwaitingM3 && msg.Type == core.MessageTypeKeyAgreementM3:
		return ch.handleM3(msg)
	case ch.state == StateEstablished && msg.Type == core.MessageTypePayload:
		return ch.handlePayload(ctx, msg)
	default:
		return core.Result{}, ch.unexpected(msg)
	}
}

// accept spawns a responder session for an M1.
func (ch *Channel) accept(msg *core.Message) (core.Result, error) {
	if msg.ReturnRoute.Empty() {
		return core.Result{}, fmt.Errorf("channel %s: m1 without return route: %w", ch.address, core.ErrNoRouteSupplied)
	}

	sess, err := newSession(ch.cfg, false)
	if err != nil {
		return core.Result{}, err
	}
	sess.peer = msg.ReturnRoute.Clone()
	if err := sess.hs.readM1(msg.Body); err != nil {
		return core.Result{}, err
	}
	body, err := sess.hs.writeM2()
	if err != nil {
		return core.Result{}, err
	}
	sess.state = StateAwaitingM3

	m2 := &core.Message{
		Type:        core.MessageTypeKeyAgreementM2,
		OnwardRoute: sess.peer.Clone(),
		ReturnRoute: core.NewRoute(sess.address),
		Body:        body,
	}
	ch.log.Info("accepted session", zap.Stringer("session", sess.address), zap.Stringer("peer", sess.peer))
	return core.Continue().Send(m2).Spawn(sess.Registrations()...), nil
}

func (ch *Channel) handleM2(msg *core.Message) (core.Result, error) {
	if msg.ReturnRoute.Empty() {
		return core.Result{}, fmt.Errorf("channel %s: m2 without return route: %w", ch.address, core.ErrNoRouteSupplied)
	}
	if err := ch.hs.readM2(msg.Body); err != nil {
		return core.Result{}, err
	}
	if err := ch.trust(ch.hs.remoteStatic); err != nil {
		return core.Result{}, ch.fail(err)
	}
	body, err := ch.hs.writeM3()
	if err != nil {
		return core.Result{}, ch.fail(err)
	}
	ch.peer = msg.ReturnRoute.Clone()
	if err := ch.establish(); err != nil {
		return core.Result{}, ch.fail(err)
	}

	m3 := &core.Message{
		Type:        core.MessageTypeKeyAgreementM3,
		OnwardRoute: ch.peer.Clone(),
		ReturnRoute: core.NewRoute(ch.address),
		Body:        body,
	}
	return core.Continue().Send(m3), nil
}

func (ch *Channel) handleM3(msg *core.Message) (core.Result, error) {
	if err := ch.hs.readM3(msg.Body); err != nil {
		return core.Result{}, err
	}
	if err := ch.trust(ch.hs.remoteStatic); err != nil {
		return core.Result{}, ch.fail(err)
	}
	if err := ch.establish(); err != nil {
		return core.Result{}, ch.fail(err)
	}
	return core.Continue(), nil
}

// fail abandons the handshake. The session is retired on its next poll and
// buffered plaintext is dropped. It returns err for the caller to report.
func (ch *Channel) fail(err error) error {
	if ch.hs != nil {
		ch.hs.abort()
		ch.hs = nil
	}
	ch.state = StateFailed
	dropped := len(ch.pending.Take())
	ch.log.Warn("handshake failed", zap.Error(err), zap.Int("dropped", dropped))
	return fmt.Errorf("channel %s: %w", ch.address, err)
}

func (ch *Channel) trust(remote []byte) error {
	if ch.cfg.Trust == nil {
		return nil
	}
	if err := ch.cfg.Trust(remote); err != nil {
		return fmt.Errorf("%w: remote key %s rejected: %v", core.ErrKeyExchange, vault.Fingerprint(remote), err)
	}
	return nil
}

func (ch *Channel) establish() error {
	send, recv, err := ch.hs.finish()
	if err != nil {
		return err
	}
	ch.remoteStatic = ch.hs.remoteStatic
	ch.cipher = newCipherState(ch.cfg.Vault, send, recv)
	ch.hs = nil
	ch.state = StateEstablished
	ch.notify = true
	ch.log.Info("channel established",
		zap.Bool("initiator", ch.initiator),
		zap.String("remote", vault.Fingerprint(ch.remoteStatic)),
		zap.Stringer("peer", ch.peer))
	return nil
}

func (ch *Channel) handlePayload(ctx context.Context, msg *core.Message) (core.Result, error) {
	plain, err := ch.cipher.open(msg.Body)
	if err != nil {
		return core.Result{}, fmt.Errorf("channel %s: %w", ch.address, err)
	}
	if ch.cfg.Inner == nil {
		ch.log.Debug("no inner handler, dropping payload", zap.Int("len", len(plain)))
		return core.Continue(), nil
	}

	inner := &core.Message{
		Type:        core.MessageTypePayload,
		OnwardRoute: msg.OnwardRoute,
		Body:        plain,
		Hop:         ch.address,
	}
	res, err := ch.cfg.Inner.ProcessMessage(ctx, inner)
	if err != nil {
		return core.Result{}, err
	}

	out := res.Messages
	res.Messages = nil
	for _, m := range out {
		if !m.OnwardRoute.Empty() {
			res.Messages = append(res.Messages, m)
			continue
		}
		sealed, err := ch.seal(m.Body)
		if err != nil {
			return core.Result{}, err
		}
		res.Messages = append(res.Messages, sealed)
	}
	return res, nil
}

func (ch *Channel) checkSize(body []byte) error {
	if len(body) > MaxPlaintextSize {
		return fmt.Errorf("channel %s: %w: %d bytes (max %d)", ch.address, core.ErrFrameTooLarge, len(body), MaxPlaintextSize)
	}
	return nil
}

// seal encrypts body into a payload message addressed to the peer.
func (ch *Channel) seal(body []byte) (*core.Message, error) {
	if err := ch.checkSize(body); err != nil {
		return nil, err
	}
	ct, err := ch.cipher.seal(body)
	if err != nil {
		return nil, fmt.Errorf("channel %s: encrypt: %w", ch.address, err)
	}
	return &core.Message{
		Type:        core.MessageTypePayload,
		OnwardRoute: ch.peer.Clone(),
		ReturnRoute: core.NewRoute(ch.address),
		Body:        ct,
	}, nil
}

// Poll fires OnEstablished once and flushes buffered plaintext. A session
// past its handshake timeout, or one whose handshake failed, retires its
// addresses instead.
func (ch *Channel) Poll(ctx context.Context) (core.Result, error) {
	if ch.hs != nil && time.Since(ch.started) > ch.cfg.HandshakeTimeout {
		_ = ch.fail(errHandshakeTimeout)
	}
	if ch.state == StateFailed {
		if ch.retired {
			return core.Continue(), nil
		}
		ch.retired = true
		return core.Continue().Retire(ch.address, ch.plaintext), nil
	}
	if ch.state != StateEstablished {
		return core.Continue(), nil
	}
	if ch.notify {
		ch.notify = false
		if ch.cfg.OnEstablished != nil {
			ch.cfg.OnEstablished(ch)
		}
	}

	res := core.Continue()
	for {
		m, ok := ch.pending.Pop()
		if !ok {
			return res, nil
		}
		sealed, err := ch.seal(m.Body)
		if err != nil {
			return core.Result{}, err
		}
		res = res.Send(sealed)
	}
}

// plaintextHandler is registered at the channel's plaintext address.
type plaintextHandler struct {
	ch *Channel
}

func (p plaintextHandler) ProcessMessage(ctx context.Context, msg *core.Message) (core.Result, error) {
	ch := p.ch
	if msg.Type != core.MessageTypePayload || ch.state == StateFailed {
		return core.Result{}, ch.unexpected(msg)
	}
	if err := ch.checkSize(msg.Body); err != nil {
		return core.Result{}, err
	}
	if ch.state != StateEstablished {
		ch.pending.Push(msg)
		ch.log.Debug("buffered plaintext", zap.Int("pending", ch.pending.Len()))
		return core.Continue(), nil
	}
	sealed, err := ch.seal(msg.Body)
	if err != nil {
		return core.Result{}, err
	}
	return core.Continue().Send(sealed), nil
}
