package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/najoast/snode/channel"
	"github.com/najoast/snode/config"
	"github.com/najoast/snode/core"
	"github.com/najoast/snode/logging"
	"github.com/najoast/snode/node"
	"github.com/najoast/snode/transport"
	"github.com/najoast/snode/vault"
)

// loadConfig reads the configuration file named by --config, or the first
// one found in the search paths, and applies the run flags on top.
func loadConfig(c *cli.Context) (*config.Config, *config.FileProvider, error) {
	provider, err := config.NewFileProvider(c.String(configFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	cfg, err := provider.Load()
	if err != nil {
		provider.Close()
		return nil, nil, err
	}

	// The watcher hands out its own copy on reload.
	local := *cfg
	applyFlags(c, &local)
	if err := local.Validate(); err != nil {
		provider.Close()
		return nil, nil, fmt.Errorf("%w: %w", config.ErrConfigValidateError, err)
	}
	return &local, provider, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	set := func(flag *cli.StringFlag, dst *string) {
		if c.IsSet(flag.Name) {
			*dst = c.String(flag.Name)
		}
	}
	set(tcpListenFlag, &cfg.Transport.TCP.Listen)
	set(tcpConnectFlag, &cfg.Transport.TCP.Connect)
	set(quicListenFlag, &cfg.Transport.QUIC.Listen)
	set(quicConnectFlag, &cfg.Transport.QUIC.Connect)
	set(messageFlag, &cfg.Channel.Message)
	set(identityFlag, &cfg.Vault.IdentityFile)
	if c.IsSet(roleFlag.Name) {
		cfg.Channel.Role = config.Role(c.String(roleFlag.Name))
	}
	if c.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = config.LogLevel(c.String(logLevelFlag.Name))
	}
}

// trustOnly accepts the listed static keys. No keys trusts every peer.
func trustOnly(keys [][]byte) func([]byte) error {
	if len(keys) == 0 {
		return nil
	}
	return func(remote []byte) error {
		for _, k := range keys {
			if bytes.Equal(k, remote) {
				return nil
			}
		}
		return fmt.Errorf("untrusted static key %s", vault.Fingerprint(remote))
	}
}

// stack is the set of transports a node runs with.
type stack struct {
	transports []transport.Transport
	peer       *core.Address
}

func (s *stack) Close() {
	for _, t := range s.transports {
		t.Close()
	}
}

// startTransports creates the configured transports, binds their listen
// endpoints and dials their connect endpoints. The first connected peer
// becomes the channel peer.
func startTransports(ctx context.Context, n core.Registrar, cfg *config.Config, log *zap.Logger) (*stack, error) {
	opts := transport.Options{
		DialTimeout:   cfg.Transport.Timeouts.Dial,
		WriteTimeout:  cfg.Transport.Timeouts.Write,
		InboundBuffer: cfg.Transport.InboundBuffer,
	}
	s := &stack{}

	type entry struct {
		name string
		ep   config.EndpointConfig
		open func(transport.Options) (transport.Transport, error)
	}
	entries := []entry{
		{"tcp", cfg.Transport.TCP, func(o transport.Options) (transport.Transport, error) {
			return transport.NewTCP(o), nil
		}},
		{"quic", cfg.Transport.QUIC, func(o transport.Options) (transport.Transport, error) {
			return transport.NewQUIC(o)
		}},
	}

	for _, e := range entries {
		if e.ep.Listen == "" && e.ep.Connect == "" {
			continue
		}
		o := opts
		o.Logger = log.Named(e.name)
		t, err := e.open(o)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.transports = append(s.transports, t)
		n.Register(t.Registration())

		if e.ep.Listen != "" {
			addr, err := t.Listen(e.ep.Listen)
			if err != nil {
				s.Close()
				return nil, err
			}
			log.Info("listening", zap.Stringer("address", addr))
		}
		if e.ep.Connect != "" {
			addr, err := t.TryConnect(ctx, e.ep.Connect, opts.DialTimeout)
			if err != nil {
				s.Close()
				return nil, err
			}
			log.Info("connected", zap.Stringer("address", addr))
			if s.peer == nil {
				s.peer = &addr
			}
		}
	}
	return s, nil
}

func echoHandler(log *zap.Logger) core.MessageHandler {
	return core.HandlerFunc(func(ctx context.Context, msg *core.Message) (core.Result, error) {
		log.Info("received", zap.ByteString("body", msg.Body))
		return core.Continue().Send(msg.Reply(msg.Body)), nil
	})
}

// printReply writes the first reply to w and stops the node.
func printReply(w io.Writer) core.MessageHandler {
	return core.HandlerFunc(func(ctx context.Context, msg *core.Message) (core.Result, error) {
		fmt.Fprintf(w, "%s\n", msg.Body)
		return core.Stop(), nil
	})
}

func runNode(c *cli.Context) error {
	cfg, provider, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer provider.Close()

	log, level, err := logging.ForConfig(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("node", cfg.Node.Name))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if w := provider.Watcher(); w != nil {
		w.SetLogger(log.Named("config"))
		if err := provider.Watch(ctx, logging.Follow(log, level)); err != nil {
			log.Warn("configuration will not be reloaded", zap.Error(err))
		}
	}

	v := vault.NewSoftware()
	identity, err := loadIdentity(v, cfg.Vault.IdentityFile)
	if err != nil {
		return err
	}
	pub, err := v.PublicKey(identity)
	if err != nil {
		return err
	}
	log.Info("identity",
		zap.String("public_key", hex.EncodeToString(pub)),
		zap.String("fingerprint", vault.Fingerprint(pub)))

	trusted, err := cfg.TrustedKeys()
	if err != nil {
		return err
	}
	fallback, err := cfg.Fallback()
	if err != nil {
		return err
	}

	n := node.New(node.Options{
		Name:            cfg.Node.Name,
		Quantum:         cfg.Node.Quantum,
		IsolateErrors:   cfg.Node.IsolateErrors,
		FallbackAddress: fallback,
		Logger:          log.Named("node"),
	})

	transports, err := startTransports(ctx, n, cfg, log.Named("transport"))
	if err != nil {
		return err
	}
	defer transports.Close()

	chCfg := channel.Config{
		Vault:            v,
		Identity:         identity,
		Trust:            trustOnly(trusted),
		HandshakeTimeout: cfg.Channel.HandshakeTimeout,
		Logger:           log.Named("channel"),
	}

	switch cfg.Channel.Role {
	case config.RoleResponder:
		chCfg.Inner = echoHandler(log.Named("echo"))
		listener, reg, err := channel.Listen(chCfg)
		if err != nil {
			return err
		}
		n.Register(reg)
		log.Info("accepting channels", zap.Stringer("address", listener.Address()))

	case config.RoleInitiator:
		if transports.peer == nil {
			return errors.New("initiator needs a connect endpoint")
		}
		chCfg.Inner = printReply(c.App.Writer)
		chCfg.OnEstablished = func(ch *channel.Channel) {
			log.Info("channel established",
				zap.Stringer("address", ch.Address()),
				zap.String("peer", vault.Fingerprint(ch.RemoteStatic())))
		}
		ch, res, err := channel.Create(chCfg, core.NewRoute(*transports.peer, core.ChannelZero))
		if err != nil {
			return err
		}
		n.Spawn(res)
		n.Send(core.NewMessage([]byte(cfg.Channel.Message), ch.PlaintextAddress()))
	}

	err = n.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
