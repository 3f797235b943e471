package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/najoast/snode/core"
	"github.com/najoast/snode/node"
)

type inbox struct {
	msgs  []*core.Message
	reply []byte
}

func (i *inbox) ProcessMessage(ctx context.Context, msg *core.Message) (core.Result, error) {
	i.msgs = append(i.msgs, msg)
	if i.reply == nil {
		return core.Continue(), nil
	}
	return core.Continue().Send(msg.Reply(i.reply)), nil
}

// pump runs cycles on every node until done reports true or the deadline passes.
func pump(t *testing.T, done func() bool, nodes ...*node.Node) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for delivery")
		}
		for _, n := range nodes {
			if _, err := n.RunCycle(ctx); err != nil {
				t.Fatalf("Cycle on %s failed: %v", n.Name(), err)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTCPDeliversBetweenNodes(t *testing.T) {
	server := NewTCP(DefaultOptions())
	defer server.Close()
	listen, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	client := NewTCP(DefaultOptions())
	defer client.Close()
	peer, err := client.TryConnect(context.Background(), listen.Endpoint(), time.Second)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if peer != listen {
		t.Errorf("Expected peer %s, got %s", listen, peer)
	}

	sinkAddr := core.WorkerAddress([]byte("sink"))
	sink := &inbox{reply: []byte("pong")}
	serverNode := node.New(node.Options{Name: "server"})
	serverNode.Register(server.Registration())
	serverNode.Register(core.WorkerRegistration{Address: sinkAddr, Handler: sink})

	appAddr := core.WorkerAddress([]byte("app"))
	app := &inbox{}
	clientNode := node.New(node.Options{Name: "client"})
	clientNode.Register(client.Registration())
	clientNode.Register(core.WorkerRegistration{Address: appAddr, Handler: app})

	clientNode.Send(&core.Message{
		Type:        core.MessageTypePayload,
		OnwardRoute: core.NewRoute(peer, sinkAddr),
		ReturnRoute: core.NewRoute(appAddr),
		Body:        []byte("ping"),
	})

	pump(t, func() bool { return len(app.msgs) > 0 }, clientNode, serverNode)

	if len(sink.msgs) != 1 || string(sink.msgs[0].Body) != "ping" {
		t.Fatalf("Expected sink to get 'ping', got %v", sink.msgs)
	}
	back := sink.msgs[0].ReturnRoute
	if len(back) != 2 || back[0].Kind() != core.AddressKindTCP || back[1] != appAddr {
		t.Errorf("Expected return route [tcp peer, app], got %s", back)
	}

	got := app.msgs[0]
	if string(got.Body) != "pong" {
		t.Errorf("Expected 'pong', got %q", got.Body)
	}
	if front, _ := got.ReturnRoute.Front(); front != peer {
		t.Errorf("Expected reply to come from %s, got %s", peer, got.ReturnRoute)
	}

	if stats := client.Statistics(); stats.FramesSent != 1 || stats.FramesReceived != 1 {
		t.Errorf("Expected 1 frame each way on client, got %+v", stats)
	}
	if len(server.Connections()) != 1 {
		t.Errorf("Expected 1 server connection, got %d", len(server.Connections()))
	}
}

func TestTCPBindFailure(t *testing.T) {
	a := NewTCP(DefaultOptions())
	defer a.Close()
	addr, err := a.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	b := NewTCP(DefaultOptions())
	defer b.Close()
	if _, err := b.Listen(addr.Endpoint()); !errors.Is(err, core.ErrTransportBind) {
		t.Errorf("Expected ErrTransportBind, got %v", err)
	}
}

func TestTCPConnectFailure(t *testing.T) {
	a := NewTCP(DefaultOptions())
	addr, err := a.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	a.Close()

	b := NewTCP(DefaultOptions())
	defer b.Close()
	if _, err := b.TryConnect(context.Background(), addr.Endpoint(), time.Second); !errors.Is(err, core.ErrTransportConnect) {
		t.Errorf("Expected ErrTransportConnect, got %v", err)
	}
	if _, err := b.TryConnect(context.Background(), "not-an-endpoint", time.Second); !errors.Is(err, core.ErrTransportConnect) {
		t.Errorf("Expected ErrTransportConnect for bad endpoint, got %v", err)
	}
}

func TestTCPRejectsForeignHop(t *testing.T) {
	tr := NewTCP(DefaultOptions())
	defer tr.Close()

	msg := core.NewMessage([]byte("x"))
	msg.Hop = core.MustParseAddress("udp:127.0.0.1:9")
	if _, err := tr.ProcessMessage(context.Background(), msg); err == nil {
		t.Error("Expected an error for a udp hop")
	}
}

func TestClosedTransport(t *testing.T) {
	tr := NewTCP(DefaultOptions())
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
	if _, err := tr.Listen("127.0.0.1:0"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
