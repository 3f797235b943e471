package transport

import (
	"testing"

	"github.com/najoast/snode/core"
	"github.com/najoast/snode/node"
)

func TestQUICDeliversBetweenNodes(t *testing.T) {
	server, err := NewQUIC(DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to create transport: %v", err)
	}
	defer server.Close()
	listen, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	if listen.Kind() != core.AddressKindUDP {
		t.Fatalf("Expected a udp address, got %s", listen)
	}

	client, err := NewQUIC(DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to create transport: %v", err)
	}
	defer client.Close()

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

	// No TryConnect: the first message dials on demand
	clientNode.Send(&core.Message{
		Type:        core.MessageTypePayload,
		OnwardRoute: core.NewRoute(listen, sinkAddr),
		ReturnRoute: core.NewRoute(appAddr),
		Body:        []byte("ping"),
	})

	pump(t, func() bool { return len(app.msgs) > 0 }, clientNode, serverNode)

	if string(sink.msgs[0].Body) != "ping" {
		t.Errorf("Expected 'ping', got %q", sink.msgs[0].Body)
	}
	if string(app.msgs[0].Body) != "pong" {
		t.Errorf("Expected 'pong', got %q", app.msgs[0].Body)
	}
	if front, _ := app.msgs[0].ReturnRoute.Front(); front != listen {
		t.Errorf("Expected reply from %s, got %s", listen, app.msgs[0].ReturnRoute)
	}
}
