package core

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryStagedRegistrationsApplyInBatch(t *testing.T) {
	router := NewRouter()
	registry := NewRegistry(router, nil)

	registry.Stage(WorkerRegistration{Address: worker("A"), Handler: &recordingHandler{}})
	if _, ok := router.Lookup(worker("A")); ok {
		t.Fatal("Staged registration must not be visible before Apply")
	}
	if registry.Staged() != 1 {
		t.Errorf("Expected 1 staged registration, got %d", registry.Staged())
	}

	if n := registry.Apply(); n != 1 {
		t.Errorf("Expected 1 applied registration, got %d", n)
	}
	if _, ok := router.Lookup(worker("A")); !ok {
		t.Fatal("Registration should be visible after Apply")
	}
	if registry.Len() != 1 {
		t.Errorf("Expected 1 worker, got %d", registry.Len())
	}
}

func TestRegistryPollsInRegistrationOrder(t *testing.T) {
	registry := NewRegistry(NewRouter(), nil)
	var order []string
	poller := func(name string) Poller {
		return PollerFunc(func(ctx context.Context) (Result, error) {
			order = append(order, name)
			return Continue(), nil
		})
	}

	registry.Stage(
		WorkerRegistration{Address: worker("c"), Poller: poller("c")},
		WorkerRegistration{Address: worker("a"), Poller: poller("a")},
		WorkerRegistration{Address: worker("x")},
		WorkerRegistration{Address: worker("b"), Poller: poller("b")},
	)
	registry.Apply()

	if _, err := registry.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	want := []string{"c", "a", "b"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, order)
		}
	}
}

func TestRegistryPollStopEndsPass(t *testing.T) {
	registry := NewRegistry(NewRouter(), nil)
	secondPolled := false
	registry.Stage(
		WorkerRegistration{Address: worker("1"), Poller: PollerFunc(func(ctx context.Context) (Result, error) {
			return Stop(), nil
		})},
		WorkerRegistration{Address: worker("2"), Poller: PollerFunc(func(ctx context.Context) (Result, error) {
			secondPolled = true
			return Continue(), nil
		})},
	)
	registry.Apply()

	res, err := registry.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.KeepGoing {
		t.Error("Expected keep going to be false")
	}
	if secondPolled {
		t.Error("Second worker should not be polled after a stop")
	}

	registry.Apply()
	if _, ok := registry.Lookup(worker("1")); ok {
		t.Error("Stopped worker should be retired at the next Apply")
	}
}

func TestRegistryMailboxDeliveryFillsOutbox(t *testing.T) {
	registry := NewRegistry(NewRouter(), nil)
	echo := HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
		return Continue().Send(msg.Reply(msg.Body)), nil
	})
	registry.Stage(WorkerRegistration{Address: worker("echo"), Handler: echo})
	registry.Apply()

	for _, body := range []string{"one", "two"} {
		msg := NewMessage([]byte(body))
		msg.ReturnRoute = NewRoute(worker("client"))
		if err := registry.Send(worker("echo"), msg); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	if _, err := registry.Deliver(context.Background()); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	out := registry.Collect()
	if len(out) != 2 {
		t.Fatalf("Expected 2 outbound messages, got %d", len(out))
	}
	if string(out[0].Body) != "one" || string(out[1].Body) != "two" {
		t.Errorf("Mailbox order not preserved: %q, %q", out[0].Body, out[1].Body)
	}
	if next, _ := out[0].OnwardRoute.Front(); next != worker("client") {
		t.Errorf("Expected reply to client, got %s", next)
	}

	stats := registry.Stats()
	if len(stats) != 1 || stats[0].MessagesProcessed != 2 {
		t.Errorf("Expected 2 processed messages in stats, got %+v", stats)
	}
}

func TestRegistrySendUnknownWorker(t *testing.T) {
	registry := NewRegistry(NewRouter(), nil)
	err := registry.Send(worker("ghost"), NewMessage(nil))
	if !errors.Is(err, ErrNoHandlerForAddress) {
		t.Fatalf("Expected ErrNoHandlerForAddress, got %v", err)
	}
}

func TestRegistryReregistrationKeepsOrder(t *testing.T) {
	router := NewRouter()
	registry := NewRegistry(router, nil)
	first := &recordingHandler{}
	second := &recordingHandler{}

	registry.Stage(
		WorkerRegistration{Address: worker("A"), Handler: first},
		WorkerRegistration{Address: worker("B"), Handler: first},
	)
	registry.Apply()
	registry.Stage(WorkerRegistration{Address: worker("A"), Handler: second})
	registry.Apply()

	stats := registry.Stats()
	if len(stats) != 2 || stats[0].Address != worker("A") {
		t.Fatalf("Re-registration should keep A first, got %+v", stats)
	}

	router.Enqueue(NewMessage(nil, worker("A")))
	if _, err := router.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(first.bodies) != 0 || len(second.bodies) != 1 {
		t.Errorf("Expected only the new handler to run, got %d and %d", len(first.bodies), len(second.bodies))
	}
}

func TestRegistryRemove(t *testing.T) {
	router := NewRouter()
	registry := NewRegistry(router, nil)
	registry.Stage(WorkerRegistration{Address: worker("A"), Handler: &recordingHandler{}})
	registry.Apply()

	if !registry.Remove(worker("A")) {
		t.Fatal("Remove should report the removed worker")
	}
	if _, ok := router.Lookup(worker("A")); ok {
		t.Error("Removed worker should be gone from the router")
	}
	if registry.Remove(worker("A")) {
		t.Error("Second Remove should report nothing removed")
	}
}

func TestRegistryErrorIsolation(t *testing.T) {
	boom := errors.New("boom")
	failing := []WorkerRegistration{
		{Address: worker("bad"), Handler: HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
			return Result{}, boom
		}), Poller: PollerFunc(func(ctx context.Context) (Result, error) {
			return Result{}, boom
		})},
	}

	strict := NewRegistry(NewRouter(), nil)
	strict.Stage(failing...)
	strict.Apply()
	strict.Send(worker("bad"), NewMessage(nil))
	if _, err := strict.Deliver(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Expected delivery error, got %v", err)
	}
	if _, err := strict.Poll(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Expected poll error, got %v", err)
	}

	registry := NewRegistry(NewRouter(), nil)
	registry.SetErrorIsolation(true)
	good := &recordingHandler{}
	var polled bool
	registry.Stage(failing...)
	registry.Stage(WorkerRegistration{Address: worker("good"), Handler: good, Poller: PollerFunc(func(ctx context.Context) (Result, error) {
		polled = true
		return Continue(), nil
	})})
	registry.Apply()
	registry.Send(worker("bad"), NewMessage(nil))
	registry.Send(worker("good"), NewMessage([]byte("ok")))

	res, err := registry.Deliver(context.Background())
	if err != nil {
		t.Fatalf("Deliver should isolate the failing worker, got %v", err)
	}
	if !res.KeepGoing {
		t.Error("Expected keep going after an isolated delivery error")
	}
	if len(good.bodies) != 1 {
		t.Errorf("Worker after the failing one should still get its mail, got %d", len(good.bodies))
	}

	res, err = registry.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll should isolate the failing worker, got %v", err)
	}
	if !res.KeepGoing || !polled {
		t.Errorf("Expected the pass to continue past the failing poller, keepGoing=%v polled=%v", res.KeepGoing, polled)
	}
}

func TestRegistryRetireAtApply(t *testing.T) {
	router := NewRouter()
	registry := NewRegistry(router, nil)
	registry.Stage(
		WorkerRegistration{Address: worker("A"), Handler: &recordingHandler{}},
		WorkerRegistration{Address: worker("B"), Handler: &recordingHandler{}},
	)
	registry.Apply()

	registry.Retire(worker("A"), worker("ghost"))
	if _, ok := registry.Lookup(worker("A")); !ok {
		t.Fatal("Retired worker must stay until Apply")
	}

	registry.Stage(WorkerRegistration{Address: worker("C"), Handler: &recordingHandler{}})
	if n := registry.Apply(); n != 1 {
		t.Errorf("Expected 1 applied registration, got %d", n)
	}
	if _, ok := router.Lookup(worker("A")); ok {
		t.Error("Retired worker should be gone from the router")
	}
	if registry.Len() != 2 {
		t.Errorf("Expected B and C to remain, got %d workers", registry.Len())
	}
}
