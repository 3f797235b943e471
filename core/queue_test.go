package core

import "testing"

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 200; i++ {
		q.Push(i)
	}
	for i := 0; i < 200; i++ {
		v, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue unexpectedly empty", i)
		}
		if v != i {
			t.Fatalf("Expected %d, got %d", i, v)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Expected empty queue")
	}
}

func TestQueueInterleaved(t *testing.T) {
	q := NewQueue[string]()
	q.PushAll("a", "b")
	if v, _ := q.Pop(); v != "a" {
		t.Errorf("Expected a, got %s", v)
	}
	q.Push("c")
	if v, _ := q.Peek(); v != "b" {
		t.Errorf("Expected peek b, got %s", v)
	}
	if got := q.Items(); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("Expected [b c], got %v", got)
	}
	if q.Len() != 2 {
		t.Errorf("Items must not consume, len=%d", q.Len())
	}
	if got := q.Take(); len(got) != 2 || !q.Empty() {
		t.Errorf("Take should empty the queue, got %v and len %d", got, q.Len())
	}
}

func TestQueueDrainSeesPushesFromCallback(t *testing.T) {
	q := NewQueue[int]()
	q.Push(3)
	var seen []int
	q.Drain(func(v int) {
		seen = append(seen, v)
		if v > 0 {
			q.Push(v - 1)
		}
	})
	if len(seen) != 4 || seen[3] != 0 {
		t.Errorf("Expected [3 2 1 0], got %v", seen)
	}
}

func TestAddressedQueue(t *testing.T) {
	addr := WorkerAddress([]byte("inbox"))
	q := NewAddressedQueue[*Message](addr)
	if q.Address() != addr {
		t.Errorf("Expected %s, got %s", addr, q.Address())
	}
}
