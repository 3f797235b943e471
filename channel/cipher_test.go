package channel

import "testing"

func TestReplayWindow(t *testing.T) {
	c := &cipherState{}

	for _, n := range []uint64{0, 2, 1, 5} {
		if !c.fresh(n) {
			t.Fatalf("Nonce %d should be fresh", n)
		}
		c.accept(n)
	}
	for _, n := range []uint64{0, 1, 2, 5} {
		if c.fresh(n) {
			t.Errorf("Nonce %d should be a replay", n)
		}
	}
	if !c.fresh(3) || !c.fresh(4) {
		t.Error("Skipped nonces inside the window should be fresh")
	}

	c.accept(200)
	if c.fresh(100) {
		t.Error("Nonce behind the window should be rejected")
	}
	if !c.fresh(199) {
		t.Error("Nonce just behind the highest should be fresh")
	}
}
