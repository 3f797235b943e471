package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/najoast/snode/vault"
)

func TestIdentityIsCreatedThenReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")

	v := vault.NewSoftware()
	first, err := loadIdentity(v, path)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	pub1, _ := v.PublicKey(first)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("identity file not written: %v", err)
	}
	if raw, err := hex.DecodeString(strings.TrimSpace(string(data))); err != nil || len(raw) != vault.KeySize {
		t.Fatalf("identity file holds %q", data)
	}

	other := vault.NewSoftware()
	second, err := loadIdentity(other, path)
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	pub2, _ := other.PublicKey(second)
	if !bytes.Equal(pub1, pub2) {
		t.Errorf("reloaded public key differs")
	}
}

func TestIdentityRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, []byte("not hex"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadIdentity(vault.NewSoftware(), path); err == nil {
		t.Fatal("expected an error for a malformed identity file")
	}
}

func TestTrustOnly(t *testing.T) {
	if trustOnly(nil) != nil {
		t.Fatal("no keys should trust everyone")
	}
	known := bytes.Repeat([]byte{1}, 32)
	check := trustOnly([][]byte{known})
	if err := check(known); err != nil {
		t.Errorf("known key rejected: %v", err)
	}
	if err := check(bytes.Repeat([]byte{2}, 32)); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestKeygen(t *testing.T) {
	out := filepath.Join(t.TempDir(), "key")
	app := newApp()
	var buf bytes.Buffer
	app.Writer = &buf

	if err := app.Run([]string{"snode", "keygen", "--out", out}); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.Contains(buf.String(), "public key:") || !strings.Contains(buf.String(), "fingerprint:") {
		t.Fatalf("unexpected output %q", buf.String())
	}

	v := vault.NewSoftware()
	h, err := loadIdentity(v, out)
	if err != nil {
		t.Fatalf("load generated key: %v", err)
	}
	pub, _ := v.PublicKey(h)
	if !strings.Contains(buf.String(), hex.EncodeToString(pub)) {
		t.Errorf("printed public key does not match the saved private key")
	}
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().String()
}

func TestRunInitiatorAgainstResponder(t *testing.T) {
	dir := t.TempDir()
	endpoint := freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		app := newApp()
		done <- app.RunContext(ctx, []string{"snode", "run",
			"--role", "responder",
			"--tcp-listen", endpoint,
			"--identity", filepath.Join(dir, "responder"),
			"--log-level", "error",
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("tcp", endpoint)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("responder never started listening: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	err := app.RunContext(ctx, []string{"snode", "run",
		"--role", "initiator",
		"--tcp-connect", endpoint,
		"--message", "over the channel",
		"--identity", filepath.Join(dir, "initiator"),
		"--log-level", "error",
	})
	if err != nil {
		t.Fatalf("initiator: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "over the channel" {
		t.Errorf("initiator printed %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("responder: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("responder did not stop")
	}
}
