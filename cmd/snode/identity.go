package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/najoast/snode/vault"
)

var identityAttrs = vault.SecretAttributes{Type: vault.KeyTypeX25519, Persistence: vault.Persistent}

// loadIdentity returns the static key kept in path. A missing file is
// created with a fresh key; an empty path yields a key that is not saved.
func loadIdentity(v vault.Vault, path string) (vault.KeyHandle, error) {
	if path == "" {
		return v.GenerateKeyPair(identityAttrs)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		h, err := v.GenerateKeyPair(identityAttrs)
		if err != nil {
			return 0, err
		}
		if err := saveIdentity(v, h, path); err != nil {
			return 0, err
		}
		return h, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read identity: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("identity %s: %w", path, err)
	}
	return v.ImportPrivateKey(vault.KeyTypeX25519, raw)
}

func saveIdentity(v vault.Vault, h vault.KeyHandle, path string) error {
	raw, err := v.ExportPrivateKey(h)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

func keygen(c *cli.Context) error {
	v := vault.NewSoftware()
	h, err := v.GenerateKeyPair(identityAttrs)
	if err != nil {
		return err
	}
	pub, err := v.PublicKey(h)
	if err != nil {
		return err
	}

	if out := c.String(outFlag.Name); out != "" {
		if err := saveIdentity(v, h, out); err != nil {
			return err
		}
	}

	w := c.App.Writer
	fmt.Fprintf(w, "public key:  %s\n", hex.EncodeToString(pub))
	fmt.Fprintf(w, "fingerprint: %s\n", vault.Fingerprint(pub))
	return nil
}
