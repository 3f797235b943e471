package vault

import (
	"bytes"
	"errors"
	"testing"
)

func TestKeyExchangeAgreement(t *testing.T) {
	v := NewSoftware()

	a, err := v.GenerateKeyPair(SecretAttributes{Type: KeyTypeX25519})
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	b, err := v.GenerateKeyPair(SecretAttributes{Type: KeyTypeX25519})
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	pubA, _ := v.PublicKey(a)
	pubB, _ := v.PublicKey(b)
	if len(pubA) != PublicSize {
		t.Fatalf("Expected %d byte public key, got %d", PublicSize, len(pubA))
	}

	s1, err := v.KeyExchange(a, pubB)
	if err != nil {
		t.Fatalf("Key exchange failed: %v", err)
	}
	s2, err := v.KeyExchange(b, pubA)
	if err != nil {
		t.Fatalf("Key exchange failed: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Error("Shared secrets differ")
	}
}

func TestSignVerify(t *testing.T) {
	v := NewSoftware()
	h, err := v.GenerateKeyPair(SecretAttributes{Type: KeyTypeEd25519})
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	pub, _ := v.PublicKey(h)

	sig, err := v.Sign(h, []byte("hello"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := v.Verify(pub, []byte("hello"), sig); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
	if err := v.Verify(pub, []byte("hellO"), sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature, got %v", err)
	}
}

func TestWrongKeyType(t *testing.T) {
	v := NewSoftware()
	ed, _ := v.GenerateKeyPair(SecretAttributes{Type: KeyTypeEd25519})
	x, _ := v.GenerateKeyPair(SecretAttributes{Type: KeyTypeX25519})
	pub, _ := v.PublicKey(x)

	if _, err := v.KeyExchange(ed, pub); !errors.Is(err, ErrWrongKeyType) {
		t.Errorf("Expected ErrWrongKeyType, got %v", err)
	}
	if _, err := v.Sign(x, []byte("data")); !errors.Is(err, ErrWrongKeyType) {
		t.Errorf("Expected ErrWrongKeyType, got %v", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	v := NewSoftware()
	keys, err := v.HKDF([]byte("salt"), []byte("input"), 2)
	if err != nil {
		t.Fatalf("HKDF failed: %v", err)
	}
	if len(keys) != 2 || bytes.Equal(keys[0], keys[1]) {
		t.Fatalf("Expected two distinct keys")
	}

	ct, err := v.Encrypt(keys[0], 7, []byte("ad"), []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(ct) != len("secret")+TagSize {
		t.Errorf("Expected %d byte ciphertext, got %d", len("secret")+TagSize, len(ct))
	}

	pt, err := v.Decrypt(keys[0], 7, []byte("ad"), ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(pt) != "secret" {
		t.Errorf("Expected 'secret', got %q", pt)
	}

	if _, err := v.Decrypt(keys[0], 8, []byte("ad"), ct); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Expected ErrDecrypt for wrong nonce, got %v", err)
	}
	ct[0] ^= 1
	if _, err := v.Decrypt(keys[0], 7, []byte("ad"), ct); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Expected ErrDecrypt for tampered ciphertext, got %v", err)
	}
}

func TestExportImport(t *testing.T) {
	v := NewSoftware()

	eph, _ := v.GenerateKeyPair(SecretAttributes{Type: KeyTypeX25519})
	if _, err := v.ExportPrivateKey(eph); !errors.Is(err, ErrNotExportable) {
		t.Errorf("Expected ErrNotExportable, got %v", err)
	}

	h, _ := v.GenerateKeyPair(SecretAttributes{Type: KeyTypeX25519, Persistence: Persistent})
	raw, err := v.ExportPrivateKey(h)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	pub, _ := v.PublicKey(h)

	other := NewSoftware()
	h2, err := other.ImportPrivateKey(KeyTypeX25519, raw)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	pub2, _ := other.PublicKey(h2)
	if !bytes.Equal(pub, pub2) {
		t.Error("Imported key has a different public key")
	}

	if _, err := other.ImportPrivateKey(KeyTypeX25519, raw[:10]); !errors.Is(err, ErrBadKeyMaterial) {
		t.Errorf("Expected ErrBadKeyMaterial, got %v", err)
	}
}

func TestDestroyKey(t *testing.T) {
	v := NewSoftware()
	h, _ := v.GenerateKeyPair(SecretAttributes{Type: KeyTypeX25519})

	if err := v.DestroyKey(h); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := v.PublicKey(h); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Expected ErrUnknownKey, got %v", err)
	}
	if err := v.DestroyKey(h); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Expected ErrUnknownKey on second destroy, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("key-a"))
	if len(a) != 16 {
		t.Errorf("Expected 16 hex chars, got %d", len(a))
	}
	if a == Fingerprint([]byte("key-b")) {
		t.Error("Different keys share a fingerprint")
	}
	if a != Fingerprint([]byte("key-a")) {
		t.Error("Fingerprint is not stable")
	}
}
