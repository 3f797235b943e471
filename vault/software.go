package vault

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

type secret struct {
	attrs   SecretAttributes
	private []byte
	public  []byte
}

func (s *secret) wipe() {
	for i := range s.private {
		s.private[i] = 0
	}
	s.private = nil
}

// Software is an in-memory Vault. It is safe for concurrent use.
type Software struct {
	mu      sync.Mutex
	secrets map[KeyHandle]*secret
	next    KeyHandle
	rand    io.Reader
}

// NewSoftware creates an empty software vault.
func NewSoftware() *Software {
	return &Software{
		secrets: make(map[KeyHandle]*secret),
		rand:    rand.Reader,
	}
}

// GenerateKeyPair creates a new key pair.
func (v *Software) GenerateKeyPair(attrs SecretAttributes) (KeyHandle, error) {
	switch attrs.Type {
	case KeyTypeX25519:
		priv := make([]byte, curve25519.ScalarSize)
		if _, err := io.ReadFull(v.rand, priv); err != nil {
			return 0, fmt.Errorf("generate x25519 key: %w", err)
		}
		return v.storeX25519(attrs, priv)
	case KeyTypeEd25519:
		_, priv, err := ed25519.GenerateKey(v.rand)
		if err != nil {
			return 0, fmt.Errorf("generate ed25519 key: %w", err)
		}
		return v.store(&secret{attrs: attrs, private: priv.Seed(), public: priv.Public().(ed25519.PublicKey)}), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrWrongKeyType, attrs.Type)
	}
}

// ImportPrivateKey loads raw private key material as a persistent key.
func (v *Software) ImportPrivateKey(t KeyType, raw []byte) (KeyHandle, error) {
	attrs := SecretAttributes{Type: t, Persistence: Persistent}
	switch t {
	case KeyTypeX25519:
		if len(raw) != curve25519.ScalarSize {
			return 0, fmt.Errorf("%w: x25519 key must be %d bytes", ErrBadKeyMaterial, curve25519.ScalarSize)
		}
		priv := make([]byte, len(raw))
		copy(priv, raw)
		return v.storeX25519(attrs, priv)
	case KeyTypeEd25519:
		if len(raw) != ed25519.SeedSize {
			return 0, fmt.Errorf("%w: ed25519 seed must be %d bytes", ErrBadKeyMaterial, ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(raw)
		return v.store(&secret{attrs: attrs, private: priv.Seed(), public: priv.Public().(ed25519.PublicKey)}), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrWrongKeyType, t)
	}
}

func (v *Software) storeX25519(attrs SecretAttributes, priv []byte) (KeyHandle, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err)
	}
	return v.store(&secret{attrs: attrs, private: priv, public: pub}), nil
}

func (v *Software) store(s *secret) KeyHandle {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.next++
	v.secrets[v.next] = s
	return v.next
}

func (v *Software) lookup(h KeyHandle) (*secret, error) {
	s, ok := v.secrets[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKey, h)
	}
	return s, nil
}

// ExportPrivateKey returns the raw private key of a persistent key.
func (v *Software) ExportPrivateKey(h KeyHandle) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, err := v.lookup(h)
	if err != nil {
		return nil, err
	}
	if s.attrs.Persistence != Persistent {
		return nil, ErrNotExportable
	}
	out := make([]byte, len(s.private))
	copy(out, s.private)
	return out, nil
}

// PublicKey returns the public half of a key pair.
func (v *Software) PublicKey(h KeyHandle) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, err := v.lookup(h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(s.public))
	copy(out, s.public)
	return out, nil
}

// Sign signs data with an Ed25519 key.
func (v *Software) Sign(h KeyHandle, data []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, err := v.lookup(h)
	if err != nil {
		return nil, err
	}
	if s.attrs.Type != KeyTypeEd25519 {
		return nil, fmt.Errorf("%w: sign needs ed25519, have %s", ErrWrongKeyType, s.attrs.Type)
	}
	return ed25519.Sign(ed25519.NewKeyFromSeed(s.private), data), nil
}

// Verify checks an Ed25519 signature.
func (v *Software) Verify(public, data, signature []byte) error {
	if len(public) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes", ErrBadKeyMaterial, ed25519.PublicKeySize)
	}
	if !ed25519.Verify(ed25519.PublicKey(public), data, signature) {
		return ErrBadSignature
	}
	return nil
}

// KeyExchange computes the X25519 shared secret with a peer public key.
func (v *Software) KeyExchange(h KeyHandle, peerPublic []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, err := v.lookup(h)
	if err != nil {
		return nil, err
	}
	if s.attrs.Type != KeyTypeX25519 {
		return nil, fmt.Errorf("%w: key exchange needs x25519, have %s", ErrWrongKeyType, s.attrs.Type)
	}
	if len(peerPublic) != PublicSize {
		return nil, fmt.Errorf("%w: peer public key must be %d bytes", ErrBadKeyMaterial, PublicSize)
	}
	shared, err := curve25519.X25519(s.private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err)
	}
	return shared, nil
}

// Hash returns the SHA-256 digest of the concatenation of parts.
func (v *Software) Hash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// HKDF derives n keys of KeySize bytes with HKDF-SHA256.
func (v *Software) HKDF(salt, ikm []byte, n int) ([][]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, nil)
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, KeySize)
		if _, err := io.ReadFull(r, out[i]); err != nil {
			return nil, fmt.Errorf("hkdf: %w", err)
		}
	}
	return out, nil
}

// Encrypt seals plaintext with ChaCha20-Poly1305.
func (v *Software) Encrypt(key []byte, nonce uint64, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err)
	}
	return aead.Seal(nil, counterNonce(nonce), plaintext, ad), nil
}

// Decrypt opens ciphertext sealed by Encrypt.
func (v *Software) Decrypt(key []byte, nonce uint64, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err)
	}
	plain, err := aead.Open(nil, counterNonce(nonce), ciphertext, ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// DestroyKey wipes and forgets a key.
func (v *Software) DestroyKey(h KeyHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, err := v.lookup(h)
	if err != nil {
		return err
	}
	s.wipe()
	delete(v.secrets, h)
	return nil
}

// counterNonce lays a message counter out as a 96-bit nonce: four zero
// bytes followed by the little-endian counter.
func counterNonce(n uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], n)
	return nonce
}

// Fingerprint returns a short printable identifier for a public key.
func Fingerprint(public []byte) string {
	sum := blake2b.Sum256(public)
	return hex.EncodeToString(sum[:8])
}
