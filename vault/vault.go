// Package vault provides the cryptographic capability consumed by secure
// channels: key generation, Diffie-Hellman, signing, hashing, HKDF and AEAD.
// Private keys never leave a vault except through ExportPrivateKey on
// persistent keys.
package vault

import (
	"errors"
	"fmt"
)

// KeyHandle refers to a secret held by a Vault.
type KeyHandle uint64

// KeyType selects the algorithm of a key pair.
type KeyType uint8

const (
	// KeyTypeX25519 for Diffie-Hellman key agreement
	KeyTypeX25519 KeyType = iota

	// KeyTypeEd25519 for signatures
	KeyTypeEd25519
)

// String returns the string representation of KeyType.
func (t KeyType) String() string {
	switch t {
	case KeyTypeX25519:
		return "x25519"
	case KeyTypeEd25519:
		return "ed25519"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Persistence says whether a key outlives the session that created it.
type Persistence uint8

const (
	// Ephemeral keys are destroyed after use and cannot be exported
	Ephemeral Persistence = iota

	// Persistent keys may be exported and reloaded
	Persistent
)

// SecretAttributes describe a key to generate.
type SecretAttributes struct {
	Type        KeyType
	Persistence Persistence
}

// Sizes used by the software vault.
const (
	KeySize    = 32
	PublicSize = 32
	HashSize   = 32
	TagSize    = 16
)

// Vault errors
var (
	ErrUnknownKey     = errors.New("unknown key handle")
	ErrWrongKeyType   = errors.New("wrong key type for operation")
	ErrNotExportable  = errors.New("key is not exportable")
	ErrBadKeyMaterial = errors.New("bad key material")
	ErrDecrypt        = errors.New("decryption failed")
	ErrBadSignature   = errors.New("signature verification failed")
)

// Vault is the opaque cryptographic capability.
type Vault interface {
	// GenerateKeyPair creates a new key pair and returns its handle.
	GenerateKeyPair(attrs SecretAttributes) (KeyHandle, error)

	// ImportPrivateKey loads raw private key material as a persistent key.
	ImportPrivateKey(t KeyType, raw []byte) (KeyHandle, error)

	// ExportPrivateKey returns the raw private key of a persistent key.
	ExportPrivateKey(h KeyHandle) ([]byte, error)

	// PublicKey returns the public half of a key pair.
	PublicKey(h KeyHandle) ([]byte, error)

	// Sign signs data with an Ed25519 key.
	Sign(h KeyHandle, data []byte) ([]byte, error)

	// Verify checks an Ed25519 signature.
	Verify(public, data, signature []byte) error

	// KeyExchange computes the X25519 shared secret with a peer public key.
	KeyExchange(h KeyHandle, peerPublic []byte) ([]byte, error)

	// Hash returns the digest of the concatenation of parts.
	Hash(parts ...[]byte) []byte

	// HKDF derives n keys of KeySize bytes from salt and input key material.
	HKDF(salt, ikm []byte, n int) ([][]byte, error)

	// Encrypt seals plaintext with key under a counter nonce.
	Encrypt(key []byte, nonce uint64, ad, plaintext []byte) ([]byte, error)

	// Decrypt opens ciphertext sealed by Encrypt.
	Decrypt(key []byte, nonce uint64, ad, ciphertext []byte) ([]byte, error)

	// DestroyKey wipes and forgets a key.
	DestroyKey(h KeyHandle) error
}
