package channel

import (
	"fmt"

	"github.com/najoast/snode/core"
	"github.com/najoast/snode/vault"
)

// protocolName is exactly HashSize bytes, so it is used as the initial hash
// without hashing.
const protocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

const encryptedKeySize = vault.PublicSize + vault.TagSize

// symmetricState carries the chaining key and handshake hash of an XX run.
type symmetricState struct {
	v  vault.Vault
	ck []byte
	h  []byte
	k  []byte
	n  uint64
}

func newSymmetricState(v vault.Vault) *symmetricState {
	h := []byte(protocolName)
	ck := make([]byte, len(h))
	copy(ck, h)
	s := &symmetricState{v: v, ck: ck, h: h}
	s.mixHash(nil)
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	s.h = s.v.Hash(s.h, data)
}

func (s *symmetricState) mixKey(ikm []byte) error {
	out, err := s.v.HKDF(s.ck, ikm, 2)
	if err != nil {
		return err
	}
	s.ck, s.k, s.n = out[0], out[1], 0
	return nil
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if s.k == nil {
		s.mixHash(plaintext)
		return plaintext, nil
	}
	ct, err := s.v.Encrypt(s.k, s.n, s.h, plaintext)
	if err != nil {
		return nil, err
	}
	s.n++
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if s.k == nil {
		s.mixHash(ciphertext)
		return ciphertext, nil
	}
	pt, err := s.v.Decrypt(s.k, s.n, s.h, ciphertext)
	if err != nil {
		return nil, err
	}
	s.n++
	s.mixHash(ciphertext)
	return pt, nil
}

// split returns the initiator-to-responder and responder-to-initiator keys.
func (s *symmetricState) split() ([]byte, []byte, error) {
	out, err := s.v.HKDF(s.ck, nil, 2)
	if err != nil {
		return nil, nil, err
	}
	return out[0], out[1], nil
}

// handshake runs the XX pattern for one side:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
type handshake struct {
	ss *symmetricState
	v  vault.Vault

	initiator bool
	static    vault.KeyHandle
	ephemeral vault.KeyHandle

	remoteEphemeral []byte
	remoteStatic    []byte
}

func newHandshake(v vault.Vault, static vault.KeyHandle, initiator bool) (*handshake, error) {
	e, err := v.GenerateKeyPair(vault.SecretAttributes{Type: vault.KeyTypeX25519, Persistence: vault.Ephemeral})
	if err != nil {
		return nil, keyExchange("generate ephemeral", err)
	}
	return &handshake{
		ss:        newSymmetricState(v),
		v:         v,
		initiator: initiator,
		static:    static,
		ephemeral: e,
	}, nil
}

func keyExchange(step string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrKeyExchange, step, err)
}

func (hs *handshake) dh(local vault.KeyHandle, remote []byte) error {
	shared, err := hs.v.KeyExchange(local, remote)
	if err != nil {
		return err
	}
	return hs.ss.mixKey(shared)
}

func (hs *handshake) publicKey(h vault.KeyHandle) ([]byte, error) {
	return hs.v.PublicKey(h)
}

// writeM1 is the initiator's -> e.
func (hs *handshake) writeM1() ([]byte, error) {
	e, err := hs.publicKey(hs.ephemeral)
	if err != nil {
		return nil, keyExchange("m1 ephemeral", err)
	}
	hs.ss.mixHash(e)
	payload, err := hs.ss.encryptAndHash(nil)
	if err != nil {
		return nil, keyExchange("m1 payload", err)
	}
	return append(e, payload...), nil
}

// readM1 is the responder's side of -> e.
func (hs *handshake) readM1(body []byte) error {
	if len(body) < vault.PublicSize {
		return keyExchange("m1", fmt.Errorf("short message: %d bytes", len(body)))
	}
	hs.remoteEphemeral = clone(body[:vault.PublicSize])
	hs.ss.mixHash(hs.remoteEphemeral)
	if _, err := hs.ss.decryptAndHash(body[vault.PublicSize:]); err != nil {
		return keyExchange("m1 payload", err)
	}
	return nil
}

// writeM2 is the responder's <- e, ee, s, es.
func (hs *handshake) writeM2() ([]byte, error) {
	e, err := hs.publicKey(hs.ephemeral)
	if err != nil {
		return nil, keyExchange("m2 ephemeral", err)
	}
	hs.ss.mixHash(e)
	if err := hs.dh(hs.ephemeral, hs.remoteEphemeral); err != nil {
		return nil, keyExchange("m2 ee", err)
	}
	s, err := hs.publicKey(hs.static)
	if err != nil {
		return nil, keyExchange("m2 static", err)
	}
	encS, err := hs.ss.encryptAndHash(s)
	if err != nil {
		return nil, keyExchange("m2 static", err)
	}
	if err := hs.dh(hs.static, hs.remoteEphemeral); err != nil {
		return nil, keyExchange("m2 es", err)
	}
	payload, err := hs.ss.encryptAndHash(nil)
	if err != nil {
		return nil, keyExchange("m2 payload", err)
	}

	out := append(e, encS...)
	return append(out, payload...), nil
}

// checkpoint is the part of a handshake a failed read must not change.
// mixHash and mixKey replace slices rather than writing into them, so a
// struct copy of the symmetric state is enough.
type checkpoint struct {
	ss              symmetricState
	remoteEphemeral []byte
	remoteStatic    []byte
}

func (hs *handshake) save() checkpoint {
	return checkpoint{ss: *hs.ss, remoteEphemeral: hs.remoteEphemeral, remoteStatic: hs.remoteStatic}
}

func (hs *handshake) restore(c checkpoint) {
	*hs.ss = c.ss
	hs.remoteEphemeral = c.remoteEphemeral
	hs.remoteStatic = c.remoteStatic
}

// readM2 is the initiator's side of <- e, ee, s, es. On error the handshake
// is left as it was, so a later genuine M2 can still be read.
func (hs *handshake) readM2(body []byte) (err error) {
	defer hs.rollback(hs.save(), &err)
	if len(body) < vault.PublicSize+encryptedKeySize {
		return keyExchange("m2", fmt.Errorf("short message: %d bytes", len(body)))
	}
	hs.remoteEphemeral = clone(body[:vault.PublicSize])
	hs.ss.mixHash(hs.remoteEphemeral)
	if err := hs.dh(hs.ephemeral, hs.remoteEphemeral); err != nil {
		return keyExchange("m2 ee", err)
	}
	rs, err := hs.ss.decryptAndHash(body[vault.PublicSize : vault.PublicSize+encryptedKeySize])
	if err != nil {
		return keyExchange("m2 static", err)
	}
	hs.remoteStatic = rs
	if err := hs.dh(hs.ephemeral, hs.remoteStatic); err != nil {
		return keyExchange("m2 es", err)
	}
	if _, err := hs.ss.decryptAndHash(body[vault.PublicSize+encryptedKeySize:]); err != nil {
		return keyExchange("m2 payload", err)
	}
	return nil
}

// writeM3 is the initiator's -> s, se.
func (hs *handshake) writeM3() ([]byte, error) {
	s, err := hs.publicKey(hs.static)
	if err != nil {
		return nil, keyExchange("m3 static", err)
	}
	encS, err := hs.ss.encryptAndHash(s)
	if err != nil {
		return nil, keyExchange("m3 static", err)
	}
	if err := hs.dh(hs.static, hs.remoteEphemeral); err != nil {
		return nil, keyExchange("m3 se", err)
	}
	payload, err := hs.ss.encryptAndHash(nil)
	if err != nil {
		return nil, keyExchange("m3 payload", err)
	}
	return append(encS, payload...), nil
}

// readM3 is the responder's side of -> s, se. Like readM2 it changes
// nothing on error.
func (hs *handshake) readM3(body []byte) (err error) {
	defer hs.rollback(hs.save(), &err)
	if len(body) < encryptedKeySize {
		return keyExchange("m3", fmt.Errorf("short message: %d bytes", len(body)))
	}
	rs, err := hs.ss.decryptAndHash(body[:encryptedKeySize])
	if err != nil {
		return keyExchange("m3 static", err)
	}
	hs.remoteStatic = rs
	if err := hs.dh(hs.ephemeral, hs.remoteStatic); err != nil {
		return keyExchange("m3 se", err)
	}
	if _, err := hs.ss.decryptAndHash(body[encryptedKeySize:]); err != nil {
		return keyExchange("m3 payload", err)
	}
	return nil
}

func (hs *handshake) rollback(c checkpoint, err *error) {
	if *err != nil {
		hs.restore(c)
	}
}

// abort destroys the ephemeral key of a handshake that will never finish.
func (hs *handshake) abort() {
	_ = hs.v.DestroyKey(hs.ephemeral)
}

// finish splits the transport keys and destroys the ephemeral key.
func (hs *handshake) finish() (send, recv []byte, err error) {
	k1, k2, err := hs.ss.split()
	if err != nil {
		return nil, nil, keyExchange("split", err)
	}
	_ = hs.v.DestroyKey(hs.ephemeral)
	if hs.initiator {
		return k1, k2, nil
	}
	return k2, k1, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
