package channel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/najoast/snode/core"
	"github.com/najoast/snode/vault"
)

const (
	nonceSize    = 8
	replayWindow = 64
)

// MaxPlaintextSize is the largest plaintext whose sealed payload still fits
// in one frame.
const MaxPlaintextSize = core.MaxFrameSize - nonceSize - vault.TagSize

// ErrReplay is returned for a payload whose nonce was already accepted or
// fell behind the replay window.
var ErrReplay = errors.New("replayed or stale payload")

// cipherState encrypts payloads after the handshake. Every payload carries
// its nonce in clear so datagram-style transports may reorder frames.
type cipherState struct {
	v vault.Vault

	sendKey []byte
	sendN   uint64

	recvKey []byte
	highest uint64
	seen    uint64
	any     bool
}

func newCipherState(v vault.Vault, send, recv []byte) *cipherState {
	return &cipherState{v: v, sendKey: send, recvKey: recv}
}

func (c *cipherState) seal(plaintext []byte) ([]byte, error) {
	n := c.sendN
	ct, err := c.v.Encrypt(c.sendKey, n, nil, plaintext)
	if err != nil {
		return nil, err
	}
	c.sendN++
	out := make([]byte, nonceSize, nonceSize+len(ct))
	binary.BigEndian.PutUint64(out, n)
	return append(out, ct...), nil
}

func (c *cipherState) open(body []byte) ([]byte, error) {
	if len(body) < nonceSize+vault.TagSize {
		return nil, fmt.Errorf("%w: short payload (%d bytes)", vault.ErrDecrypt, len(body))
	}
	n := binary.BigEndian.Uint64(body[:nonceSize])
	if !c.fresh(n) {
		return nil, fmt.Errorf("%w: nonce %d", ErrReplay, n)
	}
	pt, err := c.v.Decrypt(c.recvKey, n, nil, body[nonceSize:])
	if err != nil {
		return nil, err
	}
	c.accept(n)
	return pt, nil
}

func (c *cipherState) fresh(n uint64) bool {
	if !c.any || n > c.highest {
		return true
	}
	diff := c.highest - n
	if diff >= replayWindow {
		return false
	}
	return c.seen&(1<<diff) == 0
}

func (c *cipherState) accept(n uint64) {
	switch {
	case !c.any:
		c.any = true
		c.highest = n
		c.seen = 1
	case n > c.highest:
		shift := n - c.highest
		if shift >= replayWindow {
			c.seen = 0
		} else {
			c.seen <<= shift
		}
		c.seen |= 1
		c.highest = n
	default:
		c.seen |= 1 << (c.highest - n)
	}
}
