package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/najoast/snode/core"
)

// Wire limits
const (
	// MaxRouteLength is the most addresses a route may carry on the wire
	MaxRouteLength = 255

	// MaxAddressLength is the longest encoded address value
	MaxAddressLength = 255

	// MaxWireSize bounds a single encoded message
	MaxWireSize = 256 * 1024

	headerSize = 1 + 1 + 1 + 4
)

// ErrMalformed is returned for frames that cannot be decoded.
var ErrMalformed = errors.New("malformed frame")

// Codec encodes messages into the binary wire format:
//
//	u8 type | u8 onward count | addresses | u8 return count | addresses | u32 body length | body
//
// with every address laid out as u8 kind | u8 length | bytes. Integers are
// big endian. Message.Hop is never encoded.
type Codec struct{}

// NewCodec creates a new codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Encode encodes a message to binary format.
func (c *Codec) Encode(msg *core.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is nil")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	size := headerSize + len(msg.Body)
	for _, r := range []core.Route{msg.OnwardRoute, msg.ReturnRoute} {
		if len(r) > MaxRouteLength {
			return nil, fmt.Errorf("route too long: %d hops (max %d)", len(r), MaxRouteLength)
		}
		for _, a := range r {
			if len(a.Bytes()) > MaxAddressLength {
				return nil, fmt.Errorf("address too long: %s", a)
			}
			size += 2 + len(a.Bytes())
		}
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(msg.Type))
	buf = appendRoute(buf, msg.OnwardRoute)
	buf = appendRoute(buf, msg.ReturnRoute)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Body)))
	buf = append(buf, msg.Body...)
	return buf, nil
}

func appendRoute(buf []byte, r core.Route) []byte {
	buf = append(buf, byte(len(r)))
	for _, a := range r {
		raw := a.Bytes()
		buf = append(buf, byte(a.Kind()), byte(len(raw)))
		buf = append(buf, raw...)
	}
	return buf
}

// Decode decodes binary data to a message. Trailing bytes are an error.
func (c *Codec) Decode(data []byte) (*core.Message, error) {
	if len(data) > MaxWireSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMalformed, len(data), MaxWireSize)
	}
	d := decoder{data: data}

	t, err := d.byte()
	if err != nil {
		return nil, err
	}
	msg := &core.Message{Type: core.MessageType(t)}
	if !msg.Type.IsValid() {
		return nil, fmt.Errorf("%w: message type %d", ErrMalformed, t)
	}
	if msg.OnwardRoute, err = d.route(); err != nil {
		return nil, err
	}
	if msg.ReturnRoute, err = d.route(); err != nil {
		return nil, err
	}

	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if n > core.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", core.ErrFrameTooLarge, n, core.MaxFrameSize)
	}
	body, err := d.bytes(int(n))
	if err != nil {
		return nil, err
	}
	if n > 0 {
		msg.Body = make([]byte, n)
		copy(msg.Body, body)
	}

	if d.off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-d.off)
	}
	return msg, nil
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if len(d.data)-d.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, d.off, len(d.data)-d.off)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) byte() (byte, error) {
	b, err := d.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) uint32() (uint32, error) {
	b, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) route() (core.Route, error) {
	count, err := d.byte()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	r := make(core.Route, 0, count)
	for i := 0; i < int(count); i++ {
		kind, err := d.byte()
		if err != nil {
			return nil, err
		}
		n, err := d.byte()
		if err != nil {
			return nil, err
		}
		raw, err := d.bytes(int(n))
		if err != nil {
			return nil, err
		}
		a, err := core.NewAddress(core.AddressKind(kind), raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		r = append(r, a)
	}
	return r, nil
}
