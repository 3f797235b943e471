package core

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// AddressKind tags the variant held by an Address.
type AddressKind uint8

const (
	// AddressKindWorker addresses a worker by an opaque byte id.
	AddressKindWorker AddressKind = iota

	// AddressKindTCP addresses a TCP endpoint (ip:port).
	AddressKindTCP

	// AddressKindUDP addresses a UDP endpoint (ip:port). QUIC runs over it.
	AddressKindUDP
)

// String returns the string representation of AddressKind.
func (k AddressKind) String() string {
	switch k {
	case AddressKindWorker:
		return "worker"
	case AddressKindTCP:
		return "tcp"
	case AddressKindUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// IsTransport reports whether addresses of this kind are owned by a transport router.
func (k AddressKind) IsTransport() bool {
	return k == AddressKindTCP || k == AddressKindUDP
}

// Address is an opaque routable identifier. It is a comparable value type and
// can be used directly as a map key.
type Address struct {
	kind  AddressKind
	value string
}

// Well-known addresses.
var (
	// ChannelZero is where a secure channel responder listens before a
	// session specific address has been minted.
	ChannelZero = WorkerAddress([]byte{0, 0, 0, 0})

	// TCPTransportAddress is the address of the single TCP transport router of a node.
	TCPTransportAddress = WorkerAddress([]byte("transport/tcp"))

	// UDPTransportAddress is the address of the single QUIC transport router of a node.
	UDPTransportAddress = WorkerAddress([]byte("transport/udp"))
)

// WorkerAddress creates a worker address from an opaque id. The id is copied.
func WorkerAddress(id []byte) Address {
	return Address{kind: AddressKindWorker, value: string(id)}
}

// WorkerAddressFromHex creates a worker address from a hex encoded id.
func WorkerAddressFromHex(s string) (Address, error) {
	id, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid worker address %q: %w", s, err)
	}
	if len(id) == 0 {
		return Address{}, fmt.Errorf("invalid worker address: empty id")
	}
	return WorkerAddress(id), nil
}

// TCPAddress creates a TCP endpoint address. The endpoint must be ip:port.
func TCPAddress(endpoint string) (Address, error) {
	if err := checkEndpoint(endpoint); err != nil {
		return Address{}, err
	}
	return Address{kind: AddressKindTCP, value: endpoint}, nil
}

// UDPAddress creates a UDP endpoint address. The endpoint must be ip:port.
func UDPAddress(endpoint string) (Address, error) {
	if err := checkEndpoint(endpoint); err != nil {
		return Address{}, err
	}
	return Address{kind: AddressKindUDP, value: endpoint}, nil
}

// MustParseAddress is like ParseAddress but panics on error. Intended for
// tests and constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAddress parses the String form of an address: worker:<hex>,
// tcp:<ip:port> or udp:<ip:port>. A bare hex string is a worker address.
func ParseAddress(s string) (Address, error) {
	kind, rest, found := strings.Cut(s, ":")
	if !found {
		return WorkerAddressFromHex(s)
	}
	switch kind {
	case "worker":
		return WorkerAddressFromHex(rest)
	case "tcp":
		return TCPAddress(rest)
	case "udp":
		return UDPAddress(rest)
	default:
		return Address{}, fmt.Errorf("unknown address kind %q", kind)
	}
}

func checkEndpoint(endpoint string) error {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if port == "" {
		return fmt.Errorf("invalid endpoint %q: missing port", endpoint)
	}
	if host != "" && net.ParseIP(host) == nil && host != "localhost" {
		return fmt.Errorf("invalid endpoint %q: host is not an ip", endpoint)
	}
	return nil
}

// Kind returns the address variant.
func (a Address) Kind() AddressKind {
	return a.kind
}

// Bytes returns the raw address bytes: the worker id, or the endpoint string.
func (a Address) Bytes() []byte {
	return []byte(a.value)
}

// Endpoint returns the ip:port of a transport address, or "" for a worker address.
func (a Address) Endpoint() string {
	if !a.kind.IsTransport() {
		return ""
	}
	return a.value
}

// IsZero reports whether a is the zero Address (an empty worker id).
func (a Address) IsZero() bool {
	return a.kind == AddressKindWorker && a.value == ""
}

// IsTransport reports whether the address is owned by a transport router.
func (a Address) IsTransport() bool {
	return a.kind.IsTransport()
}

// Equal reports whether two addresses are structurally equal.
func (a Address) Equal(b Address) bool {
	return a.kind == b.kind && a.value == b.value
}

// String renders the address in the form accepted by ParseAddress.
func (a Address) String() string {
	if a.kind == AddressKindWorker {
		return "worker:" + hex.EncodeToString([]byte(a.value))
	}
	return a.kind.String() + ":" + a.value
}

// Compare orders addresses by kind, then by value.
func (a Address) Compare(b Address) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	return bytes.Compare([]byte(a.value), []byte(b.value))
}

// NewAddress builds an address of the given kind from its raw bytes, as
// produced by Bytes. Used by wire decoders.
func NewAddress(kind AddressKind, raw []byte) (Address, error) {
	switch kind {
	case AddressKindWorker:
		return WorkerAddress(raw), nil
	case AddressKindTCP:
		return TCPAddress(string(raw))
	case AddressKindUDP:
		return UDPAddress(string(raw))
	default:
		return Address{}, fmt.Errorf("unknown address kind %d", kind)
	}
}
