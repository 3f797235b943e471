package core

import (
	"errors"
	"fmt"
)

// Routing errors
var (
	ErrNoRouteSupplied     = errors.New("no route supplied")
	ErrNoHandlerForAddress = errors.New("no handler for address")
	ErrFrameTooLarge       = errors.New("message body exceeds frame size")
)

// Transport errors
var (
	ErrTransportBind    = errors.New("transport bind failure")
	ErrTransportConnect = errors.New("transport connect failure")
)

// Secure channel errors
var (
	ErrProtocolState = errors.New("protocol state error")
	ErrKeyExchange   = errors.New("key exchange failure")
)

// AddressError ties an error kind to the address it happened at.
type AddressError struct {
	Address Address
	Err     error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Address)
}

func (e *AddressError) Unwrap() error {
	return e.Err
}

func noHandler(addr Address) error {
	return &AddressError{Address: addr, Err: ErrNoHandlerForAddress}
}
