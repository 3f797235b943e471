package core

import "strings"

// Route is an ordered list of addresses describing the remaining hops of a message.
type Route []Address

// NewRoute builds a route from the given addresses.
func NewRoute(addrs ...Address) Route {
	r := make(Route, len(addrs))
	copy(r, addrs)
	return r
}

// Empty reports whether there are no hops left.
func (r Route) Empty() bool {
	return len(r) == 0
}

// Front returns the next hop.
func (r Route) Front() (Address, bool) {
	if len(r) == 0 {
		return Address{}, false
	}
	return r[0], true
}

// PopFront removes the next hop and returns it together with the remaining route.
func (r Route) PopFront() (Address, Route, bool) {
	if len(r) == 0 {
		return Address{}, r, false
	}
	return r[0], r[1:], true
}

// Prepend returns a new route with addr in front.
func (r Route) Prepend(addr Address) Route {
	out := make(Route, 0, len(r)+1)
	out = append(out, addr)
	return append(out, r...)
}

// Append returns a new route with addr at the back.
func (r Route) Append(addr Address) Route {
	out := make(Route, 0, len(r)+1)
	out = append(out, r...)
	return append(out, addr)
}

// Clone returns a copy of the route.
func (r Route) Clone() Route {
	if r == nil {
		return nil
	}
	out := make(Route, len(r))
	copy(out, r)
	return out
}

// String renders the route as a " => " separated list.
func (r Route) String() string {
	parts := make([]string, len(r))
	for i, a := range r {
		parts[i] = a.String()
	}
	return "[" + strings.Join(parts, " => ") + "]"
}
