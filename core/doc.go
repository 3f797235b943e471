// Package core implements address-routed message dispatch for a node.
//
// A Router maps Addresses to MessageHandlers and drains a pending queue once
// per cycle. A Registry owns the live Workers, applies new registrations in
// batches between cycles and drives mailbox delivery and polling. Nothing in
// this package is safe for concurrent use: everything belongs to the node's
// single scheduling goroutine.
package core
