// Package transport provides the duplex byte-stream channels a module uses
// to talk to its peers: an in-process pair for module-as-a-thread and a unix
// domain socket for module-as-a-process.
//
// Both kinds are constructed from an opaque argument blob so that a
// coordinator can hand matching arguments to the two ends of one link
// without knowing which transport they select.
package transport

import "io"

// Transport is one bidirectional byte stream to exactly one peer.
type Transport interface {
	// Split returns the receive half and the send half of the stream.
	Split() (io.Reader, io.Writer)
	// Close tears the stream down. Pending reads on either end fail.
	Close() error
}
