// Package transporttest provides an in-process transport.Stream double for
// unit tests, backed by net.Pipe rather than a loopback TCP socket.
//
// The protocol-client unit tests use it to play the remote peer's bytes
// directly; the chain orchestrator's end-to-end tests, which need full
// SOCKS5/SOCKS4/HTTP servers over real sockets, use internal/proxytest
// instead.
package transporttest

import (
	"net"

	"github.com/die-net/conduit/internal/transport"
)

// NewPipe returns a transport.Stream (the "client" side) backed by one end
// of an in-memory net.Pipe, and the raw net.Conn for the other end so a test
// can play the remote peer's script directly.
func NewPipe() (transport.Stream, net.Conn) {
	client, server := net.Pipe()
	return transport.NewTCPStream(client), server
}
