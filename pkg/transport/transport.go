// Package transport defines the daemon's pluggable transport substrate: a
// byte-stream transport yielding authenticated, peer-identified,
// full-duplex connections. Nothing here assumes TCP, only ordered,
// reliable, bidirectional byte streams with a peer identity attached at
// upgrade time. Concrete transports (TCP+TLS, QUIC, a libp2p-style swarm)
// are external collaborators named only by this interface; the package
// also provides an in-memory test double (net.Pipe-backed) so pkg/endpoint
// and pkg/taker can be exercised without a real network.
package transport

import (
	"context"
	"time"

	"github.com/estuary/cfd-daemon/pkg/cfdid"
)

// Stream is one multiplexed substream: an ordered, reliable, full-duplex
// byte stream, framed per protocol by in-band negotiation (pkg/multistream).
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetDeadline(t time.Time) error
	Close() error
}

// Control is the connection multiplexer for one connection, owned
// exclusively by the Endpoint. It opens outbound substreams and yields
// inbound ones.
type Control interface {
	// OpenStream opens a new outbound substream.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream blocks until an inbound substream arrives, the
	// underlying connection is closed, or ctx is done.
	AcceptStream(ctx context.Context) (Stream, error)
	// Close tears down the multiplexer and every substream riding it.
	Close() error
}

// Conn is one established, authenticated, peer-identified connection.
type Conn interface {
	PeerId() cfdid.PeerId
	Control() Control
	Close() error
}

// Listener accepts inbound connections on one listen address.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}

// Transport dials and listens for connections. An address is an opaque
// dial/listen target here; parsing any "/p2p/<PeerId>" suffix out of a
// Multiaddr is the Endpoint's job, not the Transport's.
type Transport interface {
	Dial(ctx context.Context, target string) (Conn, error)
	Listen(ctx context.Context, target string) (Listener, error)
}
