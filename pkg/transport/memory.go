package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/estuary/cfd-daemon/pkg/cfderrors"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
)

// registry is the fake "network" memoryTransport instances dial into,
// keyed by listen target. It plays the role a real transport's OS socket
// table plays: Listen registers an address, Dial looks it up.
var (
	registryMu sync.Mutex
	registry   = make(map[string]*memoryListener)
)

// MemoryTransport is an in-process Transport backed by net.Pipe and the
// mux frame multiplexer, standing in for a real authenticated transport.
// Every MemoryTransport is "born" already knowing its own PeerId, as if
// upgrade-time authentication had already happened.
type MemoryTransport struct {
	self cfdid.PeerId
}

// NewMemoryTransport returns a Transport that identifies itself as self
// to every peer it dials or accepts from.
func NewMemoryTransport(self cfdid.PeerId) *MemoryTransport {
	return &MemoryTransport{self: self}
}

func (t *MemoryTransport) Dial(ctx context.Context, target string) (Conn, error) {
	registryMu.Lock()
	var l = registry[target]
	registryMu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("%w: no listener at %q", cfderrors.ErrFailedToConnect, target)
	}

	var clientSide, serverSide = net.Pipe()
	var clientConn = &memoryConn{peer: l.owner, mux: newMux(clientSide, true)}
	var serverConn = &memoryConn{peer: t.self, mux: newMux(serverSide, false)}

	select {
	case l.incoming <- serverConn:
		return clientConn, nil
	case <-l.closed:
		_ = clientConn.Close()
		_ = serverConn.Close()
		return nil, fmt.Errorf("%w: listener at %q closed", cfderrors.ErrFailedToConnect, target)
	case <-ctx.Done():
		_ = clientConn.Close()
		_ = serverConn.Close()
		return nil, ctx.Err()
	}
}

func (t *MemoryTransport) Listen(ctx context.Context, target string) (Listener, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[target]; exists {
		return nil, fmt.Errorf("%w: %q already listening", cfderrors.ErrListenerFailed, target)
	}
	var l = &memoryListener{
		addr:     target,
		owner:    t.self,
		incoming: make(chan *memoryConn, 16),
		closed:   make(chan struct{}),
	}
	registry[target] = l
	return l, nil
}

type memoryConn struct {
	peer cfdid.PeerId
	mux  *mux
}

func (c *memoryConn) PeerId() cfdid.PeerId { return c.peer }
func (c *memoryConn) Control() Control     { return (*memoryControl)(c) }
func (c *memoryConn) Close() error         { return c.mux.close() }

// memoryControl adapts *mux's stream lifecycle to the Control interface;
// it's the same type as memoryConn wearing a second hat, since both are
// one-per-connection and own nothing the other doesn't already hold.
type memoryControl memoryConn

func (c *memoryControl) OpenStream(ctx context.Context) (Stream, error) {
	var done = make(chan struct{})
	var s *muxStream
	var err error
	go func() {
		s, err = c.mux.openStream()
		close(done)
	}()
	select {
	case <-done:
		return s, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryControl) AcceptStream(ctx context.Context) (Stream, error) {
	var done = make(chan struct{})
	var s *muxStream
	var err error
	go func() {
		s, err = c.mux.accept()
		close(done)
	}()
	select {
	case <-done:
		return s, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryControl) Close() error { return c.mux.close() }

type memoryListener struct {
	addr     string
	owner    cfdid.PeerId
	incoming chan *memoryConn
	closed   chan struct{}
	once     sync.Once
}

func (l *memoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c, ok := <-l.incoming:
		if !ok {
			return nil, cfderrors.ErrNoConnection
		}
		return c, nil
	case <-l.closed:
		return nil, cfderrors.ErrNoConnection
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		registryMu.Lock()
		delete(registry, l.addr)
		registryMu.Unlock()
		close(l.closed)
	})
	return nil
}

func (l *memoryListener) Addr() string { return l.addr }

var (
	_ Transport = (*MemoryTransport)(nil)
	_ Conn      = (*memoryConn)(nil)
	_ Control   = (*memoryControl)(nil)
	_ Listener  = (*memoryListener)(nil)
)
