// Package endpoint implements the Endpoint actor: it owns the set of
// connections and listeners, multiplexes substreams per registered
// protocol handler, and exposes a small asynchronous, message-typed
// command surface (connect, listen, disconnect, open substream, stats).
package endpoint

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/estuary/cfd-daemon/pkg/cfderrors"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
	"github.com/estuary/cfd-daemon/pkg/multistream"
	"github.com/estuary/cfd-daemon/pkg/transport"
)

// Handler processes one inbound substream already negotiated to protocol.
// It owns the stream for its lifetime and must Close it when done.
type Handler func(ctx context.Context, peer cfdid.PeerId, protocol multistream.ProtocolId, stream transport.Stream)

// Registration binds one protocol id to the handler invoked for inbound
// substreams negotiated to it.
type Registration struct {
	Protocol multistream.ProtocolId
	Handler  Handler
}

// ConnectionStats answers GetConnectionStats.
type ConnectionStats struct {
	ConnectedPeers  []cfdid.PeerId
	ListenAddresses []string
}

type peerStatus int

const (
	statusInflight peerStatus = iota
	statusConnected
)

type peerState struct {
	status peerStatus
	conn   transport.Conn
	cancel context.CancelFunc
}

// Endpoint is the single-writer actor owning every connection and
// listener. All exported methods are thin client stubs that send a
// command onto the actor's mailbox and await a reply; the mailbox loop
// run by Endpoint.run is the only goroutine that ever touches peers,
// listeners, or protoCache.
type Endpoint struct {
	transport   transport.Transport
	self        cfdid.PeerId
	connTimeout time.Duration
	handlers    map[multistream.ProtocolId]Handler
	protocols   []multistream.ProtocolId // registered protocol ids, in registration order

	log *logrus.Entry

	mailbox chan any
	quit    chan struct{}
	done    chan struct{}

	// protoCache remembers, per (peer, offered protocol set), the protocol
	// negotiation last selected: a resolved-once-then-reused fast path
	// keyed off the thing repeat callers re-offer. openSubstream uses a hit
	// to retry that protocol alone first instead of re-running negotiation
	// over the full candidate list, falling back to the full list if the
	// peer no longer honors it.
	protoCache *lru.Cache[string, multistream.ProtocolId]

	peers     map[cfdid.PeerId]*peerState
	listeners map[string]transport.Listener
}

// NewEndpoint constructs an Endpoint bound to transport, identifying
// itself as self, and starts its mailbox loop. handlers must have unique
// protocol ids; a duplicate is a construction-time error.
func NewEndpoint(ctx context.Context, t transport.Transport, self cfdid.PeerId, connTimeout time.Duration, handlers []Registration) (*Endpoint, error) {
	var registry = make(map[multistream.ProtocolId]Handler, len(handlers))
	var order = make([]multistream.ProtocolId, 0, len(handlers))
	for _, r := range handlers {
		if _, exists := registry[r.Protocol]; exists {
			return nil, fmt.Errorf("%w: %q", cfderrors.ErrDuplicateProtocolId, r.Protocol)
		}
		registry[r.Protocol] = r.Handler
		order = append(order, r.Protocol)
	}

	var cache, err = lru.New[string, multistream.ProtocolId](256)
	if err != nil {
		return nil, fmt.Errorf("constructing endpoint protocol cache: %w", err)
	}

	var e = &Endpoint{
		transport:   t,
		self:        self,
		connTimeout: connTimeout,
		handlers:    registry,
		protocols:   order,
		log:         logrus.WithField("peer_id", self.String()),
		mailbox:     make(chan any, 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		protoCache:  cache,
		peers:       make(map[cfdid.PeerId]*peerState),
		listeners:   make(map[string]transport.Listener),
	}
	go e.run(ctx)
	return e, nil
}

// Close stops the actor's mailbox loop and tears down every connection
// and listener it owns. The mailbox channel itself is never closed, so
// in-flight tasks posting self-messages after shutdown park on the quit
// select instead of panicking.
func (e *Endpoint) Close() {
	close(e.quit)
	<-e.done
}

// --- command types -------------------------------------------------------

type connectCmd struct {
	addr  cfdid.Multiaddr
	reply chan error
}

type disconnectCmd struct {
	peer  cfdid.PeerId
	reply chan struct{}
}

type listenOnCmd struct {
	addr  cfdid.Multiaddr
	reply chan error
}

type statsCmd struct {
	reply chan ConnectionStats
}

type openSingleCmd struct {
	ctx      context.Context
	peer     cfdid.PeerId
	protocol multistream.ProtocolId
	reply    chan openSingleResult
}

type openSingleResult struct {
	stream transport.Stream
	err    error
}

type openMultiCmd struct {
	ctx       context.Context
	peer      cfdid.PeerId
	protocols []multistream.ProtocolId
	reply     chan openMultiResult
}

type openMultiResult struct {
	protocol multistream.ProtocolId
	stream   transport.Stream
	err      error
}

// self-messages, posted back onto the mailbox by spawned tasks.
type newConnectionMsg struct {
	peer cfdid.PeerId
	conn transport.Conn
}

type failedToConnectMsg struct {
	peer cfdid.PeerId
	err  error
}

type listenerFailedMsg struct {
	addr string
	err  error
}

type existingConnectionFailedMsg struct {
	peer cfdid.PeerId
	err  error
}

// --- public API ------------------------------------------------------------

// Connect dials addr, which must carry a trailing "/p2p/<PeerId>"
// component. It returns synchronously once the peer is accepted into the
// Inflight state (or rejected); the dial itself completes asynchronously
// and is only observable via GetConnectionStats or a later failure.
func (e *Endpoint) Connect(ctx context.Context, addr cfdid.Multiaddr) error {
	var reply = make(chan error, 1)
	if err := e.send(ctx, connectCmd{addr: addr, reply: reply}); err != nil {
		return err
	}
	return e.await(ctx, reply)
}

// Disconnect tears down the connection to peer, if any. Missing peer is
// a no-op.
func (e *Endpoint) Disconnect(ctx context.Context, peer cfdid.PeerId) error {
	var reply = make(chan struct{}, 1)
	if err := e.send(ctx, disconnectCmd{peer: peer, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenOn records addr and begins accepting inbound connections on it.
func (e *Endpoint) ListenOn(ctx context.Context, addr cfdid.Multiaddr) error {
	var reply = make(chan error, 1)
	if err := e.send(ctx, listenOnCmd{addr: addr, reply: reply}); err != nil {
		return err
	}
	return e.await(ctx, reply)
}

// GetConnectionStats reports the current connected peer set and listen
// addresses.
func (e *Endpoint) GetConnectionStats(ctx context.Context) (ConnectionStats, error) {
	var reply = make(chan ConnectionStats, 1)
	if err := e.send(ctx, statsCmd{reply: reply}); err != nil {
		return ConnectionStats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return ConnectionStats{}, ctx.Err()
	}
}

// OpenSubstreamSingle opens a substream to peer offering exactly one
// protocol. A successful negotiation is asserted to have selected that
// protocol.
func (e *Endpoint) OpenSubstreamSingle(ctx context.Context, peer cfdid.PeerId, protocol multistream.ProtocolId) (transport.Stream, error) {
	var reply = make(chan openSingleResult, 1)
	if err := e.send(ctx, openSingleCmd{ctx: ctx, peer: peer, protocol: protocol, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.stream, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenSubstreamMultiple opens a substream to peer, offering protocols in
// order, and returns whichever one negotiation selected.
func (e *Endpoint) OpenSubstreamMultiple(ctx context.Context, peer cfdid.PeerId, protocols []multistream.ProtocolId) (multistream.ProtocolId, transport.Stream, error) {
	var reply = make(chan openMultiResult, 1)
	if err := e.send(ctx, openMultiCmd{ctx: ctx, peer: peer, protocols: protocols, reply: reply}); err != nil {
		return "", nil, err
	}
	select {
	case r := <-reply:
		return r.protocol, r.stream, r.err
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (e *Endpoint) send(ctx context.Context, cmd any) error {
	select {
	case e.mailbox <- cmd:
		return nil
	case <-e.quit:
		return cfderrors.ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a self-message from a spawned task, giving up if the
// endpoint has shut down or the task's context is gone.
func (e *Endpoint) post(ctx context.Context, msg any) {
	select {
	case e.mailbox <- msg:
	case <-e.quit:
	case <-ctx.Done():
	}
}

func (e *Endpoint) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- actor loop --------------------------------------------------------

func (e *Endpoint) run(ctx context.Context) {
	defer close(e.done)
	for {
		var cmd any
		select {
		case cmd = <-e.mailbox:
		case <-e.quit:
			for _, st := range e.peers {
				st.cancel()
				if st.conn != nil {
					_ = st.conn.Close()
				}
			}
			for _, l := range e.listeners {
				_ = l.Close()
			}
			return
		}
		switch c := cmd.(type) {
		case connectCmd:
			c.reply <- e.handleConnect(ctx, c.addr)
		case disconnectCmd:
			e.handleDisconnect(c.peer)
			close(c.reply)
		case listenOnCmd:
			c.reply <- e.handleListenOn(ctx, c.addr)
		case statsCmd:
			c.reply <- e.handleStats()
		case openSingleCmd:
			c.reply <- e.handleOpenSingle(c.ctx, c.peer, c.protocol)
		case openMultiCmd:
			c.reply <- e.handleOpenMulti(c.ctx, c.peer, c.protocols)
		case newConnectionMsg:
			e.handleNewConnection(ctx, c.peer, c.conn)
		case failedToConnectMsg:
			e.log.WithError(c.err).WithField("remote_peer", c.peer.String()).Warn("failed to connect")
			if st, ok := e.peers[c.peer]; ok {
				st.cancel()
				delete(e.peers, c.peer)
			}
			dialCounter.WithLabelValues("failed").Inc()
		case listenerFailedMsg:
			e.log.WithError(c.err).WithField("addr", c.addr).Warn("listener failed")
			delete(e.listeners, c.addr)
			listenAddressesGauge.Set(float64(len(e.listeners)))
			listenCounter.WithLabelValues("failed").Inc()
		case existingConnectionFailedMsg:
			e.log.WithError(c.err).WithField("remote_peer", c.peer.String()).Warn("connection died")
			if st, ok := e.peers[c.peer]; ok {
				st.cancel()
				delete(e.peers, c.peer)
				connectedPeersGauge.Set(float64(len(e.peers)))
			}
		}
	}
}

func (e *Endpoint) handleConnect(ctx context.Context, addr cfdid.Multiaddr) error {
	var peer, ok, err = addr.ExtractPeerId()
	if err != nil {
		return err
	}
	if !ok {
		return cfderrors.ErrNoPeerIDInAddress
	}
	if _, exists := e.peers[peer]; exists {
		return cfderrors.ErrAlreadyConnected
	}

	var dialCtx, cancel = context.WithCancel(ctx)
	e.peers[peer] = &peerState{status: statusInflight, cancel: cancel}

	go func() {
		var conn, err = e.transport.Dial(dialCtx, addr.DialTarget())
		if err != nil {
			e.post(dialCtx, failedToConnectMsg{peer: peer, err: fmt.Errorf("%w: %v", cfderrors.ErrFailedToConnect, err)})
			return
		}
		select {
		case e.mailbox <- newConnectionMsg{peer: peer, conn: conn}:
		case <-e.quit:
			_ = conn.Close()
		case <-dialCtx.Done():
			_ = conn.Close()
		}
	}()
	return nil
}

func (e *Endpoint) handleDisconnect(peer cfdid.PeerId) {
	var st, ok = e.peers[peer]
	if !ok {
		return
	}
	st.cancel()
	if st.conn != nil {
		_ = st.conn.Close()
	}
	delete(e.peers, peer)
	connectedPeersGauge.Set(float64(len(e.peers)))
}

func (e *Endpoint) handleListenOn(ctx context.Context, addr cfdid.Multiaddr) error {
	var target = addr.DialTarget()
	if _, exists := e.listeners[target]; exists {
		return fmt.Errorf("%w: already listening on %q", cfderrors.ErrListenerFailed, target)
	}
	var l, err = e.transport.Listen(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: %v", cfderrors.ErrListenerFailed, err)
	}
	e.listeners[target] = l
	listenAddressesGauge.Set(float64(len(e.listeners)))

	go func() {
		for {
			var conn, err = l.Accept(ctx)
			if err != nil {
				e.post(ctx, listenerFailedMsg{addr: target, err: err})
				return
			}
			listenCounter.WithLabelValues("accepted").Inc()
			select {
			case e.mailbox <- newConnectionMsg{peer: conn.PeerId(), conn: conn}:
			case <-e.quit:
				_ = conn.Close()
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()
	return nil
}

func (e *Endpoint) handleStats() ConnectionStats {
	var s = ConnectionStats{}
	for p, st := range e.peers {
		if st.status == statusConnected {
			s.ConnectedPeers = append(s.ConnectedPeers, p)
		}
	}
	for addr := range e.listeners {
		s.ListenAddresses = append(s.ListenAddresses, addr)
	}
	return s
}

func (e *Endpoint) handleNewConnection(ctx context.Context, peer cfdid.PeerId, conn transport.Conn) {
	var connCtx, cancel = context.WithCancel(ctx)
	e.peers[peer] = &peerState{status: statusConnected, conn: conn, cancel: cancel}
	connectedPeersGauge.Set(float64(len(e.peers)))
	dialCounter.WithLabelValues("connected").Inc()

	go e.acceptSubstreams(connCtx, peer, conn)
}

// acceptSubstreams is the per-connection task set: it loops accepting
// inbound substreams, negotiates a protocol on each, and dispatches to
// the registered handler. An errgroup joins it with the connection's
// lifetime so any terminal failure reports back exactly once as an
// existing-connection failure.
func (e *Endpoint) acceptSubstreams(ctx context.Context, peer cfdid.PeerId, conn transport.Conn) {
	var g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			var raw, err = conn.Control().AcceptStream(gctx)
			if err != nil {
				return fmt.Errorf("%w: %v", cfderrors.ErrConnectionDied, err)
			}
			go e.negotiateAndDispatch(gctx, peer, raw)
		}
	})
	var err = g.Wait()
	if err != nil {
		e.post(ctx, existingConnectionFailedMsg{peer: peer, err: err})
	}
}

func (e *Endpoint) negotiateAndDispatch(ctx context.Context, peer cfdid.PeerId, raw transport.Stream) {
	var protocol, err = multistream.NegotiateServer(ctx, raw, e.protocols, e.connTimeout)
	if err != nil {
		substreamAcceptCounter.WithLabelValues("unknown", "failed").Inc()
		e.log.WithError(err).WithField("remote_peer", peer.String()).Debug("inbound substream negotiation failed")
		_ = raw.Close()
		return
	}

	var handler, ok = e.handlers[protocol]
	if !ok {
		// The server only ever advertises registered protocols during
		// negotiation, so this can only mean the registry and the
		// negotiated set have drifted apart.
		panic(fmt.Sprintf("negotiated unregistered protocol %q", protocol))
	}
	substreamAcceptCounter.WithLabelValues(string(protocol), "ok").Inc()
	handler(ctx, peer, protocol, raw)
}

func (e *Endpoint) handleOpenSingle(ctx context.Context, peer cfdid.PeerId, protocol multistream.ProtocolId) openSingleResult {
	var selected, stream, err = e.openSubstream(ctx, peer, []multistream.ProtocolId{protocol})
	if err != nil {
		return openSingleResult{err: err}
	}
	if selected != protocol {
		// A single-protocol open can only ever select the one protocol
		// offered.
		panic(fmt.Sprintf("single-protocol open selected %q, offered %q", selected, protocol))
	}
	return openSingleResult{stream: stream}
}

func (e *Endpoint) handleOpenMulti(ctx context.Context, peer cfdid.PeerId, protocols []multistream.ProtocolId) openMultiResult {
	var selected, stream, err = e.openSubstream(ctx, peer, protocols)
	return openMultiResult{protocol: selected, stream: stream, err: err}
}

// protoCacheKey identifies a (peer, candidate protocol set) pair: repeat
// opens with the same peer and the same offered protocols are the case
// the fast path below speeds up.
func protoCacheKey(peer cfdid.PeerId, protocols []multistream.ProtocolId) string {
	var key = peer.String()
	for _, p := range protocols {
		key += "|" + string(p)
	}
	return key
}

func (e *Endpoint) openSubstream(ctx context.Context, peer cfdid.PeerId, protocols []multistream.ProtocolId) (multistream.ProtocolId, transport.Stream, error) {
	var st, ok = e.peers[peer]
	if !ok || st.status != statusConnected {
		return "", nil, cfderrors.ErrNoConnection
	}

	var key = protoCacheKey(peer, protocols)
	if cached, hit := e.protoCache.Get(key); hit {
		var selected, stream, err = e.negotiateOpen(ctx, st, []multistream.ProtocolId{cached})
		if err == nil {
			substreamOpenCounter.WithLabelValues(string(selected), "fast").Inc()
			return selected, stream, nil
		}
		// The peer no longer honors the cached protocol (e.g. it was
		// restarted with a different handler registry); fall through to a
		// full negotiation over the original candidate list below.
		e.protoCache.Remove(key)
	}

	var selected, stream, err = e.negotiateOpen(ctx, st, protocols)
	if err != nil {
		return "", nil, err
	}
	e.protoCache.Add(key, selected)
	substreamOpenCounter.WithLabelValues(string(selected), "ok").Inc()
	return selected, stream, nil
}

// negotiateOpen opens one fresh raw stream on st and runs multistream
// negotiation over candidates, closing the stream on any failure.
func (e *Endpoint) negotiateOpen(ctx context.Context, st *peerState, candidates []multistream.ProtocolId) (multistream.ProtocolId, transport.Stream, error) {
	var raw, err = st.conn.Control().OpenStream(ctx)
	if err != nil {
		substreamOpenCounter.WithLabelValues("unknown", "failed").Inc()
		return "", nil, fmt.Errorf("%w: %v", cfderrors.ErrNoConnection, err)
	}

	var selected multistream.ProtocolId
	selected, err = multistream.NegotiateClient(ctx, raw, candidates, e.connTimeout)
	if err != nil {
		substreamOpenCounter.WithLabelValues("unknown", "failed").Inc()
		_ = raw.Close()
		return "", nil, err
	}
	return selected, raw, nil
}
