package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/cfd-daemon/pkg/cfderrors"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
	"github.com/estuary/cfd-daemon/pkg/multistream"
	"github.com/estuary/cfd-daemon/pkg/transport"
)

func mustPeer(t *testing.T, seed string) cfdid.PeerId {
	t.Helper()
	var id, err = cfdid.PeerIdFromPublicKey([]byte(seed))
	require.NoError(t, err)
	return id
}

func mustAddr(t *testing.T, target string, peer cfdid.PeerId) cfdid.Multiaddr {
	t.Helper()
	var a, err = cfdid.ParseMultiaddr(target)
	require.NoError(t, err)
	return a.WithPeerId(peer)
}

const echoProtocol multistream.ProtocolId = "/echo/1.0.0"

func newEchoServer(t *testing.T, listenAddr string) (*Endpoint, cfdid.PeerId) {
	t.Helper()
	var peer = mustPeer(t, listenAddr)
	var tr = transport.NewMemoryTransport(peer)
	var received = make(chan struct{}, 16)
	var e, err = NewEndpoint(context.Background(), tr, peer, time.Second, []Registration{
		{Protocol: echoProtocol, Handler: func(ctx context.Context, p cfdid.PeerId, proto multistream.ProtocolId, s transport.Stream) {
			defer s.Close()
			var buf = make([]byte, 4)
			if _, rerr := s.Read(buf); rerr == nil {
				_, _ = s.Write(buf)
			}
			received <- struct{}{}
		}},
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	var addr, aerr = cfdid.ParseMultiaddr(listenAddr)
	require.NoError(t, aerr)
	require.NoError(t, e.ListenOn(context.Background(), addr))
	return e, peer
}

func TestDuplicateConnectIsRejected(t *testing.T) {
	var _, serverPeer = newEchoServer(t, "/memory/ep-dup-server")

	var clientTr = transport.NewMemoryTransport(mustPeer(t, "ep-dup-client"))
	var client, err = NewEndpoint(context.Background(), clientTr, mustPeer(t, "ep-dup-client"), time.Second, nil)
	require.NoError(t, err)
	defer client.Close()

	var target = mustAddr(t, "/memory/ep-dup-server", serverPeer)
	require.NoError(t, client.Connect(context.Background(), target))

	// A second Connect while the first dial is in flight (or already
	// connected) must fail fast rather than racing a second dial.
	var err2 = client.Connect(context.Background(), target)
	require.Error(t, err2)
	require.ErrorIs(t, err2, cfderrors.ErrAlreadyConnected)
}

func TestDisconnectThenReconnect(t *testing.T) {
	var _, serverPeer = newEchoServer(t, "/memory/ep-reconnect-server")

	var clientTr = transport.NewMemoryTransport(mustPeer(t, "ep-reconnect-client"))
	var client, err = NewEndpoint(context.Background(), clientTr, mustPeer(t, "ep-reconnect-client"), time.Second, nil)
	require.NoError(t, err)
	defer client.Close()

	var target = mustAddr(t, "/memory/ep-reconnect-server", serverPeer)
	require.NoError(t, client.Connect(context.Background(), target))
	require.Eventually(t, func() bool {
		var stats, serr = client.GetConnectionStats(context.Background())
		return serr == nil && len(stats.ConnectedPeers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Disconnect(context.Background(), serverPeer))
	var stats, serr = client.GetConnectionStats(context.Background())
	require.NoError(t, serr)
	require.Empty(t, stats.ConnectedPeers)

	require.NoError(t, client.Connect(context.Background(), target))
	require.Eventually(t, func() bool {
		var stats, serr = client.GetConnectionStats(context.Background())
		return serr == nil && len(stats.ConnectedPeers) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestOpenSubstreamSingleRoundTrip(t *testing.T) {
	var _, serverPeer = newEchoServer(t, "/memory/ep-echo-server")

	var clientTr = transport.NewMemoryTransport(mustPeer(t, "ep-echo-client"))
	var client, err = NewEndpoint(context.Background(), clientTr, mustPeer(t, "ep-echo-client"), time.Second, nil)
	require.NoError(t, err)
	defer client.Close()

	var target = mustAddr(t, "/memory/ep-echo-server", serverPeer)
	require.NoError(t, client.Connect(context.Background(), target))
	require.Eventually(t, func() bool {
		var stats, serr = client.GetConnectionStats(context.Background())
		return serr == nil && len(stats.ConnectedPeers) == 1
	}, time.Second, 5*time.Millisecond)

	var stream, operr = client.OpenSubstreamSingle(context.Background(), serverPeer, echoProtocol)
	require.NoError(t, operr)
	defer stream.Close()

	_, werr := stream.Write([]byte("ping"))
	require.NoError(t, werr)

	var buf = make([]byte, 4)
	_, rerr := stream.Read(buf)
	require.NoError(t, rerr)
	require.Equal(t, "ping", string(buf))
}

func TestOpenSubstreamRepeatOpenUsesCachedProtocol(t *testing.T) {
	var _, serverPeer = newEchoServer(t, "/memory/ep-echo-repeat-server")

	var clientTr = transport.NewMemoryTransport(mustPeer(t, "ep-echo-repeat-client"))
	var client, err = NewEndpoint(context.Background(), clientTr, mustPeer(t, "ep-echo-repeat-client"), time.Second, nil)
	require.NoError(t, err)
	defer client.Close()

	var target = mustAddr(t, "/memory/ep-echo-repeat-server", serverPeer)
	require.NoError(t, client.Connect(context.Background(), target))
	require.Eventually(t, func() bool {
		var stats, serr = client.GetConnectionStats(context.Background())
		return serr == nil && len(stats.ConnectedPeers) == 1
	}, time.Second, 5*time.Millisecond)

	// The first open populates the negotiated-protocol cache; the second
	// open for the same peer and candidate list takes the fast path in
	// openSubstream rather than re-running full negotiation.
	for i := 0; i < 2; i++ {
		var stream, operr = client.OpenSubstreamSingle(context.Background(), serverPeer, echoProtocol)
		require.NoError(t, operr)

		_, werr := stream.Write([]byte("ping"))
		require.NoError(t, werr)

		var buf = make([]byte, 4)
		_, rerr := stream.Read(buf)
		require.NoError(t, rerr)
		require.Equal(t, "ping", string(buf))
		require.NoError(t, stream.Close())
	}
}

func TestOpenSubstreamFailsWhenPeerHasNoMatchingProtocol(t *testing.T) {
	var _, serverPeer = newEchoServer(t, "/memory/ep-nomatch-server")

	var clientTr = transport.NewMemoryTransport(mustPeer(t, "ep-nomatch-client"))
	var client, err = NewEndpoint(context.Background(), clientTr, mustPeer(t, "ep-nomatch-client"), time.Second, nil)
	require.NoError(t, err)
	defer client.Close()

	var target = mustAddr(t, "/memory/ep-nomatch-server", serverPeer)
	require.NoError(t, client.Connect(context.Background(), target))
	require.Eventually(t, func() bool {
		var stats, serr = client.GetConnectionStats(context.Background())
		return serr == nil && len(stats.ConnectedPeers) == 1
	}, time.Second, 5*time.Millisecond)

	var _, operr = client.OpenSubstreamSingle(context.Background(), serverPeer, "/no-such-protocol/1.0.0")
	require.Error(t, operr)
	require.ErrorIs(t, operr, cfderrors.ErrNegotiationFailed)
}

func TestOpenSubstreamUnmatchedProtocolFailsWithinBound(t *testing.T) {
	var _, serverPeer = newEchoServer(t, "/memory/ep-timeout-server")

	var clientTr = transport.NewMemoryTransport(mustPeer(t, "ep-timeout-client"))
	var client, err = NewEndpoint(context.Background(), clientTr, mustPeer(t, "ep-timeout-client"), 30*time.Millisecond, nil)
	require.NoError(t, err)
	defer client.Close()

	var target = mustAddr(t, "/memory/ep-timeout-server", serverPeer)
	require.NoError(t, client.Connect(context.Background(), target))
	require.Eventually(t, func() bool {
		var stats, serr = client.GetConnectionStats(context.Background())
		return serr == nil && len(stats.ConnectedPeers) == 1
	}, time.Second, 5*time.Millisecond)

	var started = time.Now()
	var _, operr = client.OpenSubstreamSingle(context.Background(), serverPeer, "/no-such-protocol/1.0.0")
	require.Error(t, operr)
	require.Less(t, time.Since(started), time.Second)
}

func TestConstructionRejectsDuplicateProtocolRegistration(t *testing.T) {
	var tr = transport.NewMemoryTransport(mustPeer(t, "ep-dupproto"))
	var noop = func(ctx context.Context, p cfdid.PeerId, proto multistream.ProtocolId, s transport.Stream) {}
	var _, err = NewEndpoint(context.Background(), tr, mustPeer(t, "ep-dupproto"), time.Second, []Registration{
		{Protocol: echoProtocol, Handler: noop},
		{Protocol: echoProtocol, Handler: noop},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, cfderrors.ErrDuplicateProtocolId)
}
