package taker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/cfd-daemon/pkg/cfd"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
	"github.com/estuary/cfd-daemon/pkg/endpoint"
	"github.com/estuary/cfd-daemon/pkg/multistream"
	"github.com/estuary/cfd-daemon/pkg/setup"
	"github.com/estuary/cfd-daemon/pkg/store"
	"github.com/estuary/cfd-daemon/pkg/transport"
	"github.com/estuary/cfd-daemon/pkg/wire"
)

// A scripted maker: accepts the first TakeOrder it sees, then plays its
// side of the three setup rounds through a setup.Actor, all over real
// endpoint substreams. The taker side runs the production wiring -
// MakerPeer outbound, WireRegistration inbound - so this covers the whole
// path from controller command to persisted DLC.
func TestTakerAgainstScriptedMakerEndToEnd(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var makerPeerId, err = cfdid.PeerIdFromPublicKey([]byte("e2e-maker"))
	require.NoError(t, err)
	var takerPeerId cfdid.PeerId
	takerPeerId, err = cfdid.PeerIdFromPublicKey([]byte("e2e-taker"))
	require.NoError(t, err)

	var makerSigner = setup.PlainSigner{
		Role: setup.RoleMaker, Keys: cfd.PartyKeys{IdentityPk: []byte("maker-id")},
		Address: "bcrt1qmaker", LockAmount: 200_000, SettlementEventId: "btc-usd-2026-01-01", RefundTimelock: 144,
	}

	// The maker endpoint: its wire handler accepts the take, then relays
	// setup rounds between its own actor and the taker.
	var makerEp *endpoint.Endpoint
	var makerHandler = func(hctx context.Context, peer cfdid.PeerId, _ multistream.ProtocolId, stream transport.Stream) {
		defer stream.Close()
		var dec = json.NewDecoder(stream)
		var enc *json.Encoder
		var actor *setup.Actor
		for {
			var msg wire.TakerToMaker
			if derr := dec.Decode(&msg); derr != nil {
				return
			}
			switch msg.Tag {
			case wire.TakerTakeOrder:
				var out, oerr = makerEp.OpenSubstreamSingle(hctx, peer, ProtocolCfdWire)
				if oerr != nil {
					return
				}
				enc = json.NewEncoder(out)
				if eerr := enc.Encode(wire.MakerToTaker{Tag: wire.MakerOrderAccepted, OrderId: msg.OrderId}); eerr != nil {
					return
				}
				actor = setup.NewActor(hctx, msg.OrderId, setup.RoleMaker, func(m setup.SetupMsg) error {
					return enc.Encode(wire.MakerToTaker{Tag: wire.MakerProtocol, Protocol: m})
				}, makerSigner)
			case wire.TakerProtocol:
				if actor != nil {
					actor.Deliver(msg.Protocol)
				}
			}
		}
	}

	var makerTr = transport.NewMemoryTransport(makerPeerId)
	makerEp, err = endpoint.NewEndpoint(ctx, makerTr, makerPeerId, time.Second, []endpoint.Registration{
		{Protocol: ProtocolCfdWire, Handler: makerHandler},
	})
	require.NoError(t, err)
	t.Cleanup(makerEp.Close)

	var listenAddr, aerr = cfdid.ParseMultiaddr("/memory/e2e-maker")
	require.NoError(t, aerr)
	require.NoError(t, makerEp.ListenOn(ctx, listenAddr))

	// The taker side, wired the way main() wires it.
	var ctrl *Controller
	var takerTr = transport.NewMemoryTransport(takerPeerId)
	var takerEp *endpoint.Endpoint
	takerEp, err = endpoint.NewEndpoint(ctx, takerTr, takerPeerId, time.Second, []endpoint.Registration{
		WireRegistration(func() *Controller { return ctrl }),
	})
	require.NoError(t, err)
	t.Cleanup(takerEp.Close)

	var st *store.Store
	st, err = store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var wallet = &fakeWallet{
		margin: 50_000,
		params: PartyParams{Keys: cfd.PartyKeys{IdentityPk: []byte("taker-id")}, Address: "bcrt1qtaker"},
	}
	var cfdFeed = newFakeCfdFeed()
	var errorSink = newFakeErrorSink()
	var makerPeer = NewMakerPeer(ctx, takerEp, makerPeerId)
	ctrl = New(ctx, st, wallet, makerPeer.Send, errorSink, cfdFeed, nil, nil)
	t.Cleanup(ctrl.Close)

	require.NoError(t, takerEp.Connect(ctx, listenAddr.WithPeerId(makerPeerId)))
	require.Eventually(t, func() bool {
		var stats, serr = takerEp.GetConnectionStats(ctx)
		return serr == nil && len(stats.ConnectedPeers) == 1
	}, time.Second, 5*time.Millisecond)

	var orderId = cfdid.NewOrderId()
	var order = cfd.Order{Id: orderId, Price: 40_000_00, MinQty: 1, MaxQty: 1000_00, SettlementEventId: "btc-usd-2026-01-01"}
	require.NoError(t, ctrl.NewOrder(ctx, &order))
	require.NoError(t, ctrl.TakeOrder(ctx, orderId, 500_00))

	var pending = requireReceive(t, cfdFeed.pushes)
	require.Len(t, pending, 1)
	require.Equal(t, cfd.StatePendingTakeRequest, pending[0].State.Tag)

	// The maker's acceptance and setup rounds flow back over the wire;
	// the feed transitions ContractSetup and finally Open.
	var sawSetup bool
	require.Eventually(t, func() bool {
		select {
		case cfds := <-cfdFeed.pushes:
			if len(cfds) == 1 && cfds[0].State.Tag == cfd.StateContractSetup {
				sawSetup = true
			}
			return len(cfds) == 1 && cfds[0].State.Tag == cfd.StateOpen
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, sawSetup)

	// The projection read back from the store agrees with the feed.
	var projected, perr = st.ProjectCfd(ctx, orderId)
	require.NoError(t, perr)
	require.Equal(t, cfd.StateOpen, projected.State.Tag)
	require.Equal(t, "btc-usd-2026-01-01", projected.State.SettlementEventId)

	requireNoError(t, errorSink.errs)
}

// The WireRegistration handler, with no Controller yet resolved, closes
// the stream rather than dispatching into a nil controller.
func TestWireRegistrationWithNilControllerClosesStream(t *testing.T) {
	var reg = WireRegistration(func() *Controller { return nil })
	require.Equal(t, ProtocolCfdWire, reg.Protocol)

	var a, b = newStreamPair(t)
	defer b.Close()
	reg.Handler(context.Background(), cfdid.PeerId{}, ProtocolCfdWire, a)

	// The handler closed its end; a read on it fails immediately.
	var buf = make([]byte, 1)
	var _, err = a.Read(buf)
	require.Error(t, err)
}

// newStreamPair returns the two ends of one in-memory substream.
func newStreamPair(t *testing.T) (transport.Stream, transport.Stream) {
	t.Helper()
	var ctx = context.Background()

	var serverId, err = cfdid.PeerIdFromPublicKey([]byte("pair-server"))
	require.NoError(t, err)
	var clientId cfdid.PeerId
	clientId, err = cfdid.PeerIdFromPublicKey([]byte("pair-client"))
	require.NoError(t, err)

	var serverTr = transport.NewMemoryTransport(serverId)
	var l, lerr = serverTr.Listen(ctx, "/memory/taker-pair")
	require.NoError(t, lerr)
	t.Cleanup(func() { _ = l.Close() })

	var accepted = make(chan transport.Conn, 1)
	go func() {
		var conn, aerr = l.Accept(ctx)
		if aerr == nil {
			accepted <- conn
		}
	}()

	var clientTr = transport.NewMemoryTransport(clientId)
	var clientConn, derr = clientTr.Dial(ctx, "/memory/taker-pair")
	require.NoError(t, derr)
	t.Cleanup(func() { _ = clientConn.Close() })

	var serverConn = <-accepted
	t.Cleanup(func() { _ = serverConn.Close() })

	var opened = make(chan transport.Stream, 1)
	go func() {
		var s, oerr = serverConn.Control().AcceptStream(ctx)
		if oerr == nil {
			opened <- s
		}
	}()
	var clientStream, serr = clientConn.Control().OpenStream(ctx)
	require.NoError(t, serr)
	return clientStream, <-opened
}
