package taker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/cfd-daemon/pkg/cfd"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
	"github.com/estuary/cfd-daemon/pkg/setup"
	"github.com/estuary/cfd-daemon/pkg/store"
	"github.com/estuary/cfd-daemon/pkg/wire"
)

type fakeWallet struct {
	margin cfd.Amount
	params PartyParams
}

func (w *fakeWallet) Sync(ctx context.Context) (WalletState, error) { return WalletState{Balance: 1_000_000}, nil }
func (w *fakeWallet) ComputeMargin(ctx context.Context, order cfd.Order, quantity cfd.Usd) (cfd.Amount, error) {
	return w.margin, nil
}
func (w *fakeWallet) BuildPartyParams(ctx context.Context, lockAmount cfd.Amount) (PartyParams, error) {
	var p = w.params
	p.LockAmount = lockAmount
	return p, nil
}

type fakeCfdFeed struct{ pushes chan []cfd.Cfd }

func newFakeCfdFeed() *fakeCfdFeed { return &fakeCfdFeed{pushes: make(chan []cfd.Cfd, 16)} }
func (f *fakeCfdFeed) Push(cfds []cfd.Cfd) { f.pushes <- cfds }

type fakeOrderFeed struct{ pushes chan *cfd.Order }

func newFakeOrderFeed() *fakeOrderFeed { return &fakeOrderFeed{pushes: make(chan *cfd.Order, 16)} }
func (f *fakeOrderFeed) Push(order *cfd.Order) { f.pushes <- order }

type fakeWalletFeed struct{ pushes chan WalletState }

func newFakeWalletFeed() *fakeWalletFeed { return &fakeWalletFeed{pushes: make(chan WalletState, 16)} }
func (f *fakeWalletFeed) Push(state WalletState) { f.pushes <- state }

type fakeErrorSink struct{ errs chan error }

func newFakeErrorSink() *fakeErrorSink { return &fakeErrorSink{errs: make(chan error, 16)} }
func (s *fakeErrorSink) Report(err error) { s.errs <- err }

func requireReceive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		panic("unreachable")
	}
}

func requireNoError(t *testing.T, errs chan error) {
	t.Helper()
	select {
	case err := <-errs:
		t.Fatalf("unexpected reported error: %v", err)
	default:
	}
}

// NewOrder then TakeOrder produces a CFD feed update showing
// PendingTakeRequest and a wire TakeOrder message to the maker.
func TestControllerTakeOrderFlow(t *testing.T) {
	var ctx = context.Background()
	var st, err = store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var wallet = &fakeWallet{}
	var cfdFeed, orderFeed, walletFeed = newFakeCfdFeed(), newFakeOrderFeed(), newFakeWalletFeed()
	var errorSink = newFakeErrorSink()
	var sentToMaker = make(chan wire.TakerToMaker, 16)

	var c = New(ctx, st, wallet, func(msg wire.TakerToMaker) error { sentToMaker <- msg; return nil }, errorSink, cfdFeed, orderFeed, walletFeed)
	t.Cleanup(c.Close)

	var orderId = cfdid.NewOrderId()
	var order = cfd.Order{Id: orderId, Price: 40_000_00, MinQty: 1, MaxQty: 1000_00, SettlementEventId: "btc-usd-2026-01-01"}

	require.NoError(t, c.NewOrder(ctx, &order))
	var pushedOrder = requireReceive(t, orderFeed.pushes)
	require.Equal(t, orderId, pushedOrder.Id)

	require.NoError(t, c.TakeOrder(ctx, orderId, 500_00))

	var cfds = requireReceive(t, cfdFeed.pushes)
	require.Len(t, cfds, 1)
	require.Equal(t, cfd.StatePendingTakeRequest, cfds[0].State.Tag)
	require.Equal(t, cfd.Usd(500_00), cfds[0].Quantity)

	var sent = requireReceive(t, sentToMaker)
	require.Equal(t, wire.TakerTakeOrder, sent.Tag)
	require.Equal(t, orderId, sent.OrderId)
	require.Equal(t, cfd.Usd(500_00), sent.Quantity)

	requireNoError(t, errorSink.errs)
}

// Continuing from a taken order, OrderAccepted spawns contract setup;
// three protocol rounds complete it; the feed shows Open and the DLC is
// durably persisted and loadable.
func TestControllerOrderAcceptedRunsSetupToOpen(t *testing.T) {
	var ctx = context.Background()
	var st, err = store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var wallet = &fakeWallet{
		margin: 1000,
		params: PartyParams{Keys: cfd.PartyKeys{IdentityPk: []byte("taker-id")}, Address: "bcrt1qtaker"},
	}
	var cfdFeed, orderFeed, walletFeed = newFakeCfdFeed(), newFakeOrderFeed(), newFakeWalletFeed()
	var errorSink = newFakeErrorSink()
	var protocolToMaker = make(chan setup.SetupMsg, 16)

	var c = New(ctx, st, wallet, func(msg wire.TakerToMaker) error {
		if msg.Tag == wire.TakerProtocol {
			protocolToMaker <- msg.Protocol
		}
		return nil
	}, errorSink, cfdFeed, orderFeed, walletFeed)
	t.Cleanup(c.Close)

	var orderId = cfdid.NewOrderId()
	var order = cfd.Order{Id: orderId, Price: 40_000_00, MinQty: 1, MaxQty: 1000_00, SettlementEventId: "btc-usd-2026-01-01"}
	require.NoError(t, c.NewOrder(ctx, &order))
	<-orderFeed.pushes

	require.NoError(t, c.TakeOrder(ctx, orderId, 500_00))
	<-cfdFeed.pushes // PendingTakeRequest

	require.NoError(t, c.OrderAccepted(ctx, orderId))

	var setupFeed = requireReceive(t, cfdFeed.pushes)
	require.Len(t, setupFeed, 1)
	require.Equal(t, cfd.StateContractSetup, setupFeed[0].State.Tag)

	// Play the maker's three rounds by hand, using the same PlainSigner
	// logic the real maker side would, mirroring pkg/setup's round order.
	var makerSigner = setup.PlainSigner{
		Role: setup.RoleMaker, Keys: cfd.PartyKeys{IdentityPk: []byte("maker-id")},
		Address: "bcrt1qmaker", LockAmount: 2000, SettlementEventId: order.SettlementEventId,
	}

	var takerProposalMsg = requireReceive(t, protocolToMaker)
	require.Equal(t, setup.RoundProposal, takerProposalMsg.Round)
	var takerProposal = *takerProposalMsg.Proposal

	var makerProposal, perr = makerSigner.BuildProposal()
	require.NoError(t, perr)
	require.NoError(t, c.IncProtocolMsg(ctx, orderId, setup.SetupMsg{Round: setup.RoundProposal, Proposal: &makerProposal}))

	var takerSigsMsg = requireReceive(t, protocolToMaker)
	require.Equal(t, setup.RoundSignatures, takerSigsMsg.Round)
	var takerSigs = *takerSigsMsg.Signatures

	var makerSigs, serr = makerSigner.BuildSignatures(takerProposal)
	require.NoError(t, serr)
	require.NoError(t, c.IncProtocolMsg(ctx, orderId, setup.SetupMsg{Round: setup.RoundSignatures, Signatures: &makerSigs}))

	var takerFinalMsg = requireReceive(t, protocolToMaker)
	require.Equal(t, setup.RoundFinalize, takerFinalMsg.Round)

	var makerFinal, ferr = makerSigner.BuildFinalize(takerProposal, takerSigs)
	require.NoError(t, ferr)
	require.NoError(t, c.IncProtocolMsg(ctx, orderId, setup.SetupMsg{Round: setup.RoundFinalize, Finalize: &makerFinal}))

	var openFeed = requireReceive(t, cfdFeed.pushes)
	require.Len(t, openFeed, 1)
	require.Equal(t, cfd.StateOpen, openFeed[0].State.Tag)
	require.Equal(t, order.SettlementEventId, openFeed[0].State.SettlementEventId)

	requireNoError(t, errorSink.errs)
}

// SyncWallet pushes the refreshed wallet state onto the wallet feed.
func TestControllerSyncWalletPushesWalletFeed(t *testing.T) {
	var ctx = context.Background()
	var st, err = store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var walletFeed = newFakeWalletFeed()
	var errorSink = newFakeErrorSink()
	var c = New(ctx, st, &fakeWallet{}, func(wire.TakerToMaker) error { return nil }, errorSink, nil, nil, walletFeed)
	t.Cleanup(c.Close)

	require.NoError(t, c.SyncWallet(ctx))
	var state = requireReceive(t, walletFeed.pushes)
	require.Equal(t, cfd.Amount(1_000_000), state.Balance)
	requireNoError(t, errorSink.errs)
}

// A NewOrder carrying nil clears the visible order on the feed.
func TestControllerNewOrderNilClearsFeed(t *testing.T) {
	var ctx = context.Background()
	var st, err = store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var orderFeed = newFakeOrderFeed()
	var c = New(ctx, st, &fakeWallet{}, func(wire.TakerToMaker) error { return nil }, nil, nil, orderFeed, nil)
	t.Cleanup(c.Close)

	require.NoError(t, c.NewOrder(ctx, nil))
	require.Nil(t, requireReceive(t, orderFeed.pushes))
}

// IncProtocolMsg with no active setup is a reported protocol violation,
// not a crash.
func TestControllerIncProtocolMsgWithNoActiveSetupReportsError(t *testing.T) {
	var ctx = context.Background()
	var st, err = store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var errorSink = newFakeErrorSink()
	var c = New(ctx, st, &fakeWallet{}, func(wire.TakerToMaker) error { return nil }, errorSink, nil, nil, nil)
	t.Cleanup(c.Close)

	require.NoError(t, c.IncProtocolMsg(ctx, cfdid.NewOrderId(), setup.SetupMsg{Round: setup.RoundProposal, Proposal: &setup.Proposal{}}))
	var reported = requireReceive(t, errorSink.errs)
	require.Error(t, reported)
}
