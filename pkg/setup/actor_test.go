package setup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/cfd-daemon/pkg/cfd"
	"github.com/estuary/cfd-daemon/pkg/cfderrors"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
)

// Three rounds exchanged between maker and taker actors produce a
// FinalizedCfd on both sides, with each side's own lock amount/address
// landing in the right Dlc field.
func TestSetupActorCompletesThreeRoundProtocol(t *testing.T) {
	var ctx = context.Background()
	var orderId = cfdid.NewOrderId()

	// ready gates both actors' first send until both *Actor values exist,
	// since NewActor starts the protocol immediately: the actors can't
	// reference each other until both are constructed.
	var ready = make(chan struct{})
	var maker, taker *Actor

	var makerSigner = PlainSigner{Role: RoleMaker, Keys: cfd.PartyKeys{IdentityPk: []byte("maker-id")}, Address: "bcrt1qmaker", LockAmount: 100_000, SettlementEventId: "btc-usd-2026-01-01", RefundTimelock: 144}
	var takerSigner = PlainSigner{Role: RoleTaker, Keys: cfd.PartyKeys{IdentityPk: []byte("taker-id")}, Address: "bcrt1qtaker", LockAmount: 50_000, SettlementEventId: "btc-usd-2026-01-01", RefundTimelock: 144}

	maker = NewActor(ctx, orderId, RoleMaker, func(msg SetupMsg) error {
		<-ready
		taker.Deliver(msg)
		return nil
	}, makerSigner)
	taker = NewActor(ctx, orderId, RoleTaker, func(msg SetupMsg) error {
		<-ready
		maker.Deliver(msg)
		return nil
	}, takerSigner)
	close(ready)

	var makerResult = <-maker.Completion()
	var takerResult = <-taker.Completion()

	require.NoError(t, makerResult.Err)
	require.NoError(t, takerResult.Err)

	require.Equal(t, cfd.Amount(100_000), makerResult.Finalized.Dlc.MakerAmount)
	require.Equal(t, cfd.Amount(50_000), makerResult.Finalized.Dlc.TakerAmount)
	require.Equal(t, "bcrt1qmaker", makerResult.Finalized.Dlc.MakerAddress)
	require.Equal(t, "bcrt1qtaker", makerResult.Finalized.Dlc.TakerAddress)

	require.Equal(t, cfd.Amount(100_000), takerResult.Finalized.Dlc.MakerAmount)
	require.Equal(t, cfd.Amount(50_000), takerResult.Finalized.Dlc.TakerAmount)
	require.Equal(t, orderId, makerResult.Finalized.OrderId)
	require.Equal(t, orderId, takerResult.Finalized.OrderId)
}

// Messages delivered out of the fixed 3-round order abort the setup with
// a protocol error.
func TestSetupActorRejectsOutOfOrderMessage(t *testing.T) {
	var ctx = context.Background()
	var orderId = cfdid.NewOrderId()
	var signer = PlainSigner{Role: RoleTaker, Keys: cfd.PartyKeys{IdentityPk: []byte("taker-id")}, Address: "bcrt1qtaker", LockAmount: 1, SettlementEventId: "btc-usd-2026-01-01"}
	var a = NewActor(ctx, orderId, RoleTaker, func(SetupMsg) error { return nil }, signer)

	// Skip RoundProposal and deliver RoundSignatures first.
	a.Deliver(SetupMsg{Round: RoundSignatures, Signatures: &Signatures{}})

	var result = <-a.Completion()
	require.ErrorIs(t, result.Err, cfderrors.ErrSetupOutOfOrder)
}

// Cancel tears the actor down; the completion future still resolves
// exactly once, and further Deliver calls are discarded rather than
// blocking or panicking.
func TestSetupActorCancelDiscardsFurtherDeliveries(t *testing.T) {
	var ctx = context.Background()
	var orderId = cfdid.NewOrderId()
	var signer = PlainSigner{Role: RoleTaker, Keys: cfd.PartyKeys{IdentityPk: []byte("taker-id")}, Address: "bcrt1qtaker", LockAmount: 1, SettlementEventId: "btc-usd-2026-01-01"}

	// Block the send so the actor is still waiting on round one's proposal
	// send when we cancel it.
	var blockSend = make(chan struct{})
	var a = NewActor(ctx, orderId, RoleTaker, func(SetupMsg) error { <-blockSend; return nil }, signer)

	a.Cancel()
	close(blockSend)

	var result = <-a.Completion()
	require.Error(t, result.Err)

	// Deliver after cancellation must not block forever.
	var done = make(chan struct{})
	go func() {
		a.Deliver(SetupMsg{Round: RoundProposal, Proposal: &Proposal{}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked after Cancel")
	}
}
