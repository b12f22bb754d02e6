// Package setup implements the contract-setup actor: the 3-round
// maker/taker protocol that produces a FinalizedCfd. One instance is
// spawned per CFD by the taker controller once the maker accepts the
// order. It follows the same single-writer,
// command-mailbox-plus-completion-future shape as pkg/endpoint, scaled
// down to a protocol that runs to completion exactly once instead of
// servicing a standing command surface.
package setup

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/estuary/cfd-daemon/pkg/cfd"
	"github.com/estuary/cfd-daemon/pkg/cfderrors"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
)

// RoleTag discriminates which side of the protocol this Actor plays.
type RoleTag string

const (
	RoleTaker RoleTag = "Taker"
	RoleMaker RoleTag = "Maker"
)

// SendFunc forwards one opaque protocol message to the counterparty. The
// caller supplies it already bound to a specific peer and wire envelope,
// e.g. wrapping each message as a wire.TakerToMaker protocol variant.
type SendFunc func(SetupMsg) error

// Result is what the completion future resolves to, exactly once.
type Result struct {
	Finalized cfd.FinalizedCfd
	Err       error
}

// Actor runs the 3-round setup protocol for one CFD.
type Actor struct {
	orderId cfdid.OrderId
	role    RoleTag
	send    SendFunc
	signer  Signer

	inbox    chan SetupMsg
	resultCh chan Result

	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry
}

// NewActor constructs and starts a contract-setup Actor for orderId,
// playing role, sending outbound protocol messages via send and building
// round payloads via signer.
func NewActor(ctx context.Context, orderId cfdid.OrderId, role RoleTag, send SendFunc, signer Signer) *Actor {
	var actorCtx, cancel = context.WithCancel(ctx)
	var a = &Actor{
		orderId:  orderId,
		role:     role,
		send:     send,
		signer:   signer,
		inbox:    make(chan SetupMsg, 1),
		resultCh: make(chan Result, 1),
		ctx:      actorCtx,
		cancel:   cancel,
		log:      logrus.WithFields(logrus.Fields{"order_id": orderId.String(), "role": string(role)}),
	}
	go a.run()
	return a
}

// Deliver hands one peer-originated SetupMsg to the actor's inbox, in
// arrival order. If the actor has been cancelled, the message is silently
// discarded.
func (a *Actor) Deliver(msg SetupMsg) {
	select {
	case a.inbox <- msg:
	case <-a.ctx.Done():
	}
}

// Completion returns the actor's completion future: it resolves exactly
// once with the finalized Cfd or an abort error.
func (a *Actor) Completion() <-chan Result { return a.resultCh }

// Cancel aborts the actor by cancelling its context; Deliver discards
// messages from then on. It is the caller's
// responsibility to call Cancel once it no longer holds the completion
// future; the taker controller does so on reaching a terminal setup
// state.
func (a *Actor) Cancel() {
	a.cancel()
}

func (a *Actor) run() {
	var finalized, err = a.negotiate()
	if err != nil {
		a.log.WithError(err).Warn("contract setup aborted")
	} else {
		a.log.Info("contract setup complete")
	}
	a.resultCh <- Result{Finalized: finalized, Err: err}
}

func (a *Actor) negotiate() (cfd.FinalizedCfd, error) {
	var localProposal, err = a.signer.BuildProposal()
	if err != nil {
		return cfd.FinalizedCfd{}, fmt.Errorf("building proposal: %w", err)
	}
	if err := a.send(SetupMsg{Round: RoundProposal, Proposal: &localProposal}); err != nil {
		return cfd.FinalizedCfd{}, fmt.Errorf("sending proposal: %w", err)
	}

	var peerProposalMsg, rerr = a.receive(RoundProposal)
	if rerr != nil {
		return cfd.FinalizedCfd{}, rerr
	}
	var peerProposal = *peerProposalMsg.Proposal

	var localSigs Signatures
	localSigs, err = a.signer.BuildSignatures(peerProposal)
	if err != nil {
		return cfd.FinalizedCfd{}, fmt.Errorf("building signatures: %w", err)
	}
	if err := a.send(SetupMsg{Round: RoundSignatures, Signatures: &localSigs}); err != nil {
		return cfd.FinalizedCfd{}, fmt.Errorf("sending signatures: %w", err)
	}

	var peerSigsMsg SetupMsg
	peerSigsMsg, rerr = a.receive(RoundSignatures)
	if rerr != nil {
		return cfd.FinalizedCfd{}, rerr
	}
	var peerSigs = *peerSigsMsg.Signatures

	var localFinal Finalize
	localFinal, err = a.signer.BuildFinalize(peerProposal, peerSigs)
	if err != nil {
		return cfd.FinalizedCfd{}, fmt.Errorf("building finalize: %w", err)
	}
	if err := a.send(SetupMsg{Round: RoundFinalize, Finalize: &localFinal}); err != nil {
		return cfd.FinalizedCfd{}, fmt.Errorf("sending finalize: %w", err)
	}

	var peerFinalMsg SetupMsg
	peerFinalMsg, rerr = a.receive(RoundFinalize)
	if rerr != nil {
		return cfd.FinalizedCfd{}, rerr
	}
	var peerFinal = *peerFinalMsg.Finalize

	var dlc cfd.Dlc
	dlc, err = a.signer.Assemble(localProposal, peerProposal, localSigs, peerSigs, localFinal, peerFinal)
	if err != nil {
		return cfd.FinalizedCfd{}, fmt.Errorf("assembling dlc: %w", err)
	}

	return cfd.FinalizedCfd{
		OrderId: a.orderId,
		Dlc:     dlc,
		// No funding has accrued yet; the first FundingFee is produced by
		// this CFD's first rollover, not its initial setup.
		FundingFee: cfd.FundingFee{},
	}, nil
}

// receive blocks for the next inbox message and enforces protocol order:
// it must be exactly want's round, in sequence.
func (a *Actor) receive(want RoundTag) (SetupMsg, error) {
	select {
	case msg := <-a.inbox:
		if msg.Round != want {
			return SetupMsg{}, fmt.Errorf("%w: expected round %s, got %s", cfderrors.ErrSetupOutOfOrder, want, msg.Round)
		}
		a.log.WithField("round", string(msg.Round)).Debug("received setup round")
		return msg, nil
	case <-a.ctx.Done():
		return SetupMsg{}, a.ctx.Err()
	}
}
