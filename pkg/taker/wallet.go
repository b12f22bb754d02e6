package taker

import (
	"context"

	"github.com/estuary/cfd-daemon/pkg/cfd"
)

// WalletState is the taker's view of its funding wallet, pushed onto the
// wallet feed after every SyncWallet command.
type WalletState struct {
	Balance cfd.Amount
}

// PartyParams is one party's contribution to a contract-setup round one
// proposal: its generated keys, payout address, and the margin it is
// locking up. Building it is the wallet's job; failure surfaces as
// cfderrors.ErrPartyParamsFailed.
type PartyParams struct {
	Keys       cfd.PartyKeys
	Address    string
	LockAmount cfd.Amount
}

// Wallet is the external collaborator the taker controller delegates
// balance syncing, margin computation, and keypair/address generation
// to.
type Wallet interface {
	// Sync refreshes and returns the wallet's current state.
	Sync(ctx context.Context) (WalletState, error)
	// ComputeMargin computes the satoshi margin the taker must lock for
	// quantity against order. Failure surfaces as
	// cfderrors.ErrMarginUnavailable.
	ComputeMargin(ctx context.Context, order cfd.Order, quantity cfd.Usd) (cfd.Amount, error)
	// BuildPartyParams generates a fresh keypair, a payout address, and
	// returns lockAmount alongside them as this taker's contribution to
	// contract setup.
	BuildPartyParams(ctx context.Context, lockAmount cfd.Amount) (PartyParams, error)
}
