// Package cfderrors gives the daemon's error taxonomy typed sentinels
// instead of ad-hoc strings: callers compare with errors.Is/errors.As
// rather than matching on message text.
package cfderrors

import "github.com/pkg/errors"

// Address errors.
var (
	ErrNoPeerIDInAddress = errors.New("multiaddr does not carry a /p2p/<PeerId> suffix")
	ErrMalformedAddress  = errors.New("malformed multiaddr")
)

// Connectivity errors.
var (
	ErrAlreadyConnected    = errors.New("peer is already connected or connecting")
	ErrNoConnection        = errors.New("no connection to peer")
	ErrConnectionDied      = errors.New("existing connection failed")
	ErrListenerFailed      = errors.New("listener failed")
	ErrFailedToConnect     = errors.New("failed to dial peer")
	ErrDuplicateProtocolId = errors.New("duplicate protocol id in handler registry")
	ErrActorClosed         = errors.New("actor has shut down")
)

// Negotiation errors.
var (
	ErrNegotiationTimeout = errors.New("protocol negotiation timed out")
	ErrNegotiationFailed  = errors.New("peer does not speak any offered protocol")
)

// Protocol errors. The specific sentinels unwrap to ErrProtocolViolation,
// so callers can classify the whole family with one errors.Is.
var (
	ErrProtocolViolation      = errors.New("protocol message arrived in a state that does not accept it")
	ErrNoActiveSetup          = errors.Wrap(ErrProtocolViolation, "received a setup protocol message with no active contract-setup")
	ErrSetupOutOfOrder        = errors.Wrap(ErrProtocolViolation, "setup protocol message arrived out of round order")
	ErrUnexpectedTransition   = errors.Wrap(ErrProtocolViolation, "command does not apply to the cfd's current state")
	ErrSetupAlreadyInProgress = errors.Wrap(ErrProtocolViolation, "a contract-setup is already in progress for this taker")
)

// Persistence errors.
var (
	ErrRowsAffected     = errors.New("insert or update did not affect exactly one row")
	ErrDeserialization  = errors.New("failed to deserialize a persisted value")
	ErrAmountOutOfRange = errors.New("amount does not fit in a signed 64-bit satoshi column")
	ErrAmountCorrupted  = errors.New("stored amount is negative, indicating corruption")
	ErrUnsupportedEvent = errors.New("event kind is not insertable through this path")
	ErrNotFound         = errors.New("no row found for the requested key")
)

// Domain errors.
var (
	ErrMarginUnavailable = errors.New("margin cannot be computed for this cfd")
	ErrPartyParamsFailed = errors.New("wallet could not build party parameters")
)
