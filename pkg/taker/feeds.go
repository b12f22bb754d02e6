package taker

import "github.com/estuary/cfd-daemon/pkg/cfd"

// CfdFeed, OrderFeed, and WalletFeed are watch-style broadcasters the
// controller refreshes after every command that changes their value.
// They're interfaces, not concrete channel types, so the UI/API layer
// that actually fans them out to subscribers is named only by contract.
type CfdFeed interface {
	// Push replaces the feed's visible value with the full current list
	// of CFDs known to the controller.
	Push(cfds []cfd.Cfd)
}

type OrderFeed interface {
	// Push replaces the feed's visible order. A nil order clears it.
	Push(order *cfd.Order)
}

type WalletFeed interface {
	Push(state WalletState)
}

// ErrorSink receives typed errors for commands the controller could not
// apply: out-of-band, non-fatal to the controller itself.
type ErrorSink interface {
	Report(err error)
}
