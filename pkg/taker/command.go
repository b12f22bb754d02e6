package taker

import (
	"github.com/estuary/cfd-daemon/pkg/cfd"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
	"github.com/estuary/cfd-daemon/pkg/setup"
)

// The taker controller's command set, tagged by Go type rather than an
// explicit discriminator field: the mailbox loop type-switches on
// whichever of these it receives.

type cmdSyncWallet struct{}

type cmdTakeOrder struct {
	orderId  cfdid.OrderId
	quantity cfd.Usd
}

type cmdNewOrder struct {
	order *cfd.Order // nil clears the visible order
}

type cmdOrderAccepted struct {
	orderId cfdid.OrderId
}

type cmdIncProtocolMsg struct {
	orderId cfdid.OrderId
	msg     setup.SetupMsg
}

type cmdCfdSetupCompleted struct {
	orderId   cfdid.OrderId
	finalized cfd.FinalizedCfd
	err       error
}
