package cfd

import "github.com/estuary/cfd-daemon/pkg/cfdid"

// FinalizedCfd is what a completed contract-setup actor hands back to the
// taker controller: the fully signed DLC bundle for one CFD, ready to
// persist as a RolloverCompleted event.
type FinalizedCfd struct {
	OrderId    cfdid.OrderId
	Dlc        Dlc
	FundingFee FundingFee
}
