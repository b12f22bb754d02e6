package cfd

import "github.com/estuary/cfd-daemon/pkg/cfdid"

// Order is the maker's offer. Immutable once created.
type Order struct {
	Id       cfdid.OrderId
	Price    Usd
	MinQty   Usd
	MaxQty   Usd
	Leverage uint8

	// SettlementEventId identifies the oracle price-event this order's
	// CETs will settle against (and, after rollover, the maturity that is
	// rolled forward to).
	SettlementEventId string
	FundingRate       FundingRate
}
