// Package cfd holds the bilateral-derivative data model: orders, CFDs,
// their event-sourced state, and the negotiated DLC bundle that a
// contract-setup produces. Tagged variants (CfdState, EventKind) are
// marshaled as discriminator-tagged JSON objects.
package cfd

import "fmt"

// Usd is a USD-denominated quantity in minor units (cents).
type Usd int64

// Amount is a satoshi-denominated quantity. It is unsigned; pkg/store
// keeps it in signed columns and reports a negative stored value as
// cfderrors.ErrAmountCorrupted.
type Amount uint64

// MaxStorableAmount is the largest Amount that round-trips through a
// signed 64-bit satoshi column without overflow.
const MaxStorableAmount Amount = 1<<63 - 1

// FitsSignedColumn reports whether a is small enough to store in a signed
// 64-bit satoshi column.
func (a Amount) FitsSignedColumn() bool { return a <= MaxStorableAmount }

// FundingRate is the periodic rate applied to compute a FundingFee,
// expressed as a fraction (e.g. 0.001 for 0.1%) over the rollover interval.
type FundingRate float64

// FundingFee is the periodic flow between the two sides of an open CFD,
// recomputed at each rollover.
type FundingFee struct {
	Fee  Amount
	Rate FundingRate
}

func (a Amount) String() string { return fmt.Sprintf("%d sat", uint64(a)) }
