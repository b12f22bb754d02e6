package cfd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/estuary/cfd-daemon/pkg/cfdid"
)

// EventKindTag discriminates the EventKind tagged variant. The set is
// non-exhaustive: KindUnknown is the catch-all that lets CfdEvent
// round-trip kinds this daemon doesn't itself produce or interpret,
// without the store or the projection needing to understand them.
type EventKindTag string

const (
	KindCfdTaken             EventKindTag = "CfdTaken"
	KindContractSetupStarted EventKindTag = "ContractSetupStarted"
	KindContractSetupFailed  EventKindTag = "ContractSetupFailed"
	KindOrderTakeRejected    EventKindTag = "OrderTakeRejected"
	KindRolloverCompleted    EventKindTag = "RolloverCompleted"
	KindUnknown              EventKindTag = "Unknown"
)

// EventKind is the tagged payload of a CfdEvent. Only RolloverCompleted is
// given first-class relational treatment by pkg/store; the others replay
// against the in-memory projection in pkg/cfd but are opaque to
// persistence beyond their envelope.
type EventKind struct {
	Tag EventKindTag

	// Populated when Tag == KindRolloverCompleted. A nil Dlc is a no-op
	// snapshot: it advances nothing and the store ignores it.
	Dlc        *Dlc
	FundingFee FundingFee

	// Populated when Tag is one of the *Failed/*Rejected variants.
	Reason string

	// Populated when Tag == KindCfdTaken: the taker-chosen quantity at the
	// moment the order was taken.
	TakenQuantity Usd

	// Populated when Tag == KindUnknown, preserving the original
	// discriminator and payload for round-tripping.
	UnknownTag     string
	UnknownPayload json.RawMessage
}

type eventKindWire struct {
	Tag           EventKindTag    `json:"tag"`
	Dlc           *Dlc            `json:"dlc,omitempty"`
	FundingFee    *FundingFee     `json:"funding_fee,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	TakenQuantity Usd             `json:"taken_quantity,omitempty"`
	RawTag        string          `json:"raw_tag,omitempty"`
	RawPayload    json.RawMessage `json:"raw_payload,omitempty"`
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	var w = eventKindWire{Tag: k.Tag, Reason: k.Reason}
	switch k.Tag {
	case KindRolloverCompleted:
		w.Dlc = k.Dlc
		w.FundingFee = &k.FundingFee
	case KindCfdTaken:
		w.TakenQuantity = k.TakenQuantity
	case KindUnknown:
		w.RawTag = k.UnknownTag
		w.RawPayload = k.UnknownPayload
	}
	return json.Marshal(w)
}

func (k *EventKind) UnmarshalJSON(b []byte) error {
	var w eventKindWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("unmarshaling event kind: %w", err)
	}
	*k = EventKind{
		Tag:            w.Tag,
		Reason:         w.Reason,
		TakenQuantity:  w.TakenQuantity,
		UnknownTag:     w.RawTag,
		UnknownPayload: w.RawPayload,
	}
	if w.Dlc != nil {
		k.Dlc = w.Dlc
	}
	if w.FundingFee != nil {
		k.FundingFee = *w.FundingFee
	}
	return nil
}

// CfdEvent is one entry in a CFD's append-only event history.
type CfdEvent struct {
	Id        cfdid.OrderId
	Event     EventKind
	Timestamp time.Time
}
