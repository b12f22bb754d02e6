package cfd

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateTag discriminates the CfdState tagged variant.
type StateTag string

const (
	StatePendingTakeRequest StateTag = "PendingTakeRequest"
	StateContractSetup      StateTag = "ContractSetup"
	StateOpen               StateTag = "Open"
	StateSettled            StateTag = "Settled"
	StateSetupFailed        StateTag = "SetupFailed" // terminal/error variant
	StateRejected           StateTag = "Rejected"    // terminal/error variant
)

// CfdState is the tagged-variant lifecycle state of a Cfd. Every variant
// carries the common TransitionedAt timestamp.
type CfdState struct {
	Tag            StateTag
	TransitionedAt time.Time

	// SettlementEventId and FundingFee are only meaningful in StateOpen,
	// populated from the RolloverCompleted event that produced it.
	SettlementEventId string
	FundingFee        FundingFee

	// Reason carries a human-readable cause for StateSetupFailed /
	// StateRejected; both are otherwise payload-free.
	Reason string
}

type stateWire struct {
	Tag               StateTag    `json:"tag"`
	TransitionedAt    time.Time   `json:"transitioned_at"`
	SettlementEventId string      `json:"settlement_event_id,omitempty"`
	FundingFee        *FundingFee `json:"funding_fee,omitempty"`
	Reason            string      `json:"reason,omitempty"`
}

func (s CfdState) MarshalJSON() ([]byte, error) {
	var w = stateWire{
		Tag:               s.Tag,
		TransitionedAt:    s.TransitionedAt,
		SettlementEventId: s.SettlementEventId,
		Reason:            s.Reason,
	}
	if s.Tag == StateOpen {
		w.FundingFee = &s.FundingFee
	}
	return json.Marshal(w)
}

func (s *CfdState) UnmarshalJSON(b []byte) error {
	var w stateWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("unmarshaling cfd state: %w", err)
	}
	*s = CfdState{
		Tag:               w.Tag,
		TransitionedAt:    w.TransitionedAt,
		SettlementEventId: w.SettlementEventId,
		Reason:            w.Reason,
	}
	if w.FundingFee != nil {
		s.FundingFee = *w.FundingFee
	}
	return nil
}
