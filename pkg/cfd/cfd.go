package cfd

import (
	"fmt"

	"github.com/estuary/cfd-daemon/pkg/cfderrors"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
)

// Cfd is a CFD in some lifecycle state, projected by replaying its event
// history. Replaying History from empty
// reproduces State byte-for-byte.
type Cfd struct {
	OrderId  cfdid.OrderId
	Quantity Usd
	State    CfdState
	History  []CfdEvent
}

// NewEmptyCfd returns the zero-history projection for id: no state has been
// assigned yet. The first event a caller applies must be KindCfdTaken.
func NewEmptyCfd(id cfdid.OrderId) Cfd {
	return Cfd{OrderId: id}
}

// Project replays history from an empty Cfd and returns the resulting
// projection. Used by pkg/store's load path and by tests asserting that
// replay equals the stored projection.
func Project(id cfdid.OrderId, history []CfdEvent) (Cfd, error) {
	var c = NewEmptyCfd(id)
	for _, ev := range history {
		var err error
		if c, err = c.Apply(ev); err != nil {
			return Cfd{}, err
		}
	}
	return c, nil
}

// Apply returns the Cfd that results from appending ev to the history and
// transitioning state accordingly. It never mutates the receiver.
func (c Cfd) Apply(ev CfdEvent) (Cfd, error) {
	if !c.OrderId.IsZero() && ev.Id != c.OrderId {
		return Cfd{}, fmt.Errorf("event id %s does not match cfd %s", ev.Id, c.OrderId)
	}

	var next = c
	next.OrderId = ev.Id
	next.History = append(append([]CfdEvent{}, c.History...), ev)

	switch ev.Event.Tag {
	case KindCfdTaken:
		next.Quantity = ev.Event.TakenQuantity
		next.State = CfdState{Tag: StatePendingTakeRequest, TransitionedAt: ev.Timestamp}

	case KindContractSetupStarted:
		if c.State.Tag != StatePendingTakeRequest {
			return Cfd{}, fmt.Errorf("%w: ContractSetupStarted on state %s", cfderrors.ErrUnexpectedTransition, c.State.Tag)
		}
		next.State = CfdState{Tag: StateContractSetup, TransitionedAt: ev.Timestamp}

	case KindContractSetupFailed:
		next.State = CfdState{Tag: StateSetupFailed, TransitionedAt: ev.Timestamp, Reason: ev.Event.Reason}

	case KindOrderTakeRejected:
		next.State = CfdState{Tag: StateRejected, TransitionedAt: ev.Timestamp, Reason: ev.Event.Reason}

	case KindRolloverCompleted:
		if ev.Event.Dlc == nil {
			// A no-op snapshot: advances nothing. The store ignores it
			// too; the projection mirrors that.
			return c, nil
		}
		next.State = CfdState{
			Tag:               StateOpen,
			TransitionedAt:    ev.Timestamp,
			SettlementEventId: ev.Event.Dlc.SettlementEventId,
			FundingFee:        ev.Event.FundingFee,
		}

	case KindUnknown:
		// Produced by collaborators this daemon doesn't interpret;
		// retained in history for
		// faithful replay but does not move the projected state.

	default:
		return Cfd{}, fmt.Errorf("unrecognized event kind tag %q", ev.Event.Tag)
	}

	return next, nil
}
