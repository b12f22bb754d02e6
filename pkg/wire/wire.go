// Package wire holds the taker<->maker message envelopes, each a
// tagged-JSON object discriminated by its Tag field.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/estuary/cfd-daemon/pkg/cfd"
	"github.com/estuary/cfd-daemon/pkg/cfdid"
	"github.com/estuary/cfd-daemon/pkg/setup"
)

// TakerToMakerTag discriminates messages the taker sends the maker.
type TakerToMakerTag string

const (
	TakerTakeOrder TakerToMakerTag = "TakeOrder"
	TakerProtocol  TakerToMakerTag = "Protocol"
)

// TakerToMaker is a message sent from the taker to the maker.
type TakerToMaker struct {
	Tag TakerToMakerTag

	// Populated when Tag == TakerTakeOrder.
	OrderId  cfdid.OrderId
	Quantity cfd.Usd

	// Populated when Tag == TakerProtocol.
	Protocol setup.SetupMsg
}

type takerToMakerWire struct {
	Tag      TakerToMakerTag `json:"tag"`
	OrderId  *cfdid.OrderId  `json:"order_id,omitempty"`
	Quantity cfd.Usd         `json:"quantity,omitempty"`
	Protocol *setup.SetupMsg `json:"protocol,omitempty"`
}

func (m TakerToMaker) MarshalJSON() ([]byte, error) {
	var w = takerToMakerWire{Tag: m.Tag}
	switch m.Tag {
	case TakerTakeOrder:
		w.OrderId = &m.OrderId
		w.Quantity = m.Quantity
	case TakerProtocol:
		w.Protocol = &m.Protocol
	}
	return json.Marshal(w)
}

func (m *TakerToMaker) UnmarshalJSON(b []byte) error {
	var w takerToMakerWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("unmarshaling taker->maker message: %w", err)
	}
	*m = TakerToMaker{Tag: w.Tag, Quantity: w.Quantity}
	if w.OrderId != nil {
		m.OrderId = *w.OrderId
	}
	if w.Protocol != nil {
		m.Protocol = *w.Protocol
	}
	return nil
}

// MakerToTakerTag discriminates messages the maker sends the taker.
type MakerToTakerTag string

const (
	MakerOrderAccepted MakerToTakerTag = "OrderAccepted"
	MakerNewOrder      MakerToTakerTag = "NewOrder"
	MakerProtocol      MakerToTakerTag = "Protocol"
)

// MakerToTaker is a message sent from the maker to the taker.
type MakerToTaker struct {
	Tag MakerToTakerTag

	// Populated when Tag == MakerOrderAccepted.
	OrderId cfdid.OrderId

	// Populated when Tag == MakerNewOrder. A nil Order clears the
	// taker's visible order.
	Order *cfd.Order

	// Populated when Tag == MakerProtocol.
	Protocol setup.SetupMsg
}

type makerToTakerWire struct {
	Tag      MakerToTakerTag `json:"tag"`
	OrderId  *cfdid.OrderId  `json:"order_id,omitempty"`
	Order    *cfd.Order      `json:"order,omitempty"`
	Protocol *setup.SetupMsg `json:"protocol,omitempty"`
}

func (m MakerToTaker) MarshalJSON() ([]byte, error) {
	var w = makerToTakerWire{Tag: m.Tag, Order: m.Order}
	switch m.Tag {
	case MakerOrderAccepted:
		w.OrderId = &m.OrderId
	case MakerProtocol:
		w.Protocol = &m.Protocol
	}
	return json.Marshal(w)
}

func (m *MakerToTaker) UnmarshalJSON(b []byte) error {
	var w makerToTakerWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("unmarshaling maker->taker message: %w", err)
	}
	*m = MakerToTaker{Tag: w.Tag, Order: w.Order}
	if w.OrderId != nil {
		m.OrderId = *w.OrderId
	}
	if w.Protocol != nil {
		m.Protocol = *w.Protocol
	}
	return nil
}
