// Package cfdid holds the identifier types shared across the daemon: the
// OrderId that keys a CFD from taker command through to the store, and the
// PeerId/Multiaddr pair used to address counterparties on the transport.
package cfdid

import (
	"fmt"

	"github.com/google/uuid"
)

// OrderId is the primary key of an Order and, transitively, of the at most
// one Cfd taken against it. Its canonical textual form is the 36-character
// hyphenated UUID.
type OrderId struct {
	u uuid.UUID
}

// NewOrderId generates a fresh, random OrderId.
func NewOrderId() OrderId {
	return OrderId{u: uuid.New()}
}

// ParseOrderId parses the canonical 36-character hyphenated textual form.
func ParseOrderId(s string) (OrderId, error) {
	var u, err = uuid.Parse(s)
	if err != nil {
		return OrderId{}, fmt.Errorf("parsing order id %q: %w", s, err)
	}
	return OrderId{u: u}, nil
}

// OrderIdFromBytes round-trips the binary representation produced by Bytes.
func OrderIdFromBytes(b []byte) (OrderId, error) {
	var u, err = uuid.FromBytes(b)
	if err != nil {
		return OrderId{}, fmt.Errorf("parsing order id bytes: %w", err)
	}
	return OrderId{u: u}, nil
}

// String returns the canonical 36-character hyphenated form.
func (id OrderId) String() string { return id.u.String() }

// Bytes returns the 16-byte binary representation.
func (id OrderId) Bytes() []byte {
	var b = id.u
	return b[:]
}

// IsZero reports whether this is the zero-value OrderId.
func (id OrderId) IsZero() bool { return id.u == uuid.Nil }

func (id OrderId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.u.String() + `"`), nil
}

func (id *OrderId) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("invalid order id JSON: %s", b)
	}
	var parsed, err = ParseOrderId(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
