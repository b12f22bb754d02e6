package setup

import (
	"encoding/json"
	"fmt"

	"github.com/estuary/cfd-daemon/pkg/cfd"
)

// RoundTag discriminates the three SetupMsg protocol rounds. Each round
// is framed as one self-describing JSON object carrying this
// discriminator.
type RoundTag string

const (
	// RoundProposal carries each party's public identity/revocation/
	// publication keys, settlement address, and lock amount.
	RoundProposal RoundTag = "Proposal"
	// RoundSignatures carries the sender's adaptor signature over the
	// counterparty's commit transaction, their refund signature, and one
	// adaptor signature per CET.
	RoundSignatures RoundTag = "Signatures"
	// RoundFinalize carries the sender's fully-signed lock transaction
	// input, completing the joint funding transaction.
	RoundFinalize RoundTag = "Finalize"
)

// roundOrder fixes the sequence SetupMsg rounds must arrive in; receiving a
// round out of this order is a protocol error.
var roundOrder = map[RoundTag]int{
	RoundProposal:   0,
	RoundSignatures: 1,
	RoundFinalize:   2,
}

// Proposal is the RoundProposal payload.
type Proposal struct {
	Identity      []byte
	RevocationPk  []byte
	PublicationPk []byte
	Address       string
	LockAmount    cfd.Amount
}

// Signatures is the RoundSignatures payload.
type Signatures struct {
	CommitAdaptorSig []byte
	RefundSig        []byte
	CetAdaptorSigs   map[string][][]byte // oracle event id -> one adaptor sig per CET
}

// Finalize is the RoundFinalize payload.
type Finalize struct {
	LockTxInput []byte
}

// SetupMsg is one of the three tagged protocol-round messages exchanged
// between maker and taker during contract setup.
type SetupMsg struct {
	Round      RoundTag
	Proposal   *Proposal
	Signatures *Signatures
	Finalize   *Finalize
}

// Sequence returns this message's position in the fixed 3-round order.
func (m SetupMsg) Sequence() int { return roundOrder[m.Round] }

type setupMsgWire struct {
	Round      RoundTag    `json:"round"`
	Proposal   *Proposal   `json:"proposal,omitempty"`
	Signatures *Signatures `json:"signatures,omitempty"`
	Finalize   *Finalize   `json:"finalize,omitempty"`
}

func (m SetupMsg) MarshalJSON() ([]byte, error) {
	return json.Marshal(setupMsgWire{
		Round:      m.Round,
		Proposal:   m.Proposal,
		Signatures: m.Signatures,
		Finalize:   m.Finalize,
	})
}

func (m *SetupMsg) UnmarshalJSON(b []byte) error {
	var w setupMsgWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("unmarshaling setup message: %w", err)
	}
	*m = SetupMsg{Round: w.Round, Proposal: w.Proposal, Signatures: w.Signatures, Finalize: w.Finalize}
	return nil
}
