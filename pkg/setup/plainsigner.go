package setup

import "github.com/estuary/cfd-daemon/pkg/cfd"

// PlainSigner is the bookkeeping-only Signer used by the taker controller
// and by the pkg/setup and pkg/taker tests: it carries this party's already-generated keys and payout terms
// straight through the three rounds without producing real adaptor
// signatures or CETs, since that cryptography lives in the wallet. A
// wallet-backed Signer replaces BuildSignatures/BuildFinalize/Assemble
// with real transaction construction without touching pkg/setup's round
// sequencing.
type PlainSigner struct {
	Role              RoleTag
	Keys              cfd.PartyKeys
	Address           string
	LockAmount        cfd.Amount
	SettlementEventId string
	RefundTimelock    uint32
}

func (s PlainSigner) BuildProposal() (Proposal, error) {
	return Proposal{
		Identity:      s.Keys.IdentityPk,
		RevocationPk:  s.Keys.RevocationPk,
		PublicationPk: s.Keys.PublicationPk,
		Address:       s.Address,
		LockAmount:    s.LockAmount,
	}, nil
}

func (s PlainSigner) BuildSignatures(_ Proposal) (Signatures, error) {
	return Signatures{
		CommitAdaptorSig: []byte{},
		RefundSig:        []byte{},
		CetAdaptorSigs:   map[string][][]byte{},
	}, nil
}

func (s PlainSigner) BuildFinalize(_ Proposal, _ Signatures) (Finalize, error) {
	return Finalize{LockTxInput: []byte{}}, nil
}

func (s PlainSigner) Assemble(local, counterparty Proposal, localSigs, counterpartySigs Signatures, localFinal, counterpartyFinal Finalize) (cfd.Dlc, error) {
	var d = cfd.Dlc{
		Identity: cfd.PartyKeys{
			IdentityPk:    local.Identity,
			RevocationPk:  local.RevocationPk,
			PublicationPk: local.PublicationPk,
			IdentitySk:    s.Keys.IdentitySk,
			RevocationSk:  s.Keys.RevocationSk,
			PublicationSk: s.Keys.PublicationSk,
		},
		Counterparty: cfd.PartyKeys{
			IdentityPk:    counterparty.Identity,
			RevocationPk:  counterparty.RevocationPk,
			PublicationPk: counterparty.PublicationPk,
		},
		Lock:              cfd.LockTx{Tx: append(append([]byte{}, localFinal.LockTxInput...), counterpartyFinal.LockTxInput...)},
		Commit:            cfd.CommitTx{AdaptorSig: counterpartySigs.CommitAdaptorSig},
		Refund:            cfd.RefundTx{Sig: counterpartySigs.RefundSig},
		Cets:              map[string][]cfd.Cet{},
		SettlementEventId: s.SettlementEventId,
		RefundTimelock:    s.RefundTimelock,
	}

	switch s.Role {
	case RoleMaker:
		d.MakerAddress, d.TakerAddress = local.Address, counterparty.Address
		d.MakerAmount, d.TakerAmount = local.LockAmount, counterparty.LockAmount
	case RoleTaker:
		d.TakerAddress, d.MakerAddress = local.Address, counterparty.Address
		d.TakerAmount, d.MakerAmount = local.LockAmount, counterparty.LockAmount
	}
	return d, nil
}

var _ Signer = PlainSigner{}
