package setup

import "github.com/estuary/cfd-daemon/pkg/cfd"

// Signer builds the three round payloads and assembles the resulting
// Dlc. The actual cryptography (key generation, adaptor signing,
// transaction construction) is the wallet's job; Signer is the seam the
// contract-setup Actor calls through so it can be swapped for a real
// wallet-backed implementation without touching protocol sequencing.
type Signer interface {
	// BuildProposal returns this party's RoundProposal payload.
	BuildProposal() (Proposal, error)
	// BuildSignatures returns this party's RoundSignatures payload, given
	// the counterparty's proposal.
	BuildSignatures(counterparty Proposal) (Signatures, error)
	// BuildFinalize returns this party's RoundFinalize payload, given the
	// counterparty's proposal and signatures.
	BuildFinalize(counterparty Proposal, counterpartySigs Signatures) (Finalize, error)
	// Assemble produces the final Dlc from both parties' round payloads.
	Assemble(local, counterparty Proposal, localSigs, counterpartySigs Signatures, localFinal, counterpartyFinal Finalize) (cfd.Dlc, error)
}
