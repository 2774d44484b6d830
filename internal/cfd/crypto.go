package cfd

// Crypto is the DLC/Bitcoin cryptographic primitive boundary: adaptor
// signatures and CET/spend-tx construction (§1 Non-goals: "Cryptographic
// primitives of DLCs ... the core calls them as opaque functions"). The
// aggregate's command methods call it synchronously — it performs no I/O
// and is not an actor; it is injected so tests can supply a fake that
// returns canned, deterministic results.
type Crypto interface {
	// FinalizeSpendTx builds and signs the collaborative-settlement spend
	// transaction once both parties' signatures are available.
	FinalizeSpendTx(dlc *Dlc, proposal SettlementProposal, takerSig Signature) (Transaction, Script, error)

	// DecryptAdaptorSig aggregates the oracle's n_bits scalars into a
	// decryption key and decrypts the counterparty's adaptor signature on
	// a CET, returning the now-valid signature.
	DecryptAdaptorSig(sig AdaptorSignature, scalars [][]byte) (Signature, error)

	// SignCommitTx produces this party's fully signed copy of its own
	// commit transaction, ready for unilateral broadcast.
	SignCommitTx(dlc *Dlc) (Transaction, error)

	// DerivePublicKey returns the public key corresponding to an opaque
	// secret generated by a protocol actor (identity/revocation/publish).
	DerivePublicKey(secret []byte) (PublicKey, error)
}
