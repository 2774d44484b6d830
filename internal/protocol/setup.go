package protocol

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/certen/cfd-daemon/internal/cfd"
	"github.com/certen/cfd-daemon/internal/contracts"
	"github.com/certen/cfd-daemon/internal/wire"
)

// SetupDeps bundles the collaborators a Setup actor needs: the wallet to
// fund and sign with, the oracle to fetch the announcement CETs are built
// against, and the opaque crypto boundary for the signature/commit-tx work.
type SetupDeps struct {
	Wallet contracts.Wallet
	Oracle contracts.Oracle
	Crypto cfd.Crypto
}

// RunSetup drives one full contract-setup handshake to completion,
// symmetric for maker and taker. It never returns early on a protocol
// disagreement — it always produces a terminal cfd.SetupCompleted, and lets
// the caller feed that into State.SetupContract.
func RunSetup(ctx context.Context, id cfd.OrderID, params cfd.SetupParams, deps SetupDeps, peer Peer) cfd.SetupCompleted {
	dlc, err := runSetupHandshake(ctx, id, params, deps, peer)
	if err != nil {
		if cfd.IsRejection(err) {
			return cfd.SetupCompleted{Outcome: cfd.SetupRejected}
		}
		return cfd.SetupCompleted{Outcome: cfd.SetupFailed, Err: err}
	}
	return cfd.SetupCompleted{Outcome: cfd.SetupSucceeded, Dlc: dlc}
}

func runSetupHandshake(ctx context.Context, id cfd.OrderID, params cfd.SetupParams, deps SetupDeps, peer Peer) (*cfd.Dlc, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	identitySecret, revocationSecret, publishSecret, err := generateSecrets()
	if err != nil {
		return nil, fmt.Errorf("protocol: generate key material: %w", err)
	}
	identityPk, err := deps.Crypto.DerivePublicKey(identitySecret)
	if err != nil {
		return nil, fmt.Errorf("protocol: derive identity pubkey: %w", err)
	}
	revocationPk, err := deps.Crypto.DerivePublicKey(revocationSecret)
	if err != nil {
		return nil, fmt.Errorf("protocol: derive revocation pubkey: %w", err)
	}
	publishPk, err := deps.Crypto.DerivePublicKey(publishSecret)
	if err != nil {
		return nil, fmt.Errorf("protocol: derive publish pubkey: %w", err)
	}

	ownAmount := cfd.Amount(params.OwnMargin * 1e8)
	psbt, err := deps.Wallet.BuildFundingPSBT(ctx, ownAmount, 1 /* sat/vb, see DESIGN.md open question */)
	if err != nil {
		return nil, fmt.Errorf("protocol: build funding psbt: %w", err)
	}
	ownAddress, err := deps.Wallet.NewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("protocol: new address: %w", err)
	}

	// Round 1: exchange party parameters and lock PSBTs.
	round1 := wire.SetupMsg{
		Round:       1,
		OwnMargin:   params.OwnMargin,
		IdentityPk:  identityPk,
		RevocationPk: revocationPk,
		PublishPk:   publishPk,
		Address:     ownAddress,
		LockPSBT:    psbt,
	}
	if err := peer.send(id, wire.KindSetupMsg, round1); err != nil {
		return nil, err
	}
	var cpRound1 wire.SetupMsg
	if err := peer.recv(wire.KindSetupMsg, &cpRound1); err != nil {
		return nil, err
	}

	announcement, err := deps.Oracle.Announcement(ctx, params.SettlementEventID)
	if err != nil {
		return nil, fmt.Errorf("protocol: fetch oracle announcement: %w", err)
	}

	dlc := &cfd.Dlc{
		IdentitySecret:          identitySecret,
		RevocationSecret:        revocationSecret,
		PublishSecret:           publishSecret,
		CounterpartyIdentityPk:  cpRound1.IdentityPk,
		CounterpartyRevocationPk: cpRound1.RevocationPk,
		CounterpartyPublishPk:   cpRound1.PublishPk,
		Address:                 ownAddress,
		CounterpartyAddress:     cpRound1.Address,
		OwnLockAmount:           ownAmount,
		CounterpartyLockAmount:  cfd.Amount(params.CounterpartyMargin * 1e8),
		RefundTimelock:          params.RefundTimelock,
		SettlementEventID:       params.SettlementEventID,
		CETs:                    map[string][]cfd.CET{params.SettlementEventID: buildCetRanges(params, announcement)},
	}

	// Round 2: exchange commit/CET/refund adaptor signatures over the
	// now-agreed transaction graph.
	signedCommit, err := deps.Crypto.SignCommitTx(dlc)
	if err != nil {
		return nil, fmt.Errorf("protocol: sign commit tx: %w", err)
	}
	dlc.CommitTx = signedCommit

	round2 := wire.SetupMsg{Round: 2}
	if err := peer.send(id, wire.KindSetupMsg, round2); err != nil {
		return nil, err
	}
	var cpRound2 wire.SetupMsg
	if err := peer.recv(wire.KindSetupMsg, &cpRound2); err != nil {
		return nil, err
	}
	dlc.CounterpartyCommitAdaptorSig = cpRound2.CommitAdaptorSig
	dlc.CounterpartySig = cpRound2.RefundSig
	for i := range dlc.CETs[params.SettlementEventID] {
		if i < len(cpRound2.CetAdaptorSigs) {
			dlc.CETs[params.SettlementEventID][i].CounterpartyAdaptorSig = cpRound2.CetAdaptorSigs[i]
		}
	}

	// Final decision round: either party may still reject.
	if err := peer.send(id, wire.KindSetupDecision, wire.SetupDecision{Accept: true}); err != nil {
		return nil, err
	}
	var decision wire.SetupDecision
	if err := peer.recv(wire.KindSetupDecision, &decision); err != nil {
		return nil, err
	}
	if !decision.Accept {
		return nil, cfd.NewRejectionError("counterparty rejected contract setup")
	}

	return dlc, nil
}

func generateSecrets() (identity, revocation, publish []byte, err error) {
	identity = make([]byte, 32)
	revocation = make([]byte, 32)
	publish = make([]byte, 32)
	for _, s := range [][]byte{identity, revocation, publish} {
		if _, err := rand.Read(s); err != nil {
			return nil, nil, nil, err
		}
	}
	return identity, revocation, publish, nil
}

// buildCetRanges partitions [0, 2*price) into evenly spaced CET ranges, one
// per oracle digit resolution bucket. Adaptor signatures are filled in by
// the round-2 exchange above.
func buildCetRanges(params cfd.SetupParams, announcement contracts.OracleAnnouncement) []cfd.CET {
	n := defaultCetCount
	if announcement.NBits > 0 {
		n = int(announcement.NBits)
	}
	cets := make([]cfd.CET, 0, n)
	step := params.Price * 2 / float64(n)
	for i := 0; i < n; i++ {
		cets = append(cets, cfd.CET{
			RangeLow:  step * float64(i),
			RangeHigh: step * float64(i+1),
			NBits:     announcement.NBits,
		})
	}
	return cets
}
