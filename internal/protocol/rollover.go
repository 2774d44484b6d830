package protocol

import (
	"context"
	"fmt"

	"github.com/certen/cfd-daemon/internal/cfd"
	"github.com/certen/cfd-daemon/internal/wire"
)

// RunRollover drives one rollover handshake: the lock transaction is
// reused, but the commit/CET/refund graph is rebuilt for a new settlement
// event and timelock (I3/I4).
func RunRollover(ctx context.Context, id cfd.OrderID, params cfd.RolloverParams, prior *cfd.Dlc, deps SetupDeps, peer Peer) cfd.RolloverResult {
	newDlc, err := runRolloverHandshake(ctx, id, params, prior, deps, peer)
	if err != nil {
		return cfd.RolloverResult{Err: err}
	}
	return cfd.RolloverResult{Dlc: newDlc}
}

func runRolloverHandshake(ctx context.Context, id cfd.OrderID, params cfd.RolloverParams, prior *cfd.Dlc, deps SetupDeps, peer Peer) (*cfd.Dlc, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("protocol: rollover requires a prior dlc")
	}

	announcement, err := deps.Oracle.Announcement(ctx, params.NewSettlementEventID)
	if err != nil {
		return nil, fmt.Errorf("protocol: fetch oracle announcement: %w", err)
	}

	round1 := wire.RolloverMsg{
		Round:        1,
		IdentityPk:   prior.CounterpartyIdentityPk, // unchanged across a rollover
		RevocationPk: prior.CounterpartyRevocationPk,
		PublishPk:    prior.CounterpartyPublishPk,
	}
	if err := peer.send(id, wire.KindRolloverMsg, round1); err != nil {
		return nil, err
	}
	var cpRound1 wire.RolloverMsg
	if err := peer.recv(wire.KindRolloverMsg, &cpRound1); err != nil {
		return nil, err
	}

	newDlc := &cfd.Dlc{
		IdentitySecret:           prior.IdentitySecret,
		RevocationSecret:         prior.RevocationSecret,
		PublishSecret:            prior.PublishSecret,
		CounterpartyIdentityPk:   prior.CounterpartyIdentityPk,
		CounterpartyRevocationPk: prior.CounterpartyRevocationPk,
		CounterpartyPublishPk:    prior.CounterpartyPublishPk,
		Address:                  prior.Address,
		CounterpartyAddress:      prior.CounterpartyAddress,
		LockTx:                   prior.LockTx,
		LockDescriptor:           prior.LockDescriptor,
		OwnLockAmount:            prior.OwnLockAmount,
		CounterpartyLockAmount:   prior.CounterpartyLockAmount,
		RefundTimelock:           params.RefundTimelock,
		SettlementEventID:        params.NewSettlementEventID,
		CETs:                     map[string][]cfd.CET{params.NewSettlementEventID: buildCetRanges(cfd.SetupParams{Price: params.Price}, announcement)},
		RevokedCommits:           append([]cfd.RevokedCommit{}, prior.RevokedCommits...), // I4: carried wholesale
	}
	if prior.CommitTx.Raw != nil {
		newDlc.RevokedCommits = append(newDlc.RevokedCommits, cfd.RevokedCommit{
			Tx:               prior.CommitTx,
			RevocationSecret: prior.RevocationSecret,
			PublishSecret:    prior.PublishSecret,
		})
	}

	signedCommit, err := deps.Crypto.SignCommitTx(newDlc)
	if err != nil {
		return nil, fmt.Errorf("protocol: sign rollover commit tx: %w", err)
	}
	newDlc.CommitTx = signedCommit

	round2 := wire.RolloverMsg{Round: 2}
	if err := peer.send(id, wire.KindRolloverMsg, round2); err != nil {
		return nil, err
	}
	var cpRound2 wire.RolloverMsg
	if err := peer.recv(wire.KindRolloverMsg, &cpRound2); err != nil {
		return nil, err
	}
	newDlc.CounterpartyCommitAdaptorSig = cpRound2.CommitAdaptorSig
	newDlc.CounterpartySig = cpRound2.RefundSig
	for i := range newDlc.CETs[params.NewSettlementEventID] {
		if i < len(cpRound2.CetAdaptorSigs) {
			newDlc.CETs[params.NewSettlementEventID][i].CounterpartyAdaptorSig = cpRound2.CetAdaptorSigs[i]
		}
	}

	if err := peer.send(id, wire.KindRolloverDecision, wire.RolloverDecision{Accept: true}); err != nil {
		return nil, err
	}
	var decision wire.RolloverDecision
	if err := peer.recv(wire.KindRolloverDecision, &decision); err != nil {
		return nil, err
	}
	if !decision.Accept {
		return nil, cfd.NewRejectionError("counterparty rejected rollover")
	}

	return newDlc, nil
}
