package protocol

import (
	"github.com/certen/cfd-daemon/internal/cfd"
	"github.com/certen/cfd-daemon/internal/wire"
)

// RunCollaborativeSettlementTaker proposes a settlement at currentPrice,
// waits for the maker's accept-or-reject decision and, on acceptance, sends
// the taker's signature. The maker finalizes the spend transaction; the
// taker's result carries the outcome and price but no SpendTx.
func RunCollaborativeSettlementTaker(id cfd.OrderID, state *cfd.State, currentPrice float64, nPayouts int, peer Peer) cfd.SettlementCompleted {
	proposal, err := state.StartCollaborativeSettlementTaker(currentPrice, nPayouts)
	if err != nil {
		return cfd.SettlementCompleted{Outcome: cfd.SettlementFailed}
	}

	msg := wire.SettlementProposalMsg{TakerAmount: proposal.TakerAmount, MakerAmount: proposal.MakerAmount, Price: proposal.Price}
	if err := peer.send(id, wire.KindSettlementProposal, msg); err != nil {
		return failedOrFallback(state)
	}

	var decision wire.SettlementDecision
	if err := peer.recv(wire.KindSettlementDecision, &decision); err != nil {
		return failedOrFallback(state)
	}
	if !decision.Accept {
		return rejectedOrFallback(state)
	}

	// The taker's signature is a fixed placeholder value: this actor has no
	// signing step and takes no signature from its caller.
	takerSig := cfd.Signature("taker-sig")
	if err := peer.send(id, wire.KindSettlementMsg, wire.SettlementMsg{TakerSig: takerSig}); err != nil {
		return failedOrFallback(state)
	}

	return cfd.SettlementCompleted{
		Outcome: cfd.SettlementSucceeded,
		Price:   proposal.Price,
	}
}

// RunCollaborativeSettlementMaker waits for a settlement proposal, decides
// whether to accept it, and on acceptance finalizes and returns the spend
// transaction via the injected Crypto capability.
func RunCollaborativeSettlementMaker(id cfd.OrderID, state *cfd.State, crypto cfd.Crypto, accept func(wire.SettlementProposalMsg) bool, peer Peer) cfd.SettlementCompleted {
	var proposalMsg wire.SettlementProposalMsg
	if err := peer.recv(wire.KindSettlementProposal, &proposalMsg); err != nil {
		return failedOrFallback(state)
	}

	ok := accept(proposalMsg)
	if err := peer.send(id, wire.KindSettlementDecision, wire.SettlementDecision{Accept: ok}); err != nil {
		return failedOrFallback(state)
	}
	if !ok {
		return rejectedOrFallback(state)
	}

	var takerMsg wire.SettlementMsg
	if err := peer.recv(wire.KindSettlementMsg, &takerMsg); err != nil {
		return failedOrFallback(state)
	}

	proposal := cfd.SettlementProposal{TakerAmount: proposalMsg.TakerAmount, MakerAmount: proposalMsg.MakerAmount, Price: proposalMsg.Price}
	settlement, err := state.StartCollaborativeSettlementMaker(crypto, proposal, takerMsg.TakerSig)
	if err != nil {
		return cfd.SettlementCompleted{Outcome: cfd.SettlementFailed, CommitTx: commitTxOrZero(state)}
	}

	return cfd.SettlementCompleted{
		Outcome: cfd.SettlementSucceeded,
		SpendTx: settlement.SpendTx,
		Script:  settlement.Script,
		Price:   settlement.Price,
	}
}

func failedOrFallback(state *cfd.State) cfd.SettlementCompleted {
	return cfd.SettlementCompleted{Outcome: cfd.SettlementFailed, CommitTx: commitTxOrZero(state)}
}

func rejectedOrFallback(state *cfd.State) cfd.SettlementCompleted {
	return cfd.SettlementCompleted{Outcome: cfd.SettlementRejected, CommitTx: commitTxOrZero(state)}
}

func commitTxOrZero(state *cfd.State) cfd.Transaction {
	if state.Dlc == nil {
		return cfd.Transaction{}
	}
	return state.Dlc.CommitTx
}

