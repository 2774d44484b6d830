package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/certen/cfd-daemon/internal/cfd"
	"github.com/certen/cfd-daemon/internal/contracts"
	"github.com/certen/cfd-daemon/internal/wire"
)

// pipePeers returns two connected Peers, wired maker<->taker through
// buffered in-memory streams. As with a socket's send buffer, a write
// returns without waiting for the other side to read, so both setup actors
// can send their round-1 message before either receives.
func pipePeers() (a, b Peer) {
	ab, ba := newBufPipe(), newBufPipe()
	a = Peer{Tx: wire.NewWriter(ab), Rx: wire.NewReader(ba)}
	b = Peer{Tx: wire.NewWriter(ba), Rx: wire.NewReader(ab)}
	return a, b
}

// bufPipe is a one-way in-memory byte stream with one reader; writes do
// not block until its buffer of 64 writes is full.
type bufPipe struct {
	ch  chan []byte
	buf []byte
}

func newBufPipe() *bufPipe { return &bufPipe{ch: make(chan []byte, 64)} }

func (p *bufPipe) Write(b []byte) (int, error) {
	p.ch <- append([]byte(nil), b...)
	return len(b), nil
}

func (p *bufPipe) Read(b []byte) (int, error) {
	if len(p.buf) == 0 {
		p.buf = <-p.ch
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

type fakeWallet struct{}

func (fakeWallet) BuildFundingPSBT(ctx context.Context, amount cfd.Amount, feeRate uint64) ([]byte, error) {
	return []byte("psbt"), nil
}
func (fakeWallet) SignPSBT(ctx context.Context, psbt []byte) ([]byte, error) { return psbt, nil }
func (fakeWallet) Broadcast(ctx context.Context, tx cfd.Transaction) error   { return nil }
func (fakeWallet) NewAddress(ctx context.Context) (cfd.Address, error)      { return cfd.Address("bcrt1qtest"), nil }

type fakeOracle struct{}

func (fakeOracle) Announcement(ctx context.Context, eventID string) (contracts.OracleAnnouncement, error) {
	return contracts.OracleAnnouncement{EventID: eventID, NBits: 2}, nil
}
func (fakeOracle) Attestation(ctx context.Context, eventID string) (cfd.Attestation, error) {
	return cfd.Attestation{EventID: eventID}, nil
}

type fakeCrypto struct{}

func (fakeCrypto) FinalizeSpendTx(dlc *cfd.Dlc, proposal cfd.SettlementProposal, takerSig cfd.Signature) (cfd.Transaction, cfd.Script, error) {
	return cfd.Transaction{Raw: []byte("spend")}, cfd.Script("spend-script"), nil
}
func (fakeCrypto) DecryptAdaptorSig(sig cfd.AdaptorSignature, scalars [][]byte) (cfd.Signature, error) {
	return cfd.Signature("sig"), nil
}
func (fakeCrypto) SignCommitTx(dlc *cfd.Dlc) (cfd.Transaction, error) {
	return cfd.Transaction{Raw: []byte("commit")}, nil
}
func (fakeCrypto) DerivePublicKey(secret []byte) (cfd.PublicKey, error) {
	var pk cfd.PublicKey
	copy(pk[:], secret)
	return pk, nil
}

func TestRunSetupHandshakeCompletes(t *testing.T) {
	makerPeer, takerPeer := pipePeers()
	deps := SetupDeps{Wallet: fakeWallet{}, Oracle: fakeOracle{}, Crypto: fakeCrypto{}}
	id := cfd.NewOrderID()

	makerParams := cfd.SetupParams{OwnMargin: 0.1, CounterpartyMargin: 0.01, Price: 20000, Quantity: 1, Leverage: 5, SettlementEventID: "btc-usd-2026-07-30"}
	takerParams := cfd.SetupParams{OwnMargin: 0.01, CounterpartyMargin: 0.1, Price: 20000, Quantity: 1, Leverage: 5, SettlementEventID: "btc-usd-2026-07-30"}

	type result struct {
		completed cfd.SetupCompleted
	}
	makerCh := make(chan result, 1)
	takerCh := make(chan result, 1)

	go func() {
		makerCh <- result{RunSetup(context.Background(), id, makerParams, deps, makerPeer)}
	}()
	go func() {
		takerCh <- result{RunSetup(context.Background(), id, takerParams, deps, takerPeer)}
	}()

	var makerResult, takerResult result
	select {
	case makerResult = <-makerCh:
	case <-time.After(5 * time.Second):
		t.Fatal("maker setup timed out")
	}
	select {
	case takerResult = <-takerCh:
	case <-time.After(5 * time.Second):
		t.Fatal("taker setup timed out")
	}

	if makerResult.completed.Outcome != cfd.SetupSucceeded {
		t.Fatalf("maker outcome = %v, want SetupSucceeded", makerResult.completed.Outcome)
	}
	if takerResult.completed.Outcome != cfd.SetupSucceeded {
		t.Fatalf("taker outcome = %v, want SetupSucceeded", takerResult.completed.Outcome)
	}
	if len(makerResult.completed.Dlc.CETs["btc-usd-2026-07-30"]) == 0 {
		t.Error("expected at least one CET to be built")
	}
}

func TestRunCollaborativeSettlementHandshake(t *testing.T) {
	makerPeer, takerPeer := pipePeers()
	static := cfd.Cfd{ID: cfd.NewOrderID(), Position: cfd.Long, InitialPrice: 20000, Leverage: 5, Quantity: 1, Role: cfd.RoleTaker}
	state := cfd.Fold(static, []cfd.Event{})
	state.Dlc = &cfd.Dlc{}
	state.LockFinality = true

	type takerResult struct{ c cfd.SettlementCompleted }
	type makerResult struct{ c cfd.SettlementCompleted }
	takerCh := make(chan takerResult, 1)
	makerCh := make(chan makerResult, 1)

	go func() {
		takerCh <- takerResult{RunCollaborativeSettlementTaker(static.ID, state, 21000, 10, takerPeer)}
	}()
	go func() {
		makerState := *state
		makerCh <- makerResult{RunCollaborativeSettlementMaker(static.ID, &makerState, fakeCrypto{}, func(wire.SettlementProposalMsg) bool { return true }, makerPeer)}
	}()

	select {
	case r := <-takerCh:
		if r.c.Outcome != cfd.SettlementSucceeded {
			t.Errorf("taker outcome = %v, want SettlementSucceeded", r.c.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("taker settlement timed out")
	}
	select {
	case r := <-makerCh:
		if r.c.Outcome != cfd.SettlementSucceeded {
			t.Errorf("maker outcome = %v, want SettlementSucceeded", r.c.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("maker settlement timed out")
	}
}
