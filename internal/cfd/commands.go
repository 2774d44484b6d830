package cfd

import (
	"errors"
	"time"
)

// Command-surface errors (§7 "Validation").
var (
	ErrAlreadySetUp       = errors.New("cfd: contract already set up")
	ErrRolloverNotAllowed = errors.New("cfd: rollover gate (I7) not satisfied")
	ErrSettlementNotAllowed = errors.New("cfd: collaborative settlement gate (I7) not satisfied")
	ErrNoDlc              = errors.New("cfd: no dlc present")
	ErrNoMatchingCet      = errors.New("cfd: no cet covers the attested price")
)

// --- start_contract_setup ------------------------------------------------

// SetupParams is handed to the Setup protocol actor to drive
// BuildPartyParams + the SetupMsg exchange.
type SetupParams struct {
	OwnMargin          float64
	CounterpartyMargin float64
	Price              float64
	Quantity           float64
	Leverage           uint64
	Position           Position
	SettlementEventID  string
	RefundTimelock     uint32
}

// StartContractSetup is allowed only at version 0 (I2: a fresh, eventless
// CFD). Computes both margins from price/quantity/leverage/position.
func (s *State) StartContractSetup(settlementEventID string) (SetupParams, string, error) {
	if s.Version != 0 {
		return SetupParams{}, "", ErrAlreadySetUp
	}
	ownMargin := marginFor(s.Static.Position, s.Static.InitialPrice, s.Static.Quantity, s.Static.Leverage)
	cpMargin := marginFor(s.Static.Position.Counter(), s.Static.InitialPrice, s.Static.Quantity, s.Static.Leverage)
	params := SetupParams{
		OwnMargin:          ownMargin,
		CounterpartyMargin: cpMargin,
		Price:              s.Static.InitialPrice,
		Quantity:           s.Static.Quantity,
		Leverage:           s.Static.Leverage,
		Position:           s.Static.Position,
		SettlementEventID:  settlementEventID,
		RefundTimelock:     RefundTimelockBlocks(s.Static.SettlementInterval.Seconds()),
	}
	return params, s.Static.CounterpartyIdentity, nil
}

func marginFor(position Position, price, quantity float64, leverage uint64) float64 {
	if position == Long {
		return LongMargin(price, quantity, leverage)
	}
	return ShortMargin(price, quantity)
}

// --- setup_contract(Completed) -------------------------------------------

// SetupOutcome is the result a Setup protocol actor publishes.
type SetupOutcome int

const (
	SetupSucceeded SetupOutcome = iota
	SetupRejected
	SetupFailed
)

func (o SetupOutcome) String() string {
	switch o {
	case SetupSucceeded:
		return "succeeded"
	case SetupRejected:
		return "rejected"
	default:
		return "failed"
	}
}

type SetupCompleted struct {
	Outcome SetupOutcome
	Dlc     *Dlc  // set iff Succeeded
	Err     error // set iff Failed
}

// SetupContract maps a Setup actor's outcome to the terminal event. Version
// must still be 0.
func (s *State) SetupContract(now time.Time, c SetupCompleted) (Event, error) {
	if s.Version != 0 {
		return Event{}, ErrAlreadySetUp
	}
	switch c.Outcome {
	case SetupSucceeded:
		return newEvent(now, s.Static.ID, NameContractSetupCompleted, ContractSetupCompletedPayload{Dlc: c.Dlc}), nil
	case SetupRejected:
		return newEvent(now, s.Static.ID, NameOfferRejected, nil), nil
	default:
		return newEvent(now, s.Static.ID, NameContractSetupFailed, nil), nil
	}
}

// --- start_rollover --------------------------------------------------------

type RolloverParams struct {
	Price             float64
	Quantity          float64
	Leverage          uint64
	Position          Position
	NewSettlementEventID string
	RefundTimelock    uint32
}

// StartRollover is allowed iff the I7 gate holds.
func (s *State) StartRollover(newSettlementEventID string, newSettlementInterval time.Duration) (RolloverParams, *Dlc, time.Duration, error) {
	if !s.RolloverGateOK() {
		return RolloverParams{}, nil, 0, ErrRolloverNotAllowed
	}
	if s.Dlc == nil {
		return RolloverParams{}, nil, 0, ErrNoDlc
	}
	params := RolloverParams{
		Price:                s.Static.InitialPrice,
		Quantity:             s.Static.Quantity,
		Leverage:             s.Static.Leverage,
		Position:             s.Static.Position,
		NewSettlementEventID: newSettlementEventID,
		RefundTimelock:       RefundTimelockBlocks(newSettlementInterval.Seconds()),
	}
	return params, s.Dlc, newSettlementInterval, nil
}

// --- roll_over(Result<Dlc>) ------------------------------------------------

type RolloverResult struct {
	Dlc *Dlc  // set on success
	Err error // set on failure
}

// RollOver requires I7. A builder is responsible for carrying the prior
// Dlc's RevokedCommits into the new Dlc wholesale (I4).
func (s *State) RollOver(now time.Time, r RolloverResult) (Event, error) {
	if !s.RolloverGateOK() {
		return Event{}, ErrRolloverNotAllowed
	}
	if r.Err != nil {
		if isRejection(r.Err) {
			return newEvent(now, s.Static.ID, NameRolloverRejected, nil), nil
		}
		return newEvent(now, s.Static.ID, NameRolloverFailed, nil), nil
	}
	return newEvent(now, s.Static.ID, NameRolloverCompleted, RolloverCompletedPayload{Dlc: r.Dlc}), nil
}

// rejectionError marks a RolloverResult/SettlementCompleted error as a
// counterparty rejection rather than a transport/crypto failure (§7).
type rejectionError struct{ error }

func NewRejectionError(msg string) error { return rejectionError{errors.New(msg)} }

// IsRejection reports whether err (or one it wraps) marks a counterparty
// rejection rather than a transport/crypto failure.
func IsRejection(err error) bool {
	var r rejectionError
	return errors.As(err, &r)
}

func isRejection(err error) bool { return IsRejection(err) }

// --- start_collaborative_settlement_taker ---------------------------------

type SettlementProposal struct {
	TakerAmount float64
	MakerAmount float64
	Price       float64
}

// StartCollaborativeSettlementTaker is allowed iff I7. It looks up the
// payout on the precomputed payout curve for currentPrice.
func (s *State) StartCollaborativeSettlementTaker(currentPrice float64, nPayouts int) (SettlementProposal, error) {
	if !s.RolloverGateOK() {
		return SettlementProposal{}, ErrSettlementNotAllowed
	}
	curve := s.PayoutCurve(nPayouts)
	point := nearestPoint(curve, currentPrice)
	return SettlementProposal{TakerAmount: point.TakerAmount, MakerAmount: point.MakerAmount, Price: currentPrice}, nil
}

// --- start_collaborative_settlement_maker ---------------------------------

type CollaborativeSettlement struct {
	SpendTx Transaction
	Script  Script
	Price   float64
}

// StartCollaborativeSettlementMaker builds and finalizes the spend tx with
// maker+taker signatures, via the injected Crypto capability.
func (s *State) StartCollaborativeSettlementMaker(crypto Crypto, proposal SettlementProposal, takerSig Signature) (CollaborativeSettlement, error) {
	if !s.RolloverGateOK() {
		return CollaborativeSettlement{}, ErrSettlementNotAllowed
	}
	if s.Dlc == nil {
		return CollaborativeSettlement{}, ErrNoDlc
	}
	tx, script, err := crypto.FinalizeSpendTx(s.Dlc, proposal, takerSig)
	if err != nil {
		return CollaborativeSettlement{}, err
	}
	return CollaborativeSettlement{SpendTx: tx, Script: script, Price: proposal.Price}, nil
}

// --- settle_collaboratively(Completed) ------------------------------------

type SettlementOutcome int

const (
	SettlementSucceeded SettlementOutcome = iota
	SettlementRejected
	SettlementFailed
)

func (o SettlementOutcome) String() string {
	switch o {
	case SettlementSucceeded:
		return "succeeded"
	case SettlementRejected:
		return "rejected"
	default:
		return "failed"
	}
}

type SettlementCompleted struct {
	Outcome  SettlementOutcome
	SpendTx  Transaction // set iff Succeeded
	Script   Script      // set iff Succeeded
	Price    float64     // set iff Succeeded
	CommitTx Transaction // set on Rejected/Failed so the CFD can still close unilaterally
}

// SettleCollaboratively requires I7. On Rejected/Failed it records the
// signed commit tx so the party can still publish unilaterally.
func (s *State) SettleCollaboratively(now time.Time, c SettlementCompleted) (Event, error) {
	if !s.RolloverGateOK() {
		return Event{}, ErrSettlementNotAllowed
	}
	switch c.Outcome {
	case SettlementSucceeded:
		payload := CollaborativeSettlementCompletedPayload{SpendTx: c.SpendTx, Script: c.Script, Price: c.Price}
		return newEvent(now, s.Static.ID, NameCollaborativeSettlementCompleted, payload), nil
	case SettlementRejected:
		return newEvent(now, s.Static.ID, NameCollaborativeSettlementRejected, CollaborativeSettlementRejectedPayload{CommitTx: c.CommitTx}), nil
	default:
		return newEvent(now, s.Static.ID, NameCollaborativeSettlementFailed, CollaborativeSettlementFailedPayload{CommitTx: c.CommitTx}), nil
	}
}

// --- decrypt_cet -----------------------------------------------------------

// Attestation is the oracle's published price + signature scalars (§6).
type Attestation struct {
	EventID string
	Price   float64
	Scalars [][]byte
}

// DecryptCet finds the CET whose range contains the attested price,
// decrypts the counterparty adaptor signature via the oracle's scalars, and
// finalizes the CET. Returns (Event, true) or (_, false) if the attestation
// is irrelevant or the Dlc is absent.
func (s *State) DecryptCet(now time.Time, crypto Crypto, att Attestation) (Event, bool, error) {
	if s.Dlc == nil {
		return Event{}, false, nil
	}
	cets, ok := s.Dlc.CETs[att.EventID]
	if !ok {
		return Event{}, false, nil
	}
	var match *CET
	for i := range cets {
		if att.Price >= cets[i].RangeLow && att.Price < cets[i].RangeHigh {
			match = &cets[i]
			break
		}
	}
	if match == nil {
		return Event{}, false, nil
	}
	sig, err := crypto.DecryptAdaptorSig(match.CounterpartyAdaptorSig, att.Scalars)
	if err != nil {
		return Event{}, false, err
	}
	decrypted := DecryptedCET{Tx: match.Tx, Signature: sig, Price: att.Price}

	if s.CetTimelockExpired {
		return newEvent(now, s.Static.ID, NameOracleAttestedPostCetTimelock, OracleAttestedPostCetTimelockPayload{Cet: decrypted, Price: att.Price}), true, nil
	}
	signedCommit, err := crypto.SignCommitTx(s.Dlc)
	if err != nil {
		return Event{}, false, err
	}
	payload := OracleAttestedPriorCetTimelockPayload{TimelockedCet: decrypted, CommitTx: signedCommit, Price: att.Price}
	return newEvent(now, s.Static.ID, NameOracleAttestedPriorCetTimelock, payload), true, nil
}

// --- handle_*_confirmed ----------------------------------------------------

func (s *State) HandleLockConfirmed(now time.Time) Event {
	return newEvent(now, s.Static.ID, NameLockConfirmed, nil)
}

func (s *State) HandleCommitConfirmed(now time.Time) Event {
	return newEvent(now, s.Static.ID, NameCommitConfirmed, nil)
}

func (s *State) HandleCetConfirmed(now time.Time) Event {
	return newEvent(now, s.Static.ID, NameCetConfirmed, nil)
}

func (s *State) HandleRefundConfirmed(now time.Time) Event {
	return newEvent(now, s.Static.ID, NameRefundConfirmed, nil)
}

func (s *State) HandleCollaborativeSettlementConfirmed(now time.Time) Event {
	return newEvent(now, s.Static.ID, NameCollaborativeSettlementConfirmed, nil)
}

func (s *State) HandleRevokeConfirmed(now time.Time) Event {
	return newEvent(now, s.Static.ID, NameRevokeConfirmed, nil)
}

// HandleCetTimelockExpired: if a decrypted CET is already held, emits
// CetTimelockConfirmedPostOracleAttestation{cet}, else
// CetTimelockConfirmedPriorOracleAttestation.
func (s *State) HandleCetTimelockExpired(now time.Time) Event {
	if s.DecryptedCet != nil {
		return newEvent(now, s.Static.ID, NameCetTimelockConfirmedPostOracleAttestation, CetTimelockConfirmedPostOracleAttestationPayload{Cet: *s.DecryptedCet})
	}
	return newEvent(now, s.Static.ID, NameCetTimelockConfirmedPriorOracleAttestation, nil)
}

// HandleRefundTimelockExpired is intentionally unimplemented: the upstream
// source (original_source/daemon/src/auto_rollover.rs and model/cfd.rs) has
// no handler for this case either, and downstream behavior is undefined.
// See DESIGN.md's Open Question decisions. The RefundTimelockConfirmed
// event still exists and Apply folds it, but nothing in this module
// produces one: no command builds it, and the Process Manager does not
// read the Monitor's notifications.

// --- manual_commit_to_blockchain -------------------------------------------

// ManualCommitToBlockchain signs this party's own commit tx via the
// injected Crypto capability and emits ManualCommit{signed_commit_tx}.
func (s *State) ManualCommitToBlockchain(now time.Time, crypto Crypto) (Event, error) {
	if s.Dlc == nil {
		return Event{}, ErrNoDlc
	}
	signed, err := crypto.SignCommitTx(s.Dlc)
	if err != nil {
		return Event{}, err
	}
	return newEvent(now, s.Static.ID, NameManualCommit, ManualCommitPayload{Tx: signed}), nil
}
