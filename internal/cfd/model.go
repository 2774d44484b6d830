package cfd

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OrderID is the stable identifier of an order and of the unique CFD
// derived from it (I1).
type OrderID uuid.UUID

func NewOrderID() OrderID { return OrderID(uuid.New()) }

// ParseOrderID parses a canonical UUID string into an OrderID.
func ParseOrderID(s string) (OrderID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return OrderID{}, err
	}
	return OrderID(u), nil
}

func (id OrderID) String() string { return uuid.UUID(id).String() }

func (id OrderID) MarshalJSON() ([]byte, error) { return json.Marshal(uuid.UUID(id).String()) }
func (id *OrderID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*id = OrderID(u)
	return nil
}

// Position is this party's side of a CFD.
type Position string

const (
	Long  Position = "long"
	Short Position = "short"
)

func (p Position) Counter() Position {
	if p == Long {
		return Short
	}
	return Long
}

// Role identifies which side of the negotiation a party played.
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// Origin marks whether an Order was posted by this node or received from a
// peer.
type Origin string

const (
	OriginOurs   Origin = "ours"
	OriginTheirs Origin = "theirs"
)

// Order is an immutable liquidity offering. Exactly one CFD is created per
// accepted order (I1).
type Order struct {
	ID                OrderID
	TradingPair       string
	Position          Position // the maker's side
	Price             float64  // quote currency per BTC
	MinQuantity       float64
	MaxQuantity       float64
	Leverage          uint64
	LiquidationPrice  float64 // derived, see LiquidationPrice
	CreationTimestamp time.Time
	SettlementInterval time.Duration
	Origin            Origin
	OracleEventID     string
	FeeRate           uint64 // sat/vb the order advertises; see DESIGN.md open question
}

// NewOrder fills in the derived LiquidationPrice field.
func NewOrder(id OrderID, pair string, position Position, price float64, minQty, maxQty float64,
	leverage uint64, created time.Time, settlementInterval time.Duration, origin Origin,
	oracleEventID string, feeRate uint64,
) Order {
	o := Order{
		ID: id, TradingPair: pair, Position: position, Price: price,
		MinQuantity: minQty, MaxQuantity: maxQty, Leverage: leverage,
		CreationTimestamp: created, SettlementInterval: settlementInterval,
		Origin: origin, OracleEventID: oracleEventID, FeeRate: feeRate,
	}
	o.LiquidationPrice = LiquidationPrice(position, price, leverage)
	return o
}

// Cfd is the static row written once when an order is taken/accepted.
type Cfd struct {
	ID                   OrderID
	Position             Position
	InitialPrice         float64
	Leverage             uint64
	SettlementInterval   time.Duration
	Quantity             float64
	CounterpartyIdentity string
	Role                 Role
}

// CET is one Contract Execution Transaction: pre-signed for a price range,
// its adaptor signature decryptable only by the oracle attestation whose
// price falls in [RangeLow, RangeHigh).
type CET struct {
	Tx                Transaction
	CounterpartyAdaptorSig AdaptorSignature
	RangeLow          float64
	RangeHigh         float64
	NBits             uint32 // number of oracle digits this CET's range commits to
}

// DecryptedCET is a CET finalized with the decrypted counterparty signature,
// ready to broadcast.
type DecryptedCET struct {
	Tx        Transaction
	Signature Signature
	Price     float64
}

// RevokedCommit is a prior commit transaction retained for punishment if the
// counterparty publishes it after a rollover/revocation (I4).
type RevokedCommit struct {
	Tx              Transaction
	RevocationSecret []byte // opaque; punishment transaction builder's input
	PublishSecret    []byte
}

// Dlc is the output of setup or rollover: the whole multi-party transaction
// graph and key material for one CFD (§3).
type Dlc struct {
	IdentitySecret  []byte // this party's secret identity key
	RevocationSecret []byte
	PublishSecret   []byte

	CounterpartyIdentityPk  PublicKey
	CounterpartyRevocationPk PublicKey
	CounterpartyPublishPk   PublicKey

	Address             Address
	CounterpartyAddress Address

	LockTx         Transaction
	LockDescriptor Script

	CommitTx                   Transaction
	CommitDescriptor           Script
	CounterpartyCommitAdaptorSig AdaptorSignature

	// CETs maps an oracle event id to the list of price-range CETs for it.
	CETs map[string][]CET

	RefundTx           Transaction
	CounterpartySig    Signature
	RefundTimelock     uint32 // blocks

	OwnLockAmount           Amount
	CounterpartyLockAmount  Amount

	RevokedCommits []RevokedCommit

	SettlementEventID string
}

// State is the derived, in-memory projection of a CFD's event history
// (§3 "Aggregate state (derived)"). It is rebuilt by Fold and mutated only
// by Apply (I1).
type State struct {
	Static  Cfd
	Version uint64 // I2: count of applied events

	Dlc *Dlc

	// DlcEstablishedAt is the timestamp of the ContractSetupCompleted or
	// RolloverCompleted event that produced the current Dlc, the basis for
	// the rollover driver's time-to-expiry eligibility check (§4.6).
	DlcEstablishedAt time.Time

	DecryptedCet       *DecryptedCET
	CommitTx           *Transaction
	CollabSpendTx      *Transaction
	RefundTx           *Transaction

	LockFinality   bool
	CommitFinality bool
	RefundFinality bool
	CetFinality    bool
	CollabFinality bool
	RevokeFinality bool

	CetTimelockExpired    bool
	RefundTimelockExpired bool

	Attested bool // an oracle attestation has been decrypted (I7 gate)

	// LastRevokedCommit records the commit tx that triggered RevokeConfirmed,
	// for a future punishment-transaction builder to consume (see
	// DESIGN.md's Open Question decision for RevokeConfirmed).
	LastRevokedCommit *Transaction
}

// Final reports I6: a CFD is final iff any of {cet, refund, collab}
// finality holds.
func (s *State) Final() bool {
	return s.CetFinality || s.RefundFinality || s.CollabFinality
}

// RolloverGateOK reports I7: rollover and collaborative settlement require
// lock finality, no commit finality, not final, and no attestation yet.
func (s *State) RolloverGateOK() bool {
	return s.LockFinality && !s.CommitFinality && !s.Final() && !s.Attested
}
