package wire

import (
	"encoding/json"
	"fmt"

	"github.com/certen/cfd-daemon/internal/cfd"
)

// MessageKind discriminates the peer-to-peer protocol messages of §6.
type MessageKind string

const (
	KindTakeOrder          MessageKind = "take_order"
	KindSetupMsg           MessageKind = "setup_msg"
	KindSetupDecision      MessageKind = "setup_decision" // accept/reject
	KindRolloverProposal   MessageKind = "rollover_proposal"
	KindRolloverMsg        MessageKind = "rollover_msg"
	KindRolloverDecision   MessageKind = "rollover_decision"
	KindSettlementProposal MessageKind = "settlement_proposal"
	KindSettlementMsg      MessageKind = "settlement_msg"
	KindSettlementDecision MessageKind = "settlement_decision"
	KindCurrentOrder       MessageKind = "current_order"
	KindHeartbeat          MessageKind = "heartbeat"
)

// Envelope is the outer frame every peer message is wrapped in, so a
// Transport implementation never needs to know about per-kind payload
// shapes — only the Connection Dispatcher does.
type Envelope struct {
	CfdID cfd.OrderID     `json:"cfdId"`
	Kind  MessageKind     `json:"kind"`
	Body  json.RawMessage `json:"body"`
}

// NewEnvelope marshals body and wraps it for one CFD.
func NewEnvelope(id cfd.OrderID, kind MessageKind, body any) (Envelope, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshal %s body: %w", kind, err)
	}
	return Envelope{CfdID: id, Kind: kind, Body: b}, nil
}

// DecodeBody unmarshals an Envelope's body into v, after checking it
// carries the expected kind.
func DecodeBody(e Envelope, want MessageKind, v any) error {
	if e.Kind != want {
		return fmt.Errorf("wire: envelope kind %s, want %s", e.Kind, want)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("wire: unmarshal %s body: %w", want, err)
	}
	return nil
}

// TakeOrder is sent taker -> maker to accept an outstanding order.
type TakeOrder struct {
	OrderID  cfd.OrderID `json:"orderId"`
	Quantity float64     `json:"quantity"`
}

// SetupMsg carries one round of the contract-setup handshake: round 1
// carries party parameters and the lock PSBT, round 2 the adaptor and
// refund signatures. Which fields are populated depends on the round;
// unset fields are left out of the JSON and decode as their zero value.
type SetupMsg struct {
	Round               int               `json:"round"`
	OwnMargin           float64           `json:"ownMargin,omitempty"`
	CounterpartyMargin  float64           `json:"counterpartyMargin,omitempty"`
	IdentityPk          cfd.PublicKey     `json:"identityPk,omitzero"`
	RevocationPk        cfd.PublicKey     `json:"revocationPk,omitzero"`
	PublishPk           cfd.PublicKey     `json:"publishPk,omitzero"`
	Address             cfd.Address       `json:"address,omitempty"`
	LockPSBT            []byte            `json:"lockPsbt,omitempty"`
	CommitAdaptorSig    cfd.AdaptorSignature `json:"commitAdaptorSig,omitempty"`
	CetAdaptorSigs      []cfd.AdaptorSignature `json:"cetAdaptorSigs,omitempty"`
	RefundSig           cfd.Signature     `json:"refundSig,omitempty"`
}

// SetupDecision is the taker's/maker's accept-or-reject response.
type SetupDecision struct {
	Accept bool `json:"accept"`
}

// RolloverProposal requests a rollover to a new settlement event/interval.
type RolloverProposal struct {
	NewSettlementEventID string `json:"newSettlementEventId"`
}

// RolloverMsg mirrors SetupMsg for the rollover handshake; it carries a
// fresh Dlc skeleton but reuses the original lock transaction.
type RolloverMsg struct {
	Round            int                    `json:"round"`
	IdentityPk       cfd.PublicKey          `json:"identityPk,omitzero"`
	RevocationPk     cfd.PublicKey          `json:"revocationPk,omitzero"`
	PublishPk        cfd.PublicKey          `json:"publishPk,omitzero"`
	CommitAdaptorSig cfd.AdaptorSignature   `json:"commitAdaptorSig,omitempty"`
	CetAdaptorSigs   []cfd.AdaptorSignature `json:"cetAdaptorSigs,omitempty"`
	RefundSig        cfd.Signature          `json:"refundSig,omitempty"`
}

// RolloverDecision is each side's accept-or-reject message, exchanged after
// the rollover_msg rounds.
type RolloverDecision struct {
	Accept bool `json:"accept"`
}

// SettlementProposalMsg mirrors cfd.SettlementProposal for the wire.
type SettlementProposalMsg struct {
	TakerAmount float64 `json:"takerAmount"`
	MakerAmount float64 `json:"makerAmount"`
	Price       float64 `json:"price"`
}

// SettlementMsg carries the taker's signature on the agreed spend tx.
type SettlementMsg struct {
	TakerSig cfd.Signature `json:"takerSig"`
}

// SettlementDecision is the maker's accept-or-reject response to a
// settlement proposal.
type SettlementDecision struct {
	Accept bool `json:"accept"`
}

// CurrentOrder is the maker's periodic broadcast of its standing order,
// or one with no order (Order == nil, body {}) when no order is currently
// open.
type CurrentOrder struct {
	Order *cfd.Order `json:"order,omitempty"`
}

// Heartbeat carries no data; either side sends one on a fixed cadence so
// the other can tell a silent connection apart from a dead one (§5/§6).
type Heartbeat struct{}
