package cfd

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventName discriminates the event payload kinds of §3.
type EventName string

const (
	NameContractSetupCompleted EventName = "ContractSetupCompleted"
	NameContractSetupFailed    EventName = "ContractSetupFailed"
	NameOfferRejected          EventName = "OfferRejected"

	NameRolloverCompleted EventName = "RolloverCompleted"
	NameRolloverRejected  EventName = "RolloverRejected"
	NameRolloverFailed    EventName = "RolloverFailed"

	NameCollaborativeSettlementCompleted EventName = "CollaborativeSettlementCompleted"
	NameCollaborativeSettlementRejected  EventName = "CollaborativeSettlementRejected"
	NameCollaborativeSettlementFailed    EventName = "CollaborativeSettlementFailed"

	NameManualCommit EventName = "ManualCommit"

	NameOracleAttestedPriorCetTimelock EventName = "OracleAttestedPriorCetTimelock"
	NameOracleAttestedPostCetTimelock  EventName = "OracleAttestedPostCetTimelock"

	NameLockConfirmed                   EventName = "LockConfirmed"
	NameCommitConfirmed                 EventName = "CommitConfirmed"
	NameCetConfirmed                    EventName = "CetConfirmed"
	NameRefundConfirmed                 EventName = "RefundConfirmed"
	NameCollaborativeSettlementConfirmed EventName = "CollaborativeSettlementConfirmed"
	NameRevokeConfirmed                 EventName = "RevokeConfirmed"

	NameCetTimelockConfirmedPriorOracleAttestation EventName = "CetTimelockConfirmedPriorOracleAttestation"
	NameCetTimelockConfirmedPostOracleAttestation  EventName = "CetTimelockConfirmedPostOracleAttestation"

	NameRefundTimelockConfirmed EventName = "RefundTimelockConfirmed"
)

// --- payloads ---------------------------------------------------------

type ContractSetupCompletedPayload struct {
	Dlc *Dlc `json:"dlc"`
}

type RolloverCompletedPayload struct {
	Dlc *Dlc `json:"dlc"`
}

type CollaborativeSettlementCompletedPayload struct {
	SpendTx Transaction `json:"spendTx"`
	Script  Script      `json:"script"`
	Price   float64     `json:"price"`
}

type CollaborativeSettlementRejectedPayload struct {
	CommitTx Transaction `json:"commitTx"`
}

type CollaborativeSettlementFailedPayload struct {
	CommitTx Transaction `json:"commitTx"`
}

type ManualCommitPayload struct {
	Tx Transaction `json:"tx"`
}

type OracleAttestedPriorCetTimelockPayload struct {
	TimelockedCet DecryptedCET `json:"timelockedCet"`
	CommitTx      Transaction  `json:"commitTx"`
	Price         float64      `json:"price"`
}

type OracleAttestedPostCetTimelockPayload struct {
	Cet   DecryptedCET `json:"cet"`
	Price float64      `json:"price"`
}

type CetTimelockConfirmedPostOracleAttestationPayload struct {
	Cet DecryptedCET `json:"cet"`
}

type RefundTimelockConfirmedPayload struct {
	RefundTx Transaction `json:"refundTx"`
}

// --- event envelope -----------------------------------------------------

// Event is the append-only log entry of §3: {timestamp, cfd_id, kind,
// payload}. JSON encoding matches §6: {"name": <kind>, "data": <payload-or-null>}.
type Event struct {
	Timestamp time.Time
	CfdID     OrderID
	Name      EventName
	Data      json.RawMessage // "null" for payload-less events
}

type eventJSON struct {
	Name EventName       `json:"name"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes only {name, data} — timestamp/cfd_id are the event
// store's own columns (§6), not part of the payload envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = json.RawMessage("null")
	}
	return json.Marshal(eventJSON{Name: e.Name, Data: data})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var aux eventJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	e.Name = aux.Name
	e.Data = aux.Data
	return nil
}

func newEvent(ts time.Time, id OrderID, name EventName, payload any) Event {
	var data json.RawMessage
	if payload == nil {
		data = json.RawMessage("null")
	} else {
		b, err := json.Marshal(payload)
		if err != nil {
			// Payload types are all defined in this package and always
			// marshal cleanly; a failure here is a programming error.
			panic(fmt.Sprintf("cfd: event payload marshal: %v", err))
		}
		data = b
	}
	return Event{Timestamp: ts, CfdID: id, Name: name, Data: data}
}

// DecodeCollaborativeSettlementCompletedPayload decodes e's payload for
// callers outside this package (the Process Manager's side-effect
// dispatch) that need the settlement spend transaction to broadcast.
func DecodeCollaborativeSettlementCompletedPayload(e Event) (CollaborativeSettlementCompletedPayload, error) {
	return decodePayload[CollaborativeSettlementCompletedPayload](e, NameCollaborativeSettlementCompleted)
}

// DecodeManualCommitPayload decodes e's payload for the Process Manager's
// side-effect dispatch, which broadcasts the commit transaction.
func DecodeManualCommitPayload(e Event) (ManualCommitPayload, error) {
	return decodePayload[ManualCommitPayload](e, NameManualCommit)
}

// DecodeOracleAttestedPriorCetTimelockPayload decodes e's payload for the
// Process Manager's side-effect dispatch, which broadcasts the commit
// transaction (the CET itself is still timelocked).
func DecodeOracleAttestedPriorCetTimelockPayload(e Event) (OracleAttestedPriorCetTimelockPayload, error) {
	return decodePayload[OracleAttestedPriorCetTimelockPayload](e, NameOracleAttestedPriorCetTimelock)
}

// DecodeOracleAttestedPostCetTimelockPayload decodes e's payload for the
// Process Manager's side-effect dispatch, which broadcasts the now-spendable
// CET directly.
func DecodeOracleAttestedPostCetTimelockPayload(e Event) (OracleAttestedPostCetTimelockPayload, error) {
	return decodePayload[OracleAttestedPostCetTimelockPayload](e, NameOracleAttestedPostCetTimelock)
}

func decodePayload[T any](e Event, name EventName) (T, error) {
	var zero T
	if e.Name != name {
		return zero, fmt.Errorf("cfd: event %s is not %s", e.Name, name)
	}
	var out T
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return zero, fmt.Errorf("cfd: decode %s payload: %w", name, err)
	}
	return out, nil
}
