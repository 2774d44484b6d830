// Package contracts defines the External-Interface Contracts (C9): the
// capability interfaces the core depends on but does not implement —
// Wallet, Chain Monitor, Oracle client, and peer Transport. All are true
// asynchronous collaborators (I/O), distinct from the synchronous,
// injected cfd.Crypto boundary used for opaque cryptographic primitives.
package contracts

import (
	"context"

	"github.com/certen/cfd-daemon/internal/cfd"
)

// Wallet funds and signs the transactions a protocol actor needs but
// cannot construct itself (UTXO selection, PSBT signing, broadcast).
type Wallet interface {
	// BuildFundingPSBT selects UTXOs covering amount at feeRate and returns
	// an unsigned PSBT.
	BuildFundingPSBT(ctx context.Context, amount cfd.Amount, feeRate uint64) (psbt []byte, err error)

	// SignPSBT returns a fully signed PSBT ready for finalization.
	SignPSBT(ctx context.Context, psbt []byte) ([]byte, error)

	// Broadcast submits a finalized transaction to the network.
	Broadcast(ctx context.Context, tx cfd.Transaction) error

	// NewAddress returns a fresh receive address for a lock output.
	NewAddress(ctx context.Context) (cfd.Address, error)
}

// ChainEventKind discriminates the confirmation/expiry notifications a
// Monitor delivers.
type ChainEventKind string

const (
	ChainEventLockConfirmed          ChainEventKind = "lock_confirmed"
	ChainEventCommitConfirmed        ChainEventKind = "commit_confirmed"
	ChainEventCetConfirmed           ChainEventKind = "cet_confirmed"
	ChainEventRefundConfirmed        ChainEventKind = "refund_confirmed"
	ChainEventCollabSpendConfirmed   ChainEventKind = "collab_spend_confirmed"
	ChainEventRevokedCommitSeen      ChainEventKind = "revoked_commit_seen"
	ChainEventCetTimelockExpired     ChainEventKind = "cet_timelock_expired"
	ChainEventRefundTimelockExpired  ChainEventKind = "refund_timelock_expired"
)

// ChainEvent is one notification a Monitor delivers for a watched CFD.
type ChainEvent struct {
	CfdID cfd.OrderID
	Kind  ChainEventKind
	Tx    cfd.Transaction // populated for *_confirmed / revoked_commit_seen kinds
}

// Monitor watches the chain for the transactions and timelocks a CFD
// cares about and delivers notifications on Events. Callers Watch once per
// CFD; the Monitor fans everything into the single shared channel tagged
// by CfdID, matching the single-writer Process Manager's mailbox shape.
type Monitor interface {
	Watch(ctx context.Context, id cfd.OrderID, dlc *cfd.Dlc) error
	Unwatch(id cfd.OrderID)
	Events() <-chan ChainEvent
}

// OracleAnnouncement is a published, future attestation commitment a CFD's
// CETs are built against.
type OracleAnnouncement struct {
	EventID   string
	NBits     uint32
	PublicKey cfd.PublicKey
}

// Oracle resolves announcements and delivers attestations once the oracle
// publishes them.
type Oracle interface {
	Announcement(ctx context.Context, eventID string) (OracleAnnouncement, error)
	Attestation(ctx context.Context, eventID string) (cfd.Attestation, error)
}

// Transport sends and receives wire messages with a single counterparty
// connection. One Transport exists per active peer connection, owned by
// the Connection Dispatcher (C7).
type Transport interface {
	Send(ctx context.Context, peer string, payload []byte) error
	Recv(ctx context.Context) (peer string, payload []byte, err error)
	Close() error
}
