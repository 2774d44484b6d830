// Package daemon wires the Event Store, Process Manager, Connection
// Dispatcher, Protocol Actors, and Auto-Rollover Driver into one running
// process (§6). It holds no domain logic of its own; every decision still
// lives in internal/cfd, internal/process, and internal/protocol, and every
// external collaborator (wallet, chain monitor, oracle, transport) arrives
// as an interface value the caller supplies.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/certen/cfd-daemon/internal/addrmap"
	"github.com/certen/cfd-daemon/internal/cfd"
	"github.com/certen/cfd-daemon/internal/contracts"
	"github.com/certen/cfd-daemon/internal/dispatcher"
	"github.com/certen/cfd-daemon/internal/metrics"
	"github.com/certen/cfd-daemon/internal/process"
	"github.com/certen/cfd-daemon/internal/projection"
	"github.com/certen/cfd-daemon/internal/protocol"
	"github.com/certen/cfd-daemon/internal/rollover"
	"github.com/certen/cfd-daemon/internal/wire"
)

// Deps bundles the external collaborators a Daemon needs. None of them are
// implemented in this module; wiring real Bitcoin Core RPC, an oracle
// client, and a chain monitor is left to the binary that constructs a
// Daemon for a live network.
type Deps struct {
	Store   process.Store
	Wallet  contracts.Wallet
	Oracle  contracts.Oracle
	Monitor contracts.Monitor
	Crypto  cfd.Crypto
	Logger  *slog.Logger
}

// Daemon owns the components that must share a Process Manager: the
// dispatcher routing wire envelopes to protocol actors, and the rollover
// driver starting new ones on a schedule.
type Daemon struct {
	Manager    *process.Manager
	Dispatcher *dispatcher.Dispatcher
	Hub        *projection.Hub
	Rollover   *rollover.Driver
	Metrics    *metrics.Registry

	wallet contracts.Wallet
	oracle contracts.Oracle
	crypto cfd.Crypto
	logger *slog.Logger

	orderMu       sync.Mutex
	standingOrder *cfd.Order            // this daemon's own open offer, maker side
	peerOrders    map[string]*cfd.Order // latest CurrentOrder seen per peer, taker side
}

// New constructs a Daemon with its Process Manager, dispatcher,
// notification hub, rollover driver, and metrics registry all sharing one
// logger and registry. The dispatcher's connection-level take_order/
// current_order envelopes are wired to this Daemon's own handlers (§4.7),
// so a peer can open a new CFD or learn of a standing offer before any
// per-cfd protocol actor exists to claim it.
func New(deps Deps) *Daemon {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := metrics.NewRegistry()
	hub := projection.NewHub()

	manager := process.New(deps.Store,
		process.WithNotifier(hub),
		process.WithWallet(deps.Wallet),
		process.WithMonitor(deps.Monitor),
		process.WithMetrics(reg),
		process.WithLogger(logger),
	)

	d := &Daemon{
		Manager:    manager,
		Hub:        hub,
		Metrics:    reg,
		wallet:     deps.Wallet,
		oracle:     deps.Oracle,
		crypto:     deps.Crypto,
		logger:     logger,
		peerOrders: make(map[string]*cfd.Order),
	}
	d.Dispatcher = dispatcher.New(reg, logger,
		dispatcher.WithTakeOrderHandler(d.handleTakeOrder),
		dispatcher.WithCurrentOrderHandler(d.handleCurrentOrder),
	)
	d.Rollover = rollover.New(manager, d, rollover.WithMetrics(reg), rollover.WithLogger(logger))
	return d
}

// SetStandingOrder publishes o as this daemon's open offer; handleTakeOrder
// only accepts a take_order whose OrderID matches it.
func (d *Daemon) SetStandingOrder(o *cfd.Order) {
	d.orderMu.Lock()
	defer d.orderMu.Unlock()
	d.standingOrder = o
}

// StandingOrder returns this daemon's own open offer, or nil if none.
func (d *Daemon) StandingOrder() *cfd.Order {
	d.orderMu.Lock()
	defer d.orderMu.Unlock()
	return d.standingOrder
}

// PeerOrder returns the most recent order a peer broadcast, or nil if none
// has arrived yet.
func (d *Daemon) PeerOrder(peer string) *cfd.Order {
	d.orderMu.Lock()
	defer d.orderMu.Unlock()
	return d.peerOrders[peer]
}

// BroadcastStandingOrder sends this daemon's current offer (possibly nil,
// meaning withdrawn) to one connected peer. Nothing in this module calls it
// on a schedule; each broadcast is one explicit call.
func (d *Daemon) BroadcastStandingOrder(peer string) error {
	env, err := wire.NewEnvelope(cfd.OrderID{}, wire.KindCurrentOrder, wire.CurrentOrder{Order: d.StandingOrder()})
	if err != nil {
		return fmt.Errorf("daemon: build current_order envelope: %w", err)
	}
	return d.Dispatcher.Send(peer, env)
}

// handleTakeOrder runs on the maker side when a taker accepts the standing
// order: it seeds a fresh CFD static row and starts the Setup actor. The
// handler returns immediately; StartSetup runs in its own goroutine since
// the dispatcher's read loop must never block on a protocol handshake.
func (d *Daemon) handleTakeOrder(peer string, msg wire.TakeOrder) {
	order := d.StandingOrder()
	if order == nil || order.ID != msg.OrderID {
		d.logger.Warn("daemon: take_order for unknown/stale order", "peer", peer, "order_id", msg.OrderID)
		return
	}
	if msg.Quantity < order.MinQuantity || msg.Quantity > order.MaxQuantity {
		d.logger.Warn("daemon: take_order quantity out of range", "peer", peer, "quantity", msg.Quantity)
		return
	}

	static := cfd.Cfd{
		ID:                   order.ID,
		Position:             order.Position,
		InitialPrice:         order.Price,
		Leverage:             order.Leverage,
		SettlementInterval:   order.SettlementInterval,
		Quantity:             msg.Quantity,
		CounterpartyIdentity: peer,
		Role:                 cfd.RoleMaker,
	}
	if err := d.Manager.Seed(context.Background(), static); err != nil {
		d.logger.Error("daemon: seed cfd from take_order failed", "peer", peer, "order_id", order.ID, "error", err)
		return
	}

	go func() {
		if err := d.StartSetup(context.Background(), order.ID, order.OracleEventID); err != nil {
			d.logger.Error("daemon: setup from take_order failed", "peer", peer, "order_id", order.ID, "error", err)
		}
	}()
}

// handleCurrentOrder runs on the taker side: it just records the maker's
// latest broadcast order for TakeOrder to read when a caller decides to
// accept it.
func (d *Daemon) handleCurrentOrder(peer string, msg wire.CurrentOrder) {
	d.orderMu.Lock()
	defer d.orderMu.Unlock()
	d.peerOrders[peer] = msg.Order
}

// TakeOrder runs on the taker side: it seeds its own CFD static row for the
// peer's most recently broadcast order, sends the take_order envelope, and
// starts the Setup actor to carry out the handshake.
func (d *Daemon) TakeOrder(ctx context.Context, peer string, quantity float64) error {
	order := d.PeerOrder(peer)
	if order == nil {
		return fmt.Errorf("daemon: no standing order known from peer %q", peer)
	}

	static := cfd.Cfd{
		ID:                   order.ID,
		Position:             order.Position.Counter(),
		InitialPrice:         order.Price,
		Leverage:             order.Leverage,
		SettlementInterval:   order.SettlementInterval,
		Quantity:             quantity,
		CounterpartyIdentity: peer,
		Role:                 cfd.RoleTaker,
	}
	if err := d.Manager.Seed(ctx, static); err != nil {
		return fmt.Errorf("daemon: seed cfd from order %s: %w", order.ID, err)
	}

	env, err := wire.NewEnvelope(order.ID, wire.KindTakeOrder, wire.TakeOrder{OrderID: order.ID, Quantity: quantity})
	if err != nil {
		return fmt.Errorf("daemon: build take_order envelope: %w", err)
	}
	if err := d.Dispatcher.Send(peer, env); err != nil {
		return fmt.Errorf("daemon: send take_order to %s: %w", peer, err)
	}

	return d.StartSetup(ctx, order.ID, order.OracleEventID)
}

// Recover loads every known CFD before the dispatcher or rollover driver
// are allowed to run, per the Process Manager's startup contract.
func (d *Daemon) Recover(ctx context.Context, ids []cfd.OrderID) error {
	return d.Manager.Recover(ctx, ids)
}

// peerFor claims a CFD's address-map slot, locates its counterparty's open
// connection, and registers a routed Peer for one protocol actor run. The
// returned release must run once the actor has posted its terminal result.
func (d *Daemon) peerFor(ctx context.Context, id cfd.OrderID, actor string) (protocol.Peer, func(), error) {
	releaseSlot, err := d.Manager.Claim(id, addrmap.Handle(actor))
	if err != nil {
		return protocol.Peer{}, nil, fmt.Errorf("daemon: claim %s for %s: %w", id, actor, err)
	}
	state, err := d.Manager.State(id)
	if err != nil {
		releaseSlot()
		return protocol.Peer{}, nil, err
	}
	conn, ok := d.Dispatcher.ConnTo(state.Static.CounterpartyIdentity)
	if !ok {
		releaseSlot()
		return protocol.Peer{}, nil, fmt.Errorf("daemon: no open connection to %s", state.Static.CounterpartyIdentity)
	}
	tx, recv, unregister := d.Dispatcher.Register(id, conn)
	peer := protocol.Peer{Tx: tx, Rx: routedReader{ctx: ctx, recv: recv}}
	release := func() {
		unregister()
		releaseSlot()
	}
	return peer, release, nil
}

// routedReader adapts the dispatcher's per-cfd inbox channel to the
// frameReader a protocol actor expects, so actors stay agnostic of
// connection multiplexing.
type routedReader struct {
	ctx  context.Context
	recv func(ctx context.Context) (wire.Envelope, error)
}

func (r routedReader) ReadMessage(v any) error {
	env, err := r.recv(r.ctx)
	if err != nil {
		return err
	}
	dst, ok := v.(*wire.Envelope)
	if !ok {
		return fmt.Errorf("daemon: unexpected ReadMessage target %T", v)
	}
	*dst = env
	return nil
}

// StartRollover satisfies rollover.Starter: it claims the CFD's address-map
// slot, runs the rollover handshake against the open peer connection, and
// applies the result through the Process Manager's single-writer path.
func (d *Daemon) StartRollover(ctx context.Context, id cfd.OrderID) error {
	state, err := d.Manager.State(id)
	if err != nil {
		return err
	}
	params, prior, _, err := state.StartRollover(state.Static.ID.String()+"-next", state.Static.SettlementInterval)
	if err != nil {
		return fmt.Errorf("daemon: start rollover %s: %w", id, err)
	}

	peer, release, err := d.peerFor(ctx, id, "rollover")
	if err != nil {
		return err
	}
	defer release()

	result := protocol.RunRollover(ctx, id, params, prior, protocol.SetupDeps{Wallet: d.wallet, Oracle: d.oracle, Crypto: d.crypto}, peer)

	e, applyErr := state.RollOver(time.Now(), result)
	if applyErr != nil {
		return fmt.Errorf("daemon: apply rollover result for %s: %w", id, applyErr)
	}
	if _, err := d.Manager.Append(ctx, id, e); err != nil {
		return fmt.Errorf("daemon: append rollover event for %s: %w", id, err)
	}
	d.Metrics.ProtocolOutcomes.WithLabelValues("rollover", rolloverOutcomeLabel(result)).Inc()
	return nil
}

// StartSettlement runs the Collaborative-Settlement actor for one CFD at
// currentPrice and applies the result through the Process Manager. The role
// recorded on the CFD's static row (§3) picks which side of the handshake
// runs: the taker proposes, the maker decides whether to accept.
func (d *Daemon) StartSettlement(ctx context.Context, id cfd.OrderID, currentPrice float64) error {
	state, err := d.Manager.State(id)
	if err != nil {
		return err
	}
	if !state.RolloverGateOK() {
		return fmt.Errorf("daemon: settlement %s: %w", id, cfd.ErrSettlementNotAllowed)
	}

	peer, release, err := d.peerFor(ctx, id, "settlement")
	if err != nil {
		return err
	}
	defer release()

	var completed cfd.SettlementCompleted
	switch state.Static.Role {
	case cfd.RoleTaker:
		completed = protocol.RunCollaborativeSettlementTaker(id, state, currentPrice, defaultSettlementPayouts, peer)
	case cfd.RoleMaker:
		// Open Question decision (see DESIGN.md): the maker accepts any
		// taker-proposed price without an independent oracle cross-check,
		// since no live price feed is wired into this module.
		completed = protocol.RunCollaborativeSettlementMaker(id, state, d.crypto, func(wire.SettlementProposalMsg) bool { return true }, peer)
	default:
		return fmt.Errorf("daemon: settlement %s: unknown role %q", id, state.Static.Role)
	}

	e, applyErr := state.SettleCollaboratively(time.Now(), completed)
	if applyErr != nil {
		return fmt.Errorf("daemon: apply settlement result for %s: %w", id, applyErr)
	}
	if _, err := d.Manager.Append(ctx, id, e); err != nil {
		return fmt.Errorf("daemon: append settlement event for %s: %w", id, err)
	}
	d.Metrics.ProtocolOutcomes.WithLabelValues("settlement", completed.Outcome.String()).Inc()
	return nil
}

// defaultSettlementPayouts is the number of payout-curve samples a taker's
// settlement proposal is looked up in; PayoutCurve raises values below 2
// to 2.
const defaultSettlementPayouts = 1

func rolloverOutcomeLabel(r cfd.RolloverResult) string {
	switch {
	case r.Err == nil:
		return "succeeded"
	case cfd.IsRejection(r.Err):
		return "rejected"
	default:
		return "failed"
	}
}

// StartSetup runs the Setup protocol actor for a freshly taken order and
// applies the result through the Process Manager. Both sides run it: the
// taker from TakeOrder, the maker from handleTakeOrder. It is not a
// rollover.Starter method.
func (d *Daemon) StartSetup(ctx context.Context, id cfd.OrderID, settlementEventID string) error {
	state, err := d.Manager.State(id)
	if err != nil {
		return err
	}
	params, _, err := state.StartContractSetup(settlementEventID)
	if err != nil {
		return fmt.Errorf("daemon: start setup %s: %w", id, err)
	}

	peer, release, err := d.peerFor(ctx, id, "setup")
	if err != nil {
		return err
	}
	defer release()

	completed := protocol.RunSetup(ctx, id, params, protocol.SetupDeps{Wallet: d.wallet, Oracle: d.oracle, Crypto: d.crypto}, peer)

	e, applyErr := state.SetupContract(time.Now(), completed)
	if applyErr != nil {
		return fmt.Errorf("daemon: apply setup result for %s: %w", id, applyErr)
	}
	if _, err := d.Manager.Append(ctx, id, e); err != nil {
		return fmt.Errorf("daemon: append setup event for %s: %w", id, err)
	}
	d.Metrics.ProtocolOutcomes.WithLabelValues("setup", completed.Outcome.String()).Inc()
	return nil
}
