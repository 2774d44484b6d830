// Package dispatcher implements the Connection Dispatcher (C7): one read
// goroutine per peer connection that routes incoming envelopes to the CFD
// (and therefore the Process Manager slot, C3) they belong to. Outbound
// frames are written by the sending goroutine on the connection's shared
// wire.Writer, which writes each frame whole. Grounded on
// pkg/anchor/event_watcher.go's subscriber map (id -> channel, drop-with-
// log on no subscriber) generalized from contract events to wire envelopes.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/certen/cfd-daemon/internal/cfd"
	"github.com/certen/cfd-daemon/internal/metrics"
	"github.com/certen/cfd-daemon/internal/wire"
)

// Conn is the minimal connection surface a dispatcher needs: a framed
// reader/writer pair plus the peer identity and a way to close it.
type Conn struct {
	Peer string
	Tx   *wire.Writer
	Rx   *wire.Reader
	Close func() error
}

// inbox is one protocol actor's queue of inbound envelopes for its CfdID;
// readLoop delivers to it. An envelope with no registered inbox and no
// connection-level meaning is an unexpected message (e.g. the peer is ahead
// of us, or a stale retry); it is logged and dropped, never silently eaten.
type inbox chan wire.Envelope

// TakeOrderHandler is called on the maker side when a connection-level
// take_order envelope arrives, before any per-cfd inbox could exist for it.
type TakeOrderHandler func(peer string, msg wire.TakeOrder)

// CurrentOrderHandler is called on the taker side when the maker broadcasts
// its standing order (or withdraws it, Order == nil).
type CurrentOrderHandler func(peer string, msg wire.CurrentOrder)

// Dispatcher owns every open connection and the per-CFD inbound routing
// table. One Dispatcher instance serves the whole daemon; every Setup/
// Rollover/Settlement actor registers exactly one inbox for the lifetime
// of its run. Connection-level messages (order broadcast, heartbeats) never
// go through a per-cfd inbox; they are handled inline in the read loop.
type Dispatcher struct {
	mu       sync.Mutex
	conns    map[string]*Conn // peer identity -> connection
	inboxes  map[cfd.OrderID]inbox
	lastSeen map[string]time.Time

	onTakeOrder    TakeOrderHandler
	onCurrentOrder CurrentOrderHandler

	metrics *metrics.Registry
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTakeOrderHandler registers the maker-side callback for inbound
// take_order envelopes.
func WithTakeOrderHandler(h TakeOrderHandler) Option {
	return func(d *Dispatcher) { d.onTakeOrder = h }
}

// WithCurrentOrderHandler registers the taker-side callback for inbound
// current_order broadcasts.
func WithCurrentOrderHandler(h CurrentOrderHandler) Option {
	return func(d *Dispatcher) { d.onCurrentOrder = h }
}

// New constructs an empty Dispatcher.
func New(m *metrics.Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	if m == nil {
		m = metrics.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		conns:    make(map[string]*Conn),
		inboxes:  make(map[cfd.OrderID]inbox),
		lastSeen: make(map[string]time.Time),
		metrics:  m,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddConn registers a newly accepted/dialed connection and starts its read
// loop. The read loop runs until ctx is cancelled or the connection errors.
func (d *Dispatcher) AddConn(ctx context.Context, c *Conn) {
	d.mu.Lock()
	d.conns[c.Peer] = c
	d.lastSeen[c.Peer] = time.Now()
	d.mu.Unlock()
	d.metrics.DispatcherConnections.Inc()

	go d.readLoop(ctx, c)
}

func (d *Dispatcher) readLoop(ctx context.Context, c *Conn) {
	defer func() {
		d.mu.Lock()
		delete(d.conns, c.Peer)
		delete(d.lastSeen, c.Peer)
		d.mu.Unlock()
		d.metrics.DispatcherConnections.Dec()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var env wire.Envelope
		if err := c.Rx.ReadMessage(&env); err != nil {
			d.logger.Info("dispatcher: connection closed", "peer", c.Peer, "error", err)
			return
		}

		d.mu.Lock()
		d.lastSeen[c.Peer] = time.Now()
		box, ok := d.inboxes[env.CfdID]
		d.mu.Unlock()

		// A registered per-cfd inbox always wins: an in-flight protocol run
		// claims every envelope addressed to its cfd, even one of a kind
		// (take_order) that also has a connection-level meaning before any
		// inbox exists for it.
		if ok {
			select {
			case box <- env:
			case <-ctx.Done():
				return
			}
			continue
		}

		if d.handleConnectionLevel(c.Peer, env) {
			continue
		}

		d.logger.Warn("dispatcher: no inbox for envelope, dropping", "peer", c.Peer, "cfd_id", env.CfdID, "kind", env.Kind)
	}
}

// handleConnectionLevel dispatches envelope kinds that exist outside any
// per-cfd protocol run (order broadcast, heartbeat, an incoming take_order
// before its cfd exists) and reports whether it handled env, so the caller
// skips the no-inbox drop-and-log path for it.
func (d *Dispatcher) handleConnectionLevel(peer string, env wire.Envelope) bool {
	switch env.Kind {
	case wire.KindHeartbeat:
		return true

	case wire.KindTakeOrder:
		var msg wire.TakeOrder
		if err := wire.DecodeBody(env, wire.KindTakeOrder, &msg); err != nil {
			d.logger.Warn("dispatcher: malformed take_order", "peer", peer, "error", err)
			return true
		}
		if d.onTakeOrder == nil {
			d.logger.Warn("dispatcher: take_order received with no handler registered", "peer", peer)
			return true
		}
		d.onTakeOrder(peer, msg)
		return true

	case wire.KindCurrentOrder:
		var msg wire.CurrentOrder
		if err := wire.DecodeBody(env, wire.KindCurrentOrder, &msg); err != nil {
			d.logger.Warn("dispatcher: malformed current_order", "peer", peer, "error", err)
			return true
		}
		if d.onCurrentOrder == nil {
			return true
		}
		d.onCurrentOrder(peer, msg)
		return true

	default:
		return false
	}
}

// RunHeartbeat sends a heartbeat on every open connection once per interval
// and closes any connection silent for more than 2*interval (§5/§6), until
// ctx is cancelled. cmd/cfdd runs it under its own supervisor, next to the
// rollover driver's.
func (d *Dispatcher) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.beat(interval)
		}
	}
}

func (d *Dispatcher) beat(interval time.Duration) {
	env, err := wire.NewEnvelope(cfd.OrderID{}, wire.KindHeartbeat, wire.Heartbeat{})
	if err != nil {
		d.logger.Error("dispatcher: build heartbeat envelope", "error", err)
		return
	}

	cutoff := time.Now().Add(-2 * interval)
	d.mu.Lock()
	stale := make([]*Conn, 0)
	for peer, seen := range d.lastSeen {
		if seen.Before(cutoff) {
			if c, ok := d.conns[peer]; ok {
				stale = append(stale, c)
			}
		}
	}
	peers := make([]*Conn, 0, len(d.conns))
	for _, c := range d.conns {
		peers = append(peers, c)
	}
	d.mu.Unlock()

	for _, c := range peers {
		if err := c.Tx.WriteMessage(env); err != nil {
			d.logger.Warn("dispatcher: heartbeat send failed", "peer", c.Peer, "error", err)
		}
	}
	for _, c := range stale {
		d.logger.Warn("dispatcher: peer silent past 2x heartbeat interval, disconnecting", "peer", c.Peer)
		c.Close()
	}
}

// Register creates (or replaces) the inbound inbox for a CFD and returns a
// Peer-shaped send/receive pair bound to conn's write half and the new
// inbox, plus an unregister func the caller must defer.
func (d *Dispatcher) Register(id cfd.OrderID, c *Conn) (tx *wire.Writer, recv func(ctx context.Context) (wire.Envelope, error), unregister func()) {
	box := make(inbox, 8)
	d.mu.Lock()
	d.inboxes[id] = box
	d.mu.Unlock()

	recv = func(ctx context.Context) (wire.Envelope, error) {
		select {
		case env := <-box:
			return env, nil
		case <-ctx.Done():
			return wire.Envelope{}, ctx.Err()
		}
	}
	unregister = func() {
		d.mu.Lock()
		delete(d.inboxes, id)
		d.mu.Unlock()
	}
	return c.Tx, recv, unregister
}

// Send writes an envelope on the connection registered under peer.
func (d *Dispatcher) Send(peer string, env wire.Envelope) error {
	d.mu.Lock()
	c, ok := d.conns[peer]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatcher: no connection for peer %q", peer)
	}
	return c.Tx.WriteMessage(env)
}

// ConnTo returns the open connection registered under a peer identity, if
// any. The daemon uses this to find the counterparty connection for a CFD
// before starting a protocol actor.
func (d *Dispatcher) ConnTo(peer string) (*Conn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[peer]
	return c, ok
}

// ConnectionCount returns the number of currently open connections.
func (d *Dispatcher) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}
