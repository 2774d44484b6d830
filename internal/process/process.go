// Package process implements the Process Manager (C5): the single writer
// of the event log. It owns one mailbox goroutine that serializes every
// persist -> fold -> dispatch-side-effects -> notify cycle across all CFDs;
// callers never touch the cache directly, they send a request and wait for
// its reply, same as any other actor in this daemon.
package process

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/certen/cfd-daemon/internal/addrmap"
	"github.com/certen/cfd-daemon/internal/cfd"
	"github.com/certen/cfd-daemon/internal/contracts"
	"github.com/certen/cfd-daemon/internal/metrics"
)

// Store is the subset of the Event Store the Process Manager needs.
type Store interface {
	InsertCfd(ctx context.Context, static cfd.Cfd) error
	AppendEvent(ctx context.Context, id cfd.OrderID, seq uint64, e cfd.Event) error
	LoadCfd(ctx context.Context, id cfd.OrderID) (cfd.Cfd, []cfd.Event, error)
}

// Notifier is told about every event a Process Manager commits, so the
// projection layer (outside core scope) can fan it out to subscribers.
type Notifier interface {
	NotifyEvent(id cfd.OrderID, e cfd.Event, state *cfd.State)
}

// NoopNotifier discards notifications; useful in tests and for a daemon
// run with the projection surface disabled.
type NoopNotifier struct{}

func (NoopNotifier) NotifyEvent(cfd.OrderID, cfd.Event, *cfd.State) {}

// Manager owns the single-writer path for every CFD it is given. It holds
// no business logic of its own — state transitions live in internal/cfd;
// the Manager only sequences persist -> fold -> dispatch -> notify. Every
// public method except Claim is a message sent to the mailbox goroutine
// started by New;
// the cache is only ever touched from inside that goroutine, so it needs
// no lock of its own.
type Manager struct {
	store    Store
	slots    *addrmap.Map
	notifier Notifier
	wallet   contracts.Wallet
	monitor  contracts.Monitor
	metrics  *metrics.Registry
	logger   *slog.Logger

	mailbox chan func()
	cache   map[cfd.OrderID]*cachedCfd
}

type cachedCfd struct {
	static  cfd.Cfd
	history []cfd.Event
}

// Option configures a Manager.
type Option func(*Manager)

func WithNotifier(n Notifier) Option           { return func(m *Manager) { m.notifier = n } }
func WithWallet(w contracts.Wallet) Option     { return func(m *Manager) { m.wallet = w } }
func WithMonitor(mon contracts.Monitor) Option { return func(m *Manager) { m.monitor = mon } }
func WithMetrics(r *metrics.Registry) Option   { return func(m *Manager) { m.metrics = r } }
func WithLogger(l *slog.Logger) Option         { return func(m *Manager) { m.logger = l } }

// New constructs a Manager and starts its mailbox goroutine. The caller is
// responsible for calling Recover before accepting new commands, per C5's
// startup contract.
func New(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		slots:    addrmap.New(),
		notifier: NoopNotifier{},
		metrics:  metrics.NewRegistry(),
		logger:   slog.Default(),
		mailbox:  make(chan func()),
		cache:    make(map[cfd.OrderID]*cachedCfd),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

// run is the mailbox: one goroutine, one message at a time, for the
// lifetime of the Manager.
func (m *Manager) run() {
	for fn := range m.mailbox {
		fn()
	}
}

// ask sends fn to the mailbox and blocks until it has run, so every public
// method below behaves like an ordinary synchronous call to its caller
// while still only ever executing on the single mailbox goroutine.
func (m *Manager) ask(fn func()) {
	done := make(chan struct{})
	m.mailbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// Recover loads every known CFD id and its history into the in-process
// cache, so a restarted daemon resumes with a consistent Version for every
// CFD before any new command is accepted.
func (m *Manager) Recover(ctx context.Context, ids []cfd.OrderID) error {
	var err error
	m.ask(func() {
		for _, id := range ids {
			static, history, lerr := m.store.LoadCfd(ctx, id)
			if lerr != nil {
				err = fmt.Errorf("process: recover %s: %w", id, lerr)
				return
			}
			m.cache[id] = &cachedCfd{static: static, history: history}
		}
		m.logger.Info("process manager recovered", "cfd_count", len(ids))
	})
	return err
}

// State returns the current derived state for a CFD, folding the cached
// history fresh each call (I1: Fold is pure and cheap enough to redo).
func (m *Manager) State(id cfd.OrderID) (*cfd.State, error) {
	var state *cfd.State
	var err error
	m.ask(func() {
		c, ok := m.cache[id]
		if !ok {
			err = fmt.Errorf("process: unknown cfd %s", id)
			return
		}
		state = cfd.Fold(c.static, c.history)
	})
	return state, err
}

// Seed registers a freshly created CFD's static row (order-take time) both
// in the store and the in-process cache, before any command runs against
// it.
func (m *Manager) Seed(ctx context.Context, static cfd.Cfd) error {
	var err error
	m.ask(func() {
		if serr := m.store.InsertCfd(ctx, static); serr != nil {
			err = serr
			return
		}
		m.cache[static.ID] = &cachedCfd{static: static}
	})
	return err
}

// Append is the sole write path: persist the event, fold it into the
// cached history, dispatch the side-effects its kind requires, notify, and
// bump metrics — all on the mailbox goroutine, so appends across different
// CFDs are still strictly ordered process-wide (P8).
func (m *Manager) Append(ctx context.Context, id cfd.OrderID, e cfd.Event) (*cfd.State, error) {
	var state *cfd.State
	var err error
	m.ask(func() {
		c, ok := m.cache[id]
		if !ok {
			err = fmt.Errorf("process: append to unknown cfd %s", id)
			return
		}
		seq := uint64(len(c.history)) + 1
		if aerr := m.store.AppendEvent(ctx, id, seq, e); aerr != nil {
			m.metrics.EventAppendFailures.Inc()
			err = fmt.Errorf("process: append event: %w", aerr)
			return
		}
		c.history = append(c.history, e)
		state = cfd.Fold(c.static, c.history)

		m.metrics.EventsAppended.WithLabelValues(string(e.Name)).Inc()
		m.dispatchSideEffects(ctx, id, e, state)
		m.notifier.NotifyEvent(id, e, state)
	})
	return state, err
}

// dispatchSideEffects fires the asynchronous collaborator calls a
// committed event's kind requires (spec §4.5 step 3), logging rather than
// failing the append if a collaborator errors: the event is already
// durable, so a side-effect failure is recovered from on the next monitor
// notification or manual retry, never by rewinding the log.
func (m *Manager) dispatchSideEffects(ctx context.Context, id cfd.OrderID, e cfd.Event, state *cfd.State) {
	switch e.Name {
	case cfd.NameContractSetupCompleted, cfd.NameRolloverCompleted:
		m.watch(ctx, id, state)

	case cfd.NameCollaborativeSettlementCompleted:
		p, derr := cfd.DecodeCollaborativeSettlementCompletedPayload(e)
		if derr != nil {
			m.logger.Error("process: decode settlement payload", "cfd_id", id, "error", derr)
			return
		}
		m.broadcast(ctx, id, p.SpendTx)
		m.watch(ctx, id, state)

	case cfd.NameManualCommit:
		p, derr := cfd.DecodeManualCommitPayload(e)
		if derr != nil {
			m.logger.Error("process: decode manual commit payload", "cfd_id", id, "error", derr)
			return
		}
		m.broadcast(ctx, id, p.Tx)

	case cfd.NameOracleAttestedPriorCetTimelock:
		p, derr := cfd.DecodeOracleAttestedPriorCetTimelockPayload(e)
		if derr != nil {
			m.logger.Error("process: decode attestation payload", "cfd_id", id, "error", derr)
			return
		}
		m.broadcast(ctx, id, p.CommitTx)

	case cfd.NameOracleAttestedPostCetTimelock:
		p, derr := cfd.DecodeOracleAttestedPostCetTimelockPayload(e)
		if derr != nil {
			m.logger.Error("process: decode attestation payload", "cfd_id", id, "error", derr)
			return
		}
		m.broadcast(ctx, id, p.Cet.Tx)
	}
}

func (m *Manager) watch(ctx context.Context, id cfd.OrderID, state *cfd.State) {
	if m.monitor == nil || state.Dlc == nil {
		return
	}
	if err := m.monitor.Watch(ctx, id, state.Dlc); err != nil {
		m.logger.Error("process: start monitoring failed", "cfd_id", id, "error", err)
	}
}

func (m *Manager) broadcast(ctx context.Context, id cfd.OrderID, tx cfd.Transaction) {
	if m.wallet == nil {
		return
	}
	if err := m.wallet.Broadcast(ctx, tx); err != nil {
		m.logger.Error("process: broadcast failed", "cfd_id", id, "error", err)
	}
}

// KnownCfdIDs returns every CFD id currently cached, for the rollover
// driver's periodic scan (C6).
func (m *Manager) KnownCfdIDs() []cfd.OrderID {
	var ids []cfd.OrderID
	m.ask(func() {
		ids = make([]cfd.OrderID, 0, len(m.cache))
		for id := range m.cache {
			ids = append(ids, id)
		}
	})
	return ids
}

// Claim acquires the at-most-one-protocol-per-cfd slot (C3) for id on
// behalf of a named protocol actor. The returned release must run when the
// actor finishes, success or failure alike. This does not go through the
// mailbox: C3's slot map has its own atomic claim and is independent of
// the event-log cache C5 owns.
func (m *Manager) Claim(id cfd.OrderID, by addrmap.Handle) (release func(), err error) {
	return m.slots.Claim(id.String(), by)
}
