// Package eventlog implements the Event Store (C1): an append-only,
// per-CFD event log backed by Postgres, plus the static cfds/orders rows
// written once at order-take time.
package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/certen/cfd-daemon/internal/cfd"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a connection-pooled handle onto the event log and static tables.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Config carries the connection parameters a Store needs.
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxIdle  time.Duration
	ConnMaxLife  time.Duration
}

// Open opens a pooled Postgres connection and runs pending migrations.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("eventlog: database URL cannot be empty")
	}

	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdle > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdle)
	}
	if cfg.ConnMaxLife > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLife)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: ping database: %w", err)
	}

	s.db = db
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("eventlog store ready", "max_open_conns", cfg.MaxOpenConns)
	return s, nil
}

// migrate applies every *.sql file under migrations/ in lexical order. It is
// idempotent: every statement is written as CREATE ... IF NOT EXISTS.
func (s *Store) migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("eventlog: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("eventlog: read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("eventlog: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// DB returns the underlying pool for callers (e.g. projection) that need
// direct read access.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// InsertOrder persists an Order row.
func (s *Store) InsertOrder(ctx context.Context, o cfd.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, trading_pair, position, price, min_quantity,
			max_quantity, leverage, liquidation_price, created_at,
			settlement_interval_sec, origin, oracle_event_id, fee_rate)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (order_id) DO NOTHING`,
		o.ID.String(), o.TradingPair, string(o.Position), o.Price, o.MinQuantity,
		o.MaxQuantity, o.Leverage, o.LiquidationPrice, o.CreationTimestamp,
		int64(o.SettlementInterval/time.Second), string(o.Origin), o.OracleEventID, o.FeeRate)
	if err != nil {
		return fmt.Errorf("eventlog: insert order: %w", err)
	}
	return nil
}

// InsertCfd persists the static row created once when an order is taken.
func (s *Store) InsertCfd(ctx context.Context, static cfd.Cfd) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cfds (cfd_id, position, initial_price, leverage,
			settlement_interval_sec, quantity, counterparty_identity, role)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (cfd_id) DO NOTHING`,
		static.ID.String(), string(static.Position), static.InitialPrice, static.Leverage,
		int64(static.SettlementInterval/time.Second), static.Quantity,
		static.CounterpartyIdentity, string(static.Role))
	if err != nil {
		return fmt.Errorf("eventlog: insert cfd: %w", err)
	}
	return nil
}

// AppendEvent appends one event to a CFD's log. The caller (Process
// Manager, C5) is the single writer per CFD, so seq is simply the caller's
// next version number; the UNIQUE(cfd_id, seq) constraint turns a
// would-be concurrent double-append into a detectable error rather than
// silent corruption.
func (s *Store) AppendEvent(ctx context.Context, id cfd.OrderID, seq uint64, e cfd.Event) error {
	data, err := e.MarshalJSON()
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cfd_events (cfd_id, seq, name, data, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		id.String(), seq, string(e.Name), data, e.Timestamp)
	if err != nil {
		return fmt.Errorf("eventlog: append event: %w", err)
	}
	return nil
}

// LoadCfd returns the static row and the full, seq-ordered event history
// for a CFD.
func (s *Store) LoadCfd(ctx context.Context, id cfd.OrderID) (cfd.Cfd, []cfd.Event, error) {
	var static cfd.Cfd
	var position, role string
	var intervalSec int64
	row := s.db.QueryRowContext(ctx, `
		SELECT position, initial_price, leverage, settlement_interval_sec,
			quantity, counterparty_identity, role
		FROM cfds WHERE cfd_id = $1`, id.String())
	if err := row.Scan(&position, &static.InitialPrice, &static.Leverage, &intervalSec,
		&static.Quantity, &static.CounterpartyIdentity, &role); err != nil {
		return cfd.Cfd{}, nil, fmt.Errorf("eventlog: load cfd %s: %w", id, err)
	}
	static.ID = id
	static.Position = cfd.Position(position)
	static.Role = cfd.Role(role)
	static.SettlementInterval = time.Duration(intervalSec) * time.Second

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, data, created_at FROM cfd_events
		WHERE cfd_id = $1 ORDER BY seq ASC`, id.String())
	if err != nil {
		return cfd.Cfd{}, nil, fmt.Errorf("eventlog: load events for %s: %w", id, err)
	}
	defer rows.Close()

	var history []cfd.Event
	for rows.Next() {
		var name string
		var data []byte
		var ts time.Time
		if err := rows.Scan(&name, &data, &ts); err != nil {
			return cfd.Cfd{}, nil, fmt.Errorf("eventlog: scan event row: %w", err)
		}
		history = append(history, cfd.Event{
			Timestamp: ts,
			CfdID:     id,
			Name:      cfd.EventName(name),
			Data:      data,
		})
	}
	if err := rows.Err(); err != nil {
		return cfd.Cfd{}, nil, fmt.Errorf("eventlog: iterate events for %s: %w", id, err)
	}
	return static, history, nil
}

// LoadAllCfdIDs returns every known CFD id, for startup recovery (the
// Process Manager re-folds each one before accepting new commands).
func (s *Store) LoadAllCfdIDs(ctx context.Context) ([]cfd.OrderID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cfd_id FROM cfds`)
	if err != nil {
		return nil, fmt.Errorf("eventlog: load cfd ids: %w", err)
	}
	defer rows.Close()

	var ids []cfd.OrderID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("eventlog: scan cfd id: %w", err)
		}
		id, err := cfd.ParseOrderID(raw)
		if err != nil {
			return nil, fmt.Errorf("eventlog: parse cfd id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
