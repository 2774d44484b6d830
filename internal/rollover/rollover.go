// Package rollover implements the Auto-Rollover Driver (C6): a ticker-
// driven scan over every known CFD that starts a rollover for each one
// whose RolloverGateOK() holds and whose settlement interval is close to
// expiring. Grounded on the teacher's on-cadence scheduler loop
// (pkg/anchor/scheduler.go): a ticker, a per-id eligibility predicate, and
// structured skip logging rather than silent no-ops.
package rollover

import (
	"context"
	"log/slog"
	"time"

	"github.com/certen/cfd-daemon/internal/cfd"
	"github.com/certen/cfd-daemon/internal/metrics"
)

// StateSource is the subset of the Process Manager a scan needs: every
// known CFD id and its current derived state.
type StateSource interface {
	KnownCfdIDs() []cfd.OrderID
	State(id cfd.OrderID) (*cfd.State, error)
}

// Starter begins a rollover for one eligible CFD. In the daemon this is
// the Process Manager's Claim + protocol.RunRollover + RollOver pipeline;
// tests supply a recording fake.
type Starter interface {
	StartRollover(ctx context.Context, id cfd.OrderID) error
}

// Driver runs the periodic eligibility scan.
type Driver struct {
	source   StateSource
	starter  Starter
	interval time.Duration
	// eligibleBefore is how far ahead of a settlement interval's nominal
	// expiry a CFD becomes eligible, so rollovers land before the old
	// contract's timelock window narrows.
	eligibleBefore time.Duration
	metrics        *metrics.Registry
	logger         *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

func WithInterval(d time.Duration) Option       { return func(drv *Driver) { drv.interval = d } }
func WithEligibleBefore(d time.Duration) Option { return func(drv *Driver) { drv.eligibleBefore = d } }
func WithMetrics(r *metrics.Registry) Option    { return func(drv *Driver) { drv.metrics = r } }
func WithLogger(l *slog.Logger) Option          { return func(drv *Driver) { drv.logger = l } }

// New constructs a Driver with a 5 minute scan cadence by default.
func New(source StateSource, starter Starter, opts ...Option) *Driver {
	d := &Driver{
		source:         source,
		starter:        starter,
		interval:       5 * time.Minute,
		eligibleBefore: time.Hour,
		metrics:        metrics.NewRegistry(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks, scanning on a ticker until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scanOnce(ctx)
		}
	}
}

// scanOnce runs a single pass; exported as ScanOnce for tests.
func (d *Driver) scanOnce(ctx context.Context) {
	ids := d.source.KnownCfdIDs()
	now := time.Now()
	eligible := 0
	for _, id := range ids {
		state, err := d.source.State(id)
		if err != nil {
			d.logger.Warn("rollover scan: could not load state", "cfd_id", id, "error", err)
			continue
		}
		if !state.RolloverGateOK() {
			continue
		}

		// time_to_expiry (§4.6): how long until the current Dlc's settlement
		// interval runs out. A contract only just rolled over starts near
		// SettlementInterval and is not yet eligible; one gets eligible once
		// that remaining time drops to within eligibleBefore of expiry.
		timeToExpiry := state.DlcEstablishedAt.Add(state.Static.SettlementInterval).Sub(now)
		threshold := state.Static.SettlementInterval - d.eligibleBefore
		switch {
		case timeToExpiry <= 0:
			d.logger.Warn("rollover scan: cfd past its settlement expiry", "cfd_id", id, "overdue_by", -timeToExpiry)
		case timeToExpiry > threshold:
			continue
		}

		eligible++
		if err := d.starter.StartRollover(ctx, id); err != nil {
			d.logger.Warn("rollover scan: start failed", "cfd_id", id, "error", err)
		}
	}
	d.metrics.RolloverEligibleCfds.Set(float64(eligible))
}

// ScanOnce runs a single eligibility scan immediately, outside the ticker
// cadence.
func (d *Driver) ScanOnce(ctx context.Context) { d.scanOnce(ctx) }
