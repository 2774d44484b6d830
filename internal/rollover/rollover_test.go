package rollover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/certen/cfd-daemon/internal/cfd"
)

type fakeSource struct {
	states map[cfd.OrderID]*cfd.State
}

func (s *fakeSource) KnownCfdIDs() []cfd.OrderID {
	ids := make([]cfd.OrderID, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	return ids
}

func (s *fakeSource) State(id cfd.OrderID) (*cfd.State, error) {
	return s.states[id], nil
}

type recordingStarter struct {
	mu      sync.Mutex
	started []cfd.OrderID
}

func (r *recordingStarter) StartRollover(ctx context.Context, id cfd.OrderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
	return nil
}

func eligibleState() *cfd.State {
	s := &cfd.State{Static: cfd.Cfd{ID: cfd.NewOrderID()}}
	s.LockFinality = true
	return s
}

func TestScanOnceStartsOnlyEligible(t *testing.T) {
	eligible := eligibleState()
	ineligible := &cfd.State{Static: cfd.Cfd{ID: cfd.NewOrderID()}}

	source := &fakeSource{states: map[cfd.OrderID]*cfd.State{
		eligible.Static.ID:   eligible,
		ineligible.Static.ID: ineligible,
	}}
	starter := &recordingStarter{}
	d := New(source, starter)

	d.ScanOnce(context.Background())

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.started) != 1 || starter.started[0] != eligible.Static.ID {
		t.Errorf("started = %v, want [%v]", starter.started, eligible.Static.ID)
	}
}

// withinWindowState builds a state whose time_to_expiry sits at offset
// before its settlement interval's nominal expiry.
func withinWindowState(settlementInterval time.Duration, offset time.Duration) *cfd.State {
	s := &cfd.State{Static: cfd.Cfd{ID: cfd.NewOrderID(), SettlementInterval: settlementInterval}}
	s.LockFinality = true
	s.DlcEstablishedAt = time.Now().Add(offset - settlementInterval)
	return s
}

func TestScanOnceSkipsEligibleCfdNotYetNearExpiry(t *testing.T) {
	// DlcEstablishedAt just now: time_to_expiry == SettlementInterval, far
	// outside the default 1 hour eligibleBefore window.
	notYetDue := withinWindowState(24*time.Hour, 24*time.Hour)

	source := &fakeSource{states: map[cfd.OrderID]*cfd.State{notYetDue.Static.ID: notYetDue}}
	starter := &recordingStarter{}
	d := New(source, starter)

	d.ScanOnce(context.Background())

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.started) != 0 {
		t.Errorf("started = %v, want none", starter.started)
	}
}

func TestScanOnceStartsCfdWithinEligibilityWindow(t *testing.T) {
	// time_to_expiry == 30 minutes, inside the default 1 hour window.
	due := withinWindowState(24*time.Hour, 30*time.Minute)

	source := &fakeSource{states: map[cfd.OrderID]*cfd.State{due.Static.ID: due}}
	starter := &recordingStarter{}
	d := New(source, starter)

	d.ScanOnce(context.Background())

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.started) != 1 || starter.started[0] != due.Static.ID {
		t.Errorf("started = %v, want [%v]", starter.started, due.Static.ID)
	}
}

func TestScanOnceStartsAlreadyExpiredCfd(t *testing.T) {
	// time_to_expiry negative: settlement interval already ran out.
	overdue := withinWindowState(time.Hour, -time.Hour)

	source := &fakeSource{states: map[cfd.OrderID]*cfd.State{overdue.Static.ID: overdue}}
	starter := &recordingStarter{}
	d := New(source, starter)

	d.ScanOnce(context.Background())

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.started) != 1 || starter.started[0] != overdue.Static.ID {
		t.Errorf("started = %v, want [%v]", starter.started, overdue.Static.ID)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	source := &fakeSource{states: map[cfd.OrderID]*cfd.State{}}
	starter := &recordingStarter{}
	d := New(source, starter, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
