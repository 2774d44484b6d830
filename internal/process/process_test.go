package process

import (
	"context"
	"testing"
	"time"

	"github.com/certen/cfd-daemon/internal/addrmap"
	"github.com/certen/cfd-daemon/internal/cfd"
)

type fakeStore struct {
	statics map[cfd.OrderID]cfd.Cfd
	events  map[cfd.OrderID][]cfd.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{statics: make(map[cfd.OrderID]cfd.Cfd), events: make(map[cfd.OrderID][]cfd.Event)}
}

func (s *fakeStore) InsertCfd(ctx context.Context, static cfd.Cfd) error {
	s.statics[static.ID] = static
	return nil
}

func (s *fakeStore) AppendEvent(ctx context.Context, id cfd.OrderID, seq uint64, e cfd.Event) error {
	s.events[id] = append(s.events[id], e)
	return nil
}

func (s *fakeStore) LoadCfd(ctx context.Context, id cfd.OrderID) (cfd.Cfd, []cfd.Event, error) {
	return s.statics[id], s.events[id], nil
}

func testStatic() cfd.Cfd {
	return cfd.Cfd{ID: cfd.NewOrderID(), Position: cfd.Long, InitialPrice: 20000, Leverage: 5, Quantity: 1, CounterpartyIdentity: "02aa", Role: cfd.RoleTaker}
}

func TestSeedAppendStateRoundTrip(t *testing.T) {
	store := newFakeStore()
	m := New(store)
	ctx := context.Background()
	static := testStatic()

	if err := m.Seed(ctx, static); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	state, err := m.Append(ctx, static.ID, cfd.Event{Timestamp: time.Now(), CfdID: static.ID, Name: cfd.NameLockConfirmed, Data: []byte("null")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !state.LockFinality {
		t.Error("expected LockFinality after appending LockConfirmed")
	}
	if state.Version != 1 {
		t.Errorf("Version = %d, want 1", state.Version)
	}

	gotState, err := m.State(static.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if gotState.Version != 1 {
		t.Errorf("State().Version = %d, want 1", gotState.Version)
	}
}

func TestRecoverRebuildsCache(t *testing.T) {
	store := newFakeStore()
	static := testStatic()
	store.statics[static.ID] = static
	store.events[static.ID] = []cfd.Event{{Timestamp: time.Now(), CfdID: static.ID, Name: cfd.NameLockConfirmed, Data: []byte("null")}}

	m := New(store)
	if err := m.Recover(context.Background(), []cfd.OrderID{static.ID}); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	state, err := m.State(static.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !state.LockFinality || state.Version != 1 {
		t.Errorf("state after recover = %+v", state)
	}
}

func TestClaimSerializesProtocolActors(t *testing.T) {
	store := newFakeStore()
	m := New(store)
	static := testStatic()
	if err := m.Seed(context.Background(), static); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	release, err := m.Claim(static.ID, addrmap.Handle("setup"))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := m.Claim(static.ID, addrmap.Handle("rollover")); err == nil {
		t.Error("expected second Claim to fail while the first is held")
	}
	release()
	if _, err := m.Claim(static.ID, addrmap.Handle("rollover")); err != nil {
		t.Errorf("Claim after release: %v", err)
	}
}
