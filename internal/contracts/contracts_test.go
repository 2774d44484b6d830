package contracts

import (
	"context"
	"testing"
	"time"

	"github.com/certen/cfd-daemon/internal/cfd"
)

// fakeMonitor is the kind of in-memory double a protocol-actor test
// supplies in place of a real chain watcher.
type fakeMonitor struct {
	events chan ChainEvent
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{events: make(chan ChainEvent, 8)}
}

func (m *fakeMonitor) Watch(ctx context.Context, id cfd.OrderID, dlc *cfd.Dlc) error { return nil }
func (m *fakeMonitor) Unwatch(id cfd.OrderID)                                        {}
func (m *fakeMonitor) Events() <-chan ChainEvent                                     { return m.events }

func TestMonitorSatisfiesInterface(t *testing.T) {
	var _ Monitor = newFakeMonitor()
}

func TestFakeMonitorDeliversEvent(t *testing.T) {
	m := newFakeMonitor()
	id := cfd.NewOrderID()
	m.events <- ChainEvent{CfdID: id, Kind: ChainEventLockConfirmed}

	select {
	case ev := <-m.Events():
		if ev.CfdID != id || ev.Kind != ChainEventLockConfirmed {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chain event")
	}
}
