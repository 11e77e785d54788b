package bizsync

import (
	"testing"
)

func TestNetworkMonitor(t *testing.T) {
	t.Run("emits only transitions", func(t *testing.T) {
		m := NewNetworkMonitor(true)
		var events []NetworkEvent
		m.Subscribe(func(ev NetworkEvent) { events = append(events, ev) })

		m.SetOnline(true)
		m.SetOnline(false)
		m.SetOnline(false)
		m.SetOnline(true)

		if len(events) != 2 || events[0] != EventOffline || events[1] != EventOnline {
			t.Fatalf("expected [offline online], got %v", events)
		}
		if !m.IsOnline() {
			t.Fatal("expected online")
		}
	})

	t.Run("unsubscribe releases the handler", func(t *testing.T) {
		m := NewNetworkMonitor(false)
		calls := 0
		unsubscribe := m.Subscribe(func(NetworkEvent) { calls++ })
		if m.Subscribers() != 1 {
			t.Fatalf("expected 1 subscriber, got %d", m.Subscribers())
		}
		unsubscribe()
		unsubscribe()
		m.SetOnline(true)
		if calls != 0 {
			t.Fatalf("expected no calls after unsubscribe, got %d", calls)
		}
		if m.Subscribers() != 0 {
			t.Fatalf("expected 0 subscribers, got %d", m.Subscribers())
		}
	})

	t.Run("panicking handler does not block others", func(t *testing.T) {
		m := NewNetworkMonitor(true)
		reached := false
		m.Subscribe(func(NetworkEvent) { panic("boom") })
		m.Subscribe(func(NetworkEvent) { reached = true })
		m.SetOnline(false)
		if !reached {
			t.Fatal("expected second handler to run")
		}
	})
}
