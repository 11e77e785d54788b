package bizsync

import (
	"sync"
	"testing"
	"time"
)

// manualClock is a Clock tests advance by hand.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTTLCache(t *testing.T) {
	t.Run("fresh then expired", func(t *testing.T) {
		clock := newManualClock()
		c := NewTTLCache(time.Minute, clock.Now)
		c.Set("k", 1)

		clock.Advance(59 * time.Second)
		if v, ok := c.Get("k"); !ok || v.(int) != 1 {
			t.Fatalf("expected fresh hit, got %v %v", v, ok)
		}

		clock.Advance(time.Second)
		if _, ok := c.Get("k"); ok {
			t.Fatal("expected miss once age reaches the TTL")
		}
	})

	t.Run("default ttl", func(t *testing.T) {
		clock := newManualClock()
		c := NewTTLCache(0, clock.Now)
		c.Set("k", "v")
		clock.Advance(DefaultTTL - time.Millisecond)
		if _, ok := c.Get("k"); !ok {
			t.Fatal("expected hit within default TTL")
		}
	})

	t.Run("invalidate prefix", func(t *testing.T) {
		c := NewTTLCache(time.Minute, nil)
		c.Set("project_tasks_P1|", 1)
		c.Set("project_tasks_P1|status=open|", 2)
		c.Set("project_tasks_P10|", 3)
		c.Set("projects|", 4)

		c.InvalidatePrefix(scopePrefix("project_tasks", "P1"))

		if _, ok := c.Get("project_tasks_P1|"); ok {
			t.Fatal("expected P1 view dropped")
		}
		if _, ok := c.Get("project_tasks_P1|status=open|"); ok {
			t.Fatal("expected filtered P1 view dropped")
		}
		if _, ok := c.Get("project_tasks_P10|"); !ok {
			t.Fatal("P10 view must survive a P1 invalidation")
		}
		if c.Len() != 2 {
			t.Fatalf("expected 2 entries, got %d", c.Len())
		}
	})
}

func TestCollectionKey(t *testing.T) {
	t.Run("stable filter order", func(t *testing.T) {
		a := CollectionKey(KindBills, Filters{"status": "paid", "customer": "asha"})
		b := CollectionKey(KindBills, Filters{"customer": "asha", "status": "paid"})
		if a != b {
			t.Fatalf("expected equal keys, got %q and %q", a, b)
		}
		if a != "bills|customer=asha|status=paid|" {
			t.Fatalf("unexpected key %q", a)
		}
	})

	t.Run("distinct filters do not collide", func(t *testing.T) {
		if CollectionKey(KindProjects, nil) == CollectionKey(KindProjects, Filters{"status": "open"}) {
			t.Fatal("expected distinct keys")
		}
	})

	t.Run("scoped kinds namespace by parent", func(t *testing.T) {
		got := CollectionKey(KindProjectTasks, Filters{"project_id": "P1", "status": "open"})
		if got != "project_tasks_P1|status=open|" {
			t.Fatalf("unexpected key %q", got)
		}
	})

	t.Run("record key", func(t *testing.T) {
		if got := RecordKey(KindBills, "srv-1"); got != "bills#srv-1" {
			t.Fatalf("unexpected key %q", got)
		}
	})
}
