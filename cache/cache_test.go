package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHitAfterComplete(t *testing.T) {
	c := New(10)

	lookup := c.GetOrStart("k", time.Minute)
	if lookup.Token == nil {
		t.Fatal("first lookup should elect a producer")
	}
	c.Complete(lookup.Token, []byte(`"v"`), nil)

	lookup = c.GetOrStart("k", time.Minute)
	if !lookup.Hit {
		t.Fatal("second lookup should hit")
	}
	if string(lookup.Value) != `"v"` {
		t.Errorf("value = %s", lookup.Value)
	}
}

func TestProducerUniqueness(t *testing.T) {
	c := New(10)

	const n = 50
	var producers atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]Lookup, n)

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = c.GetOrStart("k", time.Minute)
			if results[i].Token != nil {
				producers.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := producers.Load(); got != 1 {
		t.Fatalf("%d producers elected, want exactly 1", got)
	}

	// Complete and verify every waiter observes the value.
	for _, lookup := range results {
		if lookup.Token != nil {
			c.Complete(lookup.Token, []byte(`"shared"`), nil)
		}
	}
	for i, lookup := range results {
		if lookup.Wait != nil {
			out := <-lookup.Wait
			if out.Err != nil || string(out.Value) != `"shared"` {
				t.Errorf("waiter %d got %q err=%v", i, out.Value, out.Err)
			}
		}
	}
}

func TestFailureDoesNotPoisonKey(t *testing.T) {
	c := New(10)

	lookup := c.GetOrStart("k", time.Minute)
	waiter := c.GetOrStart("k", time.Minute)
	if waiter.Wait == nil {
		t.Fatal("second lookup should wait")
	}

	c.Complete(lookup.Token, nil, errors.New("upstream exploded"))

	out := <-waiter.Wait
	if out.Err == nil {
		t.Error("waiter should observe the failure")
	}

	// The key must be free for a fresh cycle.
	retry := c.GetOrStart("k", time.Minute)
	if retry.Token == nil {
		t.Fatal("key is poisoned: no producer elected after failure")
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1 pending", c.Len())
	}
}

func TestExpiryStartsNewCycle(t *testing.T) {
	c := New(10)

	lookup := c.GetOrStart("k", 10*time.Millisecond)
	c.Complete(lookup.Token, []byte(`"old"`), nil)

	time.Sleep(20 * time.Millisecond)

	lookup = c.GetOrStart("k", time.Minute)
	if lookup.Hit {
		t.Fatal("expired entry served as a hit")
	}
	if lookup.Token == nil {
		t.Fatal("expired entry should elect a new producer")
	}
}

func TestTTLMeasuredFromCompletion(t *testing.T) {
	c := New(10)

	lookup := c.GetOrStart("k", 50*time.Millisecond)
	// Simulate a slow production; TTL must not be eaten by it.
	time.Sleep(40 * time.Millisecond)
	c.Complete(lookup.Token, []byte(`"v"`), nil)

	time.Sleep(20 * time.Millisecond)
	if got := c.GetOrStart("k", 50*time.Millisecond); !got.Hit {
		t.Error("entry expired relative to production start instead of completion")
	}
}

func TestEvictionDropsOldestReady(t *testing.T) {
	c := New(3)

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		lookup := c.GetOrStart(key, time.Minute)
		c.Complete(lookup.Token, []byte(`"v"`), nil)
	}

	// A fourth insert pushes the store over the bound; k0 is the oldest
	// completion and must go.
	lookup := c.GetOrStart("k3", time.Minute)
	c.Complete(lookup.Token, []byte(`"v"`), nil)

	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	if got := c.GetOrStart("k0", time.Minute); got.Hit {
		t.Error("oldest entry survived eviction")
	}
}

func TestEvictionPrefersExpired(t *testing.T) {
	c := New(3)

	oldest := c.GetOrStart("oldest", time.Minute)
	c.Complete(oldest.Token, []byte(`"v"`), nil)

	expiring := c.GetOrStart("expiring", 5*time.Millisecond)
	c.Complete(expiring.Token, []byte(`"v"`), nil)
	time.Sleep(10 * time.Millisecond)

	third := c.GetOrStart("third", time.Minute)
	c.Complete(third.Token, []byte(`"v"`), nil)

	over := c.GetOrStart("over", time.Minute)
	c.Complete(over.Token, []byte(`"v"`), nil)

	// The expired entry should be the casualty, not the oldest live one.
	if got := c.GetOrStart("oldest", time.Minute); !got.Hit {
		t.Error("live entry evicted while an expired entry existed")
	}
}

func TestPendingNeverEvicted(t *testing.T) {
	c := New(2)

	pending := c.GetOrStart("pending", time.Minute)
	if pending.Token == nil {
		t.Fatal("expected producer election")
	}

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		lookup := c.GetOrStart(key, time.Minute)
		c.Complete(lookup.Token, []byte(`"v"`), nil)
	}

	// The pending entry must have survived all that churn.
	waiter := c.GetOrStart("pending", time.Minute)
	if waiter.Wait == nil {
		t.Fatal("pending entry was evicted")
	}

	c.Complete(pending.Token, []byte(`"late"`), nil)
	out := <-waiter.Wait
	if string(out.Value) != `"late"` {
		t.Errorf("waiter got %s", out.Value)
	}
}

func TestCleanupExpired(t *testing.T) {
	c := New(10)

	short := c.GetOrStart("short", 5*time.Millisecond)
	c.Complete(short.Token, []byte(`"v"`), nil)
	long := c.GetOrStart("long", time.Minute)
	c.Complete(long.Token, []byte(`"v"`), nil)

	time.Sleep(10 * time.Millisecond)

	if removed := c.CleanupExpired(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}

func TestStaleTokenIgnored(t *testing.T) {
	c := New(10)

	first := c.GetOrStart("k", time.Minute)
	c.Complete(first.Token, nil, errors.New("failed"))

	second := c.GetOrStart("k", time.Minute)

	// Completing the dead first cycle again must not disturb the second.
	c.Complete(first.Token, []byte(`"ghost"`), nil)

	waiter := c.GetOrStart("k", time.Minute)
	if waiter.Wait == nil {
		t.Fatal("second cycle should still be pending")
	}
	c.Complete(second.Token, []byte(`"real"`), nil)
	out := <-waiter.Wait
	if string(out.Value) != `"real"` {
		t.Errorf("waiter got %s, want \"real\"", out.Value)
	}
}
