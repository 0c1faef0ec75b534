package syncutil

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestClaimSet_ClaimAndRelease(t *testing.T) {
	c := NewClaimSet()

	release, ok, _ := c.TryClaim(42, "event")
	if !ok {
		t.Fatal("expected first claim to succeed")
	}
	if !c.Held(42) {
		t.Fatal("expected id to be held")
	}

	_, ok, current := c.TryClaim(42, "scan")
	if ok {
		t.Fatal("expected second claim to fail")
	}
	if current.Holder != "event" {
		t.Fatalf("expected holder event, got %q", current.Holder)
	}

	release()
	release() // idempotent
	if c.Held(42) {
		t.Fatal("expected id to be free after release")
	}

	if _, ok, _ := c.TryClaim(42, "scan"); !ok {
		t.Fatal("expected claim after release to succeed")
	}
}

func TestClaimSet_IndependentIDs(t *testing.T) {
	c := NewClaimSet()
	// 1 and 65 share a shard.
	r1, ok1, _ := c.TryClaim(1, "a")
	_, ok2, _ := c.TryClaim(65, "b")
	if !ok1 || !ok2 {
		t.Fatal("ids in the same shard must not block each other")
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 claims, got %d", c.Len())
	}
	r1()

	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].ID != 65 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestClaimSet_ConcurrentSingleWinner(t *testing.T) {
	c := NewClaimSet()
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok, _ := c.TryClaim(7, "worker"); ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestClaimSet_ZeroValueUsable(t *testing.T) {
	var c ClaimSet
	if _, ok, _ := c.TryClaim(3, "x"); !ok {
		t.Fatal("zero-value claim set should work")
	}
}
