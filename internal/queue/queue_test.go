package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAllow_SlidingWindow(t *testing.T) {
	q := New(2, 3, time.Minute, nil)
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !q.Allow(1) {
			t.Fatalf("message %d rejected under the limit", i)
		}
	}
	if q.Allow(1) {
		t.Fatal("fourth message allowed inside the window")
	}
	// Rejections are not recorded, so the window drains on schedule.
	if q.Allow(1) {
		t.Fatal("burst extended its own window")
	}
	if q.RetryAfter(1) <= 0 {
		t.Fatal("expected a positive retry hint at the limit")
	}

	// Another chat has its own window.
	if !q.Allow(2) {
		t.Fatal("second chat rejected")
	}

	now = now.Add(61 * time.Second)
	if !q.Allow(1) {
		t.Fatal("message rejected after the window slid past")
	}
	if q.RetryAfter(1) != 0 {
		t.Fatalf("retry hint = %v under the limit", q.RetryAfter(1))
	}
}

func TestProbe_DoesNotRecord(t *testing.T) {
	q := New(2, 2, time.Minute, nil)
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }

	// Probes never fill the window.
	for i := 0; i < 10; i++ {
		if !q.Probe(1) {
			t.Fatalf("probe %d rejected on an empty window", i)
		}
	}
	if !q.Allow(1) || !q.Allow(1) {
		t.Fatal("window filled by probes")
	}

	// At the limit the probe rejects but still does not extend the window.
	if q.Probe(1) {
		t.Fatal("probe passed a full window")
	}
	now = now.Add(61 * time.Second)
	if !q.Allow(1) {
		t.Fatal("window did not drain after probes")
	}
}

func TestSubmit_SerialPerKey(t *testing.T) {
	q := New(4, 10, time.Minute, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Submit(ctx, "chat", func(context.Context) {
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	})
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v", order)
		}
	}
	if q.Depth("chat") != 0 {
		t.Fatalf("depth after drain = %d", q.Depth("chat"))
	}
}

func TestSubmit_GlobalCap(t *testing.T) {
	q := New(2, 10, time.Minute, nil)
	ctx := context.Background()

	block := make(chan struct{})
	var mu sync.Mutex
	started := map[string]bool{}
	run := func(key string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			started[key] = true
			mu.Unlock()
			<-block
		}
	}
	q.Submit(ctx, "a", run("a"))
	q.Submit(ctx, "b", run("b"))
	q.Submit(ctx, "c", run("c"))

	waitFor(t, 2*time.Second, func() bool { return q.InFlight() == 2 })
	mu.Lock()
	third := started["c"]
	mu.Unlock()
	if third {
		t.Fatal("third task ran past the concurrency cap")
	}

	close(block)
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return started["c"]
	})
	waitFor(t, 2*time.Second, func() bool { return q.InFlight() == 0 })
}

func TestSubmit_SlotOrderFollowsSubmissionAcrossKeys(t *testing.T) {
	q := New(1, 10, time.Minute, nil)
	ctx := context.Background()

	block := make(chan struct{})
	q.Submit(ctx, "hold", func(context.Context) { <-block })
	waitFor(t, 2*time.Second, func() bool { return q.InFlight() == 1 })

	var mu sync.Mutex
	var order []string
	for _, key := range []string{"b", "c", "d"} {
		key := key
		q.Submit(ctx, key, func(context.Context) {
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
		})
	}
	// All three are parked behind the held slot before it frees.
	waitFor(t, 2*time.Second, func() bool {
		return q.Depth("b") == 1 && q.Depth("c") == 1 && q.Depth("d") == 1
	})

	close(block)
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "b" || order[1] != "c" || order[2] != "d" {
		t.Fatalf("slot order = %v", order)
	}
}

func TestSubmit_ReleasesSlotOnPanic(t *testing.T) {
	q := New(1, 10, time.Minute, nil)
	ctx := context.Background()

	q.Submit(ctx, "a", func(context.Context) { panic("boom") })

	ran := make(chan struct{})
	q.Submit(ctx, "b", func(context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("slot was not released after a panic")
	}
}

func TestSubmit_CancelWhileWaitingForSlot(t *testing.T) {
	q := New(1, 10, time.Minute, nil)

	block := make(chan struct{})
	q.Submit(context.Background(), "a", func(context.Context) { <-block })
	waitFor(t, 2*time.Second, func() bool { return q.InFlight() == 1 })

	cancelled, cancel := context.WithCancel(context.Background())
	var ran bool
	var mu sync.Mutex
	q.Submit(cancelled, "b", func(context.Context) {
		mu.Lock()
		ran = true
		mu.Unlock()
	})
	cancel()
	waitFor(t, 2*time.Second, func() bool { return q.Depth("b") == 0 })

	close(block)
	waitFor(t, 2*time.Second, func() bool { return q.InFlight() == 0 })
	mu.Lock()
	defer mu.Unlock()
	if ran {
		t.Fatal("cancelled task still ran")
	}
}

func TestSubmit_CancelWhileWaitingForPredecessor(t *testing.T) {
	q := New(2, 10, time.Minute, nil)

	block := make(chan struct{})
	q.Submit(context.Background(), "a", func(context.Context) { <-block })
	waitFor(t, 2*time.Second, func() bool { return q.InFlight() == 1 })

	cancelled, cancel := context.WithCancel(context.Background())
	var ran bool
	var mu sync.Mutex
	q.Submit(cancelled, "a", func(context.Context) {
		mu.Lock()
		ran = true
		mu.Unlock()
	})
	cancel()
	waitFor(t, 2*time.Second, func() bool { return q.Depth("a") == 1 })

	close(block)
	waitFor(t, 2*time.Second, func() bool { return q.Depth("a") == 0 })
	mu.Lock()
	defer mu.Unlock()
	if ran {
		t.Fatal("cancelled follower still ran")
	}
}
