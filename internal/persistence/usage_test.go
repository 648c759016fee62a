package persistence

import (
	"context"
	"testing"
	"time"
)

func TestUsage_LastCacheRead(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	got, err := store.LastCacheRead(ctx, "sess-1")
	if err != nil || got != 0 {
		t.Fatalf("empty ledger: %d, %v", got, err)
	}

	rows := []UsageRow{
		{ChatID: 1, SessionID: "sess-1", InputTokens: 100, OutputTokens: 40, CacheRead: 1000, CostUSD: 0.01},
		{ChatID: 1, SessionID: "sess-1", InputTokens: 120, OutputTokens: 50, CacheRead: 2500, CostUSD: 0.02},
		{ChatID: 1, SessionID: "sess-2", InputTokens: 10, OutputTokens: 5, CacheRead: 99, CostUSD: 0.001},
	}
	for _, r := range rows {
		if err := store.SaveUsage(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err = store.LastCacheRead(ctx, "sess-1")
	if err != nil {
		t.Fatalf("last cache read: %v", err)
	}
	if got != 2500 {
		t.Fatalf("cache read = %d, want the latest row's value", got)
	}
}

func TestUsage_CostSince(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.SaveUsage(ctx, UsageRow{
			ChatID: 1, SessionID: "s", InputTokens: 100, OutputTokens: 50, CostUSD: 0.05,
		}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	// A row from another chat never counts.
	if err := store.SaveUsage(ctx, UsageRow{ChatID: 2, InputTokens: 999, CostUSD: 9}); err != nil {
		t.Fatalf("save other chat: %v", err)
	}

	sum, err := store.CostSince(ctx, 1, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("cost since: %v", err)
	}
	if sum.Turns != 3 || sum.InputTokens != 300 || sum.OutputTokens != 150 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.CostUSD < 0.149 || sum.CostUSD > 0.151 {
		t.Fatalf("cost = %v", sum.CostUSD)
	}

	// A window starting in the future matches nothing.
	sum, err = store.CostSince(ctx, 1, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("future window: %v", err)
	}
	if sum.Turns != 0 || sum.CostUSD != 0 {
		t.Fatalf("future summary = %+v", sum)
	}
}
