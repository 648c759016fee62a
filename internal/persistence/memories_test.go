package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestInsertAndSearchMemory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertMemory(ctx, 1, "", "the dentist appointment is on Tuesday", SectorEpisodic)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero id")
	}

	found, err := store.SearchMemories(ctx, 1, "dentist", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].ID != id {
		t.Fatalf("search result = %+v", found)
	}

	// Scoped to chat: another chat sees nothing.
	found, err = store.SearchMemories(ctx, 2, "dentist", 3)
	if err != nil {
		t.Fatalf("search other chat: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("cross-chat leak: %+v", found)
	}
}

func TestSearchMemories_EmptyQueryDoesNotTouchIndex(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, q := range []string{"", "a", "?!"} {
		res, err := store.SearchMemories(ctx, 1, q, 3)
		if err != nil {
			t.Fatalf("search %q: %v", q, err)
		}
		if res != nil {
			t.Fatalf("expected nil for %q, got %v", q, res)
		}
	}
}

func TestDeleteMemory_RemovesFTSRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertMemory(ctx, 1, "", "remember the wifi password is hunter2", SectorSemantic)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.DeleteMemory(ctx, 1, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	found, err := store.SearchMemories(ctx, 1, "wifi", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("FTS row survived deletion: %+v", found)
	}
}

func TestDeleteMemory_ScopedToChat(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertMemory(ctx, 1, "", "a memory belonging to chat one", SectorEpisodic)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Another chat cannot delete it by guessing the id.
	if err := store.DeleteMemory(ctx, 2, id); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("cross-chat delete err = %v", err)
	}
	n, _ := store.CountMemories(ctx, 1)
	if n != 1 {
		t.Fatalf("memory count after cross-chat delete = %d", n)
	}

	if err := store.DeleteMemory(ctx, 1, id); err != nil {
		t.Fatalf("own delete: %v", err)
	}
	if err := store.DeleteMemory(ctx, 1, id); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("double delete err = %v", err)
	}
}

func TestInsertMemory_TruncatesContent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", 900)
	id, err := store.InsertMemory(ctx, 1, "", long, SectorEpisodic)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	var content string
	if err := store.DB().QueryRow(`SELECT content FROM memories WHERE id = ?`, id).Scan(&content); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(content) != MaxEpisodicLen {
		t.Fatalf("episodic length = %d", len(content))
	}

	id, err = store.InsertMemory(ctx, 1, "", long, SectorSemantic)
	if err != nil {
		t.Fatalf("insert semantic: %v", err)
	}
	if err := store.DB().QueryRow(`SELECT content FROM memories WHERE id = ?`, id).Scan(&content); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(content) != MaxSemanticLen {
		t.Fatalf("semantic length = %d", len(content))
	}
}

func TestTouchMemory_CapsAtMax(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertMemory(ctx, 1, "", "touch target memory", SectorEpisodic)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	// 60 touches of 0.1 from 1.0 would be 7.0 uncapped.
	for i := 0; i < 60; i++ {
		if err := store.TouchMemory(ctx, id, 0.1); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}
	var salience float64
	if err := store.DB().QueryRow(`SELECT salience FROM memories WHERE id = ?`, id).Scan(&salience); err != nil {
		t.Fatalf("read salience: %v", err)
	}
	if salience != MaxSalience {
		t.Fatalf("salience = %v, want %v", salience, MaxSalience)
	}
}

func backdateMemory(t *testing.T, store *Store, id int64, createdAgo, accessedAgo string) {
	t.Helper()
	_, err := store.DB().Exec(fmt.Sprintf(`
		UPDATE memories
		SET created_at = datetime('now', '-%s'), accessed_at = datetime('now', '-%s')
		WHERE id = ?`, createdAgo, accessedAgo), id)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestDecayMemories(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Fresh row: untouched by decay (created within 24 h).
	freshID, _ := store.InsertMemory(ctx, 1, "", "fresh memory row", SectorEpisodic)

	// Old, moderately stale: decays but survives. 0.98^30 ~ 0.545.
	decayID, _ := store.InsertMemory(ctx, 1, "", "stale but surviving row", SectorEpisodic)
	backdateMemory(t, store, decayID, "48 hours", "30 hours")

	// Old, very stale: 0.98^120 ~ 0.089 < 0.1, deleted.
	deadID, _ := store.InsertMemory(ctx, 1, "", "row past the threshold", SectorEpisodic)
	backdateMemory(t, store, deadID, "200 hours", "120 hours")

	decayed, deleted, err := store.DecayMemories(ctx)
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	if decayed != 1 || deleted != 1 {
		t.Fatalf("decayed=%d deleted=%d, want 1/1", decayed, deleted)
	}

	var salience float64
	if err := store.DB().QueryRow(`SELECT salience FROM memories WHERE id = ?`, freshID).Scan(&salience); err != nil {
		t.Fatalf("fresh row gone: %v", err)
	}
	if salience != DefaultSalience {
		t.Fatalf("fresh salience = %v", salience)
	}

	if err := store.DB().QueryRow(`SELECT salience FROM memories WHERE id = ?`, decayID).Scan(&salience); err != nil {
		t.Fatalf("decayed row gone: %v", err)
	}
	if salience >= DefaultSalience || salience < MinSalience {
		t.Fatalf("decayed salience = %v", salience)
	}

	var count int
	_ = store.DB().QueryRow(`SELECT COUNT(1) FROM memories WHERE id = ?`, deadID).Scan(&count)
	if count != 0 {
		t.Fatal("below-threshold row survived decay")
	}

	// Deleted row is gone from the index too.
	found, err := store.SearchMemories(ctx, 1, "threshold", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("deleted row still indexed: %+v", found)
	}
}

func TestDecayMemories_MonotoneAcrossSweeps(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.InsertMemory(ctx, 1, "", "monotone decay row", SectorEpisodic)
	backdateMemory(t, store, id, "48 hours", "26 hours")

	read := func() float64 {
		var s float64
		if err := store.DB().QueryRow(`SELECT salience FROM memories WHERE id = ?`, id).Scan(&s); err != nil {
			t.Fatalf("read salience: %v", err)
		}
		return s
	}

	prev := read()
	for i := 0; i < 3; i++ {
		if _, _, err := store.DecayMemories(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		cur := read()
		if cur > prev {
			t.Fatalf("salience increased across sweeps: %v -> %v", prev, cur)
		}
		prev = cur
	}
}

func TestPruneMemories(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var victim int64
	for i := 0; i < 12; i++ {
		id, err := store.InsertMemory(ctx, 1, "", fmt.Sprintf("memory row number %d", i), SectorEpisodic)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if i == 0 {
			victim = id
		}
	}
	// Make the first row clearly the least salient, oldest accessed.
	if _, err := store.DB().Exec(`
		UPDATE memories SET salience = 0.2, accessed_at = datetime('now', '-10 hours') WHERE id = ?`, victim); err != nil {
		t.Fatalf("downgrade victim: %v", err)
	}

	deleted, err := store.PruneMemories(ctx, 1, 10)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}
	var count int
	_ = store.DB().QueryRow(`SELECT COUNT(1) FROM memories WHERE id = ?`, victim).Scan(&count)
	if count != 0 {
		t.Fatal("least-salient row survived prune")
	}

	n, err := store.CountMemories(ctx, 1)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 10 {
		t.Fatalf("count after prune = %d", n)
	}
}
