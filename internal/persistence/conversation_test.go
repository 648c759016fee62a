package persistence

import (
	"context"
	"fmt"
	"testing"
)

func TestConversation_AppendAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendConversation(ctx, 1, "sess", RoleUser, "hello"); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if err := store.AppendConversation(ctx, 1, "sess", RoleAssistant, "hi there"); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if err := store.AppendConversation(ctx, 1, "", "system", "nope"); err == nil {
		t.Fatal("invalid role accepted")
	}

	recent, err := store.RecentConversation(ctx, 1, 20)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len = %d", len(recent))
	}
	// Newest first.
	if recent[0].Role != RoleAssistant || recent[1].Role != RoleUser {
		t.Fatalf("order = %s, %s", recent[0].Role, recent[1].Role)
	}
	if recent[0].SessionID != "sess" {
		t.Fatalf("session = %q", recent[0].SessionID)
	}
}

func TestPruneConversation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if err := store.AppendConversation(ctx, 1, "", RoleUser, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	deleted, err := store.PruneConversation(ctx, 1, 10)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 20 {
		t.Fatalf("deleted = %d", deleted)
	}
	recent, _ := store.RecentConversation(ctx, 1, 100)
	if len(recent) != 10 {
		t.Fatalf("remaining = %d", len(recent))
	}
	// The survivors are the newest rows.
	if recent[0].Content != "message 29" {
		t.Fatalf("newest survivor = %q", recent[0].Content)
	}

	ids, err := store.ConversationChatIDs(ctx)
	if err != nil {
		t.Fatalf("chat ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("chat ids = %v", ids)
	}
}
