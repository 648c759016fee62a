package persistence

import (
	"context"
	"testing"
)

func TestUpsertContact_IdentityByEmail(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertContact(ctx, Contact{ChatID: 1, Name: "Ada Lovelace", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Same email, different casing of the name: merges into the same row.
	second, err := store.UpsertContact(ctx, Contact{
		ChatID: 1, Name: "ada lovelace", Email: "ada@example.com", Company: "Analytical Engines",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second != first {
		t.Fatalf("ids differ: %d vs %d", first, second)
	}

	list, err := store.ListContacts(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("contacts = %+v", list)
	}
	c := list[0]
	if c.Company != "Analytical Engines" {
		t.Fatalf("company not merged: %q", c.Company)
	}
	if c.InteractionCount != 2 {
		t.Fatalf("interaction_count = %d", c.InteractionCount)
	}
}

func TestUpsertContact_IdentityByNameWithoutEmail(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertContact(ctx, Contact{ChatID: 1, Name: "Grace Hopper"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := store.UpsertContact(ctx, Contact{ChatID: 1, Name: "grace hopper", Phone: "555-0100"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second != first {
		t.Fatalf("ids differ: %d vs %d", first, second)
	}

	// A different chat gets its own row.
	other, err := store.UpsertContact(ctx, Contact{ChatID: 2, Name: "Grace Hopper"})
	if err != nil {
		t.Fatalf("insert other chat: %v", err)
	}
	if other == first {
		t.Fatal("contact leaked across chats")
	}

	if _, err := store.UpsertContact(ctx, Contact{ChatID: 1, Name: "   "}); err == nil {
		t.Fatal("blank name accepted")
	}
}

func TestSearchContacts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertContact(ctx, Contact{
		ChatID: 1, Name: "Linus", Email: "linus@kernel.example", Company: "Kernel Maintainers", Notes: "prefers plain text email",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	found, err := store.SearchContacts(ctx, 1, "kernel", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].Name != "Linus" {
		t.Fatalf("found = %+v", found)
	}

	if res, err := store.SearchContacts(ctx, 1, "", 5); err != nil || res != nil {
		t.Fatalf("empty query: %v, %v", res, err)
	}

	found, err = store.SearchContacts(ctx, 2, "kernel", 5)
	if err != nil {
		t.Fatalf("cross-chat search: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("cross-chat leak: %+v", found)
	}
}

func TestInteractions_CascadeOnContactDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.UpsertContact(ctx, Contact{ChatID: 1, Name: "Margaret"})
	if err != nil {
		t.Fatalf("insert contact: %v", err)
	}
	if _, err := store.AddInteraction(ctx, Interaction{ChatID: 1, ContactID: id, Type: "meeting", Summary: "launch review"}); err != nil {
		t.Fatalf("add interaction: %v", err)
	}
	if _, err := store.AddInteraction(ctx, Interaction{ChatID: 1, ContactID: id, Type: "bogus"}); err == nil {
		t.Fatal("invalid interaction type accepted")
	}

	got, err := store.ListInteractions(ctx, id, 10)
	if err != nil {
		t.Fatalf("list interactions: %v", err)
	}
	if len(got) != 1 || got[0].Summary != "launch review" {
		t.Fatalf("interactions = %+v", got)
	}

	if err := store.DeleteContact(ctx, 1, id); err != nil {
		t.Fatalf("delete contact: %v", err)
	}
	got, err = store.ListInteractions(ctx, id, 10)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("interactions survived cascade: %+v", got)
	}
}
