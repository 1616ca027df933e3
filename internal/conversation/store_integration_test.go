//go:build integration

package conversation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/vizier-ai/vizier/internal/conversation"
	"github.com/vizier-ai/vizier/internal/log"
	"github.com/vizier-ai/vizier/internal/testutil"
)

func TestStore_ConversationLifecycle(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := conversation.NewStore(db.Pool, log.NewNop())
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "user-1", map[string]any{"model": "gemini-2.5-flash"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.ID.String() == "" || !conv.IsActive {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	if err := store.UpdateTitle(ctx, conv.ID, "Volcano plot session"); err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "Volcano plot session" {
		t.Errorf("title = %q, want %q", got.Title, "Volcano plot session")
	}
	if got.Metadata["model"] != "gemini-2.5-flash" {
		t.Errorf("metadata not round-tripped: %+v", got.Metadata)
	}

	convs, err := store.ListConversations(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("expected 1 conversation, got %d", len(convs))
	}

	if err := store.Deactivate(ctx, conv.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	convs, err = store.ListConversations(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("ListConversations after deactivate: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("expected 0 active conversations, got %d", len(convs))
	}
}

// History must exclude incomplete rows and order by creation time, and the
// user row of a turn must sort before the assistant row.
func TestStore_HistoryExcludesIncomplete(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := conversation.NewStore(db.Pool, log.NewNop())
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	userMsg, err := store.CreateMessage(ctx, &conversation.Message{
		ConversationID: conv.ID,
		Role:           conversation.RoleUser,
		Content:        "create a volcano plot",
		IsComplete:     true,
	})
	if err != nil {
		t.Fatalf("CreateMessage(user): %v", err)
	}

	placeholder, err := store.CreateMessage(ctx, &conversation.Message{
		ConversationID: conv.ID,
		Role:           conversation.RoleAssistant,
		IsComplete:     false,
	})
	if err != nil {
		t.Fatalf("CreateMessage(placeholder): %v", err)
	}

	history, err := store.History(ctx, conv.ID, 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected only the complete user message, got %d rows", len(history))
	}
	if history[0].ID != userMsg.ID {
		t.Errorf("history[0] = %s, want user message %s", history[0].ID, userMsg.ID)
	}

	if err := store.CompleteMessage(ctx, placeholder.ID, "done", map[string]any{"retries": 0}); err != nil {
		t.Fatalf("CompleteMessage: %v", err)
	}

	history, err = store.History(ctx, conv.ID, 100)
	if err != nil {
		t.Fatalf("History after complete: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(history))
	}
	if history[0].Role != conversation.RoleUser || history[1].Role != conversation.RoleAssistant {
		t.Errorf("history order wrong: %s then %s", history[0].Role, history[1].Role)
	}
	if !history[0].CreatedAt.Before(history[1].CreatedAt) && !history[0].CreatedAt.Equal(history[1].CreatedAt) {
		t.Errorf("user created_at %v should be <= assistant created_at %v",
			history[0].CreatedAt, history[1].CreatedAt)
	}
}

// When a conversation outgrows the history limit, the window must hold the
// newest rows, oldest first; the earliest turns fall off instead of the
// latest.
func TestStore_HistoryKeepsNewestWhenOverLimit(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := conversation.NewStore(db.Pool, log.NewNop())
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	const total = 7
	for i := range total {
		if _, err := store.CreateMessage(ctx, &conversation.Message{
			ConversationID: conv.ID,
			Role:           conversation.RoleUser,
			Content:        fmt.Sprintf("turn %d", i),
			IsComplete:     true,
		}); err != nil {
			t.Fatalf("CreateMessage(%d): %v", i, err)
		}
	}

	const limit = 5
	history, err := store.History(ctx, conv.ID, limit)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != limit {
		t.Fatalf("expected %d rows, got %d", limit, len(history))
	}
	for i, m := range history {
		want := fmt.Sprintf("turn %d", total-limit+i)
		if m.Content != want {
			t.Errorf("history[%d] = %q, want %q", i, m.Content, want)
		}
	}
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt.Before(history[i-1].CreatedAt) {
			t.Errorf("history not in creation order at index %d", i)
		}
	}
}

// Concurrent completions of different rows in one conversation must not lose
// writes; last-write-wins on a single row is acceptable, silent loss is not.
func TestStore_ConcurrentTurnsDoNotCorrupt(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := conversation.NewStore(db.Pool, log.NewNop())
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	const turns = 8
	var wg sync.WaitGroup
	errs := make(chan error, turns*2)
	for range turns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.CreateMessage(ctx, &conversation.Message{
				ConversationID: conv.ID,
				Role:           conversation.RoleUser,
				Content:        "q",
				IsComplete:     true,
			}); err != nil {
				errs <- err
				return
			}
			m, err := store.CreateMessage(ctx, &conversation.Message{
				ConversationID: conv.ID,
				Role:           conversation.RoleAssistant,
				IsComplete:     false,
			})
			if err != nil {
				errs <- err
				return
			}
			errs <- store.CompleteMessage(ctx, m.ID, "a", nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent turn: %v", err)
		}
	}

	history, err := store.History(ctx, conv.ID, 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != turns*2 {
		t.Errorf("expected %d complete rows, got %d", turns*2, len(history))
	}
}
