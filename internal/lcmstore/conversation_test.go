package lcmstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestGetOrCreateConversation_IsIdempotentPerSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.GetOrCreateConversation(ctx, "session-a")
	if err != nil {
		t.Fatalf("first GetOrCreateConversation: %v", err)
	}
	second, err := store.GetOrCreateConversation(ctx, "session-a")
	if err != nil {
		t.Fatalf("second GetOrCreateConversation: %v", err)
	}
	if first.ConversationID != second.ConversationID {
		t.Errorf("got two different conversation IDs for the same session: %s vs %s", first.ConversationID, second.ConversationID)
	}
}

func TestCreateMessage_RejectsDuplicateSeq(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.GetOrCreateConversation(ctx, "session-dup")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	if _, err := store.CreateMessage(ctx, NewMessageInput{
		ConversationID: conv.ConversationID, Seq: 1, Role: "user", Content: "hello", TokenCount: 2,
	}); err != nil {
		t.Fatalf("first CreateMessage: %v", err)
	}

	_, err = store.CreateMessage(ctx, NewMessageInput{
		ConversationID: conv.ConversationID, Seq: 1, Role: "user", Content: "again", TokenCount: 2,
	})
	if !errors.Is(err, ErrDuplicateSeq) {
		t.Fatalf("CreateMessage duplicate seq error = %v, want ErrDuplicateSeq", err)
	}
}

func TestCreateMessageParts_AtomicWithMessage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.GetOrCreateConversation(ctx, "session-parts")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	var msg Message
	err = store.withTransaction(ctx, func(ctx context.Context, _ *sql.Tx) error {
		m, err := store.CreateMessage(ctx, NewMessageInput{
			ConversationID: conv.ConversationID, Seq: 1, Role: "assistant", Content: "result", TokenCount: 3,
		})
		if err != nil {
			return err
		}
		msg = m
		_, err = store.CreateMessageParts(ctx, m.MessageID, []NewPartInput{
			{SessionID: "session-parts", PartType: PartTypeText, TextContent: "result"},
			{SessionID: "session-parts", PartType: PartTypeTool, MetadataJSON: `{"name":"search"}`},
		})
		return err
	})
	if err != nil {
		t.Fatalf("withTransaction: %v", err)
	}

	parts, err := store.GetMessageParts(ctx, msg.MessageID)
	if err != nil {
		t.Fatalf("GetMessageParts: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("len(parts) = %d, want 2", len(parts))
	}
	if parts[0].Ordinal != 0 || parts[1].Ordinal != 1 {
		t.Errorf("parts not densely ordinal-numbered: %d, %d", parts[0].Ordinal, parts[1].Ordinal)
	}
}

func TestCreateMessageParts_RejectsInvalidToolMetadata(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.GetOrCreateConversation(ctx, "session-badpart")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	msg, err := store.CreateMessage(ctx, NewMessageInput{
		ConversationID: conv.ConversationID, Seq: 1, Role: "assistant", Content: "x", TokenCount: 1,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	_, err = store.CreateMessageParts(ctx, msg.MessageID, []NewPartInput{
		{SessionID: "session-badpart", PartType: PartTypeTool, MetadataJSON: `{"input":"no name field"}`},
	})
	if err == nil {
		t.Fatal("expected schema validation error for tool part missing required name field")
	}
}

func TestHasMessage_ReconciliationLookup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.GetOrCreateConversation(ctx, "session-recon")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if _, err := store.CreateMessage(ctx, NewMessageInput{
		ConversationID: conv.ConversationID, Seq: 1, Role: "user", Content: "Message 0", TokenCount: 3,
	}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	exists, err := store.HasMessage(ctx, conv.ConversationID, "user", "Message 0")
	if err != nil {
		t.Fatalf("HasMessage: %v", err)
	}
	if !exists {
		t.Error("HasMessage = false, want true")
	}

	missing, err := store.HasMessage(ctx, conv.ConversationID, "user", "Message 1")
	if err != nil {
		t.Fatalf("HasMessage: %v", err)
	}
	if missing {
		t.Error("HasMessage = true for a message never ingested")
	}
}
