package lcmstore

import (
	"context"
	"testing"
)

func seedMessages(t *testing.T, store *Store, conversationID string, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, n)
	for i := 1; i <= n; i++ {
		m, err := store.CreateMessage(ctx, NewMessageInput{
			ConversationID: conversationID, Seq: i, Role: "user", Content: "msg", TokenCount: 1,
		})
		if err != nil {
			t.Fatalf("CreateMessage %d: %v", i, err)
		}
		ids = append(ids, m.MessageID)
	}
	if err := store.AppendContextMessages(ctx, conversationID, ids); err != nil {
		t.Fatalf("AppendContextMessages: %v", err)
	}
	return ids
}

func TestReplaceContextRangeWithSummary_KeepsOrdinalsDense(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, err := store.GetOrCreateConversation(ctx, "session-range")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	seedMessages(t, store, conv.ConversationID, 10)

	sum, err := store.InsertSummary(ctx, NewSummaryInput{
		ConversationID: conv.ConversationID, Kind: SummaryKindLeaf, Depth: 0, Content: "condensed", TokenCount: 5,
	})
	if err != nil {
		t.Fatalf("InsertSummary: %v", err)
	}

	if err := store.ReplaceContextRangeWithSummary(ctx, ReplaceContextRangeWithSummaryInput{
		ConversationID: conv.ConversationID, StartOrdinal: 2, EndOrdinal: 5, SummaryID: sum.SummaryID,
	}); err != nil {
		t.Fatalf("ReplaceContextRangeWithSummary: %v", err)
	}

	items, err := store.GetContextItems(ctx, conv.ConversationID)
	if err != nil {
		t.Fatalf("GetContextItems: %v", err)
	}
	if len(items) != 7 { // 10 - 4 + 1
		t.Fatalf("len(items) = %d, want 7", len(items))
	}
	for i, item := range items {
		if item.Ordinal != i {
			t.Errorf("items[%d].Ordinal = %d, want %d (not dense)", i, item.Ordinal, i)
		}
	}
	if items[2].ItemType != ItemTypeSummary || items[2].SummaryID == nil || *items[2].SummaryID != sum.SummaryID {
		t.Errorf("items[2] is not the inserted summary: %+v", items[2])
	}
	if items[3].ItemType != ItemTypeMessage {
		t.Errorf("items[3].ItemType = %s, want message", items[3].ItemType)
	}
}

func TestGetContextTokenCount_SumsMessagesAndSummaries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, err := store.GetOrCreateConversation(ctx, "session-tokens")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	ids := seedMessages(t, store, conv.ConversationID, 3) // 1 token each = 3
	_ = ids

	sum, err := store.InsertSummary(ctx, NewSummaryInput{
		ConversationID: conv.ConversationID, Kind: SummaryKindLeaf, Depth: 0, Content: "s", TokenCount: 7,
	})
	if err != nil {
		t.Fatalf("InsertSummary: %v", err)
	}
	if err := store.AppendContextSummary(ctx, conv.ConversationID, sum.SummaryID); err != nil {
		t.Fatalf("AppendContextSummary: %v", err)
	}

	total, err := store.GetContextTokenCount(ctx, conv.ConversationID)
	if err != nil {
		t.Fatalf("GetContextTokenCount: %v", err)
	}
	if total != 10 {
		t.Errorf("total = %d, want 10", total)
	}
}
