package lcmstore

import (
	"context"
	"testing"
)

func TestSearchMessages_FullTextRanksByRelevance(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, err := store.GetOrCreateConversation(ctx, "session-search")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	for i, content := range []string{
		"discussion about topic zero",
		"the quick brown fox jumps",
		"more discussion about topic and context engineering",
	} {
		if _, err := store.CreateMessage(ctx, NewMessageInput{
			ConversationID: conv.ConversationID, Seq: i + 1, Role: "user", Content: content, TokenCount: 5,
		}); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	hits, err := store.SearchMessages(ctx, SearchMessagesOptions{
		Query: "discussion topic", Mode: SearchModeFullText, ConversationID: conv.ConversationID,
	})
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len(hits) = %d, want 2", len(hits))
	}
	if hits[0].Snippet == "" {
		t.Error("expected non-empty snippet")
	}
}

func TestSearchMessages_RegexModeBoundedByLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, err := store.GetOrCreateConversation(ctx, "session-regex")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.CreateMessage(ctx, NewMessageInput{
			ConversationID: conv.ConversationID, Seq: i + 1, Role: "user", Content: "turn number 42 happened here", TokenCount: 5,
		}); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	hits, err := store.SearchMessages(ctx, SearchMessagesOptions{
		Query: `\d+`, Mode: SearchModeRegex, ConversationID: conv.ConversationID, Limit: 2,
	})
	if err != nil {
		t.Fatalf("SearchMessages regex: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len(hits) = %d, want 2 (bounded by limit)", len(hits))
	}
}

func TestSearchSummaries_FullText(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, err := store.GetOrCreateConversation(ctx, "session-sumsearch")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if _, err := store.InsertSummary(ctx, NewSummaryInput{
		ConversationID: conv.ConversationID, Kind: SummaryKindLeaf, Depth: 0,
		Content: "condensed discussion of the deployment plan", TokenCount: 6,
	}); err != nil {
		t.Fatalf("InsertSummary: %v", err)
	}

	hits, err := store.SearchSummaries(ctx, SearchSummariesOptions{
		Query: "deployment", Mode: SearchModeFullText, ConversationID: conv.ConversationID,
	})
	if err != nil {
		t.Fatalf("SearchSummaries: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("len(hits) = %d, want 1", len(hits))
	}
}
