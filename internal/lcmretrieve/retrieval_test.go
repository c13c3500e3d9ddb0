package lcmretrieve

import (
	"context"
	"testing"

	"github.com/jalehman/lcm-engine/internal/lcmstore"
)

func openTestStore(t *testing.T) *lcmstore.Store {
	t.Helper()
	store, err := lcmstore.Open(t.TempDir()+"/lcm.db", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDescribe_ResolvesSummaryFileAndNone(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "session-describe")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	sum, err := store.InsertSummary(ctx, lcmstore.NewSummaryInput{
		ConversationID: conv.ConversationID, Kind: lcmstore.SummaryKindLeaf, Depth: 0,
		Content: "a summary", TokenCount: 3,
	})
	if err != nil {
		t.Fatalf("InsertSummary: %v", err)
	}
	file, err := store.InsertLargeFile(ctx, lcmstore.NewLargeFileInput{
		ConversationID: conv.ConversationID, FileName: "dump.json", MimeType: "application/json",
		ByteSize: 1000, StorageURI: "/tmp/dump.json",
	})
	if err != nil {
		t.Fatalf("InsertLargeFile: %v", err)
	}

	e := New(store)

	got, err := e.Describe(ctx, sum.SummaryID)
	if err != nil {
		t.Fatalf("Describe(summary): %v", err)
	}
	if got.Type != DescribeTypeSummary || got.Summary == nil {
		t.Fatalf("expected summary type, got %+v", got)
	}

	got, err = e.Describe(ctx, file.FileID)
	if err != nil {
		t.Fatalf("Describe(file): %v", err)
	}
	if got.Type != DescribeTypeFile || got.File == nil {
		t.Fatalf("expected file type, got %+v", got)
	}

	got, err = e.Describe(ctx, "sum_nonexistent00000")
	if err != nil {
		t.Fatalf("Describe(none): %v", err)
	}
	if got.Type != DescribeTypeNone {
		t.Fatalf("expected none type, got %+v", got)
	}
}

func TestGrep_FullTextScopeBoth(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "session-grep")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	msg, err := store.CreateMessage(ctx, lcmstore.NewMessageInput{
		ConversationID: conv.ConversationID, Seq: 0, Role: "user",
		Content: "discuss the rocket launch schedule", TokenCount: 6,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if err := store.AppendContextMessage(ctx, conv.ConversationID, msg.MessageID); err != nil {
		t.Fatalf("AppendContextMessage: %v", err)
	}
	if _, err := store.InsertSummary(ctx, lcmstore.NewSummaryInput{
		ConversationID: conv.ConversationID, Kind: lcmstore.SummaryKindLeaf, Depth: 0,
		Content: "earlier rocket telemetry discussion", TokenCount: 5,
	}); err != nil {
		t.Fatalf("InsertSummary: %v", err)
	}

	e := New(store)
	result, err := e.Grep(ctx, GrepInput{Query: "rocket", Mode: lcmstore.SearchModeFullText, Scope: ScopeBoth})
	if err != nil {
		t.Fatalf("Grep: %v", err)
	}
	if result.TotalMatches != 2 {
		t.Fatalf("expected 2 total matches, got %d (messages=%d summaries=%d)", result.TotalMatches, len(result.Messages), len(result.Summaries))
	}
}

func TestExpand_BFSBoundedByTokenCapAndCycleSafe(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "session-expand")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	leaf1, err := store.InsertSummary(ctx, lcmstore.NewSummaryInput{
		ConversationID: conv.ConversationID, Kind: lcmstore.SummaryKindLeaf, Depth: 0,
		Content: "leaf one", TokenCount: 2,
	})
	if err != nil {
		t.Fatalf("InsertSummary leaf1: %v", err)
	}
	leaf2, err := store.InsertSummary(ctx, lcmstore.NewSummaryInput{
		ConversationID: conv.ConversationID, Kind: lcmstore.SummaryKindLeaf, Depth: 0,
		Content: "leaf two", TokenCount: 2,
	})
	if err != nil {
		t.Fatalf("InsertSummary leaf2: %v", err)
	}
	condensed, err := store.InsertSummary(ctx, lcmstore.NewSummaryInput{
		ConversationID: conv.ConversationID, Kind: lcmstore.SummaryKindCondensed, Depth: 1,
		Content: "condensed of leaf one and two", TokenCount: 3,
	})
	if err != nil {
		t.Fatalf("InsertSummary condensed: %v", err)
	}
	if err := store.LinkSummaryToParents(ctx, condensed.SummaryID, []string{leaf1.SummaryID, leaf2.SummaryID}); err != nil {
		t.Fatalf("LinkSummaryToParents: %v", err)
	}

	e := New(store)

	result, err := e.Expand(ctx, ExpandInput{SummaryID: condensed.SummaryID, Depth: 1, TokenCap: 1000})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(result.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(result.Children))
	}
	if result.Truncated {
		t.Errorf("did not expect truncation with generous cap")
	}

	seen := map[string]int{}
	for _, c := range result.Children {
		seen[c.SummaryID]++
	}
	for id, count := range seen {
		if count > 1 {
			t.Errorf("summary %s emitted %d times, want at most once", id, count)
		}
	}

	tight, err := e.Expand(ctx, ExpandInput{SummaryID: condensed.SummaryID, Depth: 1, TokenCap: 2})
	if err != nil {
		t.Fatalf("Expand (tight cap): %v", err)
	}
	if !tight.Truncated {
		t.Errorf("expected truncated=true under a tight cap")
	}
	if tight.EstimatedTokens > 2 {
		t.Errorf("EstimatedTokens = %d, exceeds cap 2", tight.EstimatedTokens)
	}
}
