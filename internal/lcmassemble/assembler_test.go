package lcmassemble

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

func ingest(t *testing.T, ctx context.Context, store *lcmstore.Store, conversationID, role, content string, seq int) int64 {
	t.Helper()
	msg, err := store.CreateMessage(ctx, lcmstore.NewMessageInput{
		ConversationID: conversationID,
		Seq:            seq,
		Role:           role,
		Content:        content,
		TokenCount:     lcmstore.EstimateTokens(content),
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if err := store.AppendContextMessage(ctx, conversationID, msg.MessageID); err != nil {
		t.Fatalf("AppendContextMessage: %v", err)
	}
	return msg.MessageID
}

// TestAssemble_PassesThroughShortConversation mirrors spec.md §8 scenario
// 1: five alternating "Message 0".."Message 4" turns with a generous
// budget round-trip unchanged, in order.
func TestAssemble_PassesThroughShortConversation(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	roles := []string{"user", "assistant", "user", "assistant", "user"}
	for i := 0; i < 5; i++ {
		ingest(t, ctx, store, conv.ConversationID, roles[i], messageText(i), i)
	}

	a := New(store)
	result := a.Assemble(ctx, AssembleInput{
		ConversationID: conv.ConversationID,
		TokenBudget:    100000,
	}, nil)

	if len(result.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(result.Messages))
	}
	for i, m := range result.Messages {
		if m.Content != messageText(i) {
			t.Errorf("message %d: got %q, want %q", i, m.Content, messageText(i))
		}
	}
	if result.Stats.RawMessageCount != 5 {
		t.Errorf("RawMessageCount = %d, want 5", result.Stats.RawMessageCount)
	}
}

func messageText(i int) string {
	return "Message " + string(rune('0'+i))
}

// TestAssemble_FreshTailNeverEvicted mirrors spec.md §8 scenario 2: three
// large ~200-token messages with fresh_tail_count=8 and a small budget —
// the fresh tail survives even when it alone exceeds the budget.
func TestAssemble_FreshTailNeverEvicted(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "session-2")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	big := make([]byte, 800)
	for i := range big {
		big[i] = 'y'
	}
	for i := 0; i < 3; i++ {
		ingest(t, ctx, store, conv.ConversationID, "user", "M"+string(rune('0'+i))+" "+string(big), i)
	}

	a := New(store)
	result := a.Assemble(ctx, AssembleInput{
		ConversationID: conv.ConversationID,
		TokenBudget:    10,
		FreshTailCount: 8,
	}, nil)

	if len(result.Messages) != 3 {
		t.Fatalf("expected all 3 messages kept as fresh tail, got %d", len(result.Messages))
	}
}

// TestAssemble_SummaryItemsRenderWithPrefix verifies summary context items
// render as synthetic user-role messages prefixed with their summary ID.
func TestAssemble_SummaryItemsRenderWithPrefix(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "session-3")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	sum, err := store.InsertSummary(ctx, lcmstore.NewSummaryInput{
		ConversationID: conv.ConversationID,
		Kind:           lcmstore.SummaryKindLeaf,
		Depth:          0,
		Content:        "discussed the weather",
		TokenCount:     5,
	})
	if err != nil {
		t.Fatalf("InsertSummary: %v", err)
	}
	if err := store.AppendContextSummary(ctx, conv.ConversationID, sum.SummaryID); err != nil {
		t.Fatalf("AppendContextSummary: %v", err)
	}

	a := New(store)
	result := a.Assemble(ctx, AssembleInput{ConversationID: conv.ConversationID, TokenBudget: 10000}, nil)

	if len(result.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result.Messages))
	}
	want := "[Summary ID: " + sum.SummaryID + "] discussed the weather"
	if result.Messages[0].Content != want {
		t.Errorf("content = %q, want %q", result.Messages[0].Content, want)
	}
	if result.Messages[0].SummaryID != sum.SummaryID {
		t.Errorf("SummaryID = %q, want %q", result.Messages[0].SummaryID, sum.SummaryID)
	}
}

// TestAssemble_DropsOrphanToolResult verifies a "tool" role message with
// no preceding assistant turn in context is dropped rather than emitted
// dangling.
func TestAssemble_DropsOrphanToolResult(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "session-4")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	ingest(t, ctx, store, conv.ConversationID, "tool", "orphan result", 0)
	ingest(t, ctx, store, conv.ConversationID, "user", "hello", 1)

	a := New(store)
	result := a.Assemble(ctx, AssembleInput{ConversationID: conv.ConversationID, TokenBudget: 10000}, nil)

	if len(result.Messages) != 1 {
		t.Fatalf("expected orphan tool result dropped, got %d messages", len(result.Messages))
	}
	if result.Messages[0].Content != "hello" {
		t.Errorf("unexpected surviving message: %q", result.Messages[0].Content)
	}
}

// TestAssemble_RehydratesToolPartsIntoStructuredBlocks verifies spec.md
// §4.3 point 3: a message carrying tool/patch/file parts is rendered as
// structured content blocks rather than its flat stored string.
func TestAssemble_RehydratesToolPartsIntoStructuredBlocks(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "session-6")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	callMsgID := ingest(t, ctx, store, conv.ConversationID, "assistant", "let me check that", 0)
	if _, err := store.CreateMessageParts(ctx, callMsgID, []lcmstore.NewPartInput{
		{SessionID: conv.ConversationID, PartType: lcmstore.PartTypeTool,
			ToolCallID: "call_1", ToolName: "search", ToolInput: `{"q":"weather"}`,
			MetadataJSON: `{"name":"search","input":{"q":"weather"}}`},
	}); err != nil {
		t.Fatalf("CreateMessageParts (tool call): %v", err)
	}

	resultMsgID := ingest(t, ctx, store, conv.ConversationID, "tool", "raw tool text", 1)
	if _, err := store.CreateMessageParts(ctx, resultMsgID, []lcmstore.NewPartInput{
		{SessionID: conv.ConversationID, PartType: lcmstore.PartTypeTool,
			ToolCallID: "call_1", ToolName: "search", ToolOutput: "sunny, 72F",
			MetadataJSON: `{"name":"search","output":"sunny, 72F"}`},
	}); err != nil {
		t.Fatalf("CreateMessageParts (tool result): %v", err)
	}

	patchMsgID := ingest(t, ctx, store, conv.ConversationID, "assistant", "applying a patch", 2)
	if _, err := store.CreateMessageParts(ctx, patchMsgID, []lcmstore.NewPartInput{
		{SessionID: conv.ConversationID, PartType: lcmstore.PartTypePatch,
			TextContent: "--- a/x\n+++ b/x\n", MetadataJSON: `{"path":"x","op":"modify"}`},
	}); err != nil {
		t.Fatalf("CreateMessageParts (patch): %v", err)
	}

	fileMsgID := ingest(t, ctx, store, conv.ConversationID, "user", "see attached", 3)
	if _, err := store.CreateMessageParts(ctx, fileMsgID, []lcmstore.NewPartInput{
		{SessionID: conv.ConversationID, PartType: lcmstore.PartTypeFile,
			TextContent: "[LCM File: file_abc | notes.txt | text/plain | 100 bytes]",
			MetadataJSON: `{"file_id":"file_abc","name":"notes.txt"}`},
	}); err != nil {
		t.Fatalf("CreateMessageParts (file): %v", err)
	}

	a := New(store)
	result := a.Assemble(ctx, AssembleInput{ConversationID: conv.ConversationID, TokenBudget: 100000}, nil)

	if len(result.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(result.Messages), result.Messages)
	}
	if result.Messages[0].Content == "let me check that" {
		t.Errorf("assistant tool-call message not rehydrated: %q", result.Messages[0].Content)
	}
	if want := "[Tool Call: search | tool_call_id=call_1]\n{\"q\":\"weather\"}"; result.Messages[0].Content != want {
		t.Errorf("tool call content = %q, want %q", result.Messages[0].Content, want)
	}
	if want := "[Tool Result: search | tool_call_id=call_1]\nsunny, 72F"; result.Messages[1].Content != want {
		t.Errorf("tool result content = %q, want %q", result.Messages[1].Content, want)
	}
	if result.Messages[1].ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want call_1", result.Messages[1].ToolCallID)
	}
	if want := "[Patch]\n--- a/x\n+++ b/x\n"; result.Messages[2].Content != want {
		t.Errorf("patch content = %q, want %q", result.Messages[2].Content, want)
	}
	if want := "[File]\n[LCM File: file_abc | notes.txt | text/plain | 100 bytes]"; result.Messages[3].Content != want {
		t.Errorf("file content = %q, want %q", result.Messages[3].Content, want)
	}
}

// TestAssemble_AttachesSyntheticToolResultForUnansweredCall verifies
// spec.md §4.3 point 4: an assistant tool call with no subsequent tool
// result gets a synthetic empty one attached, referencing the same
// tool_call_id.
func TestAssemble_AttachesSyntheticToolResultForUnansweredCall(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "session-7")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	callMsgID := ingest(t, ctx, store, conv.ConversationID, "assistant", "calling a tool", 0)
	if _, err := store.CreateMessageParts(ctx, callMsgID, []lcmstore.NewPartInput{
		{SessionID: conv.ConversationID, PartType: lcmstore.PartTypeTool,
			ToolCallID: "call_orphaned", ToolName: "search", ToolInput: "{}",
			MetadataJSON: `{"name":"search","input":{}}`},
	}); err != nil {
		t.Fatalf("CreateMessageParts: %v", err)
	}
	ingest(t, ctx, store, conv.ConversationID, "user", "thanks", 1)

	a := New(store)
	result := a.Assemble(ctx, AssembleInput{ConversationID: conv.ConversationID, TokenBudget: 100000}, nil)

	if len(result.Messages) != 3 {
		t.Fatalf("expected 3 messages (call, synthetic result, user), got %d: %+v", len(result.Messages), result.Messages)
	}
	synthetic := result.Messages[1]
	if synthetic.Role != "tool" {
		t.Errorf("synthetic message role = %q, want tool", synthetic.Role)
	}
	if synthetic.ToolCallID != "call_orphaned" {
		t.Errorf("synthetic ToolCallID = %q, want call_orphaned", synthetic.ToolCallID)
	}
	if result.Messages[2].Content != "thanks" {
		t.Errorf("final message = %q, want thanks", result.Messages[2].Content)
	}
}

// TestAssemble_FallsBackOnInvariantViolation verifies that a context item
// referencing a nonexistent summary ID triggers pass-through rather than
// a propagated error.
func TestAssemble_FallsBackOnInvariantViolation(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "session-5")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if err := store.AppendContextSummary(ctx, conv.ConversationID, "sum_doesnotexist0000"); err != nil {
		t.Fatalf("AppendContextSummary: %v", err)
	}

	a := New(store)
	passthrough := []AssembledMessage{{Role: "user", Content: "fallback"}}
	result := a.Assemble(ctx, AssembleInput{ConversationID: conv.ConversationID, TokenBudget: 10000}, passthrough)

	if result.EstimatedTokens != 0 {
		t.Errorf("EstimatedTokens = %d, want 0 on fallback", result.EstimatedTokens)
	}
	if len(result.Messages) != 1 || result.Messages[0].Content != "fallback" {
		t.Fatalf("expected passthrough messages, got %+v", result.Messages)
	}
}
