// Package lcmassemble implements the ContextAssembler: given a
// conversation and a token budget, it produces an ordered transcript of
// raw messages and rehydrated summary blocks, preserving a fresh tail and
// degrading to pass-through on any internal error.
//
// Grounded on internal/memory/window.go's BuildWindow (budget math,
// oldest-first walk, reserved tokens), generalized from a flat message
// list to spec.md §4.3's interleaved message/summary context-item
// sequence with a protected fresh tail and part rehydration.
package lcmassemble

import (
	"context"
	"fmt"
	"strings"

	"github.com/jalehman/lcm-engine/internal/lcmstore"
)

// AssembledMessage is one output transcript entry.
type AssembledMessage struct {
	Role       string
	Content    string
	TokenCount int
	// SummaryID is set when this message was synthesized from a summary
	// context item (content begins with "[Summary ID: <id>]").
	SummaryID string
	// ToolCallID is set on tool-role messages: the tool_call_id this
	// result resolves.
	ToolCallID string
	// ToolCallIDs is set on assistant-role messages that issue tool
	// calls with no attached result in the same message; repairInvariants
	// consumes these to find calls needing a synthetic result.
	ToolCallIDs []string
}

// Stats mirrors spec.md §4.3's {raw_message_count, summary_count,
// total_context_items}.
type Stats struct {
	RawMessageCount   int
	SummaryCount      int
	TotalContextItems int
}

// AssembleInput is the argument to Assemble.
type AssembleInput struct {
	ConversationID  string
	TokenBudget     int
	FreshTailCount  int // defaults to 0 when unset
}

// Result is the output of Assemble.
type Result struct {
	Messages        []AssembledMessage
	EstimatedTokens int
	Stats           Stats
}

// Assembler is the ContextAssembler component.
type Assembler struct {
	store *lcmstore.Store
}

// New constructs an Assembler over a store.
func New(store *lcmstore.Store) *Assembler {
	return &Assembler{store: store}
}

type workItem struct {
	item       lcmstore.ContextItem
	message    AssembledMessage
	isTail     bool
	tokenCount int
}

// Assemble implements spec.md §4.3's algorithm. On any internal error it
// falls back to returning passthrough unchanged with EstimatedTokens=0 —
// callers treat this as pass-through, never a hard failure.
func (a *Assembler) Assemble(ctx context.Context, in AssembleInput, passthrough []AssembledMessage) Result {
	result, err := a.assemble(ctx, in)
	if err != nil {
		return Result{Messages: passthrough, EstimatedTokens: 0}
	}
	return result
}

func (a *Assembler) assemble(ctx context.Context, in AssembleInput) (Result, error) {
	items, err := a.store.GetContextItems(ctx, in.ConversationID)
	if err != nil {
		return Result{}, fmt.Errorf("get context items: %w", err)
	}

	stats := Stats{TotalContextItems: len(items)}
	work := make([]workItem, 0, len(items))

	// Reserve the fresh tail: the trailing FreshTailCount message items
	// (and anything interleaved at the very tail). Walk backward from the
	// end counting message items until FreshTailCount is reached.
	tailStart := len(items)
	messagesSeen := 0
	for i := len(items) - 1; i >= 0; i-- {
		if messagesSeen >= in.FreshTailCount {
			break
		}
		tailStart = i
		if items[i].ItemType == lcmstore.ItemTypeMessage {
			messagesSeen++
		}
	}

	for i, item := range items {
		am, err := a.hydrate(ctx, item)
		if err != nil {
			return Result{}, err
		}
		if item.ItemType == lcmstore.ItemTypeMessage {
			stats.RawMessageCount++
		} else {
			stats.SummaryCount++
		}
		work = append(work, workItem{
			item: item, message: am, isTail: i >= tailStart, tokenCount: am.TokenCount,
		})
	}

	work = repairInvariants(work)

	selected := selectWithinBudget(work, in.TokenBudget)

	out := make([]AssembledMessage, 0, len(selected))
	estimated := 0
	for _, w := range selected {
		out = append(out, w.message)
		estimated += w.tokenCount
	}

	return Result{Messages: out, EstimatedTokens: estimated, Stats: stats}, nil
}

func (a *Assembler) hydrate(ctx context.Context, item lcmstore.ContextItem) (AssembledMessage, error) {
	switch item.ItemType {
	case lcmstore.ItemTypeMessage:
		if item.MessageID == nil {
			return AssembledMessage{}, fmt.Errorf("%w: message item with no message_id", lcmstore.ErrInvariantViolation)
		}
		msg, err := a.store.GetMessageByID(ctx, *item.MessageID)
		if err != nil {
			return AssembledMessage{}, fmt.Errorf("get message %d: %w", *item.MessageID, err)
		}
		parts, err := a.store.GetMessageParts(ctx, msg.MessageID)
		if err != nil {
			return AssembledMessage{}, fmt.Errorf("get message parts %d: %w", msg.MessageID, err)
		}

		role := msg.Role
		resolvedCallID := firstToolCallID(parts)
		if role == "tool" && resolvedCallID == "" {
			// Legacy rows with role=tool but no tool_call_id part degrade
			// to assistant, preserving text (spec.md §4.3 point 5).
			role = "assistant"
		}

		am := AssembledMessage{Role: role, Content: msg.Content, TokenCount: msg.TokenCount}
		switch role {
		case "tool":
			am.ToolCallID = resolvedCallID
		case "assistant":
			am.ToolCallIDs = pendingToolCallIDs(parts)
		}

		// Parts are rehydrated into structured content blocks where
		// structure is material (tool calls, tool results, patches,
		// files); text-only messages keep the plain stored content
		// (spec.md §4.3 point 3).
		if content, ok := rehydrateStructuredContent(parts); ok {
			am.Content = content
		}
		return am, nil

	case lcmstore.ItemTypeSummary:
		if item.SummaryID == nil {
			return AssembledMessage{}, fmt.Errorf("%w: summary item with no summary_id", lcmstore.ErrInvariantViolation)
		}
		sum, err := a.store.GetSummary(ctx, *item.SummaryID)
		if err != nil {
			return AssembledMessage{}, fmt.Errorf("get summary %s: %w", *item.SummaryID, err)
		}
		content := fmt.Sprintf("[Summary ID: %s] %s", sum.SummaryID, sum.Content)
		return AssembledMessage{Role: "user", Content: content, TokenCount: sum.TokenCount, SummaryID: sum.SummaryID}, nil

	default:
		return AssembledMessage{}, fmt.Errorf("%w: unknown item_type %q", lcmstore.ErrInvariantViolation, item.ItemType)
	}
}

// firstToolCallID returns the first non-empty tool_call_id among parts,
// the identifier a tool-role message resolves (or an assistant message's
// pending call, via pendingToolCallIDs).
func firstToolCallID(parts []lcmstore.MessagePart) string {
	for _, p := range parts {
		if p.ToolCallID != "" {
			return p.ToolCallID
		}
	}
	return ""
}

// pendingToolCallIDs returns the tool_call_ids an assistant message
// issues without an attached result in the same message (a tool part
// with no tool_output yet).
func pendingToolCallIDs(parts []lcmstore.MessagePart) []string {
	var ids []string
	for _, p := range parts {
		if p.PartType == lcmstore.PartTypeTool && p.ToolCallID != "" && p.ToolOutput == "" {
			ids = append(ids, p.ToolCallID)
		}
	}
	return ids
}

// rehydrateStructuredContent rebuilds a message's content from its parts
// when any part carries material structure (tool calls, tool results,
// patches, files). Returns ok=false when no such part exists, so the
// caller keeps the plain stored content.
func rehydrateStructuredContent(parts []lcmstore.MessagePart) (string, bool) {
	hasStructure := false
	for _, p := range parts {
		switch p.PartType {
		case lcmstore.PartTypeTool, lcmstore.PartTypePatch, lcmstore.PartTypeFile:
			hasStructure = true
		}
	}
	if !hasStructure {
		return "", false
	}

	var blocks []string
	for _, p := range parts {
		switch p.PartType {
		case lcmstore.PartTypeText, lcmstore.PartTypeReasoning:
			if p.TextContent != "" {
				blocks = append(blocks, p.TextContent)
			}
		case lcmstore.PartTypeTool:
			blocks = append(blocks, renderToolPart(p))
		case lcmstore.PartTypePatch:
			blocks = append(blocks, fmt.Sprintf("[Patch]\n%s", p.TextContent))
		case lcmstore.PartTypeFile:
			blocks = append(blocks, fmt.Sprintf("[File]\n%s", p.TextContent))
		}
	}
	return strings.Join(blocks, "\n"), true
}

func renderToolPart(p lcmstore.MessagePart) string {
	if p.ToolOutput != "" {
		return fmt.Sprintf("[Tool Result: %s | tool_call_id=%s]\n%s", p.ToolName, p.ToolCallID, p.ToolOutput)
	}
	return fmt.Sprintf("[Tool Call: %s | tool_call_id=%s]\n%s", p.ToolName, p.ToolCallID, p.ToolInput)
}

// syntheticToolResult builds the empty tool-result workItem attached for
// an assistant tool call with no subsequent result (spec.md §4.3 point 4).
func syntheticToolResult(callID string, tail bool) workItem {
	content := fmt.Sprintf("[Tool Result: tool_call_id=%s]\n", callID)
	am := AssembledMessage{Role: "tool", Content: content, TokenCount: lcmstore.EstimateTokens(content), ToolCallID: callID}
	return workItem{message: am, isTail: tail, tokenCount: am.TokenCount}
}

// repairInvariants drops orphan tool-result messages (no matching tool
// call anywhere in the output) and attaches a synthetic empty tool result
// to assistant tool calls that never got one (spec.md §4.3 point 4).
func repairInvariants(work []workItem) []workItem {
	// Pass 1: drop orphans, recording which tool_call_ids are resolved by
	// a real tool-result message somewhere in the output.
	consumed := make(map[string]bool)
	sawAssistant := false
	filtered := make([]workItem, 0, len(work))
	for _, w := range work {
		if w.message.Role == "assistant" {
			sawAssistant = true
		}
		if w.message.Role == "tool" {
			if w.message.ToolCallID != "" {
				if consumed[w.message.ToolCallID] {
					continue // duplicate result for an already-resolved call, drop
				}
				consumed[w.message.ToolCallID] = true
			} else if !sawAssistant {
				continue // orphan tool result, drop
			}
		}
		filtered = append(filtered, w)
	}

	// Pass 2: attach a synthetic empty tool result immediately after any
	// assistant message whose issued call was never consumed above.
	out := make([]workItem, 0, len(filtered))
	for _, w := range filtered {
		out = append(out, w)
		if w.message.Role != "assistant" {
			continue
		}
		for _, callID := range w.message.ToolCallIDs {
			if consumed[callID] {
				continue
			}
			consumed[callID] = true
			out = append(out, syntheticToolResult(callID, w.isTail))
		}
	}
	return out
}

// selectWithinBudget performs greedy, oldest-first eviction of non-tail
// items until the remaining total fits the budget. The fresh tail is
// never evicted, even if it alone exceeds the budget.
func selectWithinBudget(work []workItem, budget int) []workItem {
	if budget <= 0 {
		return work
	}

	total := 0
	for _, w := range work {
		total += w.tokenCount
	}
	if total <= budget {
		return work
	}

	// Evict oldest non-tail items first.
	kept := make([]bool, len(work))
	for i := range kept {
		kept[i] = true
	}
	for i := 0; i < len(work) && total > budget; i++ {
		if work[i].isTail {
			continue
		}
		kept[i] = false
		total -= work[i].tokenCount
	}

	out := make([]workItem, 0, len(work))
	for i, k := range kept {
		if k {
			out = append(out, work[i])
		}
	}
	return out
}
