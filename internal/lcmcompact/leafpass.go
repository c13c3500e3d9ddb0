package lcmcompact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jalehman/lcm-engine/internal/lcmstore"
	"github.com/jalehman/lcm-engine/internal/lcmtelemetry"
)

// compactLeafOnce performs at most one Pass 1 leaf pass: select the
// oldest contiguous run of raw-message items outside the fresh tail,
// summarize with escalation, and atomically splice the result into
// context_items. Returns ok=false when no eligible chunk exists.
func (e *Engine) compactLeafOnce(ctx context.Context, conversationID string, force bool) (CompactResult, bool, error) {
	start := time.Now()
	if e.tracer != nil {
		spanCtx, sp := lcmtelemetry.StartSpan(ctx, e.tracer, "lcmcompact.leaf_pass",
			lcmtelemetry.AttrConversationID.String(conversationID))
		defer sp.End()
		ctx = spanCtx
	}

	items, err := e.store.GetContextItems(ctx, conversationID)
	if err != nil {
		return CompactResult{}, false, fmt.Errorf("get context items: %w", err)
	}
	eligible := outsideFreshTail(items, e.config.FreshTailCount)

	runStart, runEnd := -1, -1
	runTokens := 0
	for i, it := range eligible {
		if it.ItemType != lcmstore.ItemTypeMessage {
			break
		}
		msg, err := e.store.GetMessageByID(ctx, *it.MessageID)
		if err != nil {
			return CompactResult{}, false, fmt.Errorf("get message: %w", err)
		}
		if runStart < 0 {
			runStart = i
		}
		if runTokens+msg.TokenCount > e.config.LeafChunkTokens && runEnd >= 0 {
			break
		}
		runEnd = i
		runTokens += msg.TokenCount
	}

	if runStart < 0 {
		return CompactResult{}, false, nil
	}

	minFanout := e.config.LeafMinFanout
	if force {
		minFanout = 2
	}
	fanout := runEnd - runStart + 1
	if fanout < minFanout {
		return CompactResult{}, false, nil
	}

	before, err := e.store.GetContextTokenCount(ctx, conversationID)
	if err != nil {
		return CompactResult{}, false, err
	}

	var texts []string
	var sourceMessageIDs []int64
	for i := runStart; i <= runEnd; i++ {
		msg, err := e.store.GetMessageByID(ctx, *items[i].MessageID)
		if err != nil {
			return CompactResult{}, false, fmt.Errorf("get message: %w", err)
		}
		texts = append(texts, msg.Content)
		sourceMessageIDs = append(sourceMessageIDs, msg.MessageID)
	}
	combined := strings.Join(texts, "\n")

	prevContent, err := previousSummaryContent(ctx, e.store, items, runStart)
	if err != nil {
		return CompactResult{}, false, err
	}

	summaryText, level, err := escalate(ctx, e.summarizer, combined, SummarizeOptions{
		IsCondensed:     false,
		PreviousSummary: prevContent,
	})
	if err != nil {
		return CompactResult{}, false, fmt.Errorf("escalate leaf summary: %w", err)
	}

	fileIDs := extractFileIDs(append(append([]string{}, texts...), summaryText)...)

	sum, err := e.store.InsertSummary(ctx, lcmstore.NewSummaryInput{
		ConversationID: conversationID,
		Kind:           lcmstore.SummaryKindLeaf,
		Depth:          0,
		Content:        summaryText,
		TokenCount:     lcmstore.EstimateTokens(summaryText),
		FileIDs:        fileIDs,
	})
	if err != nil {
		return CompactResult{}, false, fmt.Errorf("insert leaf summary: %w", err)
	}

	if err := e.store.LinkSummaryToMessages(ctx, sum.SummaryID, sourceMessageIDs); err != nil {
		return CompactResult{}, false, fmt.Errorf("link summary to messages: %w", err)
	}

	if err := e.store.ReplaceContextRangeWithSummary(ctx, lcmstore.ReplaceContextRangeWithSummaryInput{
		ConversationID: conversationID,
		StartOrdinal:   items[runStart].Ordinal,
		EndOrdinal:     items[runEnd].Ordinal,
		SummaryID:      sum.SummaryID,
	}); err != nil {
		return CompactResult{}, false, fmt.Errorf("splice leaf summary: %w", err)
	}

	after, err := e.store.GetContextTokenCount(ctx, conversationID)
	if err != nil {
		return CompactResult{}, false, err
	}

	e.emitCompactionEvent(ctx, conversationID, PassLeaf, level, before, after, sum.SummaryID, []string{sum.SummaryID}, false)
	e.recordPass(ctx, PassLeaf, level, before, after, 1, start)

	return CompactResult{
		ActionTaken:      true,
		Pass:             PassLeaf,
		Level:            level,
		TokensBefore:     before,
		TokensAfter:      after,
		CreatedSummaryID: sum.SummaryID,
	}, true, nil
}
