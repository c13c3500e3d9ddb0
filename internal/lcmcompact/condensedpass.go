package lcmcompact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jalehman/lcm-engine/internal/lcmstore"
	"github.com/jalehman/lcm-engine/internal/lcmtelemetry"
)

// compactCondensedOnce performs at most one Pass 2 condensed pass:
// walk depths in increasing order, find the oldest contiguous run of
// summary items at that depth outside the fresh tail, and if it meets
// fanout/token thresholds, condense it one depth higher. Returns
// ok=false when no eligible run exists at any depth.
func (e *Engine) compactCondensedOnce(ctx context.Context, conversationID string, force bool) (CompactResult, bool, error) {
	start := time.Now()
	if e.tracer != nil {
		spanCtx, sp := lcmtelemetry.StartSpan(ctx, e.tracer, "lcmcompact.condensed_pass",
			lcmtelemetry.AttrConversationID.String(conversationID))
		defer sp.End()
		ctx = spanCtx
	}

	items, err := e.store.GetContextItems(ctx, conversationID)
	if err != nil {
		return CompactResult{}, false, fmt.Errorf("get context items: %w", err)
	}
	eligible := outsideFreshTail(items, e.config.FreshTailCount)

	depths, err := e.store.GetDistinctDepthsInContext(ctx, conversationID, lcmstore.GetDistinctDepthsInContextOptions{})
	if err != nil {
		return CompactResult{}, false, fmt.Errorf("get distinct depths: %w", err)
	}

	for _, depth := range depths {
		ok, result, err := e.tryCondenseAtDepth(ctx, conversationID, items, eligible, depth, force)
		if err != nil {
			return CompactResult{}, false, err
		}
		if ok {
			e.recordPass(ctx, PassCondensed, result.Level, result.TokensBefore, result.TokensAfter, 1, start)
			return result, true, nil
		}
	}
	return CompactResult{}, false, nil
}

func (e *Engine) tryCondenseAtDepth(ctx context.Context, conversationID string, items, eligible []lcmstore.ContextItem, depth int, force bool) (bool, CompactResult, error) {
	runStart, runEnd := -1, -1
	var runSummaries []lcmstore.Summary

	for i, it := range eligible {
		if it.ItemType != lcmstore.ItemTypeSummary || it.SummaryID == nil {
			if runStart >= 0 {
				break
			}
			continue
		}
		sum, err := e.store.GetSummary(ctx, *it.SummaryID)
		if err != nil {
			return false, CompactResult{}, fmt.Errorf("get summary: %w", err)
		}
		if sum.Depth != depth {
			if runStart >= 0 {
				break
			}
			continue
		}
		if runStart < 0 {
			runStart = i
		}
		runEnd = i
		runSummaries = append(runSummaries, sum)
	}

	if runStart < 0 {
		return false, CompactResult{}, nil
	}

	minFanout := e.config.CondensedMinFanout
	if force {
		minFanout = e.config.CondensedMinFanoutHard
	}
	fanout := runEnd - runStart + 1
	if fanout < minFanout {
		return false, CompactResult{}, nil
	}

	tokenFloor := e.config.CondensedTargetTokens
	if soft := e.config.LeafChunkTokens / 10; soft > tokenFloor {
		tokenFloor = soft
	}
	totalTokens := 0
	for _, s := range runSummaries {
		totalTokens += s.TokenCount
	}
	if totalTokens < tokenFloor {
		return false, CompactResult{}, nil
	}
	if totalTokens > e.config.LeafChunkTokens {
		return false, CompactResult{}, nil
	}

	before, err := e.store.GetContextTokenCount(ctx, conversationID)
	if err != nil {
		return false, CompactResult{}, err
	}

	var texts []string
	var parentIDs []string
	maxParentDepth := depth
	for _, s := range runSummaries {
		texts = append(texts, s.Content)
		parentIDs = append(parentIDs, s.SummaryID)
		if s.Depth > maxParentDepth {
			maxParentDepth = s.Depth
		}
	}
	combined := strings.Join(texts, "\n")

	var prevContent string
	if depth == 0 {
		prevContent, err = previousSummaryContent(ctx, e.store, items, runStart)
		if err != nil {
			return false, CompactResult{}, err
		}
	}

	summaryText, level, err := escalate(ctx, e.summarizer, combined, SummarizeOptions{
		IsCondensed:     true,
		PreviousSummary: prevContent,
	})
	if err != nil {
		return false, CompactResult{}, fmt.Errorf("escalate condensed summary: %w", err)
	}

	fileIDs := extractFileIDs(append(append([]string{}, texts...), summaryText)...)

	newDepth := maxParentDepth + 1
	sum, err := e.store.InsertSummary(ctx, lcmstore.NewSummaryInput{
		ConversationID: conversationID,
		Kind:           lcmstore.SummaryKindCondensed,
		Depth:          newDepth,
		Content:        summaryText,
		TokenCount:     lcmstore.EstimateTokens(summaryText),
		FileIDs:        fileIDs,
	})
	if err != nil {
		return false, CompactResult{}, fmt.Errorf("insert condensed summary: %w", err)
	}

	if err := e.store.LinkSummaryToParents(ctx, sum.SummaryID, parentIDs); err != nil {
		return false, CompactResult{}, fmt.Errorf("link summary to parents: %w", err)
	}

	if err := e.store.ReplaceContextRangeWithSummary(ctx, lcmstore.ReplaceContextRangeWithSummaryInput{
		ConversationID: conversationID,
		StartOrdinal:   items[runStart].Ordinal,
		EndOrdinal:     items[runEnd].Ordinal,
		SummaryID:      sum.SummaryID,
	}); err != nil {
		return false, CompactResult{}, fmt.Errorf("splice condensed summary: %w", err)
	}

	after, err := e.store.GetContextTokenCount(ctx, conversationID)
	if err != nil {
		return false, CompactResult{}, err
	}

	e.emitCompactionEvent(ctx, conversationID, PassCondensed, level, before, after, sum.SummaryID, []string{sum.SummaryID}, true)

	return true, CompactResult{
		ActionTaken:           true,
		Pass:                  PassCondensed,
		Level:                 level,
		TokensBefore:          before,
		TokensAfter:           after,
		CreatedSummaryID:      sum.SummaryID,
		CondensedPassOccurred: true,
	}, nil
}
