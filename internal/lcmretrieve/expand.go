package lcmretrieve

import (
	"context"
	"fmt"
	"time"

	"github.com/jalehman/lcm-engine/internal/lcmstore"
	"github.com/jalehman/lcm-engine/internal/lcmtelemetry"
)

// ExpandChild is one summary node surfaced by Expand.
type ExpandChild struct {
	SummaryID  string
	Kind       lcmstore.SummaryKind
	Depth      int
	Content    string
	TokenCount int
}

// ExpandMessage is one source message surfaced by Expand when
// IncludeMessages is set and the BFS reaches a leaf.
type ExpandMessage struct {
	MessageID  int64
	Role       string
	Content    string
	TokenCount int
}

// ExpandInput is the argument to Expand.
type ExpandInput struct {
	SummaryID       string
	Depth           int // >= 1
	TokenCap        int
	IncludeMessages bool
}

// ExpandResult is the output of Expand.
type ExpandResult struct {
	Children        []ExpandChild
	Messages        []ExpandMessage
	EstimatedTokens int
	Truncated       bool
	CitedIDs        []string
}

// Expand performs a bounded BFS over the summary DAG starting at
// summary_id, up to `depth` levels of parent summaries (this engine
// treats "depth" as BFS hop count, not the DAG's own depth field),
// accumulating until token_cap, grounded on
// internal/memory/shared.go's SharedContext.Format accumulate-until-cap
// loop (a running total compared against a cap on each addition) and the
// teacher's TaskEventBounds-style bounded-window readers for the
// cursor-like visited-set traversal.
func (e *Engine) Expand(ctx context.Context, in ExpandInput) (ExpandResult, error) {
	start := time.Now()
	if e.tracer != nil {
		spanCtx, sp := lcmtelemetry.StartSpan(ctx, e.tracer, "lcmretrieve.expand")
		defer sp.End()
		ctx = spanCtx
	}
	defer e.recordRetrieval(ctx, start)

	if in.Depth < 1 {
		in.Depth = 1
	}

	var result ExpandResult
	visited := map[string]bool{in.SummaryID: true}

	type queued struct {
		id  string
		hop int
	}
	queue := []queued{{id: in.SummaryID, hop: 0}}

	var leafSummaryIDs []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.hop > 0 {
			sum, err := e.store.GetSummary(ctx, cur.id)
			if err != nil {
				return ExpandResult{}, fmt.Errorf("get summary %s: %w", cur.id, err)
			}
			if result.EstimatedTokens+sum.TokenCount > in.TokenCap {
				result.Truncated = true
				break
			}
			result.Children = append(result.Children, ExpandChild{
				SummaryID: sum.SummaryID, Kind: sum.Kind, Depth: sum.Depth,
				Content: sum.Content, TokenCount: sum.TokenCount,
			})
			result.EstimatedTokens += sum.TokenCount
			result.CitedIDs = append(result.CitedIDs, sum.SummaryID)
			if sum.Kind == lcmstore.SummaryKindLeaf {
				leafSummaryIDs = append(leafSummaryIDs, sum.SummaryID)
			}
		}

		if cur.hop >= in.Depth {
			continue
		}

		parentIDs, err := e.store.GetSummaryParents(ctx, cur.id)
		if err != nil {
			return ExpandResult{}, fmt.Errorf("get summary parents %s: %w", cur.id, err)
		}
		for _, pid := range parentIDs {
			if visited[pid] {
				continue
			}
			visited[pid] = true
			queue = append(queue, queued{id: pid, hop: cur.hop + 1})
		}
	}

	if in.IncludeMessages {
		root := in.SummaryID
		if _, err := e.store.GetSummary(ctx, root); err == nil {
			leafSummaryIDs = append([]string{root}, leafSummaryIDs...)
		}
	leafLoop:
		for _, sid := range leafSummaryIDs {
			sum, err := e.store.GetSummary(ctx, sid)
			if err != nil || sum.Kind != lcmstore.SummaryKindLeaf {
				continue
			}
			messageIDs, err := e.store.GetSummaryMessages(ctx, sid)
			if err != nil {
				return ExpandResult{}, fmt.Errorf("get summary messages %s: %w", sid, err)
			}
			for _, mid := range messageIDs {
				msg, err := e.store.GetMessageByID(ctx, mid)
				if err != nil {
					return ExpandResult{}, fmt.Errorf("get message %d: %w", mid, err)
				}
				if result.EstimatedTokens+msg.TokenCount > in.TokenCap {
					result.Truncated = true
					break leafLoop
				}
				result.Messages = append(result.Messages, ExpandMessage{
					MessageID: msg.MessageID, Role: msg.Role, Content: msg.Content, TokenCount: msg.TokenCount,
				})
				result.EstimatedTokens += msg.TokenCount
				result.CitedIDs = append(result.CitedIDs, fmt.Sprintf("msg_%d", msg.MessageID))
			}
		}
	}

	if result.Truncated && e.metrics != nil {
		e.metrics.ExpandTruncations.Add(ctx, 1)
	}
	return result, nil
}
