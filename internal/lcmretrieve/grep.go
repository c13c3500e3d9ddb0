package lcmretrieve

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jalehman/lcm-engine/internal/lcmstore"
	"github.com/jalehman/lcm-engine/internal/lcmtelemetry"
)

// Scope selects which entity kinds grep searches.
type Scope string

const (
	ScopeMessages  Scope = "messages"
	ScopeSummaries Scope = "summaries"
	ScopeBoth      Scope = "both"
)

// GrepInput is the argument to Grep.
type GrepInput struct {
	Query          string
	Mode           lcmstore.SearchMode
	Scope          Scope
	ConversationID string
	Since          *time.Time
	Before         *time.Time
	Limit          int
}

// GrepResult is the output of Grep.
type GrepResult struct {
	Messages     []lcmstore.MessageSearchHit
	Summaries    []lcmstore.SummarySearchHit
	TotalMatches int
}

// Grep implements spec.md §4.5's grep: dispatches to full_text or regex
// search over messages and/or summaries per scope, ordered by rank
// (descending) then created_at (descending).
func (e *Engine) Grep(ctx context.Context, in GrepInput) (GrepResult, error) {
	start := time.Now()
	if e.tracer != nil {
		spanCtx, sp := lcmtelemetry.StartSpan(ctx, e.tracer, "lcmretrieve.grep")
		defer sp.End()
		ctx = spanCtx
	}
	defer e.recordRetrieval(ctx, start)

	if in.Scope == "" {
		in.Scope = ScopeBoth
	}

	var result GrepResult

	if in.Scope == ScopeMessages || in.Scope == ScopeBoth {
		hits, err := e.store.SearchMessages(ctx, lcmstore.SearchMessagesOptions{
			Query: in.Query, Mode: in.Mode, ConversationID: in.ConversationID,
			Since: in.Since, Before: in.Before, Limit: in.Limit,
		})
		if err != nil {
			return GrepResult{}, fmt.Errorf("search messages: %w", err)
		}
		result.Messages = hits
	}

	if in.Scope == ScopeSummaries || in.Scope == ScopeBoth {
		hits, err := e.store.SearchSummaries(ctx, lcmstore.SearchSummariesOptions{
			Query: in.Query, Mode: in.Mode, ConversationID: in.ConversationID,
			Since: in.Since, Before: in.Before, Limit: in.Limit,
		})
		if err != nil {
			return GrepResult{}, fmt.Errorf("search summaries: %w", err)
		}
		result.Summaries = hits
	}

	sort.SliceStable(result.Messages, func(i, j int) bool {
		if result.Messages[i].Rank != result.Messages[j].Rank {
			return result.Messages[i].Rank > result.Messages[j].Rank
		}
		return result.Messages[i].CreatedAt.After(result.Messages[j].CreatedAt)
	})
	sort.SliceStable(result.Summaries, func(i, j int) bool {
		if result.Summaries[i].Rank != result.Summaries[j].Rank {
			return result.Summaries[i].Rank > result.Summaries[j].Rank
		}
		return result.Summaries[i].CreatedAt.After(result.Summaries[j].CreatedAt)
	})

	result.TotalMatches = len(result.Messages) + len(result.Summaries)
	return result, nil
}
