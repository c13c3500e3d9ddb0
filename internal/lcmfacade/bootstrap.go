package lcmfacade

import (
	"context"
	"fmt"

	"github.com/jalehman/lcm-engine/internal/lcmcompact"
	"github.com/jalehman/lcm-engine/internal/lcmstore"
)

// BootstrapInput is the argument to Bootstrap.
type BootstrapInput struct {
	SessionID   string
	SessionFile []InputMessage // the host's full on-disk transcript for this session
}

// BootstrapOutput is the result of Bootstrap.
type BootstrapOutput struct {
	Bootstrapped    bool
	ImportedMessages int
	Reason          string
}

// Bootstrap implements spec.md §6's bootstrap(): imports a session file
// into the store. Idempotent — if the stored tail already matches
// session_file, imports 0 messages (spec.md §8). Reconciling — if
// session_file's prefix overlaps the stored tail and carries a suffix of
// turns the store has never seen, appends exactly that suffix, preserving
// order.
func (f *Facade) Bootstrap(ctx context.Context, in BootstrapInput) (BootstrapOutput, error) {
	var out BootstrapOutput
	err := f.withSessionLock(in.SessionID, func() error {
		conv, err := f.store.GetOrCreateConversation(ctx, in.SessionID)
		if err != nil {
			return fmt.Errorf("get or create conversation: %w", err)
		}
		freshlyBootstrapped := conv.BootstrappedAt == nil

		stored, err := f.store.GetMessages(ctx, conv.ConversationID, lcmstore.GetMessagesOptions{})
		if err != nil {
			return fmt.Errorf("get messages: %w", err)
		}

		matched := 0
		for i := 0; i < len(stored) && i < len(in.SessionFile); i++ {
			if stored[i].Role != in.SessionFile[i].Role || stored[i].Content != in.SessionFile[i].Content {
				break
			}
			matched = i + 1
		}
		missing := in.SessionFile[matched:]

		if len(missing) > 0 {
			seq, err := f.store.GetMaxSeq(ctx, conv.ConversationID)
			if err != nil {
				return fmt.Errorf("get max seq: %w", err)
			}
			inputs := make([]lcmstore.NewMessageInput, len(missing))
			for i, m := range missing {
				inputs[i] = lcmstore.NewMessageInput{
					ConversationID: conv.ConversationID,
					Seq:            seq + i + 1,
					Role:           m.Role,
					Content:        m.Content,
					TokenCount:     lcmstore.EstimateTokens(m.Content),
				}
			}
			created, err := f.store.CreateMessagesBulk(ctx, inputs)
			if err != nil {
				return fmt.Errorf("create messages bulk: %w", err)
			}
			ids := make([]int64, len(created))
			for i, c := range created {
				ids[i] = c.MessageID
			}
			if err := f.store.AppendContextMessages(ctx, conv.ConversationID, ids); err != nil {
				return fmt.Errorf("append context messages: %w", err)
			}
		}

		if err := f.store.MarkConversationBootstrapped(ctx, conv.ConversationID); err != nil {
			return fmt.Errorf("mark conversation bootstrapped: %w", err)
		}

		out = BootstrapOutput{Bootstrapped: freshlyBootstrapped, ImportedMessages: len(missing)}
		return nil
	})
	if err != nil {
		return BootstrapOutput{}, err
	}
	return out, nil
}

// AfterTurnInput is the argument to AfterTurn.
type AfterTurnInput struct {
	SessionID               string
	SessionFile             []InputMessage
	Messages                []InputMessage // new-since-prompt messages
	PrePromptMessageCount   int
	AutoCompactionSummary   string // optional synthetic summary content
	Heartbeat               bool
	TokenBudget             int // 0 means skip the trigger+sweep step
}

// AfterTurnOutput is the result of AfterTurn.
type AfterTurnOutput struct {
	IngestedCount int
	Compacted     bool
}

// AfterTurn implements spec.md §6's afterTurn(): ingests the messages
// accumulated since the last prompt plus an optional synthetic
// auto-compaction summary, then — if token_budget is set — runs the soft
// leaf trigger and a threshold-target sweep, best-effort (errors from the
// trigger/sweep step are swallowed; the ingested messages are never
// rolled back).
func (f *Facade) AfterTurn(ctx context.Context, in AfterTurnInput) (AfterTurnOutput, error) {
	if in.Heartbeat {
		return AfterTurnOutput{}, nil
	}

	var out AfterTurnOutput
	err := f.withSessionLock(in.SessionID, func() error {
		conv, err := f.store.GetOrCreateConversation(ctx, in.SessionID)
		if err != nil {
			return fmt.Errorf("get or create conversation: %w", err)
		}

		newSince := in.Messages
		if in.PrePromptMessageCount >= 0 && in.PrePromptMessageCount < len(in.Messages) {
			newSince = in.Messages[in.PrePromptMessageCount:]
		}
		for _, m := range newSince {
			if _, err := f.ingestOne(ctx, in.SessionID, m); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			out.IngestedCount++
		}

		if in.AutoCompactionSummary != "" {
			sum, err := f.store.InsertSummary(ctx, lcmstore.NewSummaryInput{
				ConversationID: conv.ConversationID,
				Kind:           lcmstore.SummaryKindLeaf,
				Depth:          0,
				Content:        in.AutoCompactionSummary,
				TokenCount:     lcmstore.EstimateTokens(in.AutoCompactionSummary),
			})
			if err != nil {
				return fmt.Errorf("insert auto-compaction summary: %w", err)
			}
			if err := f.store.AppendContextSummary(ctx, conv.ConversationID, sum.SummaryID); err != nil {
				return fmt.Errorf("append context summary: %w", err)
			}
		}

		if in.TokenBudget > 0 {
			should, err := f.compactor.EvaluateLeafTrigger(ctx, conv.ConversationID)
			if err == nil && should {
				result, err := f.compactor.Compact(ctx, lcmcompact.CompactInput{
					ConversationID: conv.ConversationID,
					TokenBudget:    in.TokenBudget,
				})
				if err == nil {
					out.Compacted = result.ActionTaken
				}
			}
		}

		return nil
	})
	return out, err
}
