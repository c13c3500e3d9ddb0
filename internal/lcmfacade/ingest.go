package lcmfacade

import (
	"context"
	"fmt"
	"time"

	"github.com/jalehman/lcm-engine/internal/lcmstore"
)

// IngestInput is the argument to Ingest.
type IngestInput struct {
	SessionID string
	Message   InputMessage
	Heartbeat bool // accepted but skipped — never mutates state
}

// Ingest implements spec.md §6's ingest(): appends one message to the
// store and the active context_items sequence, intercepting large
// files first. Ingest never swallows errors (the host needs to retry),
// per spec.md §7.
func (f *Facade) Ingest(ctx context.Context, in IngestInput) error {
	if in.Heartbeat {
		return nil
	}
	start := time.Now()
	defer func() {
		if f.metrics != nil {
			f.metrics.IngestDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	return f.withSessionLock(in.SessionID, func() error {
		_, err := f.ingestOne(ctx, in.SessionID, in.Message)
		return err
	})
}

// IngestBatchInput is the argument to IngestBatch.
type IngestBatchInput struct {
	SessionID string
	Messages  []InputMessage
	Heartbeat bool
}

// IngestBatch implements spec.md §6's ingestBatch().
func (f *Facade) IngestBatch(ctx context.Context, in IngestBatchInput) (int, error) {
	if in.Heartbeat {
		return 0, nil
	}
	count := 0
	err := f.withSessionLock(in.SessionID, func() error {
		for _, m := range in.Messages {
			if _, err := f.ingestOne(ctx, in.SessionID, m); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// ingestOne writes a single message under an already-held session lock.
// Callers must hold f.sessionLock(sessionID).
func (f *Facade) ingestOne(ctx context.Context, sessionID string, m InputMessage) (lcmstore.Message, error) {
	conv, err := f.store.GetOrCreateConversation(ctx, sessionID)
	if err != nil {
		return lcmstore.Message{}, fmt.Errorf("get or create conversation: %w", err)
	}

	content := m.Content
	if m.Role == "user" {
		content, err = f.interceptLargeFiles(ctx, conv.ConversationID, content)
		if err != nil {
			return lcmstore.Message{}, fmt.Errorf("intercept large files: %w", err)
		}
	}

	seq, err := f.store.GetMaxSeq(ctx, conv.ConversationID)
	if err != nil {
		return lcmstore.Message{}, fmt.Errorf("get max seq: %w", err)
	}

	msg, err := f.store.CreateMessage(ctx, lcmstore.NewMessageInput{
		ConversationID: conv.ConversationID,
		Seq:            seq + 1,
		Role:           m.Role,
		Content:        content,
		TokenCount:     lcmstore.EstimateTokens(content),
	})
	if err != nil {
		return lcmstore.Message{}, fmt.Errorf("create message: %w", err)
	}

	if err := f.store.AppendContextMessage(ctx, conv.ConversationID, msg.MessageID); err != nil {
		return lcmstore.Message{}, fmt.Errorf("append context message: %w", err)
	}

	return msg, nil
}
