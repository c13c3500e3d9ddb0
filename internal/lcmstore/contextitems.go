package lcmstore

import (
	"context"
	"database/sql"
	"fmt"
)

// ItemType distinguishes the two kinds of entries in the active context
// sequence.
type ItemType string

const (
	ItemTypeMessage ItemType = "message"
	ItemTypeSummary ItemType = "summary"
)

// ContextItem mirrors spec.md's ContextItem entity: the active, densely
// ordinal-indexed sequence for a conversation. Exactly one of MessageID /
// SummaryID is set.
type ContextItem struct {
	ConversationID string
	Ordinal        int
	ItemType       ItemType
	MessageID      *int64
	SummaryID      *string
}

// GetContextItems returns a conversation's context items in ordinal order.
func (s *Store) GetContextItems(ctx context.Context, conversationID string) ([]ContextItem, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT conversation_id, ordinal, item_type, message_id, summary_id
		FROM context_items WHERE conversation_id = ? ORDER BY ordinal ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query context_items: %w", err)
	}
	defer rows.Close()

	var out []ContextItem
	for rows.Next() {
		var item ContextItem
		var itemType string
		var messageID sql.NullInt64
		var summaryID sql.NullString
		if err := rows.Scan(&item.ConversationID, &item.Ordinal, &itemType, &messageID, &summaryID); err != nil {
			return nil, fmt.Errorf("scan context_item: %w", err)
		}
		item.ItemType = ItemType(itemType)
		if messageID.Valid {
			v := messageID.Int64
			item.MessageID = &v
		}
		if summaryID.Valid {
			v := summaryID.String
			item.SummaryID = &v
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// nextOrdinal returns the current item count, i.e. the ordinal a new
// appended item should take (ordinals are dense 0..N-1).
func (s *Store) nextOrdinal(ctx context.Context, tx *sql.Tx, conversationID string) (int, error) {
	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM context_items WHERE conversation_id = ?;
	`, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count context_items: %w", err)
	}
	return count, nil
}

// AppendContextMessage appends a single message item.
func (s *Store) AppendContextMessage(ctx context.Context, conversationID string, messageID int64) error {
	return s.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		ord, err := s.nextOrdinal(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO context_items (conversation_id, ordinal, item_type, message_id, created_at)
			VALUES (?, ?, 'message', ?, CURRENT_TIMESTAMP);
		`, conversationID, ord, messageID)
		if err != nil {
			return fmt.Errorf("append context message: %w", err)
		}
		return nil
	})
}

// AppendContextMessages appends several message items in order.
func (s *Store) AppendContextMessages(ctx context.Context, conversationID string, messageIDs []int64) error {
	return s.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		ord, err := s.nextOrdinal(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		for _, mid := range messageIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO context_items (conversation_id, ordinal, item_type, message_id, created_at)
				VALUES (?, ?, 'message', ?, CURRENT_TIMESTAMP);
			`, conversationID, ord, mid); err != nil {
				return fmt.Errorf("append context message: %w", err)
			}
			ord++
		}
		return nil
	})
}

// AppendContextSummary appends a single summary item.
func (s *Store) AppendContextSummary(ctx context.Context, conversationID string, summaryID string) error {
	return s.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		ord, err := s.nextOrdinal(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO context_items (conversation_id, ordinal, item_type, summary_id, created_at)
			VALUES (?, ?, 'summary', ?, CURRENT_TIMESTAMP);
		`, conversationID, ord, summaryID)
		if err != nil {
			return fmt.Errorf("append context summary: %w", err)
		}
		return nil
	})
}

// ReplaceContextRangeWithSummaryInput is the argument to
// ReplaceContextRangeWithSummary.
type ReplaceContextRangeWithSummaryInput struct {
	ConversationID string
	StartOrdinal   int // inclusive
	EndOrdinal     int // inclusive
	SummaryID      string
}

// ReplaceContextRangeWithSummary atomically deletes context items
// [start_ordinal..end_ordinal], inserts a single summary item in their
// place, and renumbers everything after so ordinals stay dense
// (0..N-M where M = end-start). Per spec.md §9, this uses a two-phase
// renumber (shift to negative temporaries, then to final values) so the
// UNIQUE(conversation_id, ordinal) index never rejects an in-flight
// renumber, and no intermediate non-dense state is ever visible to
// readers outside this transaction.
func (s *Store) ReplaceContextRangeWithSummary(ctx context.Context, in ReplaceContextRangeWithSummaryInput) error {
	if in.EndOrdinal < in.StartOrdinal {
		return fmt.Errorf("%w: end_ordinal %d < start_ordinal %d", ErrInvariantViolation, in.EndOrdinal, in.StartOrdinal)
	}

	return s.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		items, err := s.GetContextItems(ctx, in.ConversationID)
		if err != nil {
			return err
		}
		if in.EndOrdinal >= len(items) {
			return fmt.Errorf("%w: end_ordinal %d out of range (have %d items)", ErrInvariantViolation, in.EndOrdinal, len(items))
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM context_items
			WHERE conversation_id = ? AND ordinal BETWEEN ? AND ?;
		`, in.ConversationID, in.StartOrdinal, in.EndOrdinal); err != nil {
			return fmt.Errorf("delete replaced range: %w", err)
		}

		removed := in.EndOrdinal - in.StartOrdinal + 1
		tail := items[in.EndOrdinal+1:]

		// Phase 1: shift surviving tail items to negative temporary
		// ordinals so the renumber below can never collide with an
		// existing ordinal under the UNIQUE(conversation_id, ordinal)
		// constraint.
		for _, item := range tail {
			tempOrdinal := -(item.Ordinal + 1)
			if _, err := tx.ExecContext(ctx, `
				UPDATE context_items SET ordinal = ? WHERE conversation_id = ? AND ordinal = ?;
			`, tempOrdinal, in.ConversationID, item.Ordinal); err != nil {
				return fmt.Errorf("renumber phase 1: %w", err)
			}
		}

		// Insert the summary item at start_ordinal.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO context_items (conversation_id, ordinal, item_type, summary_id, created_at)
			VALUES (?, ?, 'summary', ?, CURRENT_TIMESTAMP);
		`, in.ConversationID, in.StartOrdinal, in.SummaryID); err != nil {
			return fmt.Errorf("insert replacement summary item: %w", err)
		}

		// Phase 2: move each temporarily-numbered tail item to its final
		// dense ordinal.
		newOrdinal := in.StartOrdinal + 1
		for _, item := range tail {
			tempOrdinal := -(item.Ordinal + 1)
			if _, err := tx.ExecContext(ctx, `
				UPDATE context_items SET ordinal = ? WHERE conversation_id = ? AND ordinal = ?;
			`, newOrdinal, in.ConversationID, tempOrdinal); err != nil {
				return fmt.Errorf("renumber phase 2: %w", err)
			}
			newOrdinal++
		}

		finalCount := len(items) - removed + 1
		if newOrdinal != finalCount {
			return fmt.Errorf("%w: renumber produced %d items, expected %d", ErrInvariantViolation, newOrdinal, finalCount)
		}
		return nil
	})
}

// GetContextTokenCount sums token_count across message and summary items
// currently present in a conversation's context.
func (s *Store) GetContextTokenCount(ctx context.Context, conversationID string) (int, error) {
	var total int
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT SUM(m.token_count) FROM context_items ci
				JOIN messages m ON m.message_id = ci.message_id
				WHERE ci.conversation_id = ? AND ci.item_type = 'message'), 0)
			+
			COALESCE((SELECT SUM(su.token_count) FROM context_items ci
				JOIN summaries su ON su.summary_id = ci.summary_id
				WHERE ci.conversation_id = ? AND ci.item_type = 'summary'), 0);
	`, conversationID, conversationID).Scan(&total); err != nil {
		return 0, fmt.Errorf("context token count: %w", err)
	}
	return total, nil
}

// GetDistinctDepthsInContextOptions bounds the scan for
// GetDistinctDepthsInContext.
type GetDistinctDepthsInContextOptions struct {
	MaxOrdinalExclusive *int
}

// GetDistinctDepthsInContext returns the distinct depths of summary items
// currently in context, ascending — used by the condensed pass to walk
// depths in increasing order.
func (s *Store) GetDistinctDepthsInContext(ctx context.Context, conversationID string, opts GetDistinctDepthsInContextOptions) ([]int, error) {
	query := `
		SELECT DISTINCT su.depth
		FROM context_items ci
		JOIN summaries su ON su.summary_id = ci.summary_id
		WHERE ci.conversation_id = ? AND ci.item_type = 'summary'
	`
	args := []any{conversationID}
	if opts.MaxOrdinalExclusive != nil {
		query += " AND ci.ordinal < ?"
		args = append(args, *opts.MaxOrdinalExclusive)
	}
	query += " ORDER BY su.depth ASC;"

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query distinct depths: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan depth: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
