package lcmstore

import (
	"context"
	"fmt"
	"time"
)

// CompactionEventRow is one persisted compaction-pass record: a system
// message carrying a single PartTypeCompaction part, as written by
// lcmcompact's emitCompactionEvent. MetadataJSON is returned raw;
// lcmcompact owns parsing it into a typed CompactionEvent.
type CompactionEventRow struct {
	MessageID    int64
	Seq          int
	MetadataJSON string
	CreatedAt    time.Time
}

// GetCompactionEventsOptions filters GetCompactionEvents, mirroring
// GetMessagesOptions.
type GetCompactionEventsOptions struct {
	AfterSeq int
	Limit    int
}

// GetCompactionEvents returns a conversation's compaction events in seq
// order, the reader half of the durable event-persistence path (spec.md
// §4.4).
func (s *Store) GetCompactionEvents(ctx context.Context, conversationID string, opts GetCompactionEventsOptions) ([]CompactionEventRow, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT m.message_id, m.seq, p.metadata_json, m.created_at
		FROM messages m
		JOIN message_parts p ON p.message_id = m.message_id
		WHERE m.conversation_id = ? AND m.seq > ? AND p.part_type = ?
		ORDER BY m.seq ASC
		LIMIT ?;
	`, conversationID, opts.AfterSeq, string(PartTypeCompaction), limit)
	if err != nil {
		return nil, fmt.Errorf("query compaction events: %w", err)
	}
	defer rows.Close()

	var out []CompactionEventRow
	for rows.Next() {
		var r CompactionEventRow
		if err := rows.Scan(&r.MessageID, &r.Seq, &r.MetadataJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan compaction event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
