package lcmstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PartType is the closed tag for MessagePart's sum type (spec.md §9:
// "duck-typed content blocks -> tagged variants"). Unknown/opaque
// variants are tagged PartTypeAgent and preserved verbatim in Metadata.
type PartType string

const (
	PartTypeText        PartType = "text"
	PartTypeReasoning   PartType = "reasoning"
	PartTypeTool        PartType = "tool"
	PartTypePatch       PartType = "patch"
	PartTypeFile        PartType = "file"
	PartTypeSubtask     PartType = "subtask"
	PartTypeCompaction  PartType = "compaction"
	PartTypeStepStart   PartType = "step_start"
	PartTypeStepFinish  PartType = "step_finish"
	PartTypeSnapshot    PartType = "snapshot"
	PartTypeAgent       PartType = "agent"
	PartTypeRetry       PartType = "retry"
)

// MessagePart mirrors spec.md's MessagePart entity. Ordinal is dense per
// message. Parts are written with the message and never mutated.
type MessagePart struct {
	PartID       int64
	MessageID    int64
	SessionID    string
	PartType     PartType
	Ordinal      int
	TextContent  string
	ToolCallID   string
	ToolName     string
	ToolInput    string
	ToolOutput   string
	MetadataJSON string
	CreatedAt    time.Time
}

// NewPartInput is the argument to createMessageParts; PartID/CreatedAt
// are assigned by the store.
type NewPartInput struct {
	SessionID    string
	PartType     PartType
	TextContent  string
	ToolCallID   string
	ToolName     string
	ToolInput    string
	ToolOutput   string
	MetadataJSON string
}

var validPartTypes = map[PartType]bool{
	PartTypeText: true, PartTypeReasoning: true, PartTypeTool: true,
	PartTypePatch: true, PartTypeFile: true, PartTypeSubtask: true,
	PartTypeCompaction: true, PartTypeStepStart: true, PartTypeStepFinish: true,
	PartTypeSnapshot: true, PartTypeAgent: true, PartTypeRetry: true,
}

// CreateMessageParts writes parts for an already-created message with
// dense ordinals 0..len-1. Each part's metadata_json is validated against
// the schema registered for its part type (see partschema.go) before
// insertion; validation failures abort the whole batch. Atomic with the
// message write when called inside the same withTransaction.
func (s *Store) CreateMessageParts(ctx context.Context, messageID int64, parts []NewPartInput) ([]MessagePart, error) {
	out := make([]MessagePart, 0, len(parts))
	err := s.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for i, in := range parts {
			if !validPartTypes[in.PartType] {
				return fmt.Errorf("invalid part_type %q", in.PartType)
			}
			if in.MetadataJSON == "" {
				in.MetadataJSON = "{}"
			}
			if err := ValidatePartMetadata(in.PartType, in.MetadataJSON); err != nil {
				return fmt.Errorf("part %d metadata: %w", i, err)
			}

			res, err := tx.ExecContext(ctx, `
				INSERT INTO message_parts
					(message_id, session_id, part_type, ordinal, text_content,
					 tool_call_id, tool_name, tool_input, tool_output, metadata_json, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, messageID, in.SessionID, string(in.PartType), i, nullableString(in.TextContent),
				nullableString(in.ToolCallID), nullableString(in.ToolName),
				nullableString(in.ToolInput), nullableString(in.ToolOutput), in.MetadataJSON)
			if err != nil {
				return fmt.Errorf("insert message_part: %w", err)
			}
			partID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("part last insert id: %w", err)
			}
			out = append(out, MessagePart{
				PartID: partID, MessageID: messageID, SessionID: in.SessionID,
				PartType: in.PartType, Ordinal: i, TextContent: in.TextContent,
				ToolCallID: in.ToolCallID, ToolName: in.ToolName,
				ToolInput: in.ToolInput, ToolOutput: in.ToolOutput,
				MetadataJSON: in.MetadataJSON,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetMessageParts returns a message's parts in ordinal order.
func (s *Store) GetMessageParts(ctx context.Context, messageID int64) ([]MessagePart, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT part_id, message_id, session_id, part_type, ordinal,
		       COALESCE(text_content, ''), COALESCE(tool_call_id, ''),
		       COALESCE(tool_name, ''), COALESCE(tool_input, ''),
		       COALESCE(tool_output, ''), metadata_json, created_at
		FROM message_parts WHERE message_id = ? ORDER BY ordinal ASC;
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query message_parts: %w", err)
	}
	defer rows.Close()

	var out []MessagePart
	for rows.Next() {
		var p MessagePart
		var partType string
		if err := rows.Scan(&p.PartID, &p.MessageID, &p.SessionID, &partType, &p.Ordinal,
			&p.TextContent, &p.ToolCallID, &p.ToolName, &p.ToolInput, &p.ToolOutput,
			&p.MetadataJSON, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message_part: %w", err)
		}
		p.PartType = PartType(partType)
		out = append(out, p)
	}
	return out, rows.Err()
}
