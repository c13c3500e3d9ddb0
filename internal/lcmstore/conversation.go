package lcmstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation mirrors spec.md's Conversation entity. Identified by
// session_id: exactly one conversation exists per session.
type Conversation struct {
	ConversationID string
	SessionID      string
	Title          string
	BootstrappedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message mirrors spec.md's Message entity. Seq is strictly increasing
// and unique per conversation; content is the plain-text projection used
// for FTS and pass-through rehydration.
type Message struct {
	MessageID      int64
	ConversationID string
	Seq            int
	Role           string
	Content        string
	TokenCount     int
	CreatedAt      time.Time
}

// NewMessageInput is the argument to createMessage.
type NewMessageInput struct {
	ConversationID string
	Seq            int
	Role           string
	Content        string
	TokenCount     int
}

func newConversationID() string {
	return "conv_" + uuid.NewString()
}

// GetOrCreateConversation returns the conversation for a session, creating
// it on first use. Never deleted by the core.
func (s *Store) GetOrCreateConversation(ctx context.Context, sessionID string) (Conversation, error) {
	var conv Conversation
	err := s.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT conversation_id, session_id, title, bootstrapped_at, created_at, updated_at
			FROM conversations WHERE session_id = ?;
		`, sessionID)
		if err := scanConversation(row, &conv); err == nil {
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("query conversation: %w", err)
		}

		conv = Conversation{
			ConversationID: newConversationID(),
			SessionID:      sessionID,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (conversation_id, session_id, created_at, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, conv.ConversationID, conv.SessionID); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		row = tx.QueryRowContext(ctx, `
			SELECT conversation_id, session_id, title, bootstrapped_at, created_at, updated_at
			FROM conversations WHERE session_id = ?;
		`, sessionID)
		return scanConversation(row, &conv)
	})
	return conv, err
}

func scanConversation(row *sql.Row, conv *Conversation) error {
	var title sql.NullString
	var bootstrapped sql.NullTime
	if err := row.Scan(&conv.ConversationID, &conv.SessionID, &title, &bootstrapped, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return err
	}
	conv.Title = title.String
	if bootstrapped.Valid {
		t := bootstrapped.Time
		conv.BootstrappedAt = &t
	}
	return nil
}

// GetConversationByID loads a conversation by its opaque ID.
func (s *Store) GetConversationByID(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT conversation_id, session_id, title, bootstrapped_at, created_at, updated_at
		FROM conversations WHERE conversation_id = ?;
	`, conversationID)
	if err := scanConversation(row, &conv); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
		}
		return Conversation{}, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

// MarkConversationBootstrapped seals the initial import exactly once.
func (s *Store) MarkConversationBootstrapped(ctx context.Context, conversationID string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE conversations
		SET bootstrapped_at = COALESCE(bootstrapped_at, CURRENT_TIMESTAMP), updated_at = CURRENT_TIMESTAMP
		WHERE conversation_id = ?;
	`, conversationID)
	if err != nil {
		return fmt.Errorf("mark bootstrapped: %w", err)
	}
	return nil
}

// GetMaxSeq returns the highest seq recorded for a conversation, 0 when
// none exist.
func (s *Store) GetMaxSeq(ctx context.Context, conversationID string) (int, error) {
	var maxSeq sql.NullInt64
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT MAX(seq) FROM messages WHERE conversation_id = ?;
	`, conversationID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return int(maxSeq.Int64), nil
}

// GetMessageCount returns the number of messages in a conversation.
func (s *Store) GetMessageCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE conversation_id = ?;
	`, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return count, nil
}

// GetLastMessage returns the highest-seq message in a conversation.
func (s *Store) GetLastMessage(ctx context.Context, conversationID string) (Message, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT message_id, conversation_id, seq, role, content, token_count, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1;
	`, conversationID)
	var m Message
	if err := row.Scan(&m.MessageID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.TokenCount, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, nil
		}
		return Message{}, fmt.Errorf("last message: %w", err)
	}
	return m, nil
}

// CreateMessage inserts a new message. Fails with ErrDuplicateSeq if
// (conversation_id, seq) already exists. Caller is expected to wrap this
// in withTransaction when parts must be written atomically alongside it.
func (s *Store) CreateMessage(ctx context.Context, in NewMessageInput) (Message, error) {
	switch in.Role {
	case "system", "user", "assistant", "tool":
	default:
		return Message{}, fmt.Errorf("invalid role %q", in.Role)
	}

	var m Message
	err := s.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM messages WHERE conversation_id = ? AND seq = ?;
		`, in.ConversationID, in.Seq).Scan(&exists); err != nil {
			return fmt.Errorf("check duplicate seq: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: conversation=%s seq=%d", ErrDuplicateSeq, in.ConversationID, in.Seq)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, seq, role, content, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, in.ConversationID, in.Seq, in.Role, in.Content, in.TokenCount)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message last insert id: %w", err)
		}
		if err := s.indexMessageTx(ctx, tx, id, in.Content); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
			SELECT message_id, conversation_id, seq, role, content, token_count, created_at
			FROM messages WHERE message_id = ?;
		`, id)
		return row.Scan(&m.MessageID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.TokenCount, &m.CreatedAt)
	})
	return m, err
}

// CreateMessagesBulk inserts several messages transactionally. Used only
// by bootstrap, which assigns sequential seqs starting after the current
// max.
func (s *Store) CreateMessagesBulk(ctx context.Context, inputs []NewMessageInput) ([]Message, error) {
	out := make([]Message, 0, len(inputs))
	err := s.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, in := range inputs {
			m, err := s.CreateMessage(ctx, in)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessageByID loads a single message.
func (s *Store) GetMessageByID(ctx context.Context, messageID int64) (Message, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT message_id, conversation_id, seq, role, content, token_count, created_at
		FROM messages WHERE message_id = ?;
	`, messageID)
	var m Message
	if err := row.Scan(&m.MessageID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.TokenCount, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, fmt.Errorf("message %d: %w", messageID, sql.ErrNoRows)
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// GetMessagesOptions filters GetMessages.
type GetMessagesOptions struct {
	AfterSeq int
	Limit    int
}

// GetMessages returns messages for a conversation in seq order.
func (s *Store) GetMessages(ctx context.Context, conversationID string, opts GetMessagesOptions) ([]Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT message_id, conversation_id, seq, role, content, token_count, created_at
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, conversationID, opts.AfterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.TokenCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HasMessage reports whether a message with the given role and content
// already exists in the conversation, for bootstrap reconciliation.
func (s *Store) HasMessage(ctx context.Context, conversationID, role, content string) (bool, error) {
	n, err := s.CountMessagesByIdentity(ctx, conversationID, role, content)
	return n > 0, err
}

// CountMessagesByIdentity counts messages matching role+content exactly.
func (s *Store) CountMessagesByIdentity(ctx context.Context, conversationID, role, content string) (int, error) {
	var n int
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE conversation_id = ? AND role = ? AND content = ?;
	`, conversationID, role, content).Scan(&n); err != nil {
		return 0, fmt.Errorf("count by identity: %w", err)
	}
	return n, nil
}
