package lcmstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// SummaryKind is leaf (sourced from raw messages, depth 0) or condensed
// (sourced from other summaries, depth = 1 + max(parent depth)).
type SummaryKind string

const (
	SummaryKindLeaf      SummaryKind = "leaf"
	SummaryKindCondensed SummaryKind = "condensed"
)

// Summary mirrors spec.md's Summary entity.
type Summary struct {
	SummaryID      string
	ConversationID string
	Kind           SummaryKind
	Depth          int
	Content        string
	TokenCount     int
	FileIDs        []string
	CreatedAt      time.Time
}

// NewSummaryInput is the argument to InsertSummary.
type NewSummaryInput struct {
	ConversationID string
	Kind           SummaryKind
	Depth          int
	Content        string
	TokenCount     int
	FileIDs        []string
}

var fileIDPattern = regexp.MustCompile(`file_[0-9a-f]{16}`)

// NewSummaryID derives a deterministic ID per spec.md §4.4:
// sum_<16 hex of sha256(content||now)>.
func NewSummaryID(content string, now time.Time) string {
	h := sha256.Sum256([]byte(content + now.Format(time.RFC3339Nano)))
	return "sum_" + hex.EncodeToString(h[:])[:16]
}

// ExtractFileIDs finds file_<16hex> references in text, for attaching
// referenced large files to a freshly created summary.
func ExtractFileIDs(text string) []string {
	matches := fileIDPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// InsertSummary writes a summary row, enforcing the depth invariant
// (kind=leaf => depth=0; condensed summaries are validated by their
// caller computing depth = 1+max(parent depth) before calling this).
// Also indexes the content for FTS.
func (s *Store) InsertSummary(ctx context.Context, in NewSummaryInput) (Summary, error) {
	if in.Kind == SummaryKindLeaf && in.Depth != 0 {
		return Summary{}, fmt.Errorf("%w: leaf summary must have depth 0, got %d", ErrInvariantViolation, in.Depth)
	}
	if in.Kind == SummaryKindCondensed && in.Depth < 1 {
		return Summary{}, fmt.Errorf("%w: condensed summary must have depth >= 1, got %d", ErrInvariantViolation, in.Depth)
	}

	fileIDsJSON, err := json.Marshal(in.FileIDs)
	if err != nil {
		return Summary{}, fmt.Errorf("marshal file_ids: %w", err)
	}

	summaryID := NewSummaryID(in.Content, nowFunc())
	var out Summary
	err = s.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO summaries (summary_id, conversation_id, kind, depth, content, token_count, file_ids, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, summaryID, in.ConversationID, string(in.Kind), in.Depth, in.Content, in.TokenCount, string(fileIDsJSON)); err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		if err := s.indexSummaryTx(ctx, tx, summaryID, in.Content); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			SELECT summary_id, conversation_id, kind, depth, content, token_count, file_ids, created_at
			FROM summaries WHERE summary_id = ?;
		`, summaryID)
		return scanSummary(row, &out)
	})
	return out, err
}

// nowFunc is a seam for deterministic summary IDs in tests; defaults to
// wall-clock time.
var nowFunc = time.Now

func scanSummary(row *sql.Row, sum *Summary) error {
	var kind string
	var fileIDsJSON string
	if err := row.Scan(&sum.SummaryID, &sum.ConversationID, &kind, &sum.Depth, &sum.Content, &sum.TokenCount, &fileIDsJSON, &sum.CreatedAt); err != nil {
		return err
	}
	sum.Kind = SummaryKind(kind)
	if fileIDsJSON != "" {
		_ = json.Unmarshal([]byte(fileIDsJSON), &sum.FileIDs)
	}
	return nil
}

// LinkSummaryToMessages records lineage from a leaf summary to its source
// messages, idempotent on the (summary_id, message_id) pair.
func (s *Store) LinkSummaryToMessages(ctx context.Context, summaryID string, messageIDs []int64) error {
	return s.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for i, mid := range messageIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO summary_messages (summary_id, message_id, ordinal)
				VALUES (?, ?, ?)
				ON CONFLICT(summary_id, message_id) DO UPDATE SET ordinal = excluded.ordinal;
			`, summaryID, mid, i); err != nil {
				return fmt.Errorf("link summary to message: %w", err)
			}
		}
		return nil
	})
}

// LinkSummaryToParents records a condensed summary's input summaries,
// idempotent on the (summary_id, parent_summary_id) pair. Enforces the
// acyclic DAG invariant: the child's depth must exceed every parent's
// depth (spec.md §9 — enforced at write time).
func (s *Store) LinkSummaryToParents(ctx context.Context, summaryID string, parentIDs []string) error {
	return s.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		childRow := tx.QueryRowContext(ctx, `SELECT depth FROM summaries WHERE summary_id = ?;`, summaryID)
		var childDepth int
		if err := childRow.Scan(&childDepth); err != nil {
			return fmt.Errorf("read child depth: %w", err)
		}
		for i, pid := range parentIDs {
			if pid == summaryID {
				return fmt.Errorf("%w: summary %s cannot be its own parent", ErrInvariantViolation, summaryID)
			}
			var parentDepth int
			if err := tx.QueryRowContext(ctx, `SELECT depth FROM summaries WHERE summary_id = ?;`, pid).Scan(&parentDepth); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("%w: parent summary %s", ErrSummaryNotFound, pid)
				}
				return fmt.Errorf("read parent depth: %w", err)
			}
			if childDepth <= parentDepth {
				return fmt.Errorf("%w: child depth %d must exceed parent %s depth %d", ErrInvariantViolation, childDepth, pid, parentDepth)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO summary_parents (summary_id, parent_summary_id, ordinal)
				VALUES (?, ?, ?)
				ON CONFLICT(summary_id, parent_summary_id) DO UPDATE SET ordinal = excluded.ordinal;
			`, summaryID, pid, i); err != nil {
				return fmt.Errorf("link summary to parent: %w", err)
			}
		}
		return nil
	})
}

// GetSummary loads a summary by ID.
func (s *Store) GetSummary(ctx context.Context, summaryID string) (Summary, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT summary_id, conversation_id, kind, depth, content, token_count, file_ids, created_at
		FROM summaries WHERE summary_id = ?;
	`, summaryID)
	var sum Summary
	if err := scanSummary(row, &sum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Summary{}, fmt.Errorf("%w: %s", ErrSummaryNotFound, summaryID)
		}
		return Summary{}, fmt.Errorf("get summary: %w", err)
	}
	return sum, nil
}

// GetSummariesByConversation returns all summaries for a conversation.
func (s *Store) GetSummariesByConversation(ctx context.Context, conversationID string) ([]Summary, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT summary_id, conversation_id, kind, depth, content, token_count, file_ids, created_at
		FROM summaries WHERE conversation_id = ? ORDER BY created_at ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var kind, fileIDsJSON string
		if err := rows.Scan(&sum.SummaryID, &sum.ConversationID, &kind, &sum.Depth, &sum.Content, &sum.TokenCount, &fileIDsJSON, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Kind = SummaryKind(kind)
		if fileIDsJSON != "" {
			_ = json.Unmarshal([]byte(fileIDsJSON), &sum.FileIDs)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetSummaryMessages returns the message IDs linked to a summary, in
// lineage order.
func (s *Store) GetSummaryMessages(ctx context.Context, summaryID string) ([]int64, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT message_id FROM summary_messages WHERE summary_id = ? ORDER BY ordinal ASC;
	`, summaryID)
	if err != nil {
		return nil, fmt.Errorf("query summary_messages: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var mid int64
		if err := rows.Scan(&mid); err != nil {
			return nil, fmt.Errorf("scan summary_message: %w", err)
		}
		out = append(out, mid)
	}
	return out, rows.Err()
}

// GetSummaryParents returns a summary's input summary IDs in order.
func (s *Store) GetSummaryParents(ctx context.Context, summaryID string) ([]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT parent_summary_id FROM summary_parents WHERE summary_id = ? ORDER BY ordinal ASC;
	`, summaryID)
	if err != nil {
		return nil, fmt.Errorf("query summary_parents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("scan summary_parent: %w", err)
		}
		out = append(out, pid)
	}
	return out, rows.Err()
}

// GetSummaryChildren returns summaries that list summaryID as a parent.
func (s *Store) GetSummaryChildren(ctx context.Context, summaryID string) ([]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT summary_id FROM summary_parents WHERE parent_summary_id = ?;
	`, summaryID)
	if err != nil {
		return nil, fmt.Errorf("query summary children: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("scan summary child: %w", err)
		}
		out = append(out, cid)
	}
	return out, rows.Err()
}
