package lcmstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LargeFile mirrors spec.md's LargeFile entity: metadata for a payload
// intercepted off the ingest path and written to disk under
// <user-home>/.openclaw/lcm-files/<conversation_id>/<file_id>.<ext>.
type LargeFile struct {
	FileID             string
	ConversationID     string
	FileName           string
	MimeType           string
	ByteSize           int64
	StorageURI         string
	ExplorationSummary string
	CreatedAt          time.Time
}

// NewLargeFileInput is the argument to InsertLargeFile.
type NewLargeFileInput struct {
	ConversationID     string
	FileName           string
	MimeType           string
	ByteSize           int64
	StorageURI         string
	ExplorationSummary string
}

func newFileID() string {
	return "file_" + uuid.NewString()
}

// InsertLargeFile writes a LargeFile row with a freshly minted file_id.
func (s *Store) InsertLargeFile(ctx context.Context, in NewLargeFileInput) (LargeFile, error) {
	fileID := newFileID()
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO large_files (file_id, conversation_id, file_name, mime_type, byte_size, storage_uri, exploration_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, fileID, in.ConversationID, in.FileName, in.MimeType, in.ByteSize, in.StorageURI, in.ExplorationSummary)
	if err != nil {
		return LargeFile{}, fmt.Errorf("insert large_file: %w", err)
	}
	return s.GetLargeFile(ctx, fileID)
}

// SetLargeFileStorageURI updates a large file's storage_uri, used once
// the interception path has written the payload to disk and learned the
// file_id minted by InsertLargeFile.
func (s *Store) SetLargeFileStorageURI(ctx context.Context, fileID, storageURI string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE large_files SET storage_uri = ? WHERE file_id = ?;
	`, storageURI, fileID)
	if err != nil {
		return fmt.Errorf("update large_file storage_uri: %w", err)
	}
	return nil
}

// GetLargeFile loads a LargeFile by ID.
func (s *Store) GetLargeFile(ctx context.Context, fileID string) (LargeFile, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT file_id, conversation_id, COALESCE(file_name, ''), COALESCE(mime_type, ''),
		       COALESCE(byte_size, 0), storage_uri, COALESCE(exploration_summary, ''), created_at
		FROM large_files WHERE file_id = ?;
	`, fileID)
	var f LargeFile
	if err := row.Scan(&f.FileID, &f.ConversationID, &f.FileName, &f.MimeType, &f.ByteSize, &f.StorageURI, &f.ExplorationSummary, &f.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LargeFile{}, fmt.Errorf("%w: %s", ErrLargeFileNotFound, fileID)
		}
		return LargeFile{}, fmt.Errorf("get large_file: %w", err)
	}
	return f, nil
}

// GetLargeFilesByConversation lists large files for a conversation.
func (s *Store) GetLargeFilesByConversation(ctx context.Context, conversationID string) ([]LargeFile, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT file_id, conversation_id, COALESCE(file_name, ''), COALESCE(mime_type, ''),
		       COALESCE(byte_size, 0), storage_uri, COALESCE(exploration_summary, ''), created_at
		FROM large_files WHERE conversation_id = ? ORDER BY created_at ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query large_files: %w", err)
	}
	defer rows.Close()

	var out []LargeFile
	for rows.Next() {
		var f LargeFile
		if err := rows.Scan(&f.FileID, &f.ConversationID, &f.FileName, &f.MimeType, &f.ByteSize, &f.StorageURI, &f.ExplorationSummary, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan large_file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

var extSanitizer = regexp.MustCompile(`[^a-z0-9]`)

// SafeExtension derives a filesystem-safe extension from a MIME type or
// file name, restricted to [a-z0-9], defaulting to "txt". Grounded on the
// teacher's DefaultDBPath/NewLogger under-home path construction idiom.
func SafeExtension(mimeType, fileName string) string {
	candidate := ""
	if idx := strings.LastIndex(fileName, "."); idx >= 0 && idx < len(fileName)-1 {
		candidate = fileName[idx+1:]
	} else if idx := strings.LastIndex(mimeType, "/"); idx >= 0 {
		candidate = mimeType[idx+1:]
	}
	candidate = extSanitizer.ReplaceAllString(strings.ToLower(candidate), "")
	if candidate == "" {
		return "txt"
	}
	return candidate
}

// LargeFilesRoot returns <home>/.openclaw/lcm-files, creating it if
// necessary.
func LargeFilesRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	root := filepath.Join(home, ".openclaw", "lcm-files")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create large files root: %w", err)
	}
	return root, nil
}

// WriteLargeFilePayload writes the verbatim intercepted payload to disk
// under <root>/<conversation_id>/<file_id>.<ext> and returns the storage
// URI (a plain filesystem path).
func WriteLargeFilePayload(conversationID, fileID, ext, payload string) (string, error) {
	root, err := LargeFilesRoot()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create conversation file dir: %w", err)
	}
	path := filepath.Join(dir, fileID+"."+ext)
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		return "", fmt.Errorf("write large file payload: %w", err)
	}
	return path, nil
}
