package lcmfacade

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jalehman/lcm-engine/internal/lcmstore"
)

// fileBlockPattern matches spec.md §6's large-file interception markup:
// <file name="…" mime="…">…</file>, body captured non-greedily.
var fileBlockPattern = regexp.MustCompile(`(?s)<file name="([^"]*)" mime="([^"]*)">(.*?)</file>`)

// interceptLargeFiles replaces any <file> block whose body token estimate
// is >= threshold with a file reference marker, inserting a LargeFile row
// for each. threshold<=0 disables interception and returns content
// unchanged. Smaller blocks are left inline verbatim.
func (f *Facade) interceptLargeFiles(ctx context.Context, conversationID, content string) (string, error) {
	if f.largeFileTokenThreshold <= 0 {
		return content, nil
	}
	if !fileBlockPattern.MatchString(content) {
		return content, nil
	}

	var outerErr error
	replaced := fileBlockPattern.ReplaceAllStringFunc(content, func(block string) string {
		if outerErr != nil {
			return block
		}
		m := fileBlockPattern.FindStringSubmatch(block)
		name, mime, body := m[1], m[2], m[3]

		if lcmstore.EstimateTokens(body) < f.largeFileTokenThreshold {
			return block
		}

		ext := lcmstore.SafeExtension(mime, name)
		file, err := f.store.InsertLargeFile(ctx, lcmstore.NewLargeFileInput{
			ConversationID: conversationID,
			FileName:       name,
			MimeType:       mime,
			ByteSize:       int64(len(body)),
			ExplorationSummary: explorationSummary(body),
		})
		if err != nil {
			outerErr = fmt.Errorf("insert large file: %w", err)
			return block
		}

		storageURI, err := lcmstore.WriteLargeFilePayload(conversationID, file.FileID, ext, body)
		if err != nil {
			outerErr = fmt.Errorf("write large file payload: %w", err)
			return block
		}
		if err := f.store.SetLargeFileStorageURI(ctx, file.FileID, storageURI); err != nil {
			outerErr = fmt.Errorf("set large file storage uri: %w", err)
			return block
		}

		return fmt.Sprintf("[LCM File: %s | %s | %s | %d bytes]\n%s", file.FileID, name, mime, len(body), file.ExplorationSummary)
	})
	if outerErr != nil {
		return "", outerErr
	}
	return replaced, nil
}

// explorationSummary produces a short first-line-or-truncation summary
// for a large file body, used as the marker's trailing line until a
// richer exploration pass runs.
func explorationSummary(body string) string {
	const maxLen = 200
	if len(body) <= maxLen {
		return body
	}
	return body[:maxLen] + "…"
}
