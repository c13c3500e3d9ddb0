// Package lcmretrieve implements the RetrievalEngine: describe, grep,
// and expand over the durable conversation/summary store.
//
// Grounded on the teacher's internal/persistence.Store bounded-window
// readers (ListHistory/ArchiveMessages cursor-and-limit shape) for
// grep's scope/limit handling, and internal/memory/shared.go's
// SharedContext.Format accumulate-until-cap loop for expand's running
// token accumulator and truncated flag.
package lcmretrieve

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jalehman/lcm-engine/internal/lcmstore"
	"github.com/jalehman/lcm-engine/internal/lcmtelemetry"
)

// DescribeType distinguishes what describe resolved an ID to.
type DescribeType string

const (
	DescribeTypeSummary DescribeType = "summary"
	DescribeTypeFile    DescribeType = "file"
	DescribeTypeNone    DescribeType = "none"
)

// SummaryView is the describe() summary payload.
type SummaryView struct {
	Kind        lcmstore.SummaryKind
	Depth       int
	Content     string
	TokenCount  int
	MessageIDs  []int64
	ParentIDs   []string
	ChildIDs    []string
	CreatedAt   time.Time
}

// FileView is the describe() large-file payload.
type FileView struct {
	FileID            string
	FileName          string
	MimeType          string
	ByteSize          int64
	StorageURI        string
	ExplorationSummary string
	CreatedAt         time.Time
}

// DescribeResult is the output of Describe.
type DescribeResult struct {
	ID      string
	Type    DescribeType
	Summary *SummaryView
	File    *FileView
}

// Engine is the RetrievalEngine component.
type Engine struct {
	store   *lcmstore.Store
	tracer  trace.Tracer
	metrics *lcmtelemetry.Metrics
}

// New constructs an Engine over a store.
func New(store *lcmstore.Store) *Engine {
	return &Engine{store: store}
}

// WithTelemetry attaches a tracer and metrics instrument set, mirroring
// lcmcompact.Engine.WithTelemetry's fluent setter.
func (e *Engine) WithTelemetry(tracer trace.Tracer, metrics *lcmtelemetry.Metrics) *Engine {
	e.tracer = tracer
	e.metrics = metrics
	return e
}

// recordRetrieval records a describe/grep/expand call's duration against
// RetrievalDuration when metrics are attached; a no-op otherwise.
func (e *Engine) recordRetrieval(ctx context.Context, start time.Time) {
	if e.metrics != nil {
		e.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
	}
}

// Describe resolves an opaque ID (summary or large-file) to its view.
// Summary IDs are tried first (prefix sum_), file IDs second (prefix
// file_); an unrecognized or missing ID returns type=none rather than
// an error, matching the RetrievalEngine's describe()'s partial-lookup
// contract.
func (e *Engine) Describe(ctx context.Context, id string) (DescribeResult, error) {
	start := time.Now()
	if e.tracer != nil {
		spanCtx, sp := lcmtelemetry.StartSpan(ctx, e.tracer, "lcmretrieve.describe")
		defer sp.End()
		ctx = spanCtx
	}
	defer e.recordRetrieval(ctx, start)

	if sum, err := e.store.GetSummary(ctx, id); err == nil {
		messageIDs, err := e.store.GetSummaryMessages(ctx, id)
		if err != nil {
			return DescribeResult{}, fmt.Errorf("get summary messages: %w", err)
		}
		parentIDs, err := e.store.GetSummaryParents(ctx, id)
		if err != nil {
			return DescribeResult{}, fmt.Errorf("get summary parents: %w", err)
		}
		childIDs, err := e.store.GetSummaryChildren(ctx, id)
		if err != nil {
			return DescribeResult{}, fmt.Errorf("get summary children: %w", err)
		}
		return DescribeResult{
			ID:   id,
			Type: DescribeTypeSummary,
			Summary: &SummaryView{
				Kind: sum.Kind, Depth: sum.Depth, Content: sum.Content,
				TokenCount: sum.TokenCount, MessageIDs: messageIDs,
				ParentIDs: parentIDs, ChildIDs: childIDs, CreatedAt: sum.CreatedAt,
			},
		}, nil
	}

	if file, err := e.store.GetLargeFile(ctx, id); err == nil {
		return DescribeResult{
			ID:   id,
			Type: DescribeTypeFile,
			File: &FileView{
				FileID: file.FileID, FileName: file.FileName, MimeType: file.MimeType,
				ByteSize: file.ByteSize, StorageURI: file.StorageURI,
				ExplorationSummary: file.ExplorationSummary, CreatedAt: file.CreatedAt,
			},
		}, nil
	}

	return DescribeResult{ID: id, Type: DescribeTypeNone}, nil
}
