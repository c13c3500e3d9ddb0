// Package lcmcompact implements the CompactionEngine: trigger evaluation,
// chunk selection, summarizer escalation, depth-aware DAG construction,
// and durable compaction-event emission.
//
// Grounded on two teacher-pack sources: internal/engine/compactor.go's
// Compactor.CompactIfNeeded (threshold/keep-recent shape, backward scan
// for a safe window, archive-then-insert-summary flow) and
// novalis78-crush's internal/llm/agent/compact.go's CompactSession
// (keep-recent split, stale tool-result handling before summarization,
// fallback-on-summarizer-error). The escalation ladder itself
// (normal -> aggressive -> deterministic fallback) and the depth-aware
// condensed pass are new: no example repo builds a DAG of recursive
// summaries, so that structure is domain logic over lcmstore, not a
// copy of either source.
package lcmcompact

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jalehman/lcm-engine/internal/lcmstore"
	"github.com/jalehman/lcm-engine/internal/lcmtelemetry"
)


// Level is the escalation level an accepted summary was produced at.
type Level string

const (
	LevelNormal     Level = "normal"
	LevelAggressive Level = "aggressive"
	LevelFallback   Level = "fallback"
)

// Pass distinguishes the two compaction passes.
type Pass string

const (
	PassLeaf      Pass = "leaf"
	PassCondensed Pass = "condensed"
)

// SummarizeOptions is passed to the host-supplied Summarizer alongside
// the text to summarize.
type SummarizeOptions struct {
	Aggressive      bool
	IsCondensed     bool
	PreviousSummary string
}

// Summarizer is the host-supplied black-box callback: summarize(text,
// aggressive, options) -> text. Per spec.md, this is the only point
// where engine logic calls out to an LLM or other host-provided
// summarization routine.
type Summarizer func(ctx context.Context, text string, opts SummarizeOptions) (string, error)

// Config holds CompactionEngine tuning parameters (spec.md §4.4).
type Config struct {
	ContextThreshold       float64 // (0,1]
	FreshTailCount         int
	LeafChunkTokens        int // default 20000
	LeafTargetTokens       int // ~600
	CondensedTargetTokens  int // ~900
	LeafMinFanout          int // >=2
	CondensedMinFanout     int
	CondensedMinFanoutHard int
	IncrementalMaxDepth    int
	MaxRounds              int // <=10
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		ContextThreshold:       0.8,
		FreshTailCount:         8,
		LeafChunkTokens:        20000,
		LeafTargetTokens:       600,
		CondensedTargetTokens:  900,
		LeafMinFanout:          2,
		CondensedMinFanout:     2,
		CondensedMinFanoutHard: 2,
		IncrementalMaxDepth:    1,
		MaxRounds:              10,
	}
}

func (c Config) normalized() Config {
	if c.MaxRounds <= 0 || c.MaxRounds > 10 {
		c.MaxRounds = 10
	}
	if c.LeafChunkTokens <= 0 {
		c.LeafChunkTokens = 20000
	}
	if c.LeafMinFanout < 2 {
		c.LeafMinFanout = 2
	}
	if c.CondensedMinFanout < 1 {
		c.CondensedMinFanout = 2
	}
	if c.CondensedMinFanoutHard < 1 {
		c.CondensedMinFanoutHard = c.CondensedMinFanout
	}
	return c
}

// Engine is the CompactionEngine component.
type Engine struct {
	store      *lcmstore.Store
	summarizer Summarizer
	config     Config
	tracer     trace.Tracer
	metrics    *lcmtelemetry.Metrics
}

// New constructs an Engine. tracer/metrics may be nil, in which case
// instrumentation is skipped (the engine has no hard dependency on
// telemetry being configured).
func New(store *lcmstore.Store, summarizer Summarizer, cfg Config) *Engine {
	return &Engine{store: store, summarizer: summarizer, config: cfg.normalized()}
}

// WithTelemetry attaches a tracer and metrics instrument set, mirroring
// the teacher's internal/otel span-around-execution wiring
// (internal/otel/spans.go) generalized to per-pass spans/counters here.
func (e *Engine) WithTelemetry(tracer trace.Tracer, metrics *lcmtelemetry.Metrics) *Engine {
	e.tracer = tracer
	e.metrics = metrics
	return e
}

func (e *Engine) recordPass(ctx context.Context, pass Pass, level Level, tokensBefore, tokensAfter int, summaryCount int, start time.Time) {
	if e.metrics == nil {
		return
	}
	duration := time.Since(start).Seconds()
	e.metrics.CompactionPassDuration.Record(ctx, duration,
		metric.WithAttributes(attribute.String("pass", string(pass))))
	e.metrics.SummariesCreated.Add(ctx, int64(summaryCount),
		metric.WithAttributes(attribute.String("kind", string(pass))))
	if reclaimed := tokensBefore - tokensAfter; reclaimed > 0 {
		e.metrics.TokensReclaimed.Add(ctx, int64(reclaimed))
	}
	e.metrics.EscalationLevel.Add(ctx, 1,
		metric.WithAttributes(attribute.String("level", string(level))))
}

var fileIDPattern = regexp.MustCompile(`file_[0-9a-f]{16}`)

func extractFileIDs(texts ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range texts {
		for _, m := range fileIDPattern.FindAllString(t, -1) {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// EvaluateHardTrigger implements spec.md §4.4's hard trigger:
// max(stored_context_tokens, observed) > floor(context_threshold * budget).
func (e *Engine) EvaluateHardTrigger(ctx context.Context, conversationID string, tokenBudget int, observed *int) (bool, error) {
	stored, err := e.store.GetContextTokenCount(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("get context token count: %w", err)
	}
	maxTokens := stored
	if observed != nil && *observed > maxTokens {
		maxTokens = *observed
	}
	threshold := int(e.config.ContextThreshold * float64(tokenBudget))
	return maxTokens > threshold, nil
}

// EvaluateLeafTrigger implements spec.md §4.4's soft trigger: sum of
// raw-message tokens outside the fresh tail >= leaf_chunk_tokens.
func (e *Engine) EvaluateLeafTrigger(ctx context.Context, conversationID string) (bool, error) {
	total, err := e.RawTokensOutsideTail(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return total >= e.config.LeafChunkTokens, nil
}

// RawTokensOutsideTail sums the token_count of raw-message context items
// outside the protected fresh tail, the quantity the soft/leaf trigger
// compares against leaf_chunk_tokens.
func (e *Engine) RawTokensOutsideTail(ctx context.Context, conversationID string) (int, error) {
	items, err := e.store.GetContextItems(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("get context items: %w", err)
	}
	eligible := outsideFreshTail(items, e.config.FreshTailCount)

	total := 0
	for _, it := range eligible {
		if it.ItemType != lcmstore.ItemTypeMessage || it.MessageID == nil {
			continue
		}
		msg, err := e.store.GetMessageByID(ctx, *it.MessageID)
		if err != nil {
			return 0, fmt.Errorf("get message: %w", err)
		}
		total += msg.TokenCount
	}
	return total, nil
}

// Config returns the engine's normalized configuration.
func (e *Engine) Config() Config {
	return e.config
}

// outsideFreshTail returns the prefix of items preceding the protected
// fresh tail (the trailing FreshTailCount message items).
func outsideFreshTail(items []lcmstore.ContextItem, freshTailCount int) []lcmstore.ContextItem {
	tailStart := len(items)
	messagesSeen := 0
	for i := len(items) - 1; i >= 0; i-- {
		if messagesSeen >= freshTailCount {
			break
		}
		tailStart = i
		if items[i].ItemType == lcmstore.ItemTypeMessage {
			messagesSeen++
		}
	}
	return items[:tailStart]
}

// CompactResult is returned by CompactLeaf/CompactCondensed/Compact.
type CompactResult struct {
	ActionTaken            bool
	Pass                   Pass
	Level                  Level
	TokensBefore           int
	TokensAfter            int
	CreatedSummaryID       string
	CreatedSummaryIDs      []string
	CondensedPassOccurred  bool
}

// CompactInput is the argument to Compact.
type CompactInput struct {
	ConversationID string
	TokenBudget    int
	Force          bool
}

// Compact runs compactUntilUnder: sweeps (leaf pass to exhaustion, then
// condensed passes depth-by-depth to exhaustion) up to MaxRounds,
// stopping early on no progress, succeeding when context_tokens <=
// target. A request where currentTokens == target (including Force)
// still triggers at least one forced sweep, per spec.md §4.4.
func (e *Engine) Compact(ctx context.Context, in CompactInput) (CompactResult, error) {
	target := int(float64(in.TokenBudget) * e.config.ContextThreshold)

	before, err := e.store.GetContextTokenCount(ctx, in.ConversationID)
	if err != nil {
		return CompactResult{}, fmt.Errorf("get context token count: %w", err)
	}

	overall := CompactResult{TokensBefore: before}
	rounds := 0
	forcedFirstSweep := in.Force

	for rounds < e.config.MaxRounds {
		current, err := e.store.GetContextTokenCount(ctx, in.ConversationID)
		if err != nil {
			return overall, fmt.Errorf("get context token count: %w", err)
		}
		if !forcedFirstSweep && current <= target {
			break
		}
		forcedFirstSweep = false

		sweepResult, progressed, err := e.compactFullSweep(ctx, in.ConversationID, in.Force)
		if err != nil {
			return overall, err
		}
		if sweepResult.ActionTaken {
			overall.ActionTaken = true
			overall.Pass = sweepResult.Pass
			overall.Level = sweepResult.Level
			overall.CreatedSummaryID = sweepResult.CreatedSummaryID
			overall.CreatedSummaryIDs = append(overall.CreatedSummaryIDs, sweepResult.CreatedSummaryIDs...)
			overall.CondensedPassOccurred = overall.CondensedPassOccurred || sweepResult.CondensedPassOccurred
		}
		rounds++
		if !progressed {
			break
		}
	}

	after, err := e.store.GetContextTokenCount(ctx, in.ConversationID)
	if err != nil {
		return overall, fmt.Errorf("get context token count: %w", err)
	}
	overall.TokensAfter = after
	return overall, nil
}

// compactFullSweep repeats Pass 1 until no eligible chunk or no
// progress, then repeats Pass 2 (increasing depth) the same way.
func (e *Engine) compactFullSweep(ctx context.Context, conversationID string, force bool) (CompactResult, bool, error) {
	var result CompactResult
	progressed := false

	for {
		before, err := e.store.GetContextTokenCount(ctx, conversationID)
		if err != nil {
			return result, progressed, err
		}
		r, ok, err := e.compactLeafOnce(ctx, conversationID, force)
		if err != nil {
			return result, progressed, err
		}
		if !ok {
			break
		}
		after, err := e.store.GetContextTokenCount(ctx, conversationID)
		if err != nil {
			return result, progressed, err
		}
		if after >= before {
			break // monotonicity violation: stop iterating even under force
		}
		result = r
		progressed = true
	}

	for {
		r, ok, err := e.compactCondensedOnce(ctx, conversationID, force)
		if err != nil {
			return result, progressed, err
		}
		if !ok {
			break
		}
		result = r
		result.CondensedPassOccurred = true
		progressed = true
	}

	return result, progressed, nil
}

// CompactLeaf is the incremental (soft) path: at most one leaf pass
// followed by at most IncrementalMaxDepth depth-by-depth condensed
// passes.
func (e *Engine) CompactLeaf(ctx context.Context, conversationID string, force bool) (CompactResult, error) {
	result, ok, err := e.compactLeafOnce(ctx, conversationID, force)
	if err != nil {
		return CompactResult{}, err
	}
	if !ok {
		return CompactResult{}, nil
	}

	for d := 0; d < e.config.IncrementalMaxDepth; d++ {
		r, ok, err := e.compactCondensedOnce(ctx, conversationID, force)
		if err != nil {
			return result, err
		}
		if !ok {
			break
		}
		result = r
		result.CondensedPassOccurred = true
	}

	return result, nil
}

func escalate(ctx context.Context, summarizer Summarizer, text string, opts SummarizeOptions) (string, Level, error) {
	inputTokens := lcmstore.EstimateTokens(text)

	opts.Aggressive = false
	normal, err := summarizer(ctx, text, opts)
	if err != nil {
		return "", "", fmt.Errorf("summarize (normal): %w", err)
	}
	if lcmstore.EstimateTokens(normal) < inputTokens {
		return normal, LevelNormal, nil
	}

	opts.Aggressive = true
	aggressive, err := summarizer(ctx, text, opts)
	if err != nil {
		return "", "", fmt.Errorf("summarize (aggressive): %w", err)
	}
	if lcmstore.EstimateTokens(aggressive) < inputTokens {
		return aggressive, LevelAggressive, nil
	}

	const maxFallbackChars = 512 * 4
	fallback := text
	if len(fallback) > maxFallbackChars {
		fallback = fallback[:maxFallbackChars]
	}
	fallback += fmt.Sprintf("\n[Truncated from %d tokens]", inputTokens)
	return fallback, LevelFallback, nil
}

func previousSummaryContent(ctx context.Context, store *lcmstore.Store, items []lcmstore.ContextItem, runStart int) (string, error) {
	if runStart == 0 {
		return "", nil
	}
	prev := items[runStart-1]
	if prev.ItemType != lcmstore.ItemTypeSummary || prev.SummaryID == nil {
		return "", nil
	}
	sum, err := store.GetSummary(ctx, *prev.SummaryID)
	if err != nil {
		return "", fmt.Errorf("get previous summary: %w", err)
	}
	return sum.Content, nil
}

// emitCompactionEvent writes the durable compaction event as a system
// message carrying a compaction part (spec.md §4.4 "Event persistence").
// Failures here are swallowed: this is the only deliberately
// best-effort class of failure in the engine.
func (e *Engine) emitCompactionEvent(ctx context.Context, conversationID string, pass Pass, level Level, tokensBefore, tokensAfter int, createdSummaryID string, createdSummaryIDs []string, condensedOccurred bool) {
	metadata := fmt.Sprintf(
		`{"conversation_id":%q,"pass":%q,"level":%q,"tokens_before":%d,"tokens_after":%d,"created_summary_id":%q,"created_summary_ids":%s,"condensed_pass_occurred":%t}`,
		conversationID, pass, level, tokensBefore, tokensAfter, createdSummaryID, jsonStringArray(createdSummaryIDs), condensedOccurred,
	)

	maxSeq, err := e.store.GetMaxSeq(ctx, conversationID)
	if err != nil {
		return
	}

	content := fmt.Sprintf("compaction pass=%s level=%s", pass, level)
	msg, err := e.store.CreateMessage(ctx, lcmstore.NewMessageInput{
		ConversationID: conversationID,
		Seq:            maxSeq + 1,
		Role:           "system",
		Content:        content,
		TokenCount:     lcmstore.EstimateTokens(content),
	})
	if err != nil {
		return
	}
	_, _ = e.store.CreateMessageParts(ctx, msg.MessageID, []lcmstore.NewPartInput{{
		PartType:     lcmstore.PartTypeCompaction,
		MetadataJSON: metadata,
	}})
}

// CompactionEvent is one parsed compaction-pass record, read back from
// the durable system-message-plus-compaction-part trail emitCompactionEvent
// writes (spec.md §4.4 "Event persistence").
type CompactionEvent struct {
	MessageID             int64
	Seq                   int
	Pass                  Pass
	Level                 Level
	TokensBefore          int
	TokensAfter           int
	CreatedSummaryID      string
	CreatedSummaryIDs     []string
	CondensedPassOccurred bool
	CreatedAt             time.Time
}

type compactionEventMetadata struct {
	Pass                  Pass     `json:"pass"`
	Level                 Level    `json:"level"`
	TokensBefore          int      `json:"tokens_before"`
	TokensAfter           int      `json:"tokens_after"`
	CreatedSummaryID      string   `json:"created_summary_id"`
	CreatedSummaryIDs     []string `json:"created_summary_ids"`
	CondensedPassOccurred bool     `json:"condensed_pass_occurred"`
}

// ListCompactionEvents returns a conversation's compaction events in seq
// order, the reader half of the writer at emitCompactionEvent.
func (e *Engine) ListCompactionEvents(ctx context.Context, conversationID string, afterSeq, limit int) ([]CompactionEvent, error) {
	rows, err := e.store.GetCompactionEvents(ctx, conversationID, lcmstore.GetCompactionEventsOptions{
		AfterSeq: afterSeq,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get compaction events: %w", err)
	}

	out := make([]CompactionEvent, 0, len(rows))
	for _, r := range rows {
		var meta compactionEventMetadata
		if err := json.Unmarshal([]byte(r.MetadataJSON), &meta); err != nil {
			return nil, fmt.Errorf("unmarshal compaction event metadata (message %d): %w", r.MessageID, err)
		}
		out = append(out, CompactionEvent{
			MessageID:             r.MessageID,
			Seq:                   r.Seq,
			Pass:                  meta.Pass,
			Level:                 meta.Level,
			TokensBefore:          meta.TokensBefore,
			TokensAfter:           meta.TokensAfter,
			CreatedSummaryID:      meta.CreatedSummaryID,
			CreatedSummaryIDs:     meta.CreatedSummaryIDs,
			CondensedPassOccurred: meta.CondensedPassOccurred,
			CreatedAt:             r.CreatedAt,
		})
	}
	return out, nil
}

func jsonStringArray(vals []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(v)
		b.WriteByte('"')
	}
	b.WriteByte(']')
	return b.String()
}
