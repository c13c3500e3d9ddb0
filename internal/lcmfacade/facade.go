// Package lcmfacade implements the per-session Facade: the single entry
// point a host process uses to bootstrap, ingest, assemble, and compact
// a conversation's durable context.
//
// Grounded on the teacher's internal/persistence.Store session-scoped
// surface (EnsureSession/AddHistory/ListHistory in sessions.go) for the
// shape of a thin orchestration layer over a store, and on
// novalis78-crush's internal/llm/agent compaction entry points
// (CompactSession, the a.activeRequests keyed-map pattern in compact.go)
// for per-session serialization of mutating operations.
package lcmfacade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jalehman/lcm-engine/internal/lcmassemble"
	"github.com/jalehman/lcm-engine/internal/lcmcompact"
	"github.com/jalehman/lcm-engine/internal/lcmretrieve"
	"github.com/jalehman/lcm-engine/internal/lcmstore"
	"github.com/jalehman/lcm-engine/internal/lcmtelemetry"
)

// InputMessage is a single message as the host presents it to ingest,
// bootstrap, or afterTurn.
type InputMessage struct {
	Role    string
	Content string
}

// Facade is the engine's external interface. One Facade wraps one store;
// callers typically keep one Facade per process and address sessions by
// session_id.
type Facade struct {
	store      *lcmstore.Store
	assembler  *lcmassemble.Assembler
	compactor  *lcmcompact.Engine
	retriever  *lcmretrieve.Engine
	logger     *slog.Logger
	metrics    *lcmtelemetry.Metrics

	largeFileTokenThreshold int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Facade. largeFileTokenThreshold gates large-file
// interception on ingest (spec.md §6, "Large-file interception"); 0
// disables interception.
func New(store *lcmstore.Store, compactor *lcmcompact.Engine, largeFileTokenThreshold int) *Facade {
	return &Facade{
		store:                   store,
		assembler:               lcmassemble.New(store),
		compactor:               compactor,
		retriever:               lcmretrieve.New(store),
		largeFileTokenThreshold: largeFileTokenThreshold,
		locks:                   make(map[string]*sync.Mutex),
	}
}

// WithTelemetry attaches a logger, tracer, and metrics set, mirroring the
// teacher's fluent WithXxx setters on long-lived service objects. The
// tracer/metrics are also forwarded to the retriever so describe/grep/
// expand get spans and land their durations on the same Metrics set as
// the rest of the engine; the compactor is telemetry-wired separately by
// its own WithTelemetry before being passed into New.
func (f *Facade) WithTelemetry(logger *slog.Logger, tracer trace.Tracer, metrics *lcmtelemetry.Metrics) *Facade {
	f.logger = logger
	f.metrics = metrics
	f.retriever.WithTelemetry(tracer, metrics)
	return f
}

// sessionLock returns the FIFO mutex for a session_id, creating it on
// first use. Mirrors the teacher's per-key map-of-locks idiom in
// internal/gateway/ratelimit.go (RateLimitMiddleware.buckets), generalized
// from "one value per key" to "one pending-operation queue per key" per
// spec.md §5.
func (f *Facade) sessionLock(sessionID string) *sync.Mutex {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	lock, ok := f.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		f.locks[sessionID] = lock
	}
	return lock
}

// withSessionLock serializes mutating operations per session_id; reads
// (assemble, describe, grep, expand) bypass this and call the store
// directly.
func (f *Facade) withSessionLock(sessionID string, fn func() error) error {
	lock := f.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// Dispose releases the session's hold on the store connection (per
// spec.md's dispose()). The store itself is a per-path singleton shared
// across sessions, so Dispose only drops this Facade's per-session lock
// entry; it never closes the underlying *lcmstore.Store.
func (f *Facade) Dispose(sessionID string) {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	delete(f.locks, sessionID)
}

// AssembleInput is the argument to Assemble.
type AssembleInput struct {
	SessionID   string
	Messages    []InputMessage // live, in-memory tail used as pass-through fallback
	TokenBudget int
}

// AssembleOutput is the result of Assemble.
type AssembleOutput struct {
	Messages        []lcmassemble.AssembledMessage
	EstimatedTokens int
}

// Assemble implements spec.md §6's assemble(): if the stored context is
// empty, clearly trails the live tail (no summaries and fewer stored
// items than live messages), or the assembler throws, the live messages
// pass through unchanged with estimated_tokens=0.
func (f *Facade) Assemble(ctx context.Context, in AssembleInput) (AssembleOutput, error) {
	start := time.Now()
	defer func() {
		if f.metrics != nil {
			f.metrics.AssembleDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	passthrough := make([]lcmassemble.AssembledMessage, len(in.Messages))
	for i, m := range in.Messages {
		passthrough[i] = lcmassemble.AssembledMessage{Role: m.Role, Content: m.Content, TokenCount: lcmstore.EstimateTokens(m.Content)}
	}

	conv, err := f.store.GetOrCreateConversation(ctx, in.SessionID)
	if err != nil {
		return AssembleOutput{}, fmt.Errorf("get or create conversation: %w", err)
	}

	items, err := f.store.GetContextItems(ctx, conv.ConversationID)
	if err != nil {
		return AssembleOutput{Messages: passthrough, EstimatedTokens: 0}, nil
	}

	hasSummary := false
	for _, it := range items {
		if it.ItemType == lcmstore.ItemTypeSummary {
			hasSummary = true
			break
		}
	}
	if len(items) == 0 || (!hasSummary && len(items) < len(in.Messages)) {
		return AssembleOutput{Messages: passthrough, EstimatedTokens: 0}, nil
	}

	result := f.assembler.Assemble(ctx, lcmassemble.AssembleInput{
		ConversationID: conv.ConversationID,
		TokenBudget:    in.TokenBudget,
		FreshTailCount: defaultFreshTailCount,
	}, passthrough)

	return AssembleOutput{Messages: result.Messages, EstimatedTokens: result.EstimatedTokens}, nil
}

const defaultFreshTailCount = 8

// CompactTarget selects whether Compact runs to the full token_budget or
// only to the decision threshold.
type CompactTarget string

const (
	CompactTargetBudget    CompactTarget = "budget"
	CompactTargetThreshold CompactTarget = "threshold"
)

// CompactInput is the argument to Compact.
type CompactInput struct {
	SessionID   string
	TokenBudget int
	Target      CompactTarget
	Force       bool
}

// CompactOutput is the result of Compact.
type CompactOutput struct {
	OK        bool
	Compacted bool
	Reason    string
	Result    *lcmcompact.CompactResult
}

// Compact implements spec.md §6's compact(). A missing usable token
// budget is MissingTokenBudget; all other failures are SummarizerFailure
// or TransportFailure propagated from the compaction engine, which
// always leaves the DAG consistent.
func (f *Facade) Compact(ctx context.Context, in CompactInput) (CompactOutput, error) {
	if in.TokenBudget <= 0 {
		// MissingTokenBudget is a soft no-op envelope (spec.md §7), not a Go
		// error: the reason string is the sentinel's message with its
		// "lcm: " package prefix trimmed.
		reason := strings.TrimPrefix(lcmstore.ErrMissingTokenBudget.Error(), "lcm: ")
		return CompactOutput{OK: false, Compacted: false, Reason: reason}, nil
	}

	var out CompactOutput
	err := f.withSessionLock(in.SessionID, func() error {
		conv, err := f.store.GetOrCreateConversation(ctx, in.SessionID)
		if err != nil {
			return fmt.Errorf("get or create conversation: %w", err)
		}

		// Compact's internal target is context_threshold * token_budget
		// (the decision threshold). compaction_target=budget instead wants
		// to run all the way down to token_budget itself, so scale the
		// budget passed in up by 1/context_threshold to cancel that factor.
		budget := in.TokenBudget
		if in.Target == CompactTargetBudget {
			threshold := f.compactor.Config().ContextThreshold
			if threshold > 0 {
				budget = int(float64(in.TokenBudget) / threshold)
			}
		}

		result, cErr := f.compactor.Compact(ctx, lcmcompact.CompactInput{
			ConversationID: conv.ConversationID,
			TokenBudget:    budget,
			Force:          in.Force,
		})
		if cErr != nil {
			return fmt.Errorf("compact: %w", cErr)
		}
		out = CompactOutput{OK: true, Compacted: result.ActionTaken, Result: &result}
		return nil
	})
	if err != nil {
		// Every error reaching here is a store I/O failure: escalate's
		// summarizer-error path always falls back to deterministic
		// truncation rather than propagating (spec.md §7 SummarizerFailure
		// never surfaces), so whatever remains is TransportFailure.
		err = fmt.Errorf("%w: %s", lcmstore.ErrTransportFailure, err)
		if f.logger != nil {
			lcmtelemetry.LoggerWithTrace(f.logger, ctx).Error("compact_failed",
				"session_id", in.SessionID, "error", err.Error())
		}
		return CompactOutput{OK: false, Compacted: false, Reason: err.Error()}, nil
	}
	return out, nil
}

// EvaluateLeafTriggerOutput is the result of EvaluateLeafTrigger.
type EvaluateLeafTriggerOutput struct {
	ShouldCompact        bool
	RawTokensOutsideTail int
	Threshold            int
}

// EvaluateLeafTrigger implements spec.md §6's evaluateLeafTrigger(): a
// read-only check of the soft/leaf trigger, used by hosts to decide
// whether to call compactLeafAsync without paying for a full Compact.
func (f *Facade) EvaluateLeafTrigger(ctx context.Context, sessionID string) (EvaluateLeafTriggerOutput, error) {
	conv, err := f.store.GetOrCreateConversation(ctx, sessionID)
	if err != nil {
		return EvaluateLeafTriggerOutput{}, fmt.Errorf("get or create conversation: %w", err)
	}
	raw, err := f.compactor.RawTokensOutsideTail(ctx, conv.ConversationID)
	if err != nil {
		return EvaluateLeafTriggerOutput{}, fmt.Errorf("evaluate leaf trigger: %w", err)
	}
	threshold := f.compactor.Config().LeafChunkTokens
	return EvaluateLeafTriggerOutput{
		ShouldCompact:        raw >= threshold,
		RawTokensOutsideTail: raw,
		Threshold:            threshold,
	}, nil
}

// CompactLeafAsync implements spec.md §6's compactLeafAsync(): one
// incremental leaf pass (plus any immediately-eligible condensed passes
// up to incremental_max_depth), serialized per session.
func (f *Facade) CompactLeafAsync(ctx context.Context, sessionID string, force bool) (lcmcompact.CompactResult, error) {
	var result lcmcompact.CompactResult
	err := f.withSessionLock(sessionID, func() error {
		conv, err := f.store.GetOrCreateConversation(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("get or create conversation: %w", err)
		}
		result, err = f.compactor.CompactLeaf(ctx, conv.ConversationID, force)
		return err
	})
	if err != nil && f.logger != nil {
		lcmtelemetry.LoggerWithTrace(f.logger, ctx).Error("compact_leaf_async_failed",
			"session_id", sessionID, "error", err.Error())
	}
	return result, err
}

// Retriever exposes the RetrievalEngine for describe/grep/expand, which
// bypass per-session serialization (reads never block writers per
// spec.md §5).
func (f *Facade) Retriever() *lcmretrieve.Engine {
	return f.retriever
}

// ListCompactionEvents surfaces the persisted system messages with
// compaction parts for host-side observability — the reader half of the
// durable event-persistence path emitCompactionEvent writes. Like
// describe/grep/expand, it's a read and bypasses per-session
// serialization.
func (f *Facade) ListCompactionEvents(ctx context.Context, sessionID string, afterSeq, limit int) ([]lcmcompact.CompactionEvent, error) {
	conv, err := f.store.GetOrCreateConversation(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get or create conversation: %w", err)
	}
	return f.compactor.ListCompactionEvents(ctx, conv.ConversationID, afterSeq, limit)
}
