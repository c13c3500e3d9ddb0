package lcmtelemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds every instrument the engine emits. Adapted from the
// teacher's internal/otel.Metrics/NewMetrics construction shape, scoped
// to compaction/assembly/retrieval instead of gateway/task/loop metrics.
type Metrics struct {
	IngestDuration        metric.Float64Histogram
	AssembleDuration       metric.Float64Histogram
	CompactionPassDuration metric.Float64Histogram
	SummariesCreated       metric.Int64Counter
	TokensReclaimed        metric.Int64Counter
	EscalationLevel        metric.Int64Counter
	RetrievalDuration      metric.Float64Histogram
	ExpandTruncations      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.IngestDuration, err = meter.Float64Histogram("lcm.ingest.duration",
		metric.WithDescription("Ingest call duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.AssembleDuration, err = meter.Float64Histogram("lcm.assemble.duration",
		metric.WithDescription("Context assembly duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.CompactionPassDuration, err = meter.Float64Histogram("lcm.compaction.pass.duration",
		metric.WithDescription("Single compaction pass duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.SummariesCreated, err = meter.Int64Counter("lcm.summaries.created",
		metric.WithDescription("Summaries created, by kind"))
	if err != nil {
		return nil, err
	}

	m.TokensReclaimed, err = meter.Int64Counter("lcm.tokens.reclaimed",
		metric.WithDescription("Tokens removed from context by compaction passes"))
	if err != nil {
		return nil, err
	}

	m.EscalationLevel, err = meter.Int64Counter("lcm.compaction.escalation",
		metric.WithDescription("Compaction passes, by escalation level reached"))
	if err != nil {
		return nil, err
	}

	m.RetrievalDuration, err = meter.Float64Histogram("lcm.retrieval.duration",
		metric.WithDescription("describe/grep/expand call duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.ExpandTruncations, err = meter.Int64Counter("lcm.expand.truncations",
		metric.WithDescription("expand calls that hit their token cap"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
