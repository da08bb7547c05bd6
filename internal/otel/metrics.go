package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the orchestration engine.
// All record helpers are safe on a nil *Metrics.
type Metrics struct {
	PhaseDuration      metric.Float64Histogram
	AgentRuns          metric.Int64Counter
	ActiveAgents       metric.Int64UpDownCounter
	LLMCallDuration    metric.Float64Histogram
	TokensUsed         metric.Int64Counter
	LLMCost            metric.Float64Counter
	ToolCallDuration   metric.Float64Histogram
	ToolCallErrors     metric.Int64Counter
	CacheLookups       metric.Int64Counter
	FindingsPersisted  metric.Int64Counter
	FindingsDuplicated metric.Int64Counter
	ScanExecutions     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.PhaseDuration, err = meter.Float64Histogram("inquest.agent.phase.duration",
		metric.WithDescription("Duration of a single loop phase in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.AgentRuns, err = meter.Int64Counter("inquest.agent.runs",
		metric.WithDescription("Agent loop runs by outcome"),
	); err != nil {
		return nil, err
	}
	if m.ActiveAgents, err = meter.Int64UpDownCounter("inquest.agent.active",
		metric.WithDescription("Agent loops currently running"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("inquest.llm.duration",
		metric.WithDescription("Reasoning service call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("inquest.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	); err != nil {
		return nil, err
	}
	if m.LLMCost, err = meter.Float64Counter("inquest.llm.cost",
		metric.WithDescription("Estimated reasoning spend"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallDuration, err = meter.Float64Histogram("inquest.tool.duration",
		metric.WithDescription("Data tool call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallErrors, err = meter.Int64Counter("inquest.tool.errors",
		metric.WithDescription("Data tool call failures"),
	); err != nil {
		return nil, err
	}
	if m.CacheLookups, err = meter.Int64Counter("inquest.cache.lookups",
		metric.WithDescription("Cache lookups by namespace and tier outcome"),
	); err != nil {
		return nil, err
	}
	if m.FindingsPersisted, err = meter.Int64Counter("inquest.findings.persisted",
		metric.WithDescription("Findings inserted"),
	); err != nil {
		return nil, err
	}
	if m.FindingsDuplicated, err = meter.Int64Counter("inquest.findings.duplicates",
		metric.WithDescription("Findings absorbed by the dedup constraint"),
	); err != nil {
		return nil, err
	}
	if m.ScanExecutions, err = meter.Int64Counter("inquest.scan.executions",
		metric.WithDescription("Scan (agent, directive) executions by outcome"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordPhase(ctx context.Context, agentID, phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrAgentID.String(agentID), AttrPhase.String(phase)))
}

func (m *Metrics) RecordAgentRun(ctx context.Context, agentID, outcome string) {
	if m == nil {
		return
	}
	m.AgentRuns.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(agentID), AttrOutcome.String(outcome)))
}

func (m *Metrics) AgentStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveAgents.Add(ctx, 1)
}

func (m *Metrics) AgentStopped(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveAgents.Add(ctx, -1)
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model string, d time.Duration, inputTokens, outputTokens int, costUSD float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrModel.String(model))
	m.LLMCallDuration.Record(ctx, d.Seconds(), attrs)
	m.TokensUsed.Add(ctx, int64(inputTokens+outputTokens), attrs)
	if costUSD > 0 {
		m.LLMCost.Add(ctx, costUSD, attrs)
	}
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrToolName.String(tool))
	m.ToolCallDuration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.ToolCallErrors.Add(ctx, 1, attrs)
	}
}

// RecordCacheLookup counts a lookup; outcome is "l1", "l2" or "miss".
func (m *Metrics) RecordCacheLookup(ctx context.Context, namespace, outcome string) {
	if m == nil {
		return
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(AttrCacheNamespace.String(namespace), AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordFinding(ctx context.Context, agentID string, created bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrAgentID.String(agentID))
	if created {
		m.FindingsPersisted.Add(ctx, 1, attrs)
		return
	}
	m.FindingsDuplicated.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordScanExecution(ctx context.Context, agentID string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	m.ScanExecutions.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(agentID), AttrOutcome.String(outcome)))
}

