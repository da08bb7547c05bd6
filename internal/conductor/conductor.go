// Package conductor answers a free-text query by routing it to one or more
// agents, running them concurrently, optionally adding agents for their
// follow-up questions and merging the outputs into one answer.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/basket/go-inquest/internal/agent"
	"github.com/basket/go-inquest/internal/bus"
	"github.com/basket/go-inquest/internal/findings"
	"github.com/basket/go-inquest/internal/otel"
	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/reasoning"
	"github.com/basket/go-inquest/internal/shared"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxReroute  = 2
	defaultPriorLimit  = 3
	defaultErrorDetail = 500

	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// AgentRunner runs one agent loop. *agent.Runner implements it.
type AgentRunner interface {
	Run(ctx context.Context, def agent.Definition, query string, onStep agent.StepFunc) (agent.Output, error)
}

// Persister stores the findings of one output. *findings.Persister
// implements it; each call uses its own session.
type Persister interface {
	Persist(ctx context.Context, out agent.Output, src findings.Source) (findings.Result, error)
}

// Records keeps the investigation history. *persistence.Store implements it.
type Records interface {
	CreateInvestigation(ctx context.Context, sessionID, query string) (string, error)
	FinishInvestigation(ctx context.Context, id string, agents []string, summary, errorDetail string) error
	RecentInvestigations(ctx context.Context, sessionID, excludeID string, limit int) ([]persistence.Investigation, error)
}

type Options struct {
	FallbackAgent       string
	MaxRerouteAgents    int
	PriorInvestigations int
	Temperature         float64
	StructuredRetries   int
	ErrorDetailLimit    int

	// Persister and Records are optional.
	Persister Persister
	Records   Records

	Bus    *bus.Bus
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Conductor is safe for concurrent use; every Investigate call is independent.
type Conductor struct {
	client  reasoning.Client
	agents  *agent.Registry
	runner  AgentRunner
	prompts agent.Renderer
	opts    Options
	logger  *slog.Logger
}

func New(client reasoning.Client, agents *agent.Registry, runner AgentRunner, prompts agent.Renderer, opts Options) *Conductor {
	if opts.MaxRerouteAgents <= 0 {
		opts.MaxRerouteAgents = defaultMaxReroute
	}
	if opts.PriorInvestigations < 0 {
		opts.PriorInvestigations = 0
	} else if opts.PriorInvestigations == 0 {
		opts.PriorInvestigations = defaultPriorLimit
	}
	if opts.ErrorDetailLimit <= 0 {
		opts.ErrorDetailLimit = defaultErrorDetail
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Conductor{
		client:  client,
		agents:  agents,
		runner:  runner,
		prompts: prompts,
		opts:    opts,
		logger:  opts.Logger.With("component", "conductor"),
	}
}

// Result is the answer to one query.
type Result struct {
	InvestigationID  string            `json:"investigation_id,omitempty"`
	Query            string            `json:"query"`
	Status           string            `json:"status"`
	Route            Route             `json:"route"`
	Rerouted         []string          `json:"rerouted,omitempty"`
	Outputs          []agent.Output    `json:"outputs"`
	Failures         map[string]string `json:"failures,omitempty"`
	Synthesis        *Synthesis        `json:"synthesis,omitempty"`
	ExecutiveSummary string            `json:"executive_summary"`
	Error            string            `json:"error,omitempty"`
}

// Ran lists the agents that produced an output, in routing order.
func (r Result) Ran() []string {
	ids := make([]string, 0, len(r.Outputs))
	for _, o := range r.Outputs {
		ids = append(ids, o.AgentID)
	}
	return ids
}

// Investigate answers query. Agent failures are isolated: a failed agent is
// absent from Outputs and listed in Failures. A run with no outputs is
// reported through Result.Status, not an error. The agents keep running if
// ctx is cancelled; only the caller stops waiting for routing.
func (c *Conductor) Investigate(ctx context.Context, sessionID, query string, onStep agent.StepFunc) (res Result, err error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, errors.New("query is empty")
	}
	if len(c.agents.List()) == 0 {
		return Result{}, errors.New("no agents configured")
	}
	if sessionID != "" {
		ctx = shared.WithSessionID(ctx, sessionID)
	}
	ctx, span := otel.StartSpan(ctx, c.opts.Tracer, "conductor.investigate")
	defer func() { otel.EndSpan(span, err) }()

	res = Result{Query: query, Failures: map[string]string{}}
	if c.opts.Records != nil {
		id, err := c.opts.Records.CreateInvestigation(ctx, sessionID, query)
		if err != nil {
			return Result{}, fmt.Errorf("record investigation: %w", err)
		}
		res.InvestigationID = id
	}
	logger := c.logger.With("investigation_id", res.InvestigationID, "session_id", sessionID)

	res.Route = c.route(ctx, logger, sessionID, res.InvestigationID, query)
	c.publish(bus.TopicInvestigationRouted, bus.RouteEvent{
		InvestigationID: res.InvestigationID,
		Agents:          res.Route.Agents,
		Synthesis:       res.Route.RequiresSynthesis,
		Rationale:       res.Route.Rationale,
	})

	// Agents are not tied to the caller's lifetime.
	runCtx := context.WithoutCancel(ctx)
	c.collect(&res, c.runAgents(runCtx, logger, res.Route.Agents, query, onStep))

	synthesize := res.Route.RequiresSynthesis
	if added := c.reroute(runCtx, logger, query, &res); len(added) > 0 {
		res.Rerouted = added
		c.publish(bus.TopicInvestigationRerouted, bus.RouteEvent{
			InvestigationID: res.InvestigationID,
			Agents:          added,
			Synthesis:       len(res.Outputs) > 1,
		})
		before := len(res.Outputs)
		c.collect(&res, c.runAgents(runCtx, logger, added, query, onStep))
		if len(res.Outputs) > before && len(res.Outputs) > 1 {
			synthesize = true
		}
	}

	switch {
	case len(res.Outputs) == 0:
		res.Status = StatusFailed
		res.Error = shared.Truncate(failureDetail(res.Failures), c.opts.ErrorDetailLimit)
	case len(res.Outputs) == 1:
		res.Status = StatusCompleted
		res.ExecutiveSummary = res.Outputs[0].Summary
	case synthesize:
		res.Status = StatusCompleted
		syn := c.synthesize(runCtx, logger, query, res.Outputs)
		res.Synthesis = &syn
		res.ExecutiveSummary = syn.ExecutiveSummary
	default:
		res.Status = StatusCompleted
		res.ExecutiveSummary = joinSummaries(res.Outputs)
	}

	if c.opts.Records != nil {
		if err := c.opts.Records.FinishInvestigation(runCtx, res.InvestigationID, res.Ran(), res.ExecutiveSummary, res.Error); err != nil {
			logger.Warn("finish investigation failed", "error", err)
		}
	}
	c.publish(bus.TopicInvestigationCompleted, bus.InvestigationEvent{
		InvestigationID: res.InvestigationID,
		Status:          res.Status,
		Agents:          res.Ran(),
		Outputs:         len(res.Outputs),
		Synthesized:     res.Synthesis != nil && !res.Synthesis.Failed,
		Error:           res.Error,
	})
	logger.Info("investigation finished", "status", res.Status, "outputs", len(res.Outputs),
		"failures", len(res.Failures), "rerouted", len(res.Rerouted), "synthesized", res.Synthesis != nil)
	return res, nil
}

type outcome struct {
	agentID string
	output  agent.Output
	err     error
}

// runAgents runs ids concurrently. Outcomes come back in the order of ids,
// whatever order the agents finish in.
func (c *Conductor) runAgents(ctx context.Context, logger *slog.Logger, ids []string, query string, onStep agent.StepFunc) []outcome {
	outcomes := make([]outcome, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = c.runOne(ctx, logger, id, query, onStep)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (c *Conductor) runOne(ctx context.Context, logger *slog.Logger, id, query string, onStep agent.StepFunc) (oc outcome) {
	oc.agentID = id
	defer func() {
		if rec := recover(); rec != nil {
			oc.err = fmt.Errorf("agent %s panicked: %v", id, rec)
		}
		if oc.err != nil {
			logger.Warn("agent failed", "agent_id", id, "error", oc.err)
		}
	}()
	def, ok := c.agents.Get(id)
	if !ok {
		oc.err = fmt.Errorf("unknown agent %q", id)
		return oc
	}
	runID := shared.NewRunID()
	ctx = shared.WithRunID(ctx, runID)
	out, err := c.runner.Run(ctx, def, query, onStep)
	if err != nil {
		oc.err = err
		return oc
	}
	oc.output = out
	if c.opts.Persister != nil {
		if _, err := c.opts.Persister.Persist(ctx, out, findings.Source{RunID: runID}); err != nil {
			logger.Warn("persist findings failed", "agent_id", id, "run_id", runID, "error", err)
		}
	}
	return oc
}

func (c *Conductor) collect(res *Result, outcomes []outcome) {
	for _, oc := range outcomes {
		if oc.err != nil {
			res.Failures[oc.agentID] = oc.err.Error()
			continue
		}
		res.Outputs = append(res.Outputs, oc.output)
	}
}

func (c *Conductor) publish(topic string, payload any) {
	if c.opts.Bus != nil {
		c.opts.Bus.Publish(topic, payload)
	}
}

func failureDetail(failures map[string]string) string {
	if len(failures) == 0 {
		return "no agent produced an output"
	}
	parts := make([]string, 0, len(failures))
	for _, id := range slices.Sorted(maps.Keys(failures)) {
		parts = append(parts, id+": "+failures[id])
	}
	return "all agents failed: " + strings.Join(parts, "; ")
}

func joinSummaries(outs []agent.Output) string {
	var b strings.Builder
	for i, o := range outs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", o.AgentID, o.Summary)
	}
	return b.String()
}
