// Package agent runs the fixed Perceive, Reason, Plan, Act, Reflect loop.
// Agents are data (a Definition); the Runner is the only driver.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-inquest/internal/bus"
	"github.com/basket/go-inquest/internal/config"
	"github.com/basket/go-inquest/internal/otel"
	"github.com/basket/go-inquest/internal/prompts"
	"github.com/basket/go-inquest/internal/reasoning"
	"github.com/basket/go-inquest/internal/shared"
	"github.com/basket/go-inquest/internal/tools"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxIterations = 3
	actConcurrency       = 4
	gapReflectUnparsable = "reflection unparseable"
	gapPlanUnparsable    = "plan unparseable"
)

// ToolInvoker is the part of the tool registry the loop uses.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) tools.Result
	Catalog() string
}

// Renderer renders named prompt templates.
type Renderer interface {
	Render(name string, vars map[string]any) (string, error)
}

// StepFunc observes phase boundaries. Errors and panics are logged and
// otherwise ignored.
type StepFunc func(ctx context.Context, phase Phase, agentID string, payload map[string]any) error

// Definition describes one agent: identity, perception battery and prompts.
type Definition struct {
	ID            string
	Name          string
	Description   string
	FindingType   string
	SystemPrompt  string
	MaxIterations int
	Perception    []config.PerceptionCall
	// Templates overrides the template name per phase, keyed by Phase.String().
	Templates map[string]string
}

// DefinitionFromConfig converts an agent config entry.
func DefinitionFromConfig(c config.AgentConfig) Definition {
	ft := c.FindingType
	if ft == "" {
		ft = c.ID
	}
	return Definition{
		ID:            c.ID,
		Name:          c.Name,
		Description:   c.Description,
		FindingType:   ft,
		SystemPrompt:  c.SystemPrompt,
		MaxIterations: c.MaxIterations,
		Perception:    c.Perception,
		Templates:     c.Templates,
	}
}

func (d Definition) template(p Phase) string {
	if name := d.Templates[p.String()]; name != "" {
		return name
	}
	switch p {
	case PhaseReason:
		return prompts.Reason
	case PhasePlan:
		return prompts.Plan
	case PhaseReflect:
		return prompts.Reflect
	}
	return ""
}

type Options struct {
	MaxIterations     int
	Temperature       float64
	StructuredRetries int
	Bus               *bus.Bus
	Logger            *slog.Logger
	Metrics           *otel.Metrics
	Tracer            trace.Tracer
}

// Runner drives loop runs. It holds no per-run state and is safe for
// concurrent use.
type Runner struct {
	client  reasoning.Client
	tools   ToolInvoker
	prompts Renderer

	maxIterations int
	temperature   float64
	retries       int
	bus           *bus.Bus
	logger        *slog.Logger
	metrics       *otel.Metrics
	tracer        trace.Tracer
}

func NewRunner(client reasoning.Client, t ToolInvoker, p Renderer, opts Options) *Runner {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.StructuredRetries < 0 {
		opts.StructuredRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		client:        client,
		tools:         t,
		prompts:       p,
		maxIterations: opts.MaxIterations,
		temperature:   opts.Temperature,
		retries:       opts.StructuredRetries,
		bus:           opts.Bus,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
	}
}

// Run executes the loop for def until Reflect reports the goal satisfied or
// the iteration cap is reached. A Reason failure aborts the run; Plan and
// Reflect failures degrade and the run continues.
func (r *Runner) Run(ctx context.Context, def Definition, query string, onStep StepFunc) (out Output, err error) {
	ctx = shared.WithAgentID(ctx, def.ID)
	logger := r.logger.With(append([]any{"component", "agent"}, shared.LogAttrs(ctx)...)...)
	ctx, span := otel.StartSpan(ctx, r.tracer, "agent.run", otel.AttrAgentID.String(def.ID))
	r.metrics.AgentStarted(ctx)
	defer func() {
		r.metrics.AgentStopped(ctx)
		outcome := "ok"
		ev := bus.AgentEvent{AgentID: def.ID, RunID: shared.RunID(ctx), Severity: out.Severity,
			Findings: len(out.Findings), Iterations: out.Iterations}
		topic := bus.TopicAgentCompleted
		if err != nil {
			outcome = "failed"
			ev.Error = err.Error()
			topic = bus.TopicAgentFailed
		}
		r.metrics.RecordAgentRun(ctx, def.ID, outcome)
		r.publish(topic, ev)
		otel.EndSpan(span, err)
	}()

	maxIter := def.MaxIterations
	if maxIter <= 0 {
		maxIter = r.maxIterations
	}
	ac := &Context{Query: query, MaxIterations: maxIter}

	for ac.Iteration = 1; ac.Iteration <= ac.MaxIterations; ac.Iteration++ {
		if err := ctx.Err(); err != nil {
			return Output{}, fmt.Errorf("agent %s: %w", def.ID, err)
		}
		for _, phase := range Phases {
			if err := r.runPhase(ctx, logger, def, ac, phase, onStep); err != nil {
				logger.Warn("agent run aborted", "phase", phase.String(), "iteration", ac.Iteration, "error", err)
				return Output{}, fmt.Errorf("agent %s %s (iteration %d): %w", def.ID, phase, ac.Iteration, err)
			}
		}
		if ac.GoalSatisfied {
			break
		}
	}
	if ac.Iteration > ac.MaxIterations {
		ac.Iteration = ac.MaxIterations
	}
	out = buildOutput(def, ac)
	logger.Info("agent run completed", "iterations", out.Iterations, "findings", len(out.Findings),
		"severity", out.Severity, "complete", out.Complete)
	return out, nil
}

func (r *Runner) runPhase(ctx context.Context, logger *slog.Logger, def Definition, ac *Context, phase Phase, onStep StepFunc) error {
	ctx, span := otel.StartSpan(ctx, r.tracer, "agent.phase",
		otel.AttrAgentID.String(def.ID), otel.AttrPhase.String(phase.String()), otel.AttrIteration.Int(ac.Iteration))
	r.step(ctx, logger, onStep, def.ID, ac, phase, "start", map[string]any{"iteration": ac.Iteration})

	start := time.Now()
	var (
		err     error
		payload map[string]any
	)
	switch phase {
	case PhasePerceive:
		payload = r.perceive(ctx, def, ac)
	case PhaseReason:
		payload, err = r.reason(ctx, def, ac)
	case PhasePlan:
		payload, err = r.plan(ctx, logger, def, ac)
	case PhaseAct:
		payload = r.act(ctx, ac)
	case PhaseReflect:
		payload, err = r.reflect(ctx, logger, def, ac)
	}
	d := time.Since(start)
	r.metrics.RecordPhase(ctx, def.ID, phase.String(), d)
	otel.EndSpan(span, err)
	if err != nil {
		ac.trace(phase, "failed: "+err.Error(), d)
		return err
	}
	ac.trace(phase, summarize(payload), d)

	if payload == nil {
		payload = map[string]any{}
	}
	payload["iteration"] = ac.Iteration
	r.step(ctx, logger, onStep, def.ID, ac, phase, "end", payload)
	return nil
}

// step fires the callback and the bus event. Neither can fail the run.
func (r *Runner) step(ctx context.Context, logger *slog.Logger, onStep StepFunc, agentID string, ac *Context, phase Phase, stage string, payload map[string]any) {
	r.publish(bus.TopicAgentStep, bus.StepEvent{
		AgentID:   agentID,
		RunID:     shared.RunID(ctx),
		Phase:     phase.String(),
		Stage:     stage,
		Iteration: ac.Iteration,
		Payload:   payload,
		At:        time.Now().UTC(),
	})
	if onStep == nil {
		return
	}
	p := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		p[k] = v
	}
	p["stage"] = stage
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Warn("step callback panicked", "phase", phase.String(), "stage", stage, "panic", fmt.Sprint(rec))
			}
		}()
		if err := onStep(ctx, phase, agentID, p); err != nil {
			logger.Warn("step callback failed", "phase", phase.String(), "stage", stage, "error", err)
		}
	}()
}

func (r *Runner) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

// perceive runs the battery concurrently. A failed call is stored as an
// empty result under its key.
func (r *Runner) perceive(ctx context.Context, def Definition, ac *Context) map[string]any {
	snapshot := make(map[string]tools.Result, len(def.Perception))
	var (
		mu     sync.Mutex
		failed []string
		g      errgroup.Group
	)
	for _, call := range def.Perception {
		g.Go(func() error {
			res := r.tools.Invoke(ctx, call.Tool, call.Args)
			if !res.Success {
				res = tools.Result{ToolName: call.Tool, Success: false, Data: []byte("[]"), Error: res.Error}
			}
			mu.Lock()
			snapshot[call.Key] = res
			if !res.Success {
				failed = append(failed, call.Key)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	ac.Perception = snapshot
	return map[string]any{"keys": len(snapshot), "failed": failed}
}

type reasonReply struct {
	Hypotheses []Hypothesis `json:"hypotheses"`
}

func (r *Runner) reason(ctx context.Context, def Definition, ac *Context) (map[string]any, error) {
	var gaps []string
	if ac.Reflection != nil {
		gaps = ac.Reflection.Gaps
	}
	prompt, err := r.prompts.Render(def.template(PhaseReason), map[string]any{
		"Query":         ac.Query,
		"Iteration":     ac.Iteration,
		"MaxIterations": ac.MaxIterations,
		"Perception":    ac.Perception,
		"Gaps":          gaps,
	})
	if err != nil {
		return nil, err
	}
	var reply reasonReply
	if _, err := reasoning.GenerateJSON(ctx, r.client, r.request(def, prompt), reasonSchema, r.retries, &reply); err != nil {
		return nil, err
	}
	ac.Hypotheses = reply.Hypotheses
	return map[string]any{"hypotheses": len(reply.Hypotheses)}, nil
}

type planReply struct {
	Steps []PlanStep `json:"steps"`
}

func (r *Runner) plan(ctx context.Context, logger *slog.Logger, def Definition, ac *Context) (map[string]any, error) {
	var (
		prior []ActionResult
		gaps  []string
	)
	if ac.Iteration > 1 {
		prior = ac.ActionResults
		if ac.Reflection != nil {
			gaps = ac.Reflection.Gaps
		}
	}
	prompt, err := r.prompts.Render(def.template(PhasePlan), map[string]any{
		"Query":        ac.Query,
		"Hypotheses":   ac.Hypotheses,
		"Catalog":      r.tools.Catalog(),
		"PriorResults": prior,
		"Gaps":         gaps,
		"Iteration":    ac.Iteration,
	})
	if err != nil {
		return nil, err
	}
	var reply planReply
	if _, err := reasoning.GenerateJSON(ctx, r.client, r.request(def, prompt), planSchema, r.retries, &reply); err != nil {
		if !errors.Is(err, reasoning.ErrMalformed) {
			return nil, err
		}
		logger.Warn("plan unparseable, continuing with an empty plan", "iteration", ac.Iteration, "error", err)
		ac.Plan = nil
		return map[string]any{"steps": 0, "gap": gapPlanUnparsable}, nil
	}
	ac.Plan = reply.Steps
	return map[string]any{"steps": len(reply.Steps)}, nil
}

// act executes every planned step and appends the results in plan order.
func (r *Runner) act(ctx context.Context, ac *Context) map[string]any {
	if len(ac.Plan) == 0 {
		return map[string]any{"executed": 0}
	}
	results := make([]ActionResult, len(ac.Plan))
	var g errgroup.Group
	g.SetLimit(actConcurrency)
	for i, step := range ac.Plan {
		g.Go(func() error {
			results[i] = ActionResult{Iteration: ac.Iteration, Step: step, Result: r.tools.Invoke(ctx, step.Tool, step.Args)}
			return nil
		})
	}
	_ = g.Wait()
	failed := 0
	for _, res := range results {
		if !res.Result.Success {
			failed++
		}
	}
	ac.ActionResults = append(ac.ActionResults, results...)
	return map[string]any{"executed": len(results), "failed": failed}
}

func (r *Runner) reflect(ctx context.Context, logger *slog.Logger, def Definition, ac *Context) (map[string]any, error) {
	prompt, err := r.prompts.Render(def.template(PhaseReflect), map[string]any{
		"Query":         ac.Query,
		"Hypotheses":    ac.Hypotheses,
		"ActionResults": ac.ActionResults,
	})
	if err != nil {
		return nil, err
	}
	var refl Reflection
	if _, err := reasoning.GenerateJSON(ctx, r.client, r.request(def, prompt), reflectSchema, r.retries, &refl); err != nil {
		if !errors.Is(err, reasoning.ErrMalformed) {
			return nil, err
		}
		logger.Warn("reflection unparseable, keeping the previous one", "iteration", ac.Iteration, "error", err)
		refl = carryReflection(ac.Reflection)
	}
	ac.Reflection = &refl
	ac.GoalSatisfied = refl.GoalSatisfied
	return map[string]any{
		"goal_satisfied": refl.GoalSatisfied,
		"findings":       len(refl.Findings),
		"severity":       refl.OverallSeverity,
	}, nil
}

// carryReflection stands in for an unparseable reflection. Findings and
// severity stay paired so the output never reports a severity its findings
// do not support.
func carryReflection(prev *Reflection) Reflection {
	if prev == nil {
		return Reflection{Gaps: []string{gapReflectUnparsable}}
	}
	return Reflection{
		Findings:          append([]Finding(nil), prev.Findings...),
		OverallSeverity:   prev.OverallSeverity,
		Summary:           prev.Summary,
		Gaps:              append(append([]string(nil), prev.Gaps...), gapReflectUnparsable),
		FollowUpQuestions: append([]string(nil), prev.FollowUpQuestions...),
	}
}

func (r *Runner) request(def Definition, prompt string) reasoning.Request {
	return reasoning.Request{Prompt: prompt, System: def.SystemPrompt, Temperature: r.temperature}
}

func buildOutput(def Definition, ac *Context) Output {
	refl := ac.Reflection
	if refl == nil {
		refl = &Reflection{}
	}
	out := Output{
		AgentID:           def.ID,
		AgentName:         def.Name,
		FindingType:       def.FindingType,
		Severity:          refl.OverallSeverity,
		Summary:           refl.Summary,
		DataSignals:       ac.Perception,
		Trace:             append([]TraceEntry(nil), ac.Trace...),
		Findings:          append([]Finding(nil), refl.Findings...),
		Complete:          ac.GoalSatisfied,
		Gaps:              append([]string(nil), refl.Gaps...),
		FollowUpQuestions: append([]string(nil), refl.FollowUpQuestions...),
		Iterations:        ac.Iteration,
	}
	out.Confidence = meanConfidence(out.Findings)
	if out.Summary == "" {
		out.Summary = fallbackSummary(def, out.Findings)
	}
	out.Detail = renderDetail(ac.Hypotheses, out.Findings)
	return out
}

func meanConfidence(fs []Finding) float64 {
	if len(fs) == 0 {
		return 0.5
	}
	var sum float64
	for _, f := range fs {
		sum += f.Confidence
	}
	return sum / float64(len(fs))
}

func fallbackSummary(def Definition, fs []Finding) string {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	switch len(fs) {
	case 0:
		return name + ": no findings"
	case 1:
		return name + ": " + fs[0].Title
	}
	return fmt.Sprintf("%s: %d findings, led by %s", name, len(fs), fs[0].Title)
}

func renderDetail(hs []Hypothesis, fs []Finding) string {
	var b strings.Builder
	if len(hs) > 0 {
		b.WriteString("Hypotheses:\n")
		for _, h := range hs {
			fmt.Fprintf(&b, "- %s (%.2f)\n", h.Statement, h.Confidence)
		}
	}
	if len(fs) > 0 {
		b.WriteString("Findings:\n")
		for _, f := range fs {
			entity := f.EntityKey
			if entity == "" {
				entity = "-"
			}
			fmt.Fprintf(&b, "- [%s] %s: %s", f.Severity, entity, f.Title)
			if f.Detail != "" {
				b.WriteString(". " + f.Detail)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func summarize(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	parts := make([]string, 0, len(payload))
	for _, k := range []string{"keys", "failed", "hypotheses", "steps", "gap", "executed", "goal_satisfied", "findings", "severity"} {
		if v, ok := payload[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}
