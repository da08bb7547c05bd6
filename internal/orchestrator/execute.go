package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/go-inquest/internal/agent"
	"github.com/basket/go-inquest/internal/bus"
	"github.com/basket/go-inquest/internal/config"
	"github.com/basket/go-inquest/internal/findings"
	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/shared"
	"golang.org/x/sync/errgroup"
)

// progress is the scan's running tally. Writes to the scan record happen
// under mu so the stored counters never go backwards.
type progress struct {
	mu sync.Mutex
	persistence.ScanProgress
}

func (o *Orchestrator) record(ctx context.Context, scanID string, p *progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return o.recordLocked(ctx, scanID, p)
}

func (o *Orchestrator) recordLocked(ctx context.Context, scanID string, p *progress) error {
	snap := p.ScanProgress
	snap.AgentResults = append([]persistence.AgentResult(nil), p.AgentResults...)
	if snap.AgentResults == nil {
		snap.AgentResults = []persistence.AgentResult{}
	}
	if err := o.withSession(ctx, func(s *persistence.Session) error {
		return s.RecordScanProgress(ctx, scanID, snap)
	}); err != nil {
		return fmt.Errorf("record scan progress: %w", err)
	}
	return nil
}

// execution is one (agent, directive) pair and its outcome.
type execution struct {
	directive config.Directive
	runID     string
	output    agent.Output
	err       error
	// slot indexes the execution's entry in progress.AgentResults.
	slot int
}

// executeAll runs every directive with at most Concurrency in flight. A
// slot is taken before the execution starts and released when it ends, so
// a new execution is admitted only once another finishes.
func (o *Orchestrator) executeAll(ctx context.Context, logger *slog.Logger, scanID string, directives []config.Directive, p *progress) []*execution {
	execs := make([]*execution, len(directives))
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, d := range directives {
		execs[i] = &execution{directive: d, runID: shared.NewRunID()}
		g.Go(func() error {
			o.executeOne(ctx, logger, scanID, execs[i])
			o.finishExecution(ctx, logger, scanID, execs[i], p)
			return nil
		})
	}
	_ = g.Wait()
	return execs
}

func (o *Orchestrator) executeOne(ctx context.Context, logger *slog.Logger, scanID string, e *execution) {
	o.active.Add(1)
	defer o.active.Add(-1)
	defer func() {
		if rec := recover(); rec != nil {
			e.err = fmt.Errorf("execution %s panicked: %v", e.directive.ID, rec)
		}
	}()

	d := e.directive
	def, ok := o.agents.Get(d.AgentID)
	if !ok {
		e.err = fmt.Errorf("directive %s names unknown agent %q", d.ID, d.AgentID)
		return
	}
	ctx = shared.WithDirectiveID(ctx, d.ID)
	ctx = shared.WithRunID(ctx, e.runID)
	logger.Debug("execution started", "directive_id", d.ID, "agent_id", d.AgentID, "run_id", e.runID)
	out, err := o.runner.Run(ctx, def, d.Instruction, nil)
	if err != nil {
		e.err = err
		return
	}
	e.output = out
}

// finishExecution records the outcome on the scan as soon as it is known.
func (o *Orchestrator) finishExecution(ctx context.Context, logger *slog.Logger, scanID string, e *execution, p *progress) {
	res := persistence.AgentResult{
		DirectiveID: e.directive.ID,
		AgentID:     e.directive.AgentID,
		Success:     e.err == nil,
	}
	ev := bus.ScanExecutionEvent{ScanID: scanID, AgentID: e.directive.AgentID, DirectiveID: e.directive.ID}
	if e.err != nil {
		res.Error = shared.Truncate(e.err.Error(), o.opts.ErrorDetailLimit)
		ev.Error = res.Error
		logger.Warn("execution failed", "directive_id", e.directive.ID, "agent_id", e.directive.AgentID, "error", e.err)
	} else {
		res.Findings = len(e.output.Findings)
		res.Severity = e.output.Severity
		res.Summary = shared.Truncate(e.output.Summary, o.opts.ErrorDetailLimit)
		ev.Findings = res.Findings
	}
	o.opts.Metrics.RecordScanExecution(ctx, e.directive.AgentID, e.err != nil)
	o.publish(bus.TopicScanExecution, ev)

	p.mu.Lock()
	defer p.mu.Unlock()
	e.slot = len(p.AgentResults)
	p.AgentResults = append(p.AgentResults, res)
	if err := o.recordLocked(ctx, scanID, p); err != nil {
		logger.Warn("record execution progress failed", "directive_id", e.directive.ID, "error", err)
	}
}

// persistAll stores the findings of every successful execution and returns
// the entities they touched. Each Persist call takes its own session.
func (o *Orchestrator) persistAll(ctx context.Context, logger *slog.Logger, scanID string, execs []*execution, p *progress) []string {
	if o.persister == nil {
		return nil
	}
	var (
		mu       sync.Mutex
		entities []string
		seen     = make(map[string]bool)
		g        errgroup.Group
	)
	g.SetLimit(o.opts.Concurrency)
	for _, e := range execs {
		if e.err != nil {
			continue
		}
		g.Go(func() error {
			pctx := shared.WithDirectiveID(shared.WithRunID(ctx, e.runID), e.directive.ID)
			res, err := o.persister.Persist(pctx, e.output, findings.Source{
				ScanID:      scanID,
				RunID:       e.runID,
				DirectiveID: e.directive.ID,
			})
			p.mu.Lock()
			if err != nil {
				logger.Warn("persist findings failed", "directive_id", e.directive.ID, "error", err)
				p.AgentResults[e.slot].Error = shared.Truncate("persist: "+err.Error(), o.opts.ErrorDetailLimit)
			}
			p.FindingsCount += res.Created
			p.AlertsCount += res.Alerts
			p.mu.Unlock()

			mu.Lock()
			for _, ent := range res.Entities {
				if !seen[ent] {
					seen[ent] = true
					entities = append(entities, ent)
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return entities
}
