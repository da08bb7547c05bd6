// Package orchestrator runs proactive scans: every enabled (agent,
// directive) pair under a concurrency gate, then finding persistence,
// per-entity briefs and one cross-entity synthesis. Progress is written to
// the scan record at each phase boundary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/basket/go-inquest/internal/agent"
	"github.com/basket/go-inquest/internal/bus"
	"github.com/basket/go-inquest/internal/config"
	"github.com/basket/go-inquest/internal/findings"
	"github.com/basket/go-inquest/internal/otel"
	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/reasoning"
	"github.com/basket/go-inquest/internal/shared"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultConcurrency = 4
	defaultErrorDetail = 500

	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// AgentRunner runs one agent loop. *agent.Runner implements it.
type AgentRunner interface {
	Run(ctx context.Context, def agent.Definition, query string, onStep agent.StepFunc) (agent.Output, error)
}

// Persister stores the findings of one output. *findings.Persister implements it.
type Persister interface {
	Persist(ctx context.Context, out agent.Output, src findings.Source) (findings.Result, error)
}

// Clearer empties a cache namespace.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Catalog returns the directives a scan should execute.
type Catalog func(ctx context.Context) ([]config.Directive, error)

type Options struct {
	Concurrency       int
	ErrorDetailLimit  int
	Temperature       float64
	StructuredRetries int
	// ToolCache is cleared before executions when ClearToolCache is set.
	ToolCache      Clearer
	ClearToolCache bool

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Orchestrator holds no persistence handle of its own; every step opens a
// session from the store and closes it before the next reasoning call.
type Orchestrator struct {
	store     findings.Sessioner
	client    reasoning.Client
	agents    *agent.Registry
	runner    AgentRunner
	persister Persister
	prompts   agent.Renderer
	catalog   Catalog
	opts      Options
	logger    *slog.Logger

	wg      sync.WaitGroup
	active  atomic.Int32
	running atomic.Int32
}

func New(store findings.Sessioner, client reasoning.Client, agents *agent.Registry, runner AgentRunner,
	persister Persister, prompts agent.Renderer, catalog Catalog, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.ErrorDetailLimit <= 0 {
		opts.ErrorDetailLimit = defaultErrorDetail
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		client:    client,
		agents:    agents,
		runner:    runner,
		persister: persister,
		prompts:   prompts,
		catalog:   catalog,
		opts:      opts,
		logger:    opts.Logger.With("component", "orchestrator"),
	}
}

type Status struct {
	Concurrency      int   `json:"concurrency"`
	ScansRunning     int32 `json:"scans_running"`
	ActiveExecutions int32 `json:"active_executions"`
}

func (o *Orchestrator) Status() Status {
	return Status{
		Concurrency:      o.opts.Concurrency,
		ScansRunning:     o.running.Load(),
		ActiveExecutions: o.active.Load(),
	}
}

// Running reports whether any scan is executing.
func (o *Orchestrator) Running() bool {
	return o.running.Load() > 0
}

// RunScan creates a scan and runs it to completion. It never returns an
// error: failures end up in the returned record's status and detail.
func (o *Orchestrator) RunScan(ctx context.Context, trigger string) persistence.Scan {
	sc, err := o.create(ctx, trigger)
	if err != nil {
		o.logger.Error("scan setup failed", "trigger", trigger, "error", err)
		return persistence.Scan{
			Trigger:     trigger,
			Status:      persistence.ScanFailed,
			ErrorDetail: shared.Truncate(err.Error(), o.opts.ErrorDetailLimit),
		}
	}
	return o.execute(ctx, sc)
}

// StartScan creates a scan record and runs it in the background. The scan
// outlives ctx; use Wait to block until background scans finish.
func (o *Orchestrator) StartScan(ctx context.Context, trigger string) (persistence.Scan, error) {
	sc, err := o.create(ctx, trigger)
	if err != nil {
		return persistence.Scan{}, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(context.WithoutCancel(ctx), sc)
	}()
	return sc, nil
}

// Wait blocks until every scan started with StartScan has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) GetScan(ctx context.Context, id string) (persistence.Scan, error) {
	sess, err := o.store.Session(ctx)
	if err != nil {
		return persistence.Scan{}, err
	}
	defer sess.Close()
	return sess.GetScan(ctx, id)
}

func (o *Orchestrator) ListScans(ctx context.Context, status persistence.ScanStatus, limit int) ([]persistence.Scan, error) {
	sess, err := o.store.Session(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.ListScans(ctx, status, limit)
}

func (o *Orchestrator) create(ctx context.Context, trigger string) (persistence.Scan, error) {
	if trigger == "" {
		trigger = TriggerManual
	}
	var sc persistence.Scan
	err := o.withSession(ctx, func(s *persistence.Session) error {
		var err error
		sc, err = s.CreateScan(ctx, trigger)
		return err
	})
	return sc, err
}

// withSession runs fn on a fresh session and releases it.
func (o *Orchestrator) withSession(ctx context.Context, fn func(*persistence.Session) error) error {
	sess, err := o.store.Session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(sess)
}

// execute drives sc from pending to a terminal status.
func (o *Orchestrator) execute(ctx context.Context, sc persistence.Scan) (final persistence.Scan) {
	o.running.Add(1)
	defer o.running.Add(-1)

	ctx = shared.WithScanID(ctx, sc.ID)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := o.logger.With("scan_id", sc.ID, "trigger", sc.Trigger, "trace_id", shared.TraceID(ctx))
	ctx, span := otel.StartSpan(ctx, o.opts.Tracer, "scan.run", otel.AttrScanID.String(sc.ID))

	var runErr error
	defer func() {
		if rec := recover(); rec != nil {
			runErr = fmt.Errorf("scan panicked: %v", rec)
			o.fail(ctx, logger, sc.ID, runErr)
		}
		otel.EndSpan(span, runErr)
		got, err := o.GetScan(context.WithoutCancel(ctx), sc.ID)
		if err != nil {
			logger.Warn("reload scan failed", "error", err)
			final = sc
			return
		}
		final = got
	}()

	if err := o.withSession(ctx, func(s *persistence.Session) error {
		return s.TransitionScan(ctx, sc.ID, persistence.ScanRunning, "")
	}); err != nil {
		runErr = err
		o.fail(ctx, logger, sc.ID, fmt.Errorf("start scan: %w", err))
		return
	}
	logger.Info("scan started")

	runErr = o.run(ctx, logger, sc.ID)
	if runErr != nil {
		o.fail(ctx, logger, sc.ID, runErr)
	}
	return
}

var errAllExecutionsFailed = errors.New("all executions failed")

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, scanID string) error {
	directives, err := o.catalog(ctx)
	if err != nil {
		return fmt.Errorf("load directives: %w", err)
	}
	enabled := make([]config.Directive, 0, len(directives))
	ids := make([]string, 0, len(directives))
	for _, d := range directives {
		if !d.IsEnabled() {
			continue
		}
		enabled = append(enabled, d)
		ids = append(ids, d.ID)
	}
	p := &progress{ScanProgress: persistence.ScanProgress{Directives: ids, AgentResults: []persistence.AgentResult{}}}
	if err := o.record(ctx, scanID, p); err != nil {
		return err
	}

	if o.opts.ClearToolCache && o.opts.ToolCache != nil {
		if err := o.opts.ToolCache.Clear(ctx); err != nil {
			logger.Warn("clear tool cache failed", "error", err)
		}
	}

	execs := o.executeAll(ctx, logger, scanID, enabled, p)
	failed := 0
	for _, e := range execs {
		if e.err != nil {
			failed++
		}
	}
	if len(execs) > 0 && failed == len(execs) {
		return fmt.Errorf("%w: %s", errAllExecutionsFailed, execs[0].err)
	}

	entities := o.persistAll(ctx, logger, scanID, execs, p)
	if err := o.record(ctx, scanID, p); err != nil {
		return err
	}

	briefs, briefFailures := o.generateBriefs(ctx, logger, scanID, entities, execs, p)
	if err := o.record(ctx, scanID, p); err != nil {
		return err
	}

	if len(briefs) > 0 {
		p.Summary = o.crossEntity(ctx, logger, scanID, briefs)
		if err := o.record(ctx, scanID, p); err != nil {
			return err
		}
	}

	note := completionNote(failed, len(execs), briefFailures)
	if err := o.withSession(ctx, func(s *persistence.Session) error {
		return s.TransitionScan(ctx, scanID, persistence.ScanCompleted, shared.Truncate(note, o.opts.ErrorDetailLimit))
	}); err != nil {
		return fmt.Errorf("complete scan: %w", err)
	}
	logger.Info("scan completed", "executions", len(execs), "failed", failed,
		"findings", p.FindingsCount, "alerts", p.AlertsCount, "briefs", p.BriefsCount)
	return nil
}

// fail marks the scan failed with a truncated detail. A scan already in a
// terminal state is left alone.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, scanID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	detail := shared.Truncate(cause.Error(), o.opts.ErrorDetailLimit)
	err := o.withSession(ctx, func(s *persistence.Session) error {
		return s.TransitionScan(ctx, scanID, persistence.ScanFailed, detail)
	})
	if err != nil && !errors.Is(err, persistence.ErrIllegalTransition) {
		logger.Error("mark scan failed", "error", err, "cause", cause)
		return
	}
	logger.Warn("scan failed", "error", detail)
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.opts.Bus != nil {
		o.opts.Bus.Publish(topic, payload)
	}
}

func completionNote(failed, total, briefFailures int) string {
	var note string
	if failed > 0 {
		note = fmt.Sprintf("%d of %d executions failed", failed, total)
	}
	if briefFailures > 0 {
		if note != "" {
			note += "; "
		}
		note += fmt.Sprintf("%d briefs failed", briefFailures)
	}
	return note
}
