package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/basket/go-inquest/internal/agent"
	"github.com/basket/go-inquest/internal/bus"
	"github.com/basket/go-inquest/internal/cache"
	"github.com/basket/go-inquest/internal/conductor"
	"github.com/basket/go-inquest/internal/config"
	"github.com/basket/go-inquest/internal/findings"
	otelPkg "github.com/basket/go-inquest/internal/otel"
	"github.com/basket/go-inquest/internal/orchestrator"
	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/prompts"
	"github.com/basket/go-inquest/internal/reasoning"
	"github.com/basket/go-inquest/internal/tools"
)

const (
	toolNamespace      = "tools"
	reasoningNamespace = "reasoning"
)

// app is the fully wired engine used by investigate, scan and daemon.
type app struct {
	cfg    config.Config
	live   atomic.Pointer[config.Config]
	logger *slog.Logger
	bus    *bus.Bus
	otel   *otelPkg.Provider

	store     *persistence.Store
	dataset   *sql.DB
	toolCache *cache.Cache
	failover  *reasoning.FailoverClient

	prompts      *prompts.Registry
	agents       *agent.Registry
	tools        *tools.Registry
	conductor    *conductor.Conductor
	orchestrator *orchestrator.Orchestrator

	closers []func()
	// inflight counts foreground work that may outlive the live view.
	inflight sync.WaitGroup
}

func openStore(cfg config.Config, b *bus.Bus) (*persistence.Store, error) {
	store, err := persistence.Open(cfg.DBPath, persistence.Options{PoolSize: cfg.Store.PoolSize, Bus: b})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, bus: bus.New()}
	a.live.Store(&cfg)
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.otel, err = otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		Version:        Version,
	})
	if err != nil {
		return a, fmt.Errorf("init otel: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.otel.Shutdown(context.Background()) })
	metrics, err := otelPkg.NewMetrics(a.otel.Meter)
	if err != nil {
		return a, fmt.Errorf("init metrics: %w", err)
	}
	tracer := a.otel.Tracer

	if a.store, err = openStore(cfg, a.bus); err != nil {
		return a, err
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	if a.dataset, err = tools.OpenDataset(cfg.DatasetPath); err != nil {
		return a, err
	}
	a.closers = append(a.closers, func() { _ = a.dataset.Close() })

	a.toolCache, err = cache.New(toolNamespace, cache.Options{
		Capacity: cfg.Cache.Capacity, Store: a.store, Logger: logger, Metrics: metrics,
	})
	if err != nil {
		return a, err
	}
	reasoningCache, err := cache.New(reasoningNamespace, cache.Options{
		Capacity: cfg.Cache.ReasoningCapacity, Store: a.store, Logger: logger, Metrics: metrics,
	})
	if err != nil {
		return a, err
	}

	a.failover, err = reasoning.NewFromConfig(ctx, cfg, reasoning.Deps{
		KV: a.store, Logger: logger, Metrics: metrics, Tracer: tracer,
	})
	if err != nil {
		return a, fmt.Errorf("reasoning client: %w", err)
	}
	client := reasoning.NewCached(a.failover, reasoningCache)

	a.tools = tools.NewRegistry(tools.Options{Cache: a.toolCache, Logger: logger, Metrics: metrics, Tracer: tracer})
	if err := tools.RegisterSQL(a.tools, a.dataset, cfg.Tools); err != nil {
		return a, fmt.Errorf("register tools: %w", err)
	}
	if err := a.tools.Register(findings.PriorFindingsTool(a.store)); err != nil {
		return a, fmt.Errorf("register tools: %w", err)
	}

	if a.prompts, err = prompts.New(cfg.PromptsDir); err != nil {
		return a, fmt.Errorf("load prompts: %w", err)
	}
	if err := a.prompts.Require(prompts.Builtin...); err != nil {
		return a, err
	}
	if a.agents, err = agent.RegistryFromConfig(cfg); err != nil {
		return a, fmt.Errorf("load agents: %w", err)
	}
	if err := a.agents.Check(a.tools.Has, a.prompts.Require); err != nil {
		return a, fmt.Errorf("check agents: %w", err)
	}

	runner := agent.NewRunner(client, a.tools, a.prompts, agent.Options{
		MaxIterations:     cfg.Loop.MaxIterations,
		Temperature:       cfg.LLM.Temperature,
		StructuredRetries: cfg.LLM.StructuredRetries,
		Bus:               a.bus,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            tracer,
	})
	persister := findings.NewPersister(a.store, findings.Options{
		AlertSeverities: cfg.Scan.AlertSeverities,
		Logger:          logger,
		Metrics:         metrics,
	})

	a.conductor = conductor.New(client, a.agents, runner, a.prompts, conductor.Options{
		FallbackAgent:       cfg.Conductor.FallbackAgent,
		MaxRerouteAgents:    cfg.Conductor.MaxRerouteAgents,
		PriorInvestigations: cfg.Conductor.PriorInvestigations,
		Temperature:         cfg.LLM.Temperature,
		StructuredRetries:   cfg.LLM.StructuredRetries,
		ErrorDetailLimit:    cfg.Scan.ErrorDetailLimit,
		Persister:           persister,
		Records:             a.store,
		Bus:                 a.bus,
		Logger:              logger,
		Tracer:              tracer,
	})

	a.orchestrator = orchestrator.New(a.store, client, a.agents, runner, persister, a.prompts,
		directiveCatalog(a.live.Load, logger), orchestrator.Options{
			Concurrency:       cfg.Scan.Concurrency,
			ErrorDetailLimit:  cfg.Scan.ErrorDetailLimit,
			Temperature:       cfg.LLM.Temperature,
			StructuredRetries: cfg.LLM.StructuredRetries,
			ToolCache:         a.toolCache,
			ClearToolCache:    cfg.Scan.ClearToolCache,
			Bus:               a.bus,
			Logger:            logger,
			Metrics:           metrics,
			Tracer:            tracer,
		})
	return a, nil
}

// directiveCatalog reads the directive file on every scan so edits apply to
// the next run without a restart.
func directiveCatalog(current func() *config.Config, logger *slog.Logger) orchestrator.Catalog {
	return func(ctx context.Context) ([]config.Directive, error) {
		cfg := current()
		all, err := config.LoadDirectives(cfg.DirectivesPath())
		if err != nil {
			return nil, err
		}
		enabled, orphaned := cfg.EnabledDirectives(all)
		for _, d := range orphaned {
			logger.Warn("directive names unknown agent, skipped", "directive_id", d.ID, "agent_id", d.AgentID)
		}
		return enabled, nil
	}
}

// reload applies an edited home to the running engine: prompt overrides and
// the agent set. Anything else in config.yaml needs a restart. A bad edit
// leaves the previous state live.
func (a *app) reload() error {
	next, err := config.LoadFrom(a.cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	if err := a.prompts.Reload(); err != nil {
		return err
	}
	candidate, err := agent.RegistryFromConfig(next)
	if err != nil {
		return fmt.Errorf("reload agents: %w", err)
	}
	if err := candidate.Check(a.tools.Has, a.prompts.Require); err != nil {
		return fmt.Errorf("reload agents: %w", err)
	}
	if err := a.agents.Replace(candidate.List()); err != nil {
		return fmt.Errorf("reload agents: %w", err)
	}
	a.live.Store(&next)
	return nil
}

// track wraps fn so Close waits for it even when the caller stopped
// watching before it returned.
func (a *app) track(fn func(context.Context) (string, error)) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		a.inflight.Add(1)
		defer a.inflight.Done()
		return fn(ctx)
	}
}

// Close waits for in-flight work and background scans, then releases
// resources in reverse order.
func (a *app) Close() {
	a.inflight.Wait()
	if a.orchestrator != nil {
		a.orchestrator.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
