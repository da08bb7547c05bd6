package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-inquest/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// CircuitBreaker tracks failure counts and trip state for a single provider.
type CircuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// FailoverOptions tune NewFailoverClient. Zero values take defaults.
type FailoverOptions struct {
	Threshold int           // failures before tripping (default 5)
	Cooldown  time.Duration // time before resetting (default 5min)
	KV        KVStore
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
}

// FailoverClient tries the primary provider first, then each fallback in
// order, skipping providers whose circuit breaker is tripped.
type FailoverClient struct {
	primary   Provider
	fallbacks []Provider
	breakers  map[string]*CircuitBreaker

	mu             sync.Mutex
	threshold      int
	cooldownPeriod time.Duration
	kvStore        KVStore

	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

func NewFailoverClient(primary Provider, fallbacks []Provider, opts FailoverOptions) *FailoverClient {
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	breakers := make(map[string]*CircuitBreaker)
	breakers[primary.Name()] = &CircuitBreaker{}
	for _, fb := range fallbacks {
		breakers[fb.Name()] = &CircuitBreaker{}
	}

	return &FailoverClient{
		primary:        primary,
		fallbacks:      fallbacks,
		breakers:       breakers,
		threshold:      opts.Threshold,
		cooldownPeriod: opts.Cooldown,
		kvStore:        opts.KV,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
	}
}

func (fc *FailoverClient) Generate(ctx context.Context, req Request) (Response, error) {
	return fc.generate(ctx, req, false)
}

func (fc *FailoverClient) GenerateStructured(ctx context.Context, req Request) (Response, error) {
	return fc.generate(ctx, req, true)
}

func (fc *FailoverClient) generate(ctx context.Context, req Request, structured bool) (resp Response, err error) {
	ctx, span := otel.StartClientSpan(ctx, fc.tracer, "reasoning.generate")
	defer func() {
		span.SetAttributes(otel.AttrModel.String(resp.Model), otel.AttrFallback.Bool(resp.IsFallback),
			otel.AttrTokensInput.Int(resp.Usage.InputTokens), otel.AttrTokensOutput.Int(resp.Usage.OutputTokens))
		otel.EndSpan(span, err)
	}()

	candidates := append([]Provider{fc.primary}, fc.fallbacks...)
	var lastErr error

	for i, c := range candidates {
		if fc.isTripped(c.Name()) {
			fc.logger.Info("failover: skipping tripped provider", "provider", c.Name())
			continue
		}

		start := time.Now()
		out, err := c.Generate(ctx, req, structured)
		if err == nil {
			fc.recordSuccess(ctx, c.Name())
			out.IsFallback = i > 0
			fillUsage(req, &out)
			fc.metrics.RecordLLMCall(ctx, out.Model, time.Since(start), out.Usage.InputTokens, out.Usage.OutputTokens,
				EstimateCost(out.Model, out.Usage))
			return out, nil
		}

		lastErr = err
		fc.recordFailure(ctx, c.Name())
		ec := ClassifyError(err)
		fc.logger.Warn("failover: provider failed",
			"provider", c.Name(),
			"error_class", string(ec),
			"error", err,
		)

		// The prompt is the same everywhere, so an overflow will not fit elsewhere.
		if ec == ErrorClassContextOverflow {
			return Response{}, fmt.Errorf("failover: context overflow from %s: %w", c.Name(), err)
		}
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("failover: %w", ctx.Err())
		}
	}

	if lastErr == nil {
		return Response{}, fmt.Errorf("failover: every provider is tripped: %w", ErrNoProvider)
	}
	return Response{}, fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// isTripped reports whether the named breaker is open and still cooling down.
func (fc *FailoverClient) isTripped(name string) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if time.Since(cb.lastFailure) >= fc.cooldownPeriod {
		cb.tripped = false
		cb.failures = 0
		fc.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (fc *FailoverClient) recordFailure(ctx context.Context, name string) {
	fc.mu.Lock()
	cb, ok := fc.breakers[name]
	if !ok {
		cb = &CircuitBreaker{}
		fc.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= fc.threshold && !cb.tripped {
		cb.tripped = true
		fc.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	state := breakerState{Failures: cb.failures, LastFailure: cb.lastFailure, Tripped: cb.tripped}
	fc.mu.Unlock()

	fc.persistBreakerState(ctx, name, state)
}

func (fc *FailoverClient) recordSuccess(ctx context.Context, name string) {
	fc.mu.Lock()
	cb, ok := fc.breakers[name]
	if !ok {
		fc.mu.Unlock()
		return
	}
	dirty := cb.failures != 0 || cb.tripped
	cb.failures = 0
	cb.tripped = false
	state := breakerState{LastFailure: cb.lastFailure}
	fc.mu.Unlock()

	if dirty {
		fc.persistBreakerState(ctx, name, state)
	}
}

// persistBreakerState saves a single breaker's state under cb:<name>.
func (fc *FailoverClient) persistBreakerState(ctx context.Context, name string, state breakerState) {
	if fc.kvStore == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := fc.kvStore.KVSet(context.WithoutCancel(ctx), "cb:"+name, string(data)); err != nil {
		fc.logger.Warn("failover: persist breaker state failed", "provider", name, "error", err)
	}
}

// LoadBreakerState restores circuit breaker state from the KV store.
func (fc *FailoverClient) LoadBreakerState(ctx context.Context) {
	if fc.kvStore == nil {
		return
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for name, cb := range fc.breakers {
		val, err := fc.kvStore.KVGet(ctx, "cb:"+name)
		if err != nil || val == "" {
			continue
		}
		var state breakerState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		cb.failures = state.Failures
		cb.lastFailure = state.LastFailure
		cb.tripped = state.Tripped
	}
}

// BreakerStatus reports per-provider breaker state for diagnostics.
func (fc *FailoverClient) BreakerStatus() map[string]bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make(map[string]bool, len(fc.breakers))
	for name, cb := range fc.breakers {
		out[name] = cb.tripped
	}
	return out
}
